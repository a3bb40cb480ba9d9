// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf16"

	"github.com/Alvsch/hyperion/pkg/errors"
	"github.com/Alvsch/hyperion/pkg/frame"
	"github.com/Alvsch/hyperion/pkg/status"
)

const (
	packetIDStatusRequest = 0x00
	packetIDPing          = 0x01

	// legacyKickByte opens the legacy ping response.
	legacyKickByte = 0xFF
)

// serveStatus answers the status exchange: a status request gets the
// provider's document, a ping gets an identical pong. The exchange ends
// after the pong or when the client closes.
func (c *Classifier) serveStatus(ctx context.Context, rw io.ReadWriter, r *frame.Reader) error {
	// One request plus one ping is the whole protocol; anything chattier
	// gets cut off.
	for i := 0; i < 2; i++ {
		f, err := r.ReadFrame()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		id, body, err := f.ID()
		if err != nil {
			return err
		}

		switch id {
		case packetIDStatusRequest:
			doc, err := c.status.Status(ctx)
			if err != nil {
				return errors.Wrap(err, "status document")
			}
			payload := frame.AppendVarInt(nil, packetIDStatusRequest)
			payload = frame.AppendString(payload, string(doc))
			if err := frame.WriteFrame(rw, payload); err != nil {
				return err
			}

		case packetIDPing:
			if len(body) != 8 {
				return fmt.Errorf("ping payload length %d: %w", len(body), errors.ErrProtocolViolation)
			}
			payload := frame.AppendVarInt(nil, packetIDPing)
			payload = append(payload, body...)
			return frame.WriteFrame(rw, payload)

		default:
			return fmt.Errorf("unexpected status packet 0x%02x: %w", id, errors.ErrProtocolViolation)
		}
	}

	return nil
}

// serveLegacyPing answers the pre-framing server list ping with the
// NUL-delimited kick-style response older clients expect.
func (c *Classifier) serveLegacyPing(ctx context.Context, w io.Writer) error {
	doc := &status.Document{}
	if raw, err := c.status.Status(ctx); err == nil {
		if parsed, err := status.Parse(raw); err == nil {
			doc = parsed
		}
	}

	text := fmt.Sprintf("§1\x00127\x00%s\x00%s\x00%d\x00%d",
		doc.Version.Name, doc.Description.Text, doc.Players.Online, doc.Players.Max)

	units := utf16.Encode([]rune(text))
	buf := make([]byte, 0, 3+2*len(units))
	buf = append(buf, legacyKickByte)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(units)))
	for _, u := range units {
		buf = binary.BigEndian.AppendUint16(buf, u)
	}

	_, err := w.Write(buf)
	return err
}

// writeDisconnect sends a login disconnect with a readable reason. Best
// effort: the connection is being torn down either way.
func (c *Classifier) writeDisconnect(w io.Writer, reason string) {
	msg, err := json.Marshal(status.Chat{Text: reason})
	if err != nil {
		return
	}

	payload := frame.AppendVarInt(nil, 0x00)
	payload = frame.AppendString(payload, string(msg))
	_ = frame.WriteFrame(w, payload)
}
