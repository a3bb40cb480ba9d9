// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alvsch/hyperion/pkg/errors"
	"github.com/Alvsch/hyperion/pkg/frame"
	"github.com/Alvsch/hyperion/pkg/status"
)

type rwBuf struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newRWBuf(in []byte) *rwBuf {
	return &rwBuf{in: bytes.NewReader(in)}
}

func (b *rwBuf) Read(p []byte) (int, error)  { return b.in.Read(p) }
func (b *rwBuf) Write(p []byte) (int, error) { return b.out.Write(p) }

func handshakeFrame(t *testing.T, version int32, addr string, port uint16, next int32) []byte {
	t.Helper()

	payload := frame.AppendVarInt(nil, 0x00)
	payload = frame.AppendVarInt(payload, version)
	payload = frame.AppendString(payload, addr)
	payload = binary.BigEndian.AppendUint16(payload, port)
	payload = frame.AppendVarInt(payload, next)

	var wire bytes.Buffer
	require.NoError(t, frame.WriteFrame(&wire, payload))
	return wire.Bytes()
}

func testProvider() status.Provider {
	return &status.Static{
		VersionName: "1.20.1",
		Protocol:    763,
		MOTD:        "test server",
		MaxPlayers:  100,
	}
}

func TestClassifyLogin(t *testing.T) {
	wire := handshakeFrame(t, 763, "play.example.com", 25565, 2)
	rw := newRWBuf(wire)

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	d, err := c.Classify(context.Background(), rw)
	require.NoError(t, err)

	assert.Equal(t, Forward, d.Kind)
	assert.Equal(t, "backend:25565", d.Target)
	require.NotNil(t, d.Handshake)
	assert.Equal(t, int32(763), d.Handshake.ProtocolVersion)
	assert.Equal(t, "play.example.com", d.Handshake.ServerAddress)
	assert.Equal(t, uint16(25565), d.Handshake.ServerPort)

	// Classification must be transparent: the replay buffer carries the
	// exact wire bytes so the backend sees what the client sent.
	assert.Equal(t, wire, d.Replay)
}

func TestClassifyLoginRoutedByServerAddress(t *testing.T) {
	routes := NewRoutes("fallback:25565")
	routes.Register("lobby.example.com", "lobby:25565")

	c := New(routes, testProvider(), Config{})

	d, err := c.Classify(context.Background(), newRWBuf(handshakeFrame(t, 763, "LOBBY.example.com.", 25565, 2)))
	require.NoError(t, err)
	assert.Equal(t, Forward, d.Kind)
	assert.Equal(t, "lobby:25565", d.Target)
}

func TestClassifyLoginNoRoute(t *testing.T) {
	c := New(NewRoutes(""), testProvider(), Config{})
	rw := newRWBuf(handshakeFrame(t, 763, "play.example.com", 25565, 2))

	d, err := c.Classify(context.Background(), rw)
	require.NoError(t, err)

	assert.Equal(t, Reject, d.Kind)
	assert.ErrorIs(t, d.Reason, errors.ErrRejected)

	// A disconnect frame with a readable reason went back to the client.
	f, err := frame.NewReader(bytes.NewReader(rw.out.Bytes()), frame.DefaultMaxSize).ReadFrame()
	require.NoError(t, err)
	id, body, err := f.ID()
	require.NoError(t, err)
	assert.Equal(t, int32(0x00), id)
	msg, _, err := frame.DecodeString(body, 1024)
	require.NoError(t, err)
	assert.Contains(t, msg, "Unknown server address")
}

func TestClassifyStatusServedLocally(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(handshakeFrame(t, 763, "play.example.com", 25565, 1))
	require.NoError(t, frame.WriteFrame(&wire, []byte{0x00}))                                     // status request
	require.NoError(t, frame.WriteFrame(&wire, []byte{0x01, 1, 2, 3, 4, 5, 6, 7, 8}))             // ping
	rw := newRWBuf(wire.Bytes())

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	d, err := c.Classify(context.Background(), rw)
	require.NoError(t, err)
	require.Equal(t, Local, d.Kind)

	require.NoError(t, d.ServeLocal(context.Background()))

	r := frame.NewReader(bytes.NewReader(rw.out.Bytes()), frame.DefaultMaxSize)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	id, body, err := f.ID()
	require.NoError(t, err)
	assert.Equal(t, int32(0x00), id)

	raw, _, err := frame.DecodeString(body, frame.DefaultMaxSize)
	require.NoError(t, err)
	doc, err := status.Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "1.20.1", doc.Version.Name)
	assert.Equal(t, 763, doc.Version.Protocol)
	assert.Equal(t, "test server", doc.Description.Text)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	id, body, err = f.ID()
	require.NoError(t, err)
	assert.Equal(t, int32(0x01), id)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, body) // pong echoes the payload

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClassifyLegacyPing(t *testing.T) {
	rw := newRWBuf([]byte{0xFE, 0x01})

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	d, err := c.Classify(context.Background(), rw)
	require.NoError(t, err)
	require.Equal(t, Local, d.Kind)

	require.NoError(t, d.ServeLocal(context.Background()))

	out := rw.out.Bytes()
	require.NotEmpty(t, out)
	assert.Equal(t, byte(0xFF), out[0])

	chars := binary.BigEndian.Uint16(out[1:3])
	assert.Equal(t, int(3+2*chars), len(out))
}

func TestClassifyMalformedFirstPacket(t *testing.T) {
	// Well-framed but the wrong packet ID.
	var wire bytes.Buffer
	require.NoError(t, frame.WriteFrame(&wire, []byte{0x7F, 0x01}))

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	_, err := c.Classify(context.Background(), newRWBuf(wire.Bytes()))
	assert.ErrorIs(t, err, errors.ErrProtocolViolation)
}

func TestClassifyOversizedFrame(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(frame.AppendVarInt(nil, 1<<20)) // declared length far beyond the handshake bound

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	_, err := c.Classify(context.Background(), newRWBuf(wire.Bytes()))
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)
}

func TestClassifyTruncatedHandshake(t *testing.T) {
	full := handshakeFrame(t, 763, "play.example.com", 25565, 2)

	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	_, err := c.Classify(context.Background(), newRWBuf(full[:len(full)-4]))
	assert.ErrorIs(t, err, errors.ErrTruncatedFrame)
}

func TestClassifyBadNextState(t *testing.T) {
	c := New(NewRoutes("backend:25565"), testProvider(), Config{})

	_, err := c.Classify(context.Background(), newRWBuf(handshakeFrame(t, 763, "play.example.com", 25565, 9)))
	assert.ErrorIs(t, err, errors.ErrProtocolViolation)
}

func TestClassifyMaxPlayersGate(t *testing.T) {
	c := New(NewRoutes("backend:25565"), testProvider(), Config{
		MaxPlayers: 10,
		ActiveFn:   func() int { return 10 },
	})

	rw := newRWBuf(handshakeFrame(t, 763, "play.example.com", 25565, 2))

	d, err := c.Classify(context.Background(), rw)
	require.NoError(t, err)
	assert.Equal(t, Reject, d.Kind)
	assert.ErrorIs(t, d.Reason, errors.ErrResourceLimited)
	assert.NotZero(t, rw.out.Len()) // client got a disconnect reason
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"Play.Example.COM":        "play.example.com",
		"play.example.com.":       "play.example.com",
		"play.example.com\x00FML": "play.example.com",
	}

	for in, want := range cases {
		assert.Equal(t, want, normalizeAddress(in))
	}
}
