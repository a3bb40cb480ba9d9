// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed framing layer of the proxied
// protocol: a VarInt payload length followed by that many payload bytes.
//
// The Reader performs exact reads only. It never buffers bytes beyond the
// frame it is asked for, so wrapping the source with io.TeeReader captures
// precisely the wire bytes consumed, which the classifier relies on to
// replay the handshake to the backend unmodified.
package frame

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/Alvsch/hyperion/pkg/errors"
)

// DefaultMaxSize is the protocol's maximum frame payload size.
const DefaultMaxSize = 0x1FFFFF

// Frame is one self-delimited protocol message.
type Frame struct {
	// Data is the frame payload: packet ID followed by the packet body.
	Data []byte
}

// ID decodes the packet ID VarInt at the front of the payload and returns it
// together with the remaining body bytes.
func (f *Frame) ID() (int32, []byte, error) {
	id, n, err := DecodeVarInt(f.Data)
	if err != nil {
		return 0, nil, err
	}
	return id, f.Data[n:], nil
}

// Reader extracts frames from a byte stream.
type Reader struct {
	src     io.Reader
	maxSize int
	peeked  []byte
}

// NewReader creates a Reader with the given maximum payload size. A frame
// declaring a larger length causes ErrFrameTooLarge before any payload byte
// is read, bounding the memory a misbehaving peer can make us buffer.
func NewReader(src io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reader{src: src, maxSize: maxSize}
}

// PeekByte reads a single byte ahead without consuming it; the next read
// observes the byte again. Used to detect the unframed legacy ping.
func (r *Reader) PeekByte() (byte, error) {
	if len(r.peeked) > 0 {
		return r.peeked[0], nil
	}
	var b [1]byte
	if _, err := io.ReadFull(r.src, b[:]); err != nil {
		return 0, err
	}
	r.peeked = append(r.peeked, b[0])
	return b[0], nil
}

// Read implements io.Reader, draining any peeked bytes first.
func (r *Reader) Read(p []byte) (int, error) {
	if len(r.peeked) > 0 {
		n := copy(p, r.peeked)
		r.peeked = r.peeked[n:]
		return n, nil
	}
	return r.src.Read(p)
}

// ReadFrame reads exactly one frame. It returns io.EOF when the stream
// closes cleanly on a frame boundary and ErrTruncatedFrame when it closes
// mid-frame.
func (r *Reader) ReadFrame() (*Frame, error) {
	length, n, err := readVarInt(r)
	if err != nil {
		if n == 0 && stderrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.ErrTruncatedFrame
		}
		return nil, err
	}

	if length < 0 || int(length) > r.maxSize {
		return nil, fmt.Errorf("declared length %d exceeds limit %d: %w", length, r.maxSize, errors.ErrFrameTooLarge)
	}

	data := make([]byte, int(length))
	if _, err := io.ReadFull(r, data); err != nil {
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.ErrTruncatedFrame
		}
		return nil, err
	}

	return &Frame{Data: data}, nil
}

// WriteFrame writes payload as one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, VarIntLen(int32(len(payload)))+len(payload))
	buf = AppendVarInt(buf, int32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
