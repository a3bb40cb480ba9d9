// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"
	"io"

	"github.com/Alvsch/hyperion/pkg/errors"
)

// MaxVarIntLen is the maximum number of bytes a VarInt may occupy on the wire.
const MaxVarIntLen = 5

// readVarInt decodes a VarInt from r one byte at a time, never reading past
// the final byte of the encoding. It returns the value and the number of
// bytes consumed.
func readVarInt(r io.Reader) (int32, int, error) {
	var v uint32
	var n int
	var b [1]byte

	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, n, err
		}
		v |= uint32(b[0]&0x7F) << (7 * uint(n))
		n++

		if b[0]&0x80 == 0 {
			return int32(v), n, nil
		}
		if n == MaxVarIntLen {
			return 0, n, fmt.Errorf("varint exceeds %d bytes: %w", MaxVarIntLen, errors.ErrProtocolViolation)
		}
	}
}

// DecodeVarInt decodes a VarInt from the front of data. It returns the value
// and the number of bytes consumed.
func DecodeVarInt(data []byte) (int32, int, error) {
	var v uint32
	for i := 0; i < len(data); i++ {
		v |= uint32(data[i]&0x7F) << (7 * uint(i))
		if data[i]&0x80 == 0 {
			return int32(v), i + 1, nil
		}
		if i+1 == MaxVarIntLen {
			return 0, i + 1, fmt.Errorf("varint exceeds %d bytes: %w", MaxVarIntLen, errors.ErrProtocolViolation)
		}
	}
	return 0, len(data), errors.ErrTruncatedFrame
}

// AppendVarInt appends the VarInt encoding of v to dst and returns the
// extended slice.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntLen returns the number of bytes the VarInt encoding of v occupies.
func VarIntLen(v int32) int {
	n := 1
	u := uint32(v)
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// DecodeString decodes a VarInt-prefixed UTF-8 string from the front of data.
// It returns the string and the total number of bytes consumed.
func DecodeString(data []byte, maxLen int) (string, int, error) {
	l, n, err := DecodeVarInt(data)
	if err != nil {
		return "", n, err
	}
	if l < 0 || int(l) > maxLen {
		return "", n, fmt.Errorf("string length %d out of range: %w", l, errors.ErrProtocolViolation)
	}
	if len(data) < n+int(l) {
		return "", n, errors.ErrTruncatedFrame
	}
	return string(data[n : n+int(l)]), n + int(l), nil
}

// AppendString appends a VarInt-prefixed UTF-8 string to dst and returns the
// extended slice.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}
