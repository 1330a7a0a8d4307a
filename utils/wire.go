// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"encoding/binary"
	"math"

	"github.com/bassosimone/runtimex"
)

// HeaderSize is the length of the fixed DNS message header.
const HeaderSize = 12

// MsgID reads the query id from a raw DNS message.
func MsgID(b []byte) (uint16, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint16(b[:2]), true
}

// SetMsgID writes the query id into a raw DNS message in place.
func SetMsgID(b []byte, id uint16) bool {
	if len(b) < HeaderSize {
		return false
	}
	binary.BigEndian.PutUint16(b[:2], id)
	return true
}

// Rcode returns the 4-bit response code from the header of a raw message.
func Rcode(b []byte) int {
	if len(b) < HeaderSize {
		return -1
	}
	return int(b[3] & 0x0f)
}

// IsResponse reports whether the QR bit is set.
func IsResponse(b []byte) bool {
	return len(b) >= HeaderSize && b[2]&0x80 != 0
}

// Frame prefixes a message with its 2-byte big endian length, as used by
// DNS over TCP, TLS and QUIC.
func Frame(msg []byte) []byte {
	runtimex.Assert(len(msg) <= math.MaxUint16)

	frame := make([]byte, 2, 2+len(msg))
	binary.BigEndian.PutUint16(frame, uint16(len(msg)))
	return append(frame, msg...)
}
