// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import "encoding/binary"

// Framer reassembles length-prefixed DNS messages from a byte stream. Each
// message is preceded by a two byte big-endian length.
type Framer struct {
	buf []byte
}

// Feed appends b to the pending bytes and returns every message completed
// by it, in arrival order. Partial data remains buffered.
func (f *Framer) Feed(b []byte) [][]byte {
	f.buf = append(f.buf, b...)

	var msgs [][]byte
	for len(f.buf) >= 2 {
		size := int(binary.BigEndian.Uint16(f.buf))
		if len(f.buf) < 2+size {
			break
		}

		msg := make([]byte, size)
		copy(msg, f.buf[2:2+size])
		msgs = append(msgs, msg)
		f.buf = f.buf[2+size:]
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return msgs
}

// Buffered returns the number of bytes waiting for the rest of a message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial message.
func (f *Framer) Reset() {
	f.buf = nil
}
