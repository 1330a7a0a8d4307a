// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

var (
	// ErrMalformed marks inbound bytes that cannot carry a DNS message.
	ErrMalformed = errors.New("malformed DNS message")
	// ErrSessionLost is returned when a connection is no longer usable.
	ErrSessionLost = errors.New("session connection lost")
	// ErrUnmatched marks a response for a stream or exchange the session no
	// longer tracks.
	ErrUnmatched = errors.New("response for an unknown exchange")
)

// EventKind distinguishes reactor events posted by session goroutines.
type EventKind int

const (
	// EventOpen reports an established connection.
	EventOpen EventKind = iota
	// EventData carries bytes read from a connection or stream.
	EventData
	// EventStreamError reports a failed stream or HTTP exchange.
	EventStreamError
	// EventPeerStream reports a stream opened by the remote endpoint.
	EventPeerStream
	// EventClosed reports a connection closed or failed to dial.
	EventClosed
)

// Event is produced by the I/O goroutines of a session and consumed on the
// engine loop, where it is handed back to the session for decoding.
type Event struct {
	Kind   EventKind
	Handle Handle
	Data   []byte
	Err    error
	// Conn is the new connection for EventOpen, opaque to the engine.
	Conn any
	// From is the source address of a datagram, when known.
	From string
}

// Reply is one decoded exchange outcome. Err is ErrMalformed for bytes that
// could not be attributed to any query, or another error when the exchange
// identified by ID and Handle failed.
type Reply struct {
	ID     uint16
	Handle Handle
	Msg    []byte
	From   string
	Err    error
}
