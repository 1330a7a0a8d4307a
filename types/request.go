// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// NoStream is the stream value of handles for protocols without streams.
const NoStream int64 = -1

// Handle identifies where a query was sent so a response can be correlated
// and routed. Conn is the connection epoch assigned by the session, which
// changes every time a connection is replaced.
type Handle struct {
	Conn   uint64
	Stream int64
}

// InFlightQuery is one outstanding query, owned by the registry while outstanding.
type InFlightQuery struct {
	ID       uint16
	Target   *Target
	SentAt   time.Time
	Handle   Handle
	Attempts int
	// Payload is only retained when retransmission is enabled.
	Payload []byte
}
