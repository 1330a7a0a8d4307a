// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// QueryGenerator builds serialized DNS queries. The engine writes the
// query id into the header after generation.
type QueryGenerator interface {
	Generate(t *Target) ([]byte, error)
}

// Metrics receives engine events. Implementations must not block.
type Metrics interface {
	QuerySent(size int)
	ResponseReceived(rtt time.Duration, rcode int)
	QueryTimedOut(id uint16)
	QueryFailed()
	QueryRetried()
	BadResponse()
	UnmatchedResponse(id uint16)
	Stalled()
	// InFlight reports the change in the number of outstanding queries.
	InFlight(delta int)
}

// TokenBucket is the external admission control used by the rate gate.
type TokenBucket interface {
	// TryConsume takes up to n tokens and returns how many were granted.
	TryConsume(n int) int
	// Refill credits the bucket with the time elapsed since the last refill.
	Refill(elapsed time.Duration)
}
