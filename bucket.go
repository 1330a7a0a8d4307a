// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package trafgen

import (
	"math"
	"sync"
	"time"

	"github.com/owasp-amass/trafgen/types"
	"golang.org/x/time/rate"
)

// TokenBucket admits queries at a fixed rate. Its clock only moves through
// Refill, so the engine's send ticks drive the bucket.
type TokenBucket struct {
	sync.Mutex
	limiter   *rate.Limiter
	now       time.Time
	unlimited bool
}

var _ types.TokenBucket = (*TokenBucket)(nil)

// NewTokenBucket returns a bucket admitting qps queries per second with room
// for burst tokens. A qps of zero or less admits everything. A burst of zero
// allows one second worth of queries.
func NewTokenBucket(qps float64, burst int) *TokenBucket {
	if qps <= 0 {
		return &TokenBucket{unlimited: true}
	}
	if burst <= 0 {
		burst = int(math.Ceil(qps))
	}

	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		now:     time.Unix(0, 0),
	}
}

// TryConsume takes up to n tokens and returns how many were granted.
func (b *TokenBucket) TryConsume(n int) int {
	if n <= 0 {
		return 0
	}
	if b.unlimited {
		return n
	}

	b.Lock()
	defer b.Unlock()

	avail := int(b.limiter.TokensAt(b.now))
	if avail > n {
		avail = n
	}
	if avail <= 0 || !b.limiter.AllowN(b.now, avail) {
		return 0
	}
	return avail
}

// Refill advances the bucket clock by the elapsed time.
func (b *TokenBucket) Refill(elapsed time.Duration) {
	if b.unlimited || elapsed <= 0 {
		return
	}

	b.Lock()
	defer b.Unlock()

	b.now = b.now.Add(elapsed)
}
