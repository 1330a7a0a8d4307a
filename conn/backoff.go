// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"math/rand"
	"time"
)

const (
	numOfUnits     = 100
	redialDelay    = 100 * time.Millisecond
	redialMaxDelay = 5 * time.Second
)

// redial paces connection attempts after consecutive dial failures. It is
// only used from the engine goroutine.
type redial struct {
	failures int
	delay    time.Duration
	max      time.Duration
}

// wait returns how long the next dial should be held back.
func (r *redial) wait() time.Duration {
	if r.failures == 0 {
		return 0
	}
	return truncatedBackoff(r.failures-1, r.delay, r.max)
}

func (r *redial) failed()    { r.failures++ }
func (r *redial) connected() { r.failures = 0 }

// truncatedBackoff returns 2^events multiplied by delay, plus jitter in
// [0,delay), capped at max.
func truncatedBackoff(events int, delay, max time.Duration) time.Duration {
	if events > 30 {
		events = 30
	}

	if backoff := (time.Duration(1)<<events)*delay + backoffJitter(0, delay); backoff < max {
		return backoff
	}
	return max
}

// backoffJitter returns a random Duration between min and max.
func backoffJitter(min, max time.Duration) time.Duration {
	if max < min {
		return 0
	}
	if period := max - min; period > time.Duration(numOfUnits) {
		return min + (time.Duration(rand.Intn(numOfUnits)) * (period / time.Duration(numOfUnits)))
	}
	return min
}

// sleepCtx waits for d unless the context is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
