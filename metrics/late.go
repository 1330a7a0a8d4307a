// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const lateCacheSize = 1 << 16

// lateTracker remembers ids evicted by the timeout sweep, so that a response
// arriving for one of them can be told apart from an unsolicited one.
type lateTracker struct {
	window time.Duration
	ids    *lru.Cache[uint16, time.Time]
}

func newLateTracker(window time.Duration) (*lateTracker, error) {
	cache, err := lru.New[uint16, time.Time](lateCacheSize)
	if err != nil {
		return nil, err
	}
	return &lateTracker{window: window, ids: cache}, nil
}

func (l *lateTracker) expired(id uint16, at time.Time) {
	l.ids.Add(id, at)
}

// late reports whether id timed out within the tracking window. A hit is
// consumed, so a duplicate response is counted as unmatched.
func (l *lateTracker) late(id uint16, now time.Time) bool {
	at, found := l.ids.Peek(id)
	if !found {
		return false
	}

	l.ids.Remove(id)
	return l.window <= 0 || now.Sub(at) <= l.window
}
