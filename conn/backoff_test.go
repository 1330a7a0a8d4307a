// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"testing"
	"time"
)

func TestTruncatedBackoff(t *testing.T) {
	tests := []struct {
		name     string
		events   int
		delay    time.Duration
		max      time.Duration
		expected time.Duration
	}{
		{
			name:     "One event and 250ms delay with 2sec max",
			events:   1,
			delay:    250 * time.Millisecond,
			max:      2 * time.Second,
			expected: 500 * time.Millisecond,
		},
		{
			name:     "Four events and 500ms delay with 4sec max",
			events:   4,
			delay:    500 * time.Millisecond,
			max:      4 * time.Second,
			expected: 4 * time.Second,
		},
		{
			name:     "Many events do not overflow",
			events:   200,
			delay:    time.Second,
			max:      time.Minute,
			expected: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backoff := truncatedBackoff(tt.events, tt.delay, tt.max)

			if backoff < tt.expected || backoff > tt.expected+tt.delay {
				t.Errorf("Unexpected Result, expected %v, got %v", tt.expected, backoff)
			}
		})
	}
}

func TestBackoffJitter(t *testing.T) {
	if j := backoffJitter(time.Second, 500*time.Millisecond); j != 0 {
		t.Errorf("expected no jitter when the max is less than the min, got %v", j)
	}
	if j := backoffJitter(time.Second, 4*time.Second); j < time.Second || j > 4*time.Second {
		t.Errorf("jitter %v outside of [1s,4s]", j)
	}
}

func TestRedial(t *testing.T) {
	r := redial{delay: 100 * time.Millisecond, max: time.Second}

	if w := r.wait(); w != 0 {
		t.Errorf("expected no wait before a failure, got %v", w)
	}

	r.failed()
	r.failed()
	if w := r.wait(); w < 200*time.Millisecond || w > 300*time.Millisecond {
		t.Errorf("expected about 200ms after two failures, got %v", w)
	}

	r.connected()
	if w := r.wait(); w != 0 {
		t.Errorf("a connection did not reset the backoff, got %v", w)
	}
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleepCtx(ctx, time.Hour); err == nil {
		t.Errorf("expected the cancelled context to end the wait")
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
