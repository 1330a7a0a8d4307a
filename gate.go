// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package trafgen

import (
	"github.com/bassosimone/runtimex"
	"github.com/owasp-amass/trafgen/types"
)

// RateGate caps the sends of every tick by the token bucket and the batch
// size. Tokens granted by the bucket but not spent carry over to the next tick.
type RateGate struct {
	bucket types.TokenBucket
	batch  int
	credit int
}

func NewRateGate(bucket types.TokenBucket, batch int) *RateGate {
	runtimex.Assert(bucket != nil)
	if batch <= 0 {
		batch = 1
	}
	return &RateGate{bucket: bucket, batch: batch}
}

// TokensForTick returns how many queries may be sent right now.
func (g *RateGate) TokensForTick() int {
	if g.credit < g.batch {
		g.credit += g.bucket.TryConsume(g.batch - g.credit)
	}
	return g.credit
}

// NoteConsumed records that n of the granted tokens were spent.
func (g *RateGate) NoteConsumed(n int) {
	runtimex.Assert(n >= 0 && n <= g.credit)
	g.credit -= n
}
