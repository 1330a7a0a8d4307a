// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"math/rand"

	"github.com/bassosimone/runtimex"
)

// Size is the number of distinct DNS message ids.
const Size = 1 << 16

// ErrPoolExhausted is returned by Allocate when every id is in flight.
var ErrPoolExhausted = errors.New("query id pool exhausted")

// Pool hands out 16-bit query ids from a sequence shuffled once at creation.
// Reclaimed ids go to the back of the sequence, so an id is reused as late
// as possible. It is not safe for concurrent use; the engine loop owns it.
type Pool struct {
	inflight [Size]bool
	ring     [Size]uint16
	head     int
	free     int
}

// New returns a pool holding every id in random order. A nil rng uses the
// global source.
func New(rng *rand.Rand) *Pool {
	p := &Pool{free: Size}

	for i := range p.ring {
		p.ring[i] = uint16(i)
	}

	swap := func(i, j int) { p.ring[i], p.ring[j] = p.ring[j], p.ring[i] }
	if rng != nil {
		rng.Shuffle(Size, swap)
	} else {
		rand.Shuffle(Size, swap)
	}
	return p
}

// Allocate takes the id at the front of the free sequence.
func (p *Pool) Allocate() (uint16, error) {
	if p.free == 0 {
		return 0, ErrPoolExhausted
	}

	id := p.ring[p.head]
	p.head = (p.head + 1) % Size
	p.free--
	runtimex.Assert(!p.inflight[id])
	p.inflight[id] = true
	return id, nil
}

// Reclaim returns an in-flight id to the back of the free sequence.
// Reclaiming an id that is not in flight means the registry and the pool
// disagree, and it panics.
func (p *Pool) Reclaim(id uint16) {
	runtimex.Assert(p.inflight[id])

	p.inflight[id] = false
	p.ring[(p.head+p.free)%Size] = id
	p.free++
}

// InFlight reports whether the id is currently allocated.
func (p *Pool) InFlight(id uint16) bool {
	return p.inflight[id]
}

// Free returns the number of ids available for allocation.
func (p *Pool) Free() int {
	return p.free
}

// Allocated returns the number of ids currently in flight.
func (p *Pool) Allocated() int {
	return Size - p.free
}
