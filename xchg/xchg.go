// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package xchg

import (
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/owasp-amass/trafgen/types"
)

// compactThreshold is the number of consumed queue slots tolerated
// before the expiry queue is compacted.
const compactThreshold = 4096

type entry struct {
	query *types.InFlightQuery
	seq   uint64
}

type pending struct {
	id     uint16
	seq    uint64
	sentAt time.Time
}

// Manager is the registry of in-flight queries keyed by query id.
//
// Besides the map, it keeps a FIFO of insertions. Send timestamps are
// monotonic on the engine loop, so the head of the FIFO is always the oldest
// live query and expiry sweeps stop at the first entry that is still young.
// Entries removed by a response stay in the FIFO as stale slots and are
// skipped by sequence number.
type Manager struct {
	xchgs map[uint16]*entry
	queue []pending
	head  int
	seq   uint64
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{xchgs: make(map[uint16]*entry)}
}

// Add registers an in-flight query. The id must come from the identity pool
// and must not already be registered.
func (r *Manager) Add(q *types.InFlightQuery) {
	_, found := r.xchgs[q.ID]
	runtimex.Assert(!found)

	r.seq++
	r.xchgs[q.ID] = &entry{query: q, seq: r.seq}
	r.queue = append(r.queue, pending{id: q.ID, seq: r.seq, sentAt: q.SentAt})
}

// Lookup returns the live entry for the id without removing it.
func (r *Manager) Lookup(id uint16) (*types.InFlightQuery, bool) {
	if e, found := r.xchgs[id]; found {
		return e.query, true
	}
	return nil, false
}

// Remove deletes and returns the entry for the id, if one is live.
func (r *Manager) Remove(id uint16) (*types.InFlightQuery, bool) {
	e, found := r.xchgs[id]
	if !found {
		return nil, false
	}

	delete(r.xchgs, id)
	return e.query, true
}

// RemoveExpired removes and returns every query sent at least timeout before now.
func (r *Manager) RemoveExpired(now time.Time, timeout time.Duration) []*types.InFlightQuery {
	var expired []*types.InFlightQuery

	for r.head < len(r.queue) {
		p := r.queue[r.head]

		e, found := r.xchgs[p.id]
		if !found || e.seq != p.seq {
			// the query was answered or removed some other way
			r.head++
			continue
		}
		if now.Before(p.sentAt.Add(timeout)) {
			break
		}

		delete(r.xchgs, p.id)
		expired = append(expired, e.query)
		r.head++
	}

	r.compact()
	return expired
}

// RemoveIf removes and returns every query matching the predicate. It scans
// the whole registry and is meant for rare events such as a lost connection.
func (r *Manager) RemoveIf(match func(q *types.InFlightQuery) bool) []*types.InFlightQuery {
	var removed []*types.InFlightQuery

	for id, e := range r.xchgs {
		if match(e.query) {
			delete(r.xchgs, id)
			removed = append(removed, e.query)
		}
	}

	r.compact()
	return removed
}

// RemoveAll empties the registry and returns everything that was in flight.
func (r *Manager) RemoveAll() []*types.InFlightQuery {
	removed := make([]*types.InFlightQuery, 0, len(r.xchgs))

	for id, e := range r.xchgs {
		removed = append(removed, e.query)
		delete(r.xchgs, id)
	}

	r.queue = nil
	r.head = 0
	return removed
}

// Len returns the number of queries in flight.
func (r *Manager) Len() int {
	return len(r.xchgs)
}

func (r *Manager) compact() {
	if len(r.xchgs) == 0 {
		r.queue = r.queue[:0]
		r.head = 0
		return
	}
	if r.head < compactThreshold || r.head < len(r.queue)/2 {
		return
	}

	n := copy(r.queue, r.queue[r.head:])
	r.queue = r.queue[:n]
	r.head = 0
}
