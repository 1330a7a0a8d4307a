// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/owasp-amass/trafgen/clock"
	"github.com/owasp-amass/trafgen/types"
	"go.uber.org/zap"
)

// Snapshot is a point in time copy of the counters.
type Snapshot struct {
	At        time.Time         `json:"at"`
	Sent      uint64            `json:"sent"`
	Bytes     uint64            `json:"bytes"`
	Received  uint64            `json:"received"`
	TimedOut  uint64            `json:"timed_out"`
	Failed    uint64            `json:"failed"`
	Retried   uint64            `json:"retried"`
	Bad       uint64            `json:"bad"`
	Late      uint64            `json:"late"`
	Unmatched uint64            `json:"unmatched"`
	Stalled   uint64            `json:"stalled"`
	InFlight  int64             `json:"in_flight"`
	AvgRTT    time.Duration     `json:"avg_rtt"`
	Rcodes    map[string]uint64 `json:"rcodes,omitempty"`
}

// Sink counts engine events. It is safe for concurrent use by several engines.
type Sink struct {
	log   *zap.Logger
	clock clock.Clock
	late  *lateTracker
	store *Store

	sent      atomic.Uint64
	bytes     atomic.Uint64
	received  atomic.Uint64
	timedOut  atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	bad       atomic.Uint64
	lateCnt   atomic.Uint64
	unmatched atomic.Uint64
	stalled   atomic.Uint64
	inflight  atomic.Int64
	rttTotal  atomic.Int64
	rcodes    [16]atomic.Uint64
}

// Option customizes a Sink.
type Option func(*Sink)

// WithLogger sets the logger used for the periodic summaries.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStore persists every reported snapshot.
func WithStore(st *Store) Option {
	return func(s *Sink) { s.store = st }
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Sink) {
		if c != nil {
			s.clock = c
		}
	}
}

// New returns a Sink that classifies responses for ids evicted within the
// late window as late instead of unmatched.
func New(lateWindow time.Duration, opts ...Option) (*Sink, error) {
	late, err := newLateTracker(lateWindow)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		log:   zap.NewNop(),
		clock: clock.Real{},
		late:  late,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ types.Metrics = (*Sink)(nil)

func (s *Sink) QuerySent(size int) {
	s.sent.Add(1)
	s.bytes.Add(uint64(size))
}

func (s *Sink) ResponseReceived(rtt time.Duration, rcode int) {
	s.received.Add(1)
	s.rttTotal.Add(int64(rtt))
	if rcode >= 0 && rcode < len(s.rcodes) {
		s.rcodes[rcode].Add(1)
	}
}

func (s *Sink) QueryTimedOut(id uint16) { s.timedOutOn(s.late, id) }

func (s *Sink) timedOutOn(late *lateTracker, id uint16) {
	s.timedOut.Add(1)
	late.expired(id, s.clock.Now())
}

func (s *Sink) QueryFailed() { s.failed.Add(1) }

func (s *Sink) QueryRetried() { s.retried.Add(1) }

func (s *Sink) BadResponse() { s.bad.Add(1) }

func (s *Sink) UnmatchedResponse(id uint16) { s.unmatchedOn(s.late, id) }

func (s *Sink) unmatchedOn(late *lateTracker, id uint16) {
	if late.late(id, s.clock.Now()) {
		s.lateCnt.Add(1)
		return
	}
	s.unmatched.Add(1)
}

func (s *Sink) Stalled() { s.stalled.Add(1) }

// scoped shares the counters of a Sink but tracks the late ids of a single
// engine, since every engine allocates from its own id space.
type scoped struct {
	*Sink
	late *lateTracker
}

// Scoped returns the view of the Sink used by one engine. Engines sharing a
// Sink must each use their own view.
func (s *Sink) Scoped() (types.Metrics, error) {
	late, err := newLateTracker(s.late.window)
	if err != nil {
		return nil, err
	}
	return &scoped{Sink: s, late: late}, nil
}

func (v *scoped) QueryTimedOut(id uint16)     { v.timedOutOn(v.late, id) }
func (v *scoped) UnmatchedResponse(id uint16) { v.unmatchedOn(v.late, id) }

// InFlight records the in-flight count reported by one engine. Engines
// report the change since their previous report.
func (s *Sink) InFlight(delta int) { s.inflight.Add(int64(delta)) }

// Snapshot copies the current counters.
func (s *Sink) Snapshot() Snapshot {
	snap := Snapshot{
		At:        s.clock.Now(),
		Sent:      s.sent.Load(),
		Bytes:     s.bytes.Load(),
		Received:  s.received.Load(),
		TimedOut:  s.timedOut.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Bad:       s.bad.Load(),
		Late:      s.lateCnt.Load(),
		Unmatched: s.unmatched.Load(),
		Stalled:   s.stalled.Load(),
		InFlight:  s.inflight.Load(),
		Rcodes:    make(map[string]uint64),
	}
	if snap.Received > 0 {
		snap.AvgRTT = time.Duration(s.rttTotal.Load() / int64(snap.Received))
	}
	for code := range s.rcodes {
		if n := s.rcodes[code].Load(); n > 0 {
			snap.Rcodes[rcodeName(code)] = n
		}
	}
	return snap
}

// Report logs a summary and persists it when a store is configured.
func (s *Sink) Report() Snapshot {
	snap := s.Snapshot()

	s.log.Info("traffic summary",
		zap.Uint64("sent", snap.Sent),
		zap.Uint64("received", snap.Received),
		zap.Uint64("timeouts", snap.TimedOut),
		zap.Uint64("errors", snap.Failed),
		zap.Uint64("retried", snap.Retried),
		zap.Uint64("bad", snap.Bad),
		zap.Uint64("late", snap.Late),
		zap.Uint64("unmatched", snap.Unmatched),
		zap.Uint64("stalled", snap.Stalled),
		zap.Int64("in_flight", snap.InFlight),
		zap.Duration("avg_rtt", snap.AvgRTT),
	)
	if s.store != nil {
		if err := s.store.Put(snap); err != nil {
			s.log.Warn("failed to store the snapshot", zap.Error(err))
		}
	}
	return snap
}

// Run reports on every interval until the context is done, then reports
// one last time.
func (s *Sink) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Report()
			return
		case <-t.C:
			s.Report()
		}
	}
}

func rcodeName(code int) string {
	if name, found := dns.RcodeToString[code]; found {
		return name
	}
	return fmt.Sprintf("RCODE%d", code)
}
