// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package trafgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/clock"
	"github.com/owasp-amass/trafgen/conn"
	"github.com/owasp-amass/trafgen/generator"
	"github.com/owasp-amass/trafgen/pool"
	"github.com/owasp-amass/trafgen/selectors"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"github.com/owasp-amass/trafgen/xchg"
	"go.uber.org/zap"
)

const (
	DefaultTimeout       = 3 * time.Second
	DefaultSendDelay     = time.Millisecond
	DefaultBatchCount    = 10
	DefaultSweepInterval = 500 * time.Millisecond
)

var (
	// ErrNoTargets is returned by New when the target list is empty.
	ErrNoTargets = errors.New("no targets to send queries to")
	// ErrNotIdle is returned by Start on an engine that was already started.
	ErrNotIdle = errors.New("the engine was already started")
)

// State is the lifecycle stage of an Engine.
type State int32

const (
	Idle State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Config holds the engine settings. It is copied by New and never changed.
type Config struct {
	Targets       []*types.Target
	Timeout       time.Duration
	SendDelay     time.Duration
	BatchCount    int
	SweepInterval time.Duration
	// ShutdownGrace bounds the drain after Stop.
	ShutdownGrace time.Duration
	// FinishGrace bounds the wait for a sealed connection to drain.
	FinishGrace time.Duration
	// Retries is the number of times a timed out query is sent again.
	Retries int
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SendDelay <= 0 {
		c.SendDelay = DefaultSendDelay
	}
	if c.BatchCount <= 0 {
		c.BatchCount = DefaultBatchCount
	}
	if c.BatchCount > pool.Size {
		c.BatchCount = pool.Size
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = c.Timeout + time.Second
	}
	if c.FinishGrace <= 0 {
		c.FinishGrace = c.Timeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m types.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithGenerator(g types.QueryGenerator) Option {
	return func(e *Engine) {
		if g != nil {
			e.gen = g
		}
	}
}

func WithTokenBucket(b types.TokenBucket) Option {
	return func(e *Engine) {
		if b != nil {
			e.bucket = b
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRand seeds the shuffle of the query id pool.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rng = r
		}
	}
}

// Engine sends queries through one session and tracks them until they are
// answered or time out. All state below the state field is owned by the
// loop goroutine.
type Engine struct {
	cfg     Config
	sess    conn.Session
	log     *zap.Logger
	metrics types.Metrics
	gen     types.QueryGenerator
	bucket  types.TokenBucket
	clock   clock.Clock
	rng     *rand.Rand

	state    atomic.Int32
	inflight atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	ids        *pool.Pool
	xchgs      *xchg.Manager
	targets    *selectors.RoundRobin
	gate       *RateGate
	events     queue.Queue
	lastRefill time.Time
	reported   int
	sealed     bool
	finishT    *time.Timer
	graceT     *time.Timer
}

// New returns an idle engine driving the provided session.
func New(cfg Config, sess conn.Session, opts ...Option) (*Engine, error) {
	if len(cfg.Targets) == 0 {
		return nil, ErrNoTargets
	}
	if sess == nil {
		return nil, errors.New("the engine requires a session")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:     cfg,
		sess:    sess,
		log:     zap.NewNop(),
		metrics: nopMetrics{},
		bucket:  NewTokenBucket(0, 0),
		clock:   clock.Real{},
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		xchgs:   xchg.NewManager(),
		targets: selectors.NewRoundRobin(cfg.Targets...),
		events:  queue.NewQueue(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.gen == nil {
		g, err := generator.New(generator.KindStatic, "www.example.com", "A", e.rng)
		if err != nil {
			return nil, err
		}
		e.gen = g
	}
	e.ids = pool.New(e.rng)
	e.gate = NewRateGate(e.bucket, cfg.BatchCount)
	e.log = e.log.With(zap.String("protocol", sess.Protocol().String()))
	return e, nil
}

// Start moves the engine to Running and launches the loop goroutine. The
// engine drains when Stop is called or the context is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.begin(ctx); err != nil {
		return err
	}

	go e.loop(ctx)
	return nil
}

func (e *Engine) begin(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrNotIdle
	}

	// the session outlives the caller context until the drain completes
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if err := e.sess.Start(sctx, e.events); err != nil {
		cancel()
		e.state.Store(int32(Stopped))
		close(e.done)
		return fmt.Errorf("failed to start the %s session: %w", e.sess.Protocol(), err)
	}

	e.lastRefill = e.clock.Now()
	if !e.sess.Ready() && !e.sess.Busy() {
		e.sess.Dial(e.targets.Next())
	}
	e.log.Info("started", zap.Int("targets", e.targets.Len()), zap.Int("batch", e.cfg.BatchCount))
	return nil
}

// Stop begins draining. It is safe to call from any goroutine, any number
// of times. An engine that was never started goes straight to Stopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
			close(e.done)
			return
		}
		close(e.stopCh)
	})
}

// Done is closed once the engine reaches Stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// InFlightCnt returns the number of outstanding queries.
func (e *Engine) InFlightCnt() int {
	return int(e.inflight.Load())
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	send := time.NewTicker(e.cfg.SendDelay)
	defer send.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	sendC := send.C
	stopC := e.stopCh
	ctxC := ctx.Done()
	for e.State() != Stopped {
		select {
		case <-ctxC:
			ctxC = nil
			e.drain()
		case <-stopC:
			stopC = nil
			e.drain()
		case <-sendC:
			e.sendTick()
		case <-sweep.C:
			e.sweep()
		case <-e.events.Signal():
			e.processEvents()
		case <-timerC(e.finishT):
			e.finishT = nil
			e.finishSession()
		case <-timerC(e.graceT):
			e.graceT = nil
			e.finish()
		}

		if e.State() != Running {
			sendC = nil
		}
		e.settle()
	}
}

// settle applies the transitions that depend on the registry being empty.
func (e *Engine) settle() {
	if e.xchgs.Len() > 0 {
		return
	}
	if e.sealed {
		e.finishSession()
	}
	if e.State() == Draining {
		e.finish()
	}
}

func (e *Engine) sendTick() {
	now := e.clock.Now()
	e.bucket.Refill(now.Sub(e.lastRefill))
	e.lastRefill = now

	if e.State() != Running {
		return
	}
	if !e.sess.Ready() {
		if !e.sess.Busy() {
			e.sess.Dial(e.targets.Next())
		}
		e.metrics.Stalled()
		return
	}

	allowed := e.gate.TokensForTick()
	if allowed == 0 {
		e.metrics.Stalled()
		return
	}

	var used int
	for used < allowed {
		id, err := e.ids.Allocate()
		if err != nil {
			e.metrics.Stalled()
			break
		}

		t := e.sess.Target()
		if t == nil {
			t = e.targets.Next()
		}
		payload, err := e.gen.Generate(t)
		if err != nil {
			e.ids.Reclaim(id)
			e.metrics.QueryFailed()
			e.log.Error("failed to generate a query", zap.Error(err))
			break
		}

		err = e.transmit(id, t, payload, 1)
		if errors.Is(err, conn.ErrStreamLimit) {
			e.metrics.Stalled()
			break
		}
		used++
		if err != nil {
			e.log.Debug("failed to send", zap.String("target", t.String()), zap.Error(err))
			if !e.sess.Ready() {
				break
			}
		}
	}
	e.gate.NoteConsumed(used)
	e.reportInFlight()

	if used > 0 && e.sess.Protocol().Stream() {
		e.sealSession()
	}
}

func (e *Engine) transmit(id uint16, t *types.Target, payload []byte, attempts int) error {
	h, err := e.sess.Send(id, t, payload)
	if err != nil {
		e.ids.Reclaim(id)
		// The query never left, so it is neither sent nor failed.
		if !errors.Is(err, conn.ErrStreamLimit) {
			e.metrics.QueryFailed()
		}
		return err
	}

	q := &types.InFlightQuery{
		ID:       id,
		Target:   t,
		SentAt:   e.clock.Now(),
		Handle:   h,
		Attempts: attempts,
	}
	if e.cfg.Retries > 0 {
		q.Payload = payload
	}

	e.xchgs.Add(q)
	e.metrics.QuerySent(len(payload))
	return nil
}

func (e *Engine) sweep() {
	for _, q := range e.xchgs.RemoveExpired(e.clock.Now(), e.cfg.Timeout) {
		e.sess.Forget(q.Handle)
		e.ids.Reclaim(q.ID)
		e.metrics.QueryTimedOut(q.ID)
		e.retry(q)
	}
	e.reportInFlight()
}

// retry sends the payload of a timed out query again under a new id.
func (e *Engine) retry(q *types.InFlightQuery) {
	if q.Payload == nil || q.Attempts > e.cfg.Retries || e.State() != Running || !e.sess.Ready() {
		return
	}
	if e.gate.TokensForTick() == 0 {
		return
	}

	id, err := e.ids.Allocate()
	if err != nil {
		return
	}

	t := q.Target
	if st := e.sess.Target(); st != nil {
		t = st
	}
	err = e.transmit(id, t, q.Payload, q.Attempts+1)
	if errors.Is(err, conn.ErrStreamLimit) {
		e.metrics.Stalled()
		return
	}
	e.gate.NoteConsumed(1)
	if err == nil {
		e.metrics.QueryRetried()
	}
}

func (e *Engine) processEvents() {
	for {
		element, found := e.events.Next()
		if !found {
			return
		}
		if ev, ok := element.(*types.Event); ok {
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev *types.Event) {
	replies, err := e.sess.Deliver(ev)

	for _, r := range replies {
		e.handleReply(r)
	}
	if errors.Is(err, types.ErrSessionLost) {
		e.sessionLost(ev.Handle.Conn)
	}
	e.reportInFlight()
}

func (e *Engine) handleReply(r types.Reply) {
	if errors.Is(r.Err, types.ErrUnmatched) {
		e.metrics.UnmatchedResponse(r.ID)
		return
	}

	bad := errors.Is(r.Err, types.ErrMalformed) || (r.Err == nil && !utils.IsResponse(r.Msg))
	if bad {
		e.metrics.BadResponse()
		// datagrams and stream frames carry the id themselves
		if r.Handle.Stream == types.NoStream {
			return
		}
	}

	q, found := e.xchgs.Lookup(r.ID)
	if !found || q.Handle != r.Handle || !sameSource(q, r) {
		e.metrics.UnmatchedResponse(r.ID)
		return
	}

	e.xchgs.Remove(r.ID)
	e.ids.Reclaim(r.ID)
	switch {
	case bad:
	case r.Err != nil:
		e.metrics.QueryFailed()
		e.log.Debug("exchange failed", zap.Uint16("id", r.ID), zap.Error(r.Err))
	default:
		e.metrics.ResponseReceived(e.clock.Now().Sub(q.SentAt), utils.Rcode(r.Msg))
	}
}

func sameSource(q *types.InFlightQuery, r types.Reply) bool {
	if r.From == "" || q.Target == nil || q.Target.UDPAddr() == nil {
		return true
	}
	return r.From == q.Target.UDPAddr().String()
}

// sessionLost reclaims every query carried by the lost connection.
func (e *Engine) sessionLost(epoch uint64) {
	lost := e.xchgs.RemoveIf(func(q *types.InFlightQuery) bool {
		return q.Handle.Conn == epoch
	})

	for _, q := range lost {
		e.ids.Reclaim(q.ID)
		e.metrics.QueryFailed()
	}

	e.sealed = false
	stopTimer(e.finishT)
	e.finishT = nil
	if len(lost) > 0 {
		e.log.Warn("connection lost", zap.Int("reclaimed", len(lost)))
	}
}

func (e *Engine) sealSession() {
	e.sess.Seal()
	e.sealed = true
	if e.finishT == nil {
		e.finishT = time.NewTimer(e.cfg.FinishGrace)
	}
}

// finishSession evicts what is left on the sealed connection as timeouts
// and lets the session close it.
func (e *Engine) finishSession() {
	stopTimer(e.finishT)
	e.finishT = nil

	for _, q := range e.xchgs.RemoveAll() {
		e.sess.Forget(q.Handle)
		e.ids.Reclaim(q.ID)
		e.metrics.QueryTimedOut(q.ID)
	}
	e.reportInFlight()

	e.sealed = false
	e.sess.Finish()
}

func (e *Engine) drain() {
	if !e.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}

	e.log.Info("draining", zap.Int("in_flight", e.xchgs.Len()))
	e.graceT = time.NewTimer(e.cfg.ShutdownGrace)
	if e.sess.Busy() {
		e.sealSession()
	}
}

// finish force reclaims the queries still outstanding and closes the session.
func (e *Engine) finish() {
	if e.State() == Stopped {
		return
	}

	stopTimer(e.finishT)
	stopTimer(e.graceT)
	e.finishT, e.graceT = nil, nil

	for _, q := range e.xchgs.RemoveAll() {
		e.sess.Forget(q.Handle)
		e.ids.Reclaim(q.ID)
		e.metrics.QueryTimedOut(q.ID)
	}
	e.reportInFlight()
	runtimex.Assert(e.ids.Allocated() == 0)

	if err := e.sess.Close(); err != nil {
		e.log.Debug("failed to close the session", zap.Error(err))
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.sealed = false
	e.state.Store(int32(Stopped))
	e.log.Info("stopped")
}

// reportInFlight publishes the registry size and checks id conservation.
func (e *Engine) reportInFlight() {
	n := e.xchgs.Len()
	runtimex.Assert(e.ids.Free()+n == pool.Size)

	e.inflight.Store(int64(n))
	if delta := n - e.reported; delta != 0 {
		e.metrics.InFlight(delta)
		e.reported = n
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type nopMetrics struct{}

func (nopMetrics) QuerySent(int)                       {}
func (nopMetrics) ResponseReceived(time.Duration, int) {}
func (nopMetrics) QueryTimedOut(uint16)                {}
func (nopMetrics) QueryFailed()                        {}
func (nopMetrics) QueryRetried()                       {}
func (nopMetrics) BadResponse()                        {}
func (nopMetrics) UnmatchedResponse(uint16)            {}
func (nopMetrics) Stalled()                            {}
func (nopMetrics) InFlight(int)                        {}
