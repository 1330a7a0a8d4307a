// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/types"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

var (
	// ErrNotReady is returned by Send when the session cannot carry a query.
	ErrNotReady = errors.New("session is not ready")
	// ErrStreamLimit is returned when the peer refuses additional streams.
	ErrStreamLimit = errors.New("stream limit reached")
	// ErrBadStatus is reported for DoH responses that are not 200 OK.
	ErrBadStatus = errors.New("unexpected HTTP status")
)

const (
	maxReadSize      = 65535
	defaultTimeout   = 3 * time.Second
	defaultReconnect = 10
)

// Session is the protocol-specific transport driven by the engine loop.
// Every method except Close is called only from the engine goroutine. I/O
// goroutines owned by the session communicate exclusively by appending
// *types.Event values to the queue provided to Start.
type Session interface {
	Protocol() types.Protocol
	// Start binds sockets or transports and records the event queue.
	Start(ctx context.Context, events queue.Queue) error
	// Ready reports whether Send can be called right now.
	Ready() bool
	// Busy reports a connection that is being established or drained.
	Busy() bool
	// Dial begins establishing a connection to t. Completion is reported
	// with an EventOpen or EventClosed event.
	Dial(t *types.Target)
	// Target returns the destination of the current connection, or nil
	// when every query picks its own target.
	Target() *types.Target
	// Send transmits one serialized query carrying the provided id.
	Send(id uint16, t *types.Target, payload []byte) (types.Handle, error)
	// Deliver decodes one event into replies. ErrSessionLost is returned
	// when the connection identified by the event is gone.
	Deliver(ev *types.Event) ([]types.Reply, error)
	// Forget abandons the exchange identified by h.
	Forget(h types.Handle)
	// Seal stops new queries on the current connection.
	Seal()
	// Finish begins an orderly shutdown of the current connection.
	Finish()
	// Close releases every resource held by the session.
	Close() error

	session()
}

// Options configures the sessions created by New.
type Options struct {
	Logger *zap.Logger
	// BindIP is the local address for outgoing sockets.
	BindIP string
	// Family selects "inet", "inet6" or "any".
	Family string
	// Timeout bounds dials, handshakes and HTTP exchanges.
	Timeout time.Duration
	// Insecure disables certificate verification.
	Insecure bool
	// ServerName overrides the SNI and verification name.
	ServerName string
	// TLSConfig replaces the generated TLS configuration when set.
	TLSConfig *tls.Config
	// Method selects the DoH request style.
	Method types.HTTPMethod
	// Reconnects is the connection attempts allowed per second.
	Reconnects int
}

// New returns the session variant for the protocol.
func New(proto types.Protocol, opts Options) (Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Reconnects <= 0 {
		opts.Reconnects = defaultReconnect
	}
	if opts.BindIP != "" && net.ParseIP(opts.BindIP) == nil {
		return nil, fmt.Errorf("invalid bind address %q", opts.BindIP)
	}

	switch proto {
	case types.UDP:
		return newUDPSession(opts), nil
	case types.TCP, types.DoT:
		return newStreamSession(proto, opts), nil
	case types.QUIC:
		return newQUICSession(opts), nil
	case types.DoH:
		return newHTTPSSession(opts)
	}
	return nil, fmt.Errorf("unsupported protocol %v", proto)
}

// base holds the state every variant shares.
type base struct {
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	events  queue.Queue
	limiter ratelimit.Limiter
	redial  redial
	epoch   uint64

	// guards closed against the dial goroutines
	mu     *sync.Mutex
	closed bool
}

func newBase(opts Options, name string) base {
	return base{
		opts:    opts,
		log:     opts.Logger.With(zap.String("session", name)),
		limiter: ratelimit.New(opts.Reconnects, ratelimit.WithoutSlack),
		redial:  redial{delay: redialDelay, max: redialMaxDelay},
		mu:      new(sync.Mutex),
	}
}

func (b *base) start(ctx context.Context, events queue.Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.events = events
	b.closed = false
}

func (b *base) stop() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
}

func (b *base) post(ev *types.Event) {
	b.events.Append(ev)
}

// handoff posts an event carrying a new connection. It returns false once
// the session is closed, and the caller keeps ownership of the connection.
func (b *base) handoff(ev *types.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.events.Append(ev)
	return true
}

// discard drops the events nobody will deliver and releases the
// connections they carry.
func (b *base) discard(release func(*types.Event)) {
	if b.events == nil {
		return
	}

	for {
		e, ok := b.events.Next()
		if !ok {
			return
		}
		if ev, ok := e.(*types.Event); ok {
			release(ev)
		}
	}
}

// nextEpoch returns a fresh connection generation.
func (b *base) nextEpoch() uint64 {
	b.epoch++
	return b.epoch
}

func (b *base) session() {}

func (b *base) network(proto string) string {
	switch b.opts.Family {
	case "inet":
		return proto + "4"
	case "inet6":
		return proto + "6"
	}
	return proto
}

func (b *base) tlsConfig(t *types.Target, alpn ...string) *tls.Config {
	var conf *tls.Config
	if b.opts.TLSConfig != nil {
		conf = b.opts.TLSConfig.Clone()
	} else {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if conf.ServerName == "" {
		conf.ServerName = b.opts.ServerName
	}
	if conf.ServerName == "" && t != nil {
		conf.ServerName = t.ServerName
	}
	if b.opts.Insecure {
		conf.InsecureSkipVerify = true
	}
	if len(conf.NextProtos) == 0 && len(alpn) > 0 {
		conf.NextProtos = alpn
	}
	return conf
}

func (b *base) dialer() *net.Dialer {
	d := &net.Dialer{Timeout: b.opts.Timeout}

	if b.opts.BindIP != "" {
		d.LocalAddr = &net.TCPAddr{IP: net.ParseIP(b.opts.BindIP)}
	}
	return d
}

func (b *base) localAddr() string {
	return net.JoinHostPort(b.opts.BindIP, "0")
}
