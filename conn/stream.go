// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// lingerTime bounds how long a half-closed connection waits for the server
// to close its side.
const lingerTime = 2 * time.Second

type closeWriter interface {
	CloseWrite() error
}

// streamSession carries TCP and DoT queries, one connection per batch.
type streamSession struct {
	base
	proto      types.Protocol
	conn       net.Conn
	target     *types.Target
	framer     Framer
	connecting bool
	sealed     bool
	finished   bool
}

func newStreamSession(proto types.Protocol, opts Options) *streamSession {
	return &streamSession{
		base:  newBase(opts, proto.String()),
		proto: proto,
	}
}

func (s *streamSession) Protocol() types.Protocol { return s.proto }

func (s *streamSession) Start(ctx context.Context, events queue.Queue) error {
	s.start(ctx, events)
	return nil
}

func (s *streamSession) Ready() bool {
	return s.conn != nil && !s.sealed
}

func (s *streamSession) Busy() bool {
	return s.connecting || s.conn != nil
}

func (s *streamSession) Dial(t *types.Target) {
	if s.Busy() || t == nil || s.ctx.Err() != nil {
		return
	}

	s.connecting = true
	s.target = t
	go s.dial(t, s.nextEpoch(), s.redial.wait())
}

func (s *streamSession) dial(t *types.Target, epoch uint64, wait time.Duration) {
	h := types.Handle{Conn: epoch, Stream: types.NoStream}
	if err := sleepCtx(s.ctx, wait); err != nil {
		s.post(&types.Event{Kind: types.EventClosed, Handle: h, Err: err})
		return
	}
	s.limiter.Take()

	c, err := s.connect(t)
	if err != nil {
		s.post(&types.Event{Kind: types.EventClosed, Handle: h, Err: err})
		return
	}
	if !s.handoff(&types.Event{Kind: types.EventOpen, Handle: h, Conn: c}) {
		_ = c.Close()
	}
}

// release closes the connection carried by an event that will not be used.
func (s *streamSession) release(ev *types.Event) {
	if c, ok := ev.Conn.(net.Conn); ok {
		_ = c.Close()
	}
}

func (s *streamSession) connect(t *types.Target) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	network := s.network("tcp")
	if s.proto == types.DoT {
		d := &tls.Dialer{
			NetDialer: s.dialer(),
			Config:    s.tlsConfig(t, "dot"),
		}
		return d.DialContext(ctx, network, t.Address)
	}
	return s.dialer().DialContext(ctx, network, t.Address)
}

func (s *streamSession) Target() *types.Target { return s.target }

func (s *streamSession) Send(id uint16, _ *types.Target, payload []byte) (types.Handle, error) {
	if !s.Ready() {
		return types.Handle{}, ErrNotReady
	}
	if !utils.SetMsgID(payload, id) {
		return types.Handle{}, types.ErrMalformed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout))
	if _, err := s.conn.Write(utils.Frame(payload)); err != nil {
		// the reader reports the closure and the engine reclaims the rest
		s.sealed = true
		_ = s.conn.Close()
		return types.Handle{}, err
	}
	return types.Handle{Conn: s.epoch, Stream: types.NoStream}, nil
}

func (s *streamSession) Deliver(ev *types.Event) ([]types.Reply, error) {
	if ev.Handle.Conn != s.epoch {
		s.release(ev)
		return nil, nil
	}

	switch ev.Kind {
	case types.EventOpen:
		c, ok := ev.Conn.(net.Conn)
		if !ok {
			return nil, nil
		}

		s.conn = c
		s.connecting = false
		s.sealed = false
		s.redial.connected()
		s.finished = false
		s.framer.Reset()
		go s.responses(c, s.epoch)
		s.log.Debug("connected", zap.String("target", s.target.String()))
	case types.EventData:
		var replies []types.Reply

		for _, msg := range s.framer.Feed(ev.Data) {
			id, ok := utils.MsgID(msg)
			if !ok {
				replies = append(replies, types.Reply{Handle: ev.Handle, Err: types.ErrMalformed})
				continue
			}
			replies = append(replies, types.Reply{ID: id, Handle: ev.Handle, Msg: msg})
		}
		return replies, nil
	case types.EventClosed:
		wasOpen := s.conn != nil
		if wasOpen {
			_ = s.conn.Close()
		}

		s.conn = nil
		s.connecting = false
		s.sealed = false
		s.framer.Reset()
		if !wasOpen {
			s.redial.failed()
			s.log.Warn("failed to connect", zap.String("target", s.target.String()), zap.Error(ev.Err))
		} else if !s.finished {
			s.log.Debug("connection lost", zap.Error(ev.Err))
		}
		return nil, types.ErrSessionLost
	}
	return nil, nil
}

func (s *streamSession) Forget(_ types.Handle) {}

func (s *streamSession) Seal() {
	s.sealed = true
}

// Finish half-closes the connection. The server answers what it has read
// and closes its side, which the reader reports as EventClosed.
func (s *streamSession) Finish() {
	if s.conn == nil || s.finished {
		return
	}

	s.sealed = true
	s.finished = true
	if cw, ok := s.conn.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			_ = s.conn.SetReadDeadline(time.Now().Add(lingerTime))
			return
		}
	}
	_ = s.conn.Close()
}

func (s *streamSession) Close() error {
	s.stop()
	s.discard(s.release)

	var err error
	if s.conn != nil {
		if cw, ok := s.conn.(closeWriter); ok {
			err = multierr.Append(err, ignoreClosed(cw.CloseWrite()))
		}
		err = multierr.Append(err, ignoreClosed(s.conn.Close()))
		s.conn = nil
	}
	return err
}

func (s *streamSession) responses(c net.Conn, epoch uint64) {
	b := make([]byte, maxReadSize)
	h := types.Handle{Conn: epoch, Stream: types.NoStream}

	for {
		n, err := c.Read(b)
		if n > 0 {
			data := make([]byte, n)
			copy(data, b[:n])
			s.post(&types.Event{Kind: types.EventData, Handle: h, Data: data})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("connection closed by peer: %w", err)
			}
			s.post(&types.Event{Kind: types.EventClosed, Handle: h, Err: err})
			return
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
