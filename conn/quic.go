// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DNS over QUIC error codes.
const (
	doqNoError          quic.ApplicationErrorCode = 0x0
	doqStreamDone       quic.StreamErrorCode      = 0x0
	doqProtocolError    quic.StreamErrorCode      = 0x2
	doqRequestCancelled quic.StreamErrorCode      = 0x3
)

const doqIdleTimeout = 30 * time.Second

type quicDial struct {
	conn  *quic.Conn
	tr    *quic.Transport
	pconn net.PacketConn
}

func (d *quicDial) close() error {
	return multierr.Combine(
		d.conn.CloseWithError(doqNoError, ""),
		d.tr.Close(),
		ignoreClosed(d.pconn.Close()),
	)
}

type quicStream struct {
	id     uint16
	stream *quic.Stream
	framer Framer
}

// quicSession multiplexes queries over the streams of one connection. The
// wire id is always zero, so responses are matched by stream.
type quicSession struct {
	base
	conn       *quic.Conn
	dialed     *quicDial
	target     *types.Target
	streams    map[int64]*quicStream
	connecting bool
	sealed     bool
}

func newQUICSession(opts Options) *quicSession {
	return &quicSession{
		base:    newBase(opts, "quic"),
		streams: make(map[int64]*quicStream),
	}
}

func (s *quicSession) Protocol() types.Protocol { return types.QUIC }

func (s *quicSession) Start(ctx context.Context, events queue.Queue) error {
	s.start(ctx, events)
	return nil
}

func (s *quicSession) Ready() bool {
	return s.conn != nil && !s.sealed
}

func (s *quicSession) Busy() bool {
	return s.connecting || s.conn != nil
}

func (s *quicSession) Dial(t *types.Target) {
	if s.Busy() || t == nil || s.ctx.Err() != nil {
		return
	}

	s.connecting = true
	s.target = t
	go s.dial(t, s.nextEpoch(), s.redial.wait())
}

func (s *quicSession) dial(t *types.Target, epoch uint64, wait time.Duration) {
	h := types.Handle{Conn: epoch, Stream: types.NoStream}
	if err := sleepCtx(s.ctx, wait); err != nil {
		s.post(&types.Event{Kind: types.EventClosed, Handle: h, Err: err})
		return
	}
	s.limiter.Take()

	d, err := s.connect(t)
	if err != nil {
		s.post(&types.Event{Kind: types.EventClosed, Handle: h, Err: err})
		return
	}
	if !s.handoff(&types.Event{Kind: types.EventOpen, Handle: h, Conn: d}) {
		_ = d.close()
	}
}

// release frees the connection or peer stream carried by an event that
// will not be used.
func (s *quicSession) release(ev *types.Event) {
	switch c := ev.Conn.(type) {
	case *quicDial:
		_ = c.close()
	case *quic.Stream:
		c.CancelRead(doqProtocolError)
		c.CancelWrite(doqProtocolError)
	}
}

func (s *quicSession) connect(t *types.Target) (*quicDial, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()

	network := s.network("udp")
	addr, err := net.ResolveUDPAddr(network, t.Address)
	if err != nil {
		return nil, err
	}

	pconn, err := listenPacket(ctx, network, s.localAddr())
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: pconn}
	conn, err := tr.Dial(ctx, addr, s.tlsConfig(t, "doq"), &quic.Config{
		HandshakeIdleTimeout: s.opts.Timeout,
		MaxIdleTimeout:       doqIdleTimeout,
	})
	if err != nil {
		_ = tr.Close()
		_ = pconn.Close()
		return nil, err
	}
	return &quicDial{conn: conn, tr: tr, pconn: pconn}, nil
}

func (s *quicSession) Target() *types.Target { return s.target }

func (s *quicSession) Send(id uint16, _ *types.Target, payload []byte) (types.Handle, error) {
	if !s.Ready() {
		return types.Handle{}, ErrNotReady
	}
	if !utils.SetMsgID(payload, 0) {
		return types.Handle{}, types.ErrMalformed
	}

	stream, err := s.conn.OpenStream()
	if err != nil {
		if s.conn.Context().Err() != nil {
			return types.Handle{}, types.ErrSessionLost
		}
		return types.Handle{}, fmt.Errorf("%w: %v", ErrStreamLimit, err)
	}

	_ = stream.SetWriteDeadline(time.Now().Add(s.opts.Timeout))
	if _, err := stream.Write(utils.Frame(payload)); err != nil {
		stream.CancelRead(doqRequestCancelled)
		stream.CancelWrite(doqRequestCancelled)
		return types.Handle{}, err
	}
	// the FIN tells the server that the query is complete
	_ = stream.Close()

	sid := int64(stream.StreamID())
	s.streams[sid] = &quicStream{id: id, stream: stream}
	h := types.Handle{Conn: s.epoch, Stream: sid}
	go s.responses(stream, h)
	return h, nil
}

func (s *quicSession) Deliver(ev *types.Event) ([]types.Reply, error) {
	if ev.Handle.Conn != s.epoch {
		s.release(ev)
		return nil, nil
	}

	switch ev.Kind {
	case types.EventOpen:
		d, ok := ev.Conn.(*quicDial)
		if !ok {
			return nil, nil
		}

		s.conn = d.conn
		s.dialed = d
		s.connecting = false
		s.sealed = false
		s.redial.connected()
		go s.watch(d.conn, s.epoch)
		go s.accept(d.conn, s.epoch)
		s.log.Debug("connected", zap.String("target", s.target.String()))
	case types.EventPeerStream:
		// servers must not open streams toward the client
		s.release(ev)
	case types.EventData:
		qs, found := s.streams[ev.Handle.Stream]
		if !found {
			return []types.Reply{{Handle: ev.Handle, Err: types.ErrUnmatched}}, nil
		}

		msgs := qs.framer.Feed(ev.Data)
		if len(msgs) == 0 {
			return nil, nil
		}

		delete(s.streams, ev.Handle.Stream)
		qs.stream.CancelRead(doqStreamDone)
		if len(msgs[0]) < utils.HeaderSize {
			return []types.Reply{{ID: qs.id, Handle: ev.Handle, Err: types.ErrMalformed}}, nil
		}
		return []types.Reply{{ID: qs.id, Handle: ev.Handle, Msg: msgs[0]}}, nil
	case types.EventStreamError:
		qs, found := s.streams[ev.Handle.Stream]
		if !found {
			return nil, nil
		}

		delete(s.streams, ev.Handle.Stream)
		return []types.Reply{{ID: qs.id, Handle: ev.Handle, Err: ev.Err}}, nil
	case types.EventClosed:
		wasOpen := s.conn != nil
		_ = s.teardown()
		if !wasOpen {
			s.redial.failed()
			s.log.Warn("failed to connect", zap.String("target", s.target.String()), zap.Error(ev.Err))
		} else {
			s.log.Debug("connection closed", zap.Error(ev.Err))
		}
		return nil, types.ErrSessionLost
	}
	return nil, nil
}

// Forget resets the stream of an abandoned query.
func (s *quicSession) Forget(h types.Handle) {
	if h.Conn != s.epoch {
		return
	}
	if qs, found := s.streams[h.Stream]; found {
		delete(s.streams, h.Stream)
		qs.stream.CancelRead(doqRequestCancelled)
	}
}

func (s *quicSession) Seal() {
	s.sealed = true
}

func (s *quicSession) Finish() {
	if s.conn == nil {
		return
	}

	s.sealed = true
	_ = s.conn.CloseWithError(doqNoError, "")
}

func (s *quicSession) Close() error {
	s.stop()
	s.discard(s.release)
	return s.teardown()
}

func (s *quicSession) teardown() error {
	var err error

	for sid, qs := range s.streams {
		qs.stream.CancelRead(doqRequestCancelled)
		delete(s.streams, sid)
	}
	if s.dialed != nil {
		err = s.dialed.close()
		s.dialed = nil
	}
	s.conn = nil

	s.connecting = false
	s.sealed = false
	return err
}

// watch reports the end of the connection, whichever side closed it.
func (s *quicSession) watch(conn *quic.Conn, epoch uint64) {
	<-conn.Context().Done()

	s.post(&types.Event{
		Kind:   types.EventClosed,
		Handle: types.Handle{Conn: epoch, Stream: types.NoStream},
		Err:    context.Cause(conn.Context()),
	})
}

func (s *quicSession) accept(conn *quic.Conn, epoch uint64) {
	for {
		st, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}

		s.post(&types.Event{
			Kind:   types.EventPeerStream,
			Handle: types.Handle{Conn: epoch, Stream: int64(st.StreamID())},
			Conn:   st,
		})
	}
}

func (s *quicSession) responses(stream *quic.Stream, h types.Handle) {
	b := make([]byte, maxReadSize)

	for {
		n, err := stream.Read(b)
		if n > 0 {
			data := make([]byte, n)
			copy(data, b[:n])
			s.post(&types.Event{Kind: types.EventData, Handle: h, Data: data})
		}
		if errors.Is(err, io.EOF) {
			// ignored by Deliver when a full response already arrived
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			s.post(&types.Event{Kind: types.EventStreamError, Handle: h, Err: err})
			return
		}
	}
}
