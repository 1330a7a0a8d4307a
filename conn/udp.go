// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"go.uber.org/zap"
)

const maxUDPBufferSize = 64 * 1024 * 1024

type udpSession struct {
	base
	conn     *net.UDPConn
	rbufSize int
	wbufSize int
}

func newUDPSession(opts Options) *udpSession {
	return &udpSession{base: newBase(opts, "udp")}
}

func (s *udpSession) Protocol() types.Protocol { return types.UDP }

func (s *udpSession) Start(ctx context.Context, events queue.Queue) error {
	s.start(ctx, events)
	return s.bind()
}

func (s *udpSession) bind() error {
	pc, err := listenPacket(s.ctx, s.network("udp"), s.localAddr())
	if err != nil {
		return fmt.Errorf("failed to bind the UDP socket: %w", err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return errors.New("the datagram socket is not a UDP socket")
	}

	_ = conn.SetDeadline(time.Time{})
	s.setMaxReadBufSize(conn)
	s.setMaxWriteBufSize(conn)
	s.conn = conn

	epoch := s.nextEpoch()
	go s.responses(conn, epoch)
	s.log.Debug("socket bound", zap.String("local", conn.LocalAddr().String()))
	return nil
}

func (s *udpSession) Ready() bool { return s.conn != nil }

func (s *udpSession) Busy() bool { return false }

// Dial rebinds the socket after a read failure. Datagrams need no connection.
func (s *udpSession) Dial(_ *types.Target) {
	if s.conn != nil || s.ctx.Err() != nil {
		return
	}
	if err := s.bind(); err != nil {
		s.log.Warn("failed to rebind", zap.Error(err))
	}
}

func (s *udpSession) Target() *types.Target { return nil }

func (s *udpSession) Send(id uint16, t *types.Target, payload []byte) (types.Handle, error) {
	if s.conn == nil {
		return types.Handle{}, ErrNotReady
	}
	if t == nil || t.UDPAddr() == nil {
		return types.Handle{}, fmt.Errorf("target %v has no datagram address", t)
	}
	if !utils.SetMsgID(payload, id) {
		return types.Handle{}, types.ErrMalformed
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	n, err := s.conn.WriteToUDP(payload, t.UDPAddr())
	if err == nil && n < len(payload) {
		err = fmt.Errorf("only wrote %d bytes of the %d byte message", n, len(payload))
	}
	if err != nil {
		return types.Handle{}, err
	}
	return types.Handle{Conn: s.epoch, Stream: types.NoStream}, nil
}

func (s *udpSession) Deliver(ev *types.Event) ([]types.Reply, error) {
	switch ev.Kind {
	case types.EventData:
		if ev.Handle.Conn != s.epoch {
			return nil, nil
		}

		id, ok := utils.MsgID(ev.Data)
		if !ok {
			return []types.Reply{{Handle: ev.Handle, From: ev.From, Err: types.ErrMalformed}}, nil
		}
		return []types.Reply{{
			ID:     id,
			Handle: ev.Handle,
			Msg:    ev.Data,
			From:   ev.From,
		}}, nil
	case types.EventClosed:
		if ev.Handle.Conn != s.epoch || s.conn == nil {
			return nil, nil
		}

		s.log.Warn("socket failed", zap.Error(ev.Err))
		_ = s.conn.Close()
		s.conn = nil
		return nil, types.ErrSessionLost
	}
	return nil, nil
}

func (s *udpSession) Forget(_ types.Handle) {}

func (s *udpSession) Seal() {}

func (s *udpSession) Finish() {}

func (s *udpSession) Close() error {
	s.stop()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *udpSession) responses(conn *net.UDPConn, epoch uint64) {
	b := make([]byte, maxReadSize)

	for {
		n, addr, err := conn.ReadFromUDP(b)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.post(&types.Event{
					Kind:   types.EventClosed,
					Handle: types.Handle{Conn: epoch, Stream: types.NoStream},
					Err:    err,
				})
			}
			return
		}

		data := make([]byte, n)
		copy(data, b[:n])
		s.post(&types.Event{
			Kind:   types.EventData,
			Handle: types.Handle{Conn: epoch, Stream: types.NoStream},
			Data:   data,
			From:   addr.String(),
		})
	}
}

func (s *udpSession) setMaxReadBufSize(conn *net.UDPConn) {
	if s.rbufSize != 0 {
		_ = conn.SetReadBuffer(s.rbufSize)
		return
	}

	min := 1024
	for size := maxUDPBufferSize; size > min; size /= 2 {
		if err := conn.SetReadBuffer(size); err == nil {
			s.rbufSize = size
			return
		}
	}
}

func (s *udpSession) setMaxWriteBufSize(conn *net.UDPConn) {
	if s.wbufSize != 0 {
		_ = conn.SetWriteBuffer(s.wbufSize)
		return
	}

	min := 1024
	for size := maxUDPBufferSize; size > min; size /= 2 {
		if err := conn.SetWriteBuffer(size); err == nil {
			s.wbufSize = size
			return
		}
	}
}
