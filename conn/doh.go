// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/caffix/queue"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const dnsMessageType = "application/dns-message"

type httpExchange struct {
	id     uint16
	cancel context.CancelFunc
}

// httpsSession sends each query as its own HTTP/2 request. The wire id is
// zero, so responses are matched by exchange number.
type httpsSession struct {
	base
	client    *http.Client
	transport *http.Transport
	seq       int64
	exchanges map[int64]*httpExchange
}

func newHTTPSSession(opts Options) (*httpsSession, error) {
	s := &httpsSession{
		base:      newBase(opts, "doh"),
		exchanges: make(map[int64]*httpExchange),
	}

	d := s.dialer()
	s.transport = &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return d.DialContext(ctx, s.network("tcp"), addr)
		},
		TLSClientConfig:     s.tlsConfig(nil),
		TLSHandshakeTimeout: opts.Timeout,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 2,
	}
	if _, err := http2.ConfigureTransports(s.transport); err != nil {
		return nil, fmt.Errorf("failed to enable HTTP/2: %w", err)
	}

	s.client = &http.Client{Transport: s.transport}
	return s, nil
}

func (s *httpsSession) Protocol() types.Protocol { return types.DoH }

func (s *httpsSession) Start(ctx context.Context, events queue.Queue) error {
	s.start(ctx, events)
	s.nextEpoch()
	return nil
}

func (s *httpsSession) Ready() bool { return s.ctx != nil && s.ctx.Err() == nil }

func (s *httpsSession) Busy() bool { return false }

// Dial is a no-op. The HTTP client manages its own connections.
func (s *httpsSession) Dial(_ *types.Target) {}

func (s *httpsSession) Target() *types.Target { return nil }

func (s *httpsSession) Send(id uint16, t *types.Target, payload []byte) (types.Handle, error) {
	if !s.Ready() {
		return types.Handle{}, ErrNotReady
	}
	if t == nil || t.URL == "" {
		return types.Handle{}, fmt.Errorf("target %v has no URL", t)
	}
	if !utils.SetMsgID(payload, 0) {
		return types.Handle{}, types.ErrMalformed
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	req, err := s.newRequest(ctx, t, payload)
	if err != nil {
		cancel()
		return types.Handle{}, err
	}

	s.seq++
	h := types.Handle{Conn: s.epoch, Stream: s.seq}
	s.exchanges[s.seq] = &httpExchange{id: id, cancel: cancel}
	go s.exchange(req, h)
	return h, nil
}

func (s *httpsSession) newRequest(ctx context.Context, t *types.Target, payload []byte) (*http.Request, error) {
	var req *http.Request
	var err error

	if s.opts.Method == types.MethodGET {
		u, perr := url.Parse(t.URL)
		if perr != nil {
			return nil, perr
		}

		q := u.Query()
		q.Set("dns", base64.RawURLEncoding.EncodeToString(payload))
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		body := make([]byte, len(payload))
		copy(body, payload)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", dnsMessageType)
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", dnsMessageType)
	return req, nil
}

func (s *httpsSession) exchange(req *http.Request, h types.Handle) {
	data, err := s.roundTrip(req)
	if err != nil {
		s.post(&types.Event{Kind: types.EventStreamError, Handle: h, Err: err})
		return
	}
	s.post(&types.Event{Kind: types.EventData, Handle: h, Data: data})
}

func (s *httpsSession) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, dnsMessageType) {
		return nil, fmt.Errorf("%w: content type %q", types.ErrMalformed, ct)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxReadSize))
}

func (s *httpsSession) Deliver(ev *types.Event) ([]types.Reply, error) {
	ex, found := s.exchanges[ev.Handle.Stream]
	if !found || ev.Handle.Conn != s.epoch {
		if ev.Kind == types.EventData {
			return []types.Reply{{Handle: ev.Handle, Err: types.ErrUnmatched}}, nil
		}
		return nil, nil
	}

	delete(s.exchanges, ev.Handle.Stream)
	ex.cancel()

	switch ev.Kind {
	case types.EventData:
		if len(ev.Data) < utils.HeaderSize {
			return []types.Reply{{ID: ex.id, Handle: ev.Handle, Err: types.ErrMalformed}}, nil
		}
		return []types.Reply{{ID: ex.id, Handle: ev.Handle, Msg: ev.Data}}, nil
	case types.EventStreamError:
		return []types.Reply{{ID: ex.id, Handle: ev.Handle, Err: ev.Err}}, nil
	}
	return nil, nil
}

// Forget cancels the request of an abandoned query.
func (s *httpsSession) Forget(h types.Handle) {
	if ex, found := s.exchanges[h.Stream]; found && h.Conn == s.epoch {
		delete(s.exchanges, h.Stream)
		ex.cancel()
	}
}

func (s *httpsSession) Seal() {}

func (s *httpsSession) Finish() {
	s.transport.CloseIdleConnections()
}

func (s *httpsSession) Close() error {
	s.stop()

	pending := len(s.exchanges)
	for seq, ex := range s.exchanges {
		ex.cancel()
		delete(s.exchanges, seq)
	}
	s.transport.CloseIdleConnections()
	s.log.Debug("closed", zap.Int("cancelled", pending))
	return nil
}
