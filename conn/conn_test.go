// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/caffix/queue"
	"github.com/miekg/dns"
	"github.com/owasp-amass/trafgen/types"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func typeAHandler(w dns.ResponseWriter, req *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(req)

	m.Answer = make([]dns.RR, 1)
	m.Answer[0] = &dns.A{
		Hdr: dns.RR_Header{
			Name:   m.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    0,
		},
		A: net.ParseIP("192.168.1.1"),
	}
	_ = w.WriteMsg(m)
}

func withHandler(h dns.HandlerFunc) func(*dns.Server) {
	return func(s *dns.Server) {
		s.Handler = h
	}
}

func RunLocalUDPServer(laddr string, opts ...func(*dns.Server)) (*dns.Server, string, chan error, error) {
	pc, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, "", nil, err
	}
	return RunLocalServer(pc, nil, opts...)
}

func RunLocalTCPServer(laddr string, tlsConf *tls.Config, opts ...func(*dns.Server)) (*dns.Server, string, chan error, error) {
	var l net.Listener
	var err error

	if tlsConf != nil {
		l, err = tls.Listen("tcp", laddr, tlsConf)
	} else {
		l, err = net.Listen("tcp", laddr)
	}
	if err != nil {
		return nil, "", nil, err
	}
	return RunLocalServer(nil, l, opts...)
}

func RunLocalServer(pc net.PacketConn, l net.Listener, opts ...func(*dns.Server)) (*dns.Server, string, chan error, error) {
	server := &dns.Server{
		PacketConn: pc,
		Listener:   l,

		ReadTimeout:  time.Hour,
		WriteTimeout: time.Hour,
	}

	waitLock := sync.Mutex{}
	waitLock.Lock()
	server.NotifyStartedFunc = waitLock.Unlock

	for _, opt := range opts {
		opt(server)
	}

	var (
		addr   string
		closer io.Closer
	)
	if l != nil {
		addr = l.Addr().String()
		closer = l
	} else {
		addr = pc.LocalAddr().String()
		closer = pc
	}
	// fin must be buffered so the goroutine below won't block
	// forever if fin is never read from.
	fin := make(chan error, 1)

	go func() {
		fin <- server.ActivateAndServe()
		closer.Close()
	}()

	waitLock.Lock()
	return server, addr, fin, nil
}

// selfSignedTLS returns a server configuration for 127.0.0.1 and a client
// configuration that trusts it.
func selfSignedTLS(t *testing.T, alpn ...string) (*tls.Config, *tls.Config) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"trafgen test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(cert)

	server := &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   alpn,
	}
	client := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		NextProtos: alpn,
	}
	return server, client
}

// doqServer answers DNS over QUIC queries with the provided handler.
type doqServer struct {
	listener  *quic.Listener
	transport *quic.Transport
	addr      string
	conns     chan *quic.Conn
}

// nextConn returns the next connection accepted by the server.
func (s *doqServer) nextConn(t *testing.T) *quic.Conn {
	t.Helper()

	select {
	case qc := <-s.conns:
		return qc
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a DoQ connection")
	}
	return nil
}

func (s *doqServer) close() {
	_ = s.listener.Close()
	_ = s.transport.Close()
}

func newDoQServer(t *testing.T, handler dns.HandlerFunc) (*doqServer, *tls.Config) {
	t.Helper()

	serverTLS, clientTLS := selfSignedTLS(t, "doq")
	serverTLS.MinVersion = tls.VersionTLS13
	clientTLS.MinVersion = tls.VersionTLS13

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := &quic.Transport{Conn: pc}
	l, err := tr.Listen(serverTLS, &quic.Config{MaxIdleTimeout: 30 * time.Second})
	require.NoError(t, err)

	srv := &doqServer{
		listener:  l,
		transport: tr,
		addr:      pc.LocalAddr().String(),
		conns:     make(chan *quic.Conn, 8),
	}
	go func() {
		for {
			qc, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			select {
			case srv.conns <- qc:
			default:
			}
			go serveDoQConn(qc, handler)
		}
	}()
	return srv, clientTLS
}

func serveDoQConn(qc *quic.Conn, handler dns.HandlerFunc) {
	for {
		stream, err := qc.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go serveDoQStream(stream, handler)
	}
}

func serveDoQStream(stream *quic.Stream, handler dns.HandlerFunc) {
	defer func() { _ = stream.Close() }()

	var size [2]byte
	if _, err := io.ReadFull(stream, size[:]); err != nil {
		return
	}
	buf := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(stream, buf); err != nil {
		return
	}

	req := new(dns.Msg)
	if err := req.Unpack(buf); err != nil {
		return
	}

	rec := &recorder{}
	handler(rec, req)
	if rec.msg == nil {
		return
	}

	out, err := rec.msg.Pack()
	if err != nil {
		return
	}
	frame := make([]byte, 2, 2+len(out))
	binary.BigEndian.PutUint16(frame, uint16(len(out)))
	_, _ = stream.Write(append(frame, out...))
}

// recorder captures the message written by a dns.HandlerFunc.
type recorder struct {
	msg *dns.Msg
}

func (r *recorder) LocalAddr() net.Addr       { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (r *recorder) RemoteAddr() net.Addr      { return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (r *recorder) WriteMsg(m *dns.Msg) error { r.msg = m; return nil }
func (r *recorder) Write(b []byte) (int, error) {
	r.msg = new(dns.Msg)
	return len(b), r.msg.Unpack(b)
}
func (r *recorder) Close() error        { return nil }
func (r *recorder) TsigStatus() error   { return nil }
func (r *recorder) TsigTimersOnly(bool) {}
func (r *recorder) Hijack()             {}
func (r *recorder) Network() string     { return "udp" }

// nextEvent waits for the next event posted by a session.
func nextEvent(t *testing.T, q queue.Queue) *types.Event {
	t.Helper()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()

	for {
		if e, ok := q.Next(); ok {
			return e.(*types.Event)
		}

		select {
		case <-q.Signal():
		case <-timer.C:
			t.Fatal("timed out waiting for a session event")
		}
	}
}

// collectReplies delivers events until n replies have been produced.
func collectReplies(t *testing.T, s Session, q queue.Queue, n int) []types.Reply {
	t.Helper()

	var replies []types.Reply
	for len(replies) < n {
		r, err := s.Deliver(nextEvent(t, q))
		require.NoError(t, err)
		replies = append(replies, r...)
	}
	return replies
}

// connect dials t and delivers the resulting EventOpen.
func connect(t *testing.T, s Session, q queue.Queue, target *types.Target) {
	t.Helper()

	s.Dial(target)
	require.True(t, s.Busy())
	require.False(t, s.Ready())

	ev := nextEvent(t, q)
	require.Equal(t, types.EventOpen, ev.Kind, "dial failed: %v", ev.Err)
	_, err := s.Deliver(ev)
	require.NoError(t, err)
	require.True(t, s.Ready())
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(types.Protocol(99), Options{})
	require.Error(t, err)

	_, err = New(types.UDP, Options{BindIP: "not-an-ip"})
	require.Error(t, err)
}

func TestSessionProtocols(t *testing.T) {
	for _, proto := range []types.Protocol{types.UDP, types.TCP, types.DoT, types.QUIC, types.DoH} {
		s, err := New(proto, Options{})
		require.NoError(t, err)
		require.Equal(t, proto, s.Protocol())
	}
}
