// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/owasp-amass/trafgen/metrics"
)

func TestObtainParams(t *testing.T) {
	cases := []struct {
		label string
		args  []string
		ok    bool
		check func(t *testing.T, p *params)
	}{
		{
			label: "No args",
			args:  []string{},
			ok:    true,
			check: func(t *testing.T, p *params) {
				if p.Config.Protocol != "udp" || p.Config.Timeout != 3*time.Second || p.Config.Concurrency != 1 {
					t.Errorf("unexpected defaults: %+v", p.Config)
				}
			},
		}, {
			label: "Invalid argument",
			args:  []string{"-v"},
		}, {
			label: "Help requested",
			args:  []string{"-h"},
			ok:    true,
			check: func(t *testing.T, p *params) {
				if !p.Help || p.Config != nil {
					t.Errorf("expected only the help request")
				}
			},
		}, {
			label: "Cannot open the targets file",
			args:  []string{"-rf", "missing/targets.txt"},
		}, {
			label: "Invalid protocol",
			args:  []string{"-p", "sctp"},
		}, {
			label: "Many valid arguments",
			args: []string{"-p", "dot", "-r", "192.0.2.1,192.0.2.2:8853", "-qps", "250", "-b", "20",
				"-timeout", "2s", "-d", "1m", "-c", "4", "-retries", "2", "-n", "example.com",
				"-t", "AAAA", "-g", "randomlabel", "-k", "-sni", "dns.example.com", "-log", "debug"},
			ok: true,
			check: func(t *testing.T, p *params) {
				c := p.Config
				if c.Protocol != "dot" || len(c.Targets) != 2 || c.QPS != 250 || c.BatchCount != 20 {
					t.Errorf("the transport flags were not applied: %+v", c)
				}
				if c.Timeout != 2*time.Second || c.Duration != time.Minute || c.Concurrency != 4 || c.Retries != 2 {
					t.Errorf("the timing flags were not applied: %+v", c)
				}
				if c.QName != "example.com" || c.QType != "AAAA" || c.Generator != "randomlabel" {
					t.Errorf("the query flags were not applied: %+v", c)
				}
				if !c.Insecure || c.ServerName != "dns.example.com" || c.LogLevel != "debug" {
					t.Errorf("the TLS and log flags were not applied: %+v", c)
				}
			},
		},
	}

	for _, c := range cases {
		f := func(t *testing.T) {
			p, _, err := ObtainParams(c.args)
			if (err == nil) != c.ok {
				t.Fatalf("ObtainParams returned an unexpected error value: %v", err)
			}
			if c.check != nil {
				c.check(t, p)
			}
		}
		t.Run(c.label, f)
	}
}

func TestObtainParamsFlagsBeatEnv(t *testing.T) {
	t.Setenv("TRAFGEN_PROTOCOL", "tcp")
	t.Setenv("TRAFGEN_BATCH_COUNT", "30")

	p, _, err := ObtainParams([]string{"-p", "quic"})
	if err != nil {
		t.Fatalf("ObtainParams returned an error: %v", err)
	}
	if p.Config.Protocol != "quic" {
		t.Errorf("expected the flag to win, got %s", p.Config.Protocol)
	}
	// flags left unset do not hide the environment
	if p.Config.BatchCount != 30 {
		t.Errorf("expected the environment batch count, got %d", p.Config.BatchCount)
	}
}

func TestObtainParamsFiles(t *testing.T) {
	tpath := writeFile(t, "192.0.2.1\n192.0.2.2\n")
	npath := writeFile(t, "b.example.com\nc.example.com\n")

	p, _, err := ObtainParams([]string{"-r", "192.0.2.9", "-rf", tpath, "-n", "a.example.com", "-nf", npath})
	if err != nil {
		t.Fatalf("ObtainParams returned an error: %v", err)
	}
	if len(p.Config.Targets) != 3 || p.Config.Targets[0] != "192.0.2.9" {
		t.Errorf("unexpected targets: %v", p.Config.Targets)
	}
	if p.Config.QName != "a.example.com,b.example.com,c.example.com" {
		t.Errorf("unexpected names: %s", p.Config.QName)
	}
}

func runUDPServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	<-started

	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestRun(t *testing.T) {
	addr := runUDPServer(t)
	db := filepath.Join(t.TempDir(), "metrics.db")

	p, _, err := ObtainParams([]string{"-r", addr, "-qps", "400", "-c", "2", "-d", "300ms",
		"-timeout", "500ms", "-db", db, "-log", "error"})
	if err != nil {
		t.Fatalf("ObtainParams returned an error: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), p) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after the duration elapsed")
	}

	st, err := metrics.OpenStore(db)
	if err != nil {
		t.Fatalf("failed to open the metrics database: %v", err)
	}
	defer func() { _ = st.Close() }()

	snaps, err := st.List()
	if err != nil || len(snaps) == 0 {
		t.Fatalf("expected a final snapshot, got %d: %v", len(snaps), err)
	}

	last := snaps[len(snaps)-1]
	if last.Received == 0 {
		t.Errorf("no responses were received")
	}
	if last.InFlight != 0 || last.Received+last.TimedOut+last.Failed != last.Sent {
		t.Errorf("queries were not accounted for: %+v", last)
	}
}
