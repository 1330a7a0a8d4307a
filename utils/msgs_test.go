// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"

	"github.com/miekg/dns"
)

func TestRemoveLastDot(t *testing.T) {
	if got := RemoveLastDot("owasp.org."); got != "owasp.org" {
		t.Errorf("expected owasp.org, got %s", got)
	}
	if got := RemoveLastDot("owasp.org"); got != "owasp.org" {
		t.Errorf("expected owasp.org, got %s", got)
	}
}

func TestMsgIDRoundTrip(t *testing.T) {
	raw, err := PackQuery("owasp.org", dns.TypeA)
	if err != nil {
		t.Fatalf("failed to pack the query: %v", err)
	}
	if id, ok := MsgID(raw); !ok || id != 0 {
		t.Errorf("expected a zero id, got %d", id)
	}

	if !SetMsgID(raw, 0xbeef) {
		t.Fatalf("failed to set the id")
	}
	m := new(dns.Msg)
	if err := m.Unpack(raw); err != nil {
		t.Fatalf("failed to unpack the query: %v", err)
	}
	if m.Id != 0xbeef {
		t.Errorf("expected id 0xbeef, got %#x", m.Id)
	}
	if len(m.Question) != 1 || m.Question[0].Name != "owasp.org." {
		t.Errorf("the question was corrupted by setting the id")
	}
}

func TestShortMessages(t *testing.T) {
	short := make([]byte, HeaderSize-1)

	if _, ok := MsgID(short); ok {
		t.Errorf("read an id from a truncated header")
	}
	if SetMsgID(short, 1) {
		t.Errorf("wrote an id into a truncated header")
	}
	if Rcode(short) != -1 {
		t.Errorf("read an rcode from a truncated header")
	}
	if IsResponse(short) {
		t.Errorf("a truncated header was considered a response")
	}
}

func TestRcodeAndResponse(t *testing.T) {
	q := QueryMsg("owasp.org", dns.TypeA)
	r := new(dns.Msg)
	r.SetRcode(q, dns.RcodeNameError)

	raw, err := r.Pack()
	if err != nil {
		t.Fatalf("failed to pack the response: %v", err)
	}
	if Rcode(raw) != dns.RcodeNameError {
		t.Errorf("expected NXDOMAIN, got %d", Rcode(raw))
	}
	if !IsResponse(raw) {
		t.Errorf("the QR bit was not detected")
	}
}

func TestFrame(t *testing.T) {
	msg := make([]byte, 300)
	frame := Frame(msg)

	if len(frame) != 302 {
		t.Fatalf("expected a 302 byte frame, got %d", len(frame))
	}
	if frame[0] != 1 || frame[1] != 44 {
		t.Errorf("unexpected length prefix %d %d", frame[0], frame[1])
	}
}
