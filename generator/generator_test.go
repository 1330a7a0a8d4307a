// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/caffix/stringset"
	"github.com/miekg/dns"
)

func unpack(t *testing.T, b []byte) *dns.Msg {
	t.Helper()

	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		t.Fatalf("failed to unpack the generated query: %v", err)
	}
	return m
}

func TestStaticCycles(t *testing.T) {
	g, err := NewStatic([]string{"owasp.org", "example.com."}, dns.TypeAAAA)
	if err != nil {
		t.Fatalf("failed to create the generator: %v", err)
	}

	expected := []string{"owasp.org.", "example.com.", "owasp.org."}
	for _, name := range expected {
		b, err := g.Generate(nil)
		if err != nil {
			t.Fatalf("failed to generate: %v", err)
		}

		m := unpack(t, b)
		if m.Id != 0 {
			t.Errorf("expected a zero id, got %d", m.Id)
		}
		if q := m.Question[0]; q.Name != name || q.Qtype != dns.TypeAAAA {
			t.Errorf("expected %s AAAA, got %s %d", name, q.Name, q.Qtype)
		}
	}
}

func TestStaticIDNA(t *testing.T) {
	g, err := NewStatic([]string{"bücher.example"}, dns.TypeA)
	if err != nil {
		t.Fatalf("failed to create the generator: %v", err)
	}

	b, _ := g.Generate(nil)
	if name := unpack(t, b).Question[0].Name; name != "xn--bcher-kva.example." {
		t.Errorf("expected the punycode name, got %s", name)
	}
}

func TestStaticRejectsEmpty(t *testing.T) {
	if _, err := NewStatic([]string{"", " "}, dns.TypeA); err == nil {
		t.Errorf("expected an error for an empty name list")
	}
}

func TestRandomLabel(t *testing.T) {
	g, err := NewRandomLabel("owasp.org", dns.TypeA, 10, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("failed to create the generator: %v", err)
	}

	names := stringset.New()
	defer names.Close()

	for i := 0; i < 100; i++ {
		b, err := g.Generate(nil)
		if err != nil {
			t.Fatalf("failed to generate: %v", err)
		}

		name := unpack(t, b).Question[0].Name
		if !strings.HasSuffix(name, ".owasp.org.") {
			t.Errorf("%s is not below the base domain", name)
		}
		if label := strings.SplitN(name, ".", 2)[0]; len(label) != 10 {
			t.Errorf("expected a 10 character label, got %q", label)
		}
		names.Insert(name)
	}
	if names.Len() != 100 {
		t.Errorf("expected 100 unique names, got %d", names.Len())
	}
}

func TestNew(t *testing.T) {
	if _, err := New("static", "owasp.org,example.com", "mx", nil); err != nil {
		t.Errorf("failed to create a static generator: %v", err)
	}
	if _, err := New("randomlabel", "owasp.org", "", nil); err != nil {
		t.Errorf("failed to create a random label generator: %v", err)
	}
	if _, err := New("bogus", "owasp.org", "A", nil); err == nil {
		t.Errorf("expected an error for an unknown generator")
	}
	if _, err := New("static", "owasp.org", "NOPE", nil); err == nil {
		t.Errorf("expected an error for an unknown query type")
	}
}
