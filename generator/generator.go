// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/miekg/dns"
	"github.com/owasp-amass/trafgen/types"
	"github.com/owasp-amass/trafgen/utils"
	"golang.org/x/net/idna"
)

const (
	labelChars         = "abcdefghijklmnopqrstuvwxyz0123456789"
	defaultLabelLength = 12
)

// Generator kinds accepted by New.
const (
	KindStatic      = "static"
	KindRandomLabel = "randomlabel"
)

// New returns the generator of the requested kind. Names may be a comma
// separated list for the static generator. Generators are not safe for
// concurrent use; every engine gets its own.
func New(kind, names, qtype string, rng *rand.Rand) (types.QueryGenerator, error) {
	t, err := ParseType(qtype)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(kind) {
	case "", KindStatic:
		return NewStatic(strings.Split(names, ","), t)
	case KindRandomLabel:
		return NewRandomLabel(names, t, defaultLabelLength, rng)
	}
	return nil, fmt.Errorf("unknown generator %q", kind)
}

// ParseType converts a mnemonic such as "AAAA" into a query type.
func ParseType(s string) (uint16, error) {
	if s == "" {
		return dns.TypeA, nil
	}
	if t, found := dns.StringToType[strings.ToUpper(s)]; found {
		return t, nil
	}
	return 0, fmt.Errorf("unknown query type %q", s)
}

// normalize converts the name to its ASCII form and makes it fully qualified.
func normalize(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return "", errors.New("empty query name")
	}

	ascii, err := idna.Lookup.ToASCII(utils.RemoveLastDot(name))
	if err != nil {
		return "", fmt.Errorf("invalid query name %q: %w", name, err)
	}
	if _, ok := dns.IsDomainName(ascii); !ok {
		return "", fmt.Errorf("invalid query name %q", name)
	}
	return dns.Fqdn(ascii), nil
}

// Static cycles through a fixed list of names.
type Static struct {
	names []string
	qtype uint16
	next  int
}

func NewStatic(names []string, qtype uint16) (*Static, error) {
	s := &Static{qtype: qtype}

	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}

		fqdn, err := normalize(n)
		if err != nil {
			return nil, err
		}
		s.names = append(s.names, fqdn)
	}
	if len(s.names) == 0 {
		return nil, errors.New("the static generator requires at least one name")
	}
	return s, nil
}

func (s *Static) Generate(_ *types.Target) ([]byte, error) {
	name := s.names[s.next]
	s.next = (s.next + 1) % len(s.names)

	return utils.PackQuery(name, s.qtype)
}

// RandomLabel prepends a random label to the base domain of every query, so
// that no two queries can be answered from a cache.
type RandomLabel struct {
	base   string
	qtype  uint16
	length int
	rng    *rand.Rand
	buf    []byte
}

func NewRandomLabel(base string, qtype uint16, length int, rng *rand.Rand) (*RandomLabel, error) {
	fqdn, err := normalize(base)
	if err != nil {
		return nil, err
	}
	if length <= 0 || length > 63 {
		return nil, fmt.Errorf("invalid label length %d", length)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	return &RandomLabel{
		base:   fqdn,
		qtype:  qtype,
		length: length,
		rng:    rng,
		buf:    make([]byte, length),
	}, nil
}

func (r *RandomLabel) Generate(_ *types.Target) ([]byte, error) {
	for i := range r.buf {
		r.buf[i] = labelChars[r.rng.Intn(len(labelChars))]
	}

	return utils.PackQuery(string(r.buf)+"."+r.base, r.qtype)
}
