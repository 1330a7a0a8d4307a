// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target is a destination endpoint. Targets are immutable once loaded.
type Target struct {
	// Host is the IP address or name of the server.
	Host string
	// Port is the destination port.
	Port int
	// Address is Host and Port joined for dialing.
	Address string
	// URL is the full DoH endpoint. Empty for other protocols.
	URL string
	// ServerName is used for TLS verification and SNI.
	ServerName string

	udp *net.UDPAddr
}

func (t *Target) String() string {
	if t.URL != "" {
		return t.URL
	}
	return t.Address
}

// UDPAddr returns the resolved datagram address of the target.
func (t *Target) UDPAddr() *net.UDPAddr {
	return t.udp
}

// NewTarget parses a configured target for the provided protocol. Plain
// addresses without a port get the default port, and DoH targets may be
// either a full https URL or a host that gets the /dns-query path.
func NewTarget(s string, proto Protocol, port int) (*Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty target")
	}
	if port <= 0 {
		port = proto.DefaultPort()
	}

	if proto == DoH {
		return newDoHTarget(s, port)
	}

	host, p, err := net.SplitHostPort(s)
	if err != nil {
		// Add the default port number to the address
		host = strings.Trim(s, "[]")
		p = strconv.Itoa(port)
	}
	pnum, err := strconv.Atoi(p)
	if err != nil || pnum <= 0 || pnum > 65535 {
		return nil, fmt.Errorf("invalid port in target %q", s)
	}

	t := &Target{
		Host:       host,
		Port:       pnum,
		Address:    net.JoinHostPort(host, strconv.Itoa(pnum)),
		ServerName: host,
	}
	if proto == UDP {
		addr, err := net.ResolveUDPAddr("udp", t.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target %q: %w", s, err)
		}
		t.udp = addr
	}
	return t, nil
}

func newDoHTarget(s string, port int) (*Target, error) {
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid DoH target %q: %w", s, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("invalid DoH scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/dns-query"
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("DoH target %q has no host", s)
	}
	pnum := port
	if p := u.Port(); p != "" {
		if pnum, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid port in target %q", s)
		}
	} else if u.Scheme == "http" {
		pnum = 80
	}

	return &Target{
		Host:       host,
		Port:       pnum,
		Address:    net.JoinHostPort(host, strconv.Itoa(pnum)),
		URL:        u.String(),
		ServerName: host,
	}, nil
}

// ParseTargets parses every configured target, failing on the first bad entry.
func ParseTargets(list []string, proto Protocol, port int) ([]*Target, error) {
	targets := make([]*Target, 0, len(list))

	for _, s := range list {
		t, err := NewTarget(s, proto, port)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}
