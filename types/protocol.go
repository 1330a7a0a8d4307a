// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"strings"
)

// Protocol selects the wire transport used for the lifetime of an engine.
type Protocol int

const (
	UDP Protocol = iota
	TCP
	QUIC
	DoH
	DoT
)

var protocolNames = map[Protocol]string{
	UDP:  "udp",
	TCP:  "tcp",
	QUIC: "quic",
	DoH:  "doh",
	DoT:  "dot",
}

func (p Protocol) String() string {
	if name, found := protocolNames[p]; found {
		return name
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol converts the configuration name of a protocol.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return UDP, fmt.Errorf("unknown protocol %q", s)
}

// DefaultPort returns the well known port for the protocol.
func (p Protocol) DefaultPort() int {
	switch p {
	case QUIC, DoT:
		return 853
	case DoH:
		return 443
	}
	return 53
}

// Stream reports whether the protocol frames messages over a byte stream
// and runs one connection per send batch.
func (p Protocol) Stream() bool {
	return p == TCP || p == DoT
}

// HTTPMethod is the request method used by DoH sessions.
type HTTPMethod string

const (
	MethodPOST HTTPMethod = "POST"
	MethodGET  HTTPMethod = "GET"
)

// ParseHTTPMethod accepts GET or POST in any case.
func ParseHTTPMethod(s string) (HTTPMethod, error) {
	switch m := HTTPMethod(strings.ToUpper(strings.TrimSpace(s))); m {
	case MethodPOST, MethodGET:
		return m, nil
	case "":
		return MethodPOST, nil
	}
	return MethodPOST, fmt.Errorf("unsupported HTTP method %q", s)
}
