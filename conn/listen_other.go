// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package conn

import (
	"context"
	"net"
)

func listenPacket(ctx context.Context, network, laddr string) (net.PacketConn, error) {
	var lc net.ListenConfig

	return lc.ListenPacket(ctx, network, laddr)
}
