// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package selectors

import (
	"github.com/owasp-amass/trafgen/types"
)

// RoundRobin returns targets in their configured order, wrapping after the
// last one. It never skips or reorders targets.
type RoundRobin struct {
	list []*types.Target
	next int
}

func NewRoundRobin(targets ...*types.Target) *RoundRobin {
	list := make([]*types.Target, len(targets))
	_ = copy(list, targets)

	return &RoundRobin{list: list}
}

// Next returns the target under the cursor and advances it. It returns nil
// when no targets are configured.
func (r *RoundRobin) Next() *types.Target {
	if len(r.list) == 0 {
		return nil
	}

	t := r.list[r.next]
	r.next++
	if r.next >= len(r.list) {
		r.next = 0
	}
	return t
}

func (r *RoundRobin) Len() int { return len(r.list) }
