// Copyright © by Jeff Foley 2017-2026. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/caffix/stringset"
)

func TestAllocateUnique(t *testing.T) {
	p := New(rand.New(rand.NewSource(1)))
	set := stringset.New()
	defer set.Close()

	for i := 0; i < Size; i++ {
		id, err := p.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}

		key := strconv.Itoa(int(id))
		if set.Has(key) {
			t.Fatalf("id %d was allocated twice", id)
		}
		set.Insert(key)
	}
	if set.Len() != Size {
		t.Errorf("expected %d distinct ids, got %d", Size, set.Len())
	}
}

func TestExhaustion(t *testing.T) {
	p := New(nil)

	for i := 0; i < Size; i++ {
		if _, err := p.Allocate(); err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
	}
	if _, err := p.Allocate(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}

	p.Reclaim(42)
	id, err := p.Allocate()
	if err != nil || id != 42 {
		t.Errorf("expected the reclaimed id 42 to be handed out, got %d, %v", id, err)
	}
}

func TestConservation(t *testing.T) {
	p := New(rand.New(rand.NewSource(7)))
	rng := rand.New(rand.NewSource(8))
	var held []uint16

	for i := 0; i < 20000; i++ {
		if len(held) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(held))
			p.Reclaim(held[idx])
			held = append(held[:idx], held[idx+1:]...)
		} else if id, err := p.Allocate(); err == nil {
			held = append(held, id)
		}

		if p.Free()+len(held) != Size {
			t.Fatalf("free %d + held %d != %d", p.Free(), len(held), Size)
		}
		if p.Allocated() != len(held) {
			t.Fatalf("allocated %d, expected %d", p.Allocated(), len(held))
		}
	}
}

func TestShuffled(t *testing.T) {
	p := New(rand.New(rand.NewSource(3)))

	var sequential int
	prev, _ := p.Allocate()
	for i := 0; i < 100; i++ {
		id, _ := p.Allocate()
		if id == prev+1 || id == prev-1 {
			sequential++
		}
		prev = id
	}
	if sequential > 10 {
		t.Errorf("ids look sequential, %d adjacent pairs out of 100", sequential)
	}
}

func TestReclaimFreeIDPanics(t *testing.T) {
	p := New(nil)

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("reclaiming a free id did not panic")
		}
	}()
	p.Reclaim(7)
}

func TestInFlight(t *testing.T) {
	p := New(nil)

	id, _ := p.Allocate()
	if !p.InFlight(id) {
		t.Errorf("id %d should be in flight", id)
	}
	p.Reclaim(id)
	if p.InFlight(id) {
		t.Errorf("id %d should be free", id)
	}
}

func TestReclaimedIDsReusedLast(t *testing.T) {
	p := New(rand.New(rand.NewSource(5)))

	first, _ := p.Allocate()
	p.Reclaim(first)
	for i := 0; i < Size-1; i++ {
		if id, _ := p.Allocate(); id == first {
			t.Fatalf("the reclaimed id %d came back after %d allocations", first, i)
		}
	}
	if id, _ := p.Allocate(); id != first {
		t.Errorf("expected the reclaimed id %d last, got %d", first, id)
	}
}
