// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"
	"time"
)

func TestTimerServiceFiresDueInDeadlineOrder(t *testing.T) {
	s := newTimerService()
	var order []int

	base := time.Now()
	s.schedule(timerOneShot, 0, func() { order = append(order, 1) })
	s.schedule(timerOneShot, 0, func() { order = append(order, 2) })
	s.schedule(timerOneShot, 0, func() { order = append(order, 3) })

	s.fireDue(base.Add(time.Second), func(cb func()) { cb() })

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3] (deadline tie broken by id)", order)
	}
	if s.count() != 0 {
		t.Fatalf("count = %d, want 0 after firing all", s.count())
	}
}

func TestTimerServiceSameTickReschedule(t *testing.T) {
	// spec §8 scenario 6: a callback firing at tick N that itself
	// schedules delay(0, cb2) must not see cb2 fire in the same fireDue
	// pass it was scheduled from.
	s := newTimerService()
	var cb2Fired bool
	now := time.Now()

	s.schedule(timerOneShot, 0, func() {
		s.schedule(timerOneShot, 0, func() { cb2Fired = true })
	})

	s.fireDue(now.Add(time.Millisecond), func(cb func()) { cb() })
	if cb2Fired {
		t.Fatal("cb2 fired in the same fireDue pass it was scheduled from")
	}

	s.fireDue(now.Add(2*time.Second), func(cb func()) { cb() })
	if !cb2Fired {
		t.Fatal("cb2 never fired on the following tick")
	}
}

func TestTimerServiceCancelIsIdempotent(t *testing.T) {
	s := newTimerService()
	fired := false
	id := s.schedule(timerOneShot, time.Hour, func() { fired = true })

	s.cancel(id)
	s.cancel(id) // must not panic or double-free
	s.cancel(id + 999) // unknown id: no-op

	s.fireDue(time.Now().Add(2*time.Hour), func(cb func()) { cb() })
	if fired {
		t.Fatal("cancelled timer fired")
	}
	if s.count() != 0 {
		t.Fatalf("count = %d, want 0", s.count())
	}
}

func TestTimerServicePeriodicReschedules(t *testing.T) {
	s := newTimerService()
	fireCount := 0
	now := time.Now()
	s.schedule(timerPeriodic, 10*time.Millisecond, func() { fireCount++ })

	s.fireDue(now.Add(15*time.Millisecond), func(cb func()) { cb() })
	if fireCount != 1 {
		t.Fatalf("fireCount = %d, want 1", fireCount)
	}
	if s.count() != 1 {
		t.Fatalf("periodic timer should still be scheduled, count = %d", s.count())
	}

	s.fireDue(now.Add(100*time.Millisecond), func(cb func()) { cb() })
	if fireCount != 2 {
		t.Fatalf("fireCount = %d, want 2 after catching up a missed tick", fireCount)
	}
}

func TestTimerServiceNextDeadlineTracksEarliest(t *testing.T) {
	s := newTimerService()
	if _, ok := s.nextDeadline(); ok {
		t.Fatal("nextDeadline: want false on empty service")
	}
	s.schedule(timerOneShot, time.Hour, func() {})
	id2 := s.schedule(timerOneShot, time.Minute, func() {})
	dl, ok := s.nextDeadline()
	if !ok {
		t.Fatal("nextDeadline: want true")
	}
	want := s.byID[id2].deadline
	if !dl.Equal(want) {
		t.Fatalf("nextDeadline = %v, want earliest deadline %v", dl, want)
	}
}
