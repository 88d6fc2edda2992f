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
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// timerKind distinguishes a one-shot delay from a periodic repeat, per the
// Timer entity of spec §3.
type timerKind int

const (
	timerOneShot timerKind = iota
	timerPeriodic
)

// timer is one registered Delay/Repeat callback.
type timer struct {
	id         uint64
	kind       timerKind
	interval   time.Duration
	deadline   time.Time
	cb         func()
	cancelled  bool
	referenced bool // see setReferenced
}

// timerItem is the llrb.Item ordering timers by fire time, id breaking ties
// so two timers scheduled for the exact same instant remain distinct keys.
type timerItem struct{ t *timer }

func (a timerItem) Less(than llrb.Item) bool {
	b := than.(timerItem)
	if a.t.deadline.Equal(b.t.deadline) {
		return a.t.id < b.t.id
	}
	return a.t.deadline.Before(b.t.deadline)
}

// timerService is the per-loop timer index: an ordered-by-deadline tree
// (github.com/petar/GoLLRB, pulled from the teacher's own go.mod and
// repurposed here as the deadline index — see DESIGN.md) plus an id lookup
// so Cancel can find and remove a timer without scanning the tree.
type timerService struct {
	ids   idAllocator
	tree  *llrb.LLRB
	byID  map[uint64]*timer
}

func newTimerService() *timerService {
	return &timerService{tree: llrb.New(), byID: make(map[uint64]*timer)}
}

func (s *timerService) schedule(kind timerKind, d time.Duration, cb func()) uint64 {
	t := &timer{
		id:         s.ids.Next(),
		kind:       kind,
		interval:   d,
		deadline:   time.Now().Add(d),
		cb:         cb,
		referenced: true,
	}
	s.byID[t.id] = t
	s.tree.InsertNoReplace(timerItem{t})
	return t.id
}

func (s *timerService) delay(d time.Duration, cb func()) uint64 {
	return s.schedule(timerOneShot, d, cb)
}

func (s *timerService) repeat(d time.Duration, cb func()) uint64 {
	return s.schedule(timerPeriodic, d, cb)
}

// cancel is idempotent: cancelling an unknown or already-cancelled id is a
// no-op, per the "every watcher cancellable exactly once" invariant.
func (s *timerService) cancel(id uint64) {
	t, ok := s.byID[id]
	if !ok || t.cancelled {
		return
	}
	t.cancelled = true
	s.tree.Delete(timerItem{t})
	delete(s.byID, id)
}

func (s *timerService) count() int {
	return len(s.byID)
}

// setReferenced flips whether id keeps the loop alive by itself; see
// referencedCount and the coroutine backend's Unref/Ref.
func (s *timerService) setReferenced(id uint64, ref bool) {
	if t, ok := s.byID[id]; ok {
		t.referenced = ref
	}
}

// referencedCount is how many pending timers still count toward idle
// detection. An unreferenced timer remains scheduled and fires normally;
// it is simply excluded here, per spec §3/§4.1's referenced/unreferenced
// watcher distinction (coroutine backend only).
func (s *timerService) referencedCount() int {
	n := 0
	for _, t := range s.byID {
		if t.referenced {
			n++
		}
	}
	return n
}

// nextDeadline reports the earliest pending fire time, used by the poll
// backend to bound its poll timeout.
func (s *timerService) nextDeadline() (time.Time, bool) {
	min := s.tree.Min()
	if min == nil {
		return time.Time{}, false
	}
	return min.(timerItem).t.deadline, true
}

// fireDue runs every timer whose deadline had already passed as of now,
// rescheduling periodic ones. The due set is collected before any callback
// runs, so a callback that registers a new delay(0, ...) never observes its
// own timer in the same batch: it fires on the next tick, not the current
// one, per spec §8 scenario 6. Missed periodic fires are not coalesced: each
// due tick fires individually until the loop has caught up, per spec §4.1.
func (s *timerService) fireDue(now time.Time, run func(func())) {
	var due []*timer
	for {
		min := s.tree.Min()
		if min == nil {
			break
		}
		t := min.(timerItem).t
		if t.deadline.After(now) {
			break
		}
		s.tree.DeleteMin()
		delete(s.byID, t.id)
		due = append(due, t)
	}

	for _, t := range due {
		if t.cancelled {
			continue
		}
		if t.kind == timerPeriodic {
			t.deadline = t.deadline.Add(t.interval)
			if t.deadline.Before(now) {
				t.deadline = now.Add(t.interval)
			}
			s.byID[t.id] = t
			s.tree.InsertNoReplace(timerItem{t})
		}
		run(t.cb)
	}
}
