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

import "fmt"

// resumption is what a suspended fiber goroutine receives when it is woken:
// either a value (resume) or an error to raise at the suspend point (throw).
type resumption struct {
	value interface{}
	err   error
}

// suspension is the one-shot handoff token between a fiber goroutine and the
// loop goroutine that scheduled it, per spec §4.1's coroutine backend. A
// fiber calls suspend() to block itself and hand control back to the loop;
// the loop later calls resume or throw exactly once to wake it. A second
// resume/throw on an already-settled suspension panics: the contract is
// at-most-once, matching the teacher's "every watcher cancellable exactly
// once" discipline applied to fiber wakeups.
type suspension struct {
	in   chan resumption
	out  chan struct{}
	done bool
}

func newSuspension() *suspension {
	return &suspension{in: make(chan resumption, 1), out: make(chan struct{}, 1)}
}

// suspend blocks the calling goroutine until resume or throw is called from
// the loop goroutine, then returns the resumed value or panics with the
// thrown error wrapped so the fiber's own recover (in dispatch) can see it.
func (s *suspension) suspend() interface{} {
	s.out <- struct{}{}
	r := <-s.in
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}

// awaitSuspend blocks the loop goroutine until the fiber calls suspend (or
// returns outright, in which case the caller's done channel closes instead).
func (s *suspension) awaitSuspend() {
	<-s.out
}

func (s *suspension) resume(value interface{}) {
	if s.done {
		panic(fmt.Sprintf("resume called on settled suspension"))
	}
	s.done = true
	s.in <- resumption{value: value}
}

func (s *suspension) throw(err error) {
	if s.done {
		panic(fmt.Sprintf("throw called on settled suspension"))
	}
	s.done = true
	s.in <- resumption{err: err}
}
