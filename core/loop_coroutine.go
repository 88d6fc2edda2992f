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
	"os"
	"time"
)

// coroutineEventLoop is the "coroutine" backend: it reuses the poll
// reactor for all I/O multiplexing, timer bookkeeping and dispatch, so
// every callback runs directly on the loop goroutine exactly as on the
// poll backend and cannot suspend in place. The fiber/runFiber helpers
// below are not used by the dispatch path. What this backend adds over
// the poll backend is Unreferencer; referenced/unreferenced bookkeeping
// lives on the watcher record exactly as it does for the poll backend.
type coroutineEventLoop struct {
	*pollEventLoop
}

func newCoroutineEventLoop() (*coroutineEventLoop, error) {
	base, err := newPollEventLoop()
	if err != nil {
		return nil, err
	}
	return &coroutineEventLoop{pollEventLoop: base}, nil
}

// fiber is the handle runFiber passes to its cb. Await
// suspends the callback's goroutine until the loop settles the pending
// suspension (typically because the I/O or timer the fiber is waiting on
// completed), without blocking the loop goroutine itself.
type fiber struct {
	loop *coroutineEventLoop
	susp *suspension
}

// Await parks the current fiber goroutine, calling register with a
// callback the fiber should invoke (via loop.Post, so it runs back on the
// loop goroutine) once the awaited condition is ready. Await returns
// whatever value that callback passes to resume, or panics with whatever
// error it passes to throw — exactly the suspend/resume/throw contract of
// spec §4.1's coroutine backend.
func (f *fiber) Await(register func(resume func(interface{}), throw func(error))) interface{} {
	register(f.susp.resume, f.susp.throw)
	return f.susp.suspend()
}

// runFiber runs cb on a dedicated goroutine so it may call Await without
// blocking the loop, and blocks the caller (the loop goroutine) until cb
// either returns or performs its first Await. If cb never calls Await it
// behaves exactly like a direct call: runFiber does not return until cb
// has returned.
func runFiber(l *coroutineEventLoop, cb func(f *fiber)) {
	susp := newSuspension()
	fb := &fiber{loop: l, susp: susp}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		cb(fb)
	}()

	// Wait for either the fiber to finish outright or to reach its first
	// suspend point; susp.out and finished race on purpose.
	select {
	case <-susp.out:
	case <-finished:
	}
}

// Delay, Repeat, OnReadable, OnWritable and OnSignal are inherited
// unmodified from pollEventLoop: callbacks are scheduled and dispatched
// exactly as on the poll backend.

func (l *coroutineEventLoop) Run() error {
	return l.pollEventLoop.Run()
}

func (l *coroutineEventLoop) Stop() { l.pollEventLoop.Stop() }

func (l *coroutineEventLoop) Delay(d time.Duration, cb func()) uint64 {
	return l.pollEventLoop.Delay(d, cb)
}

func (l *coroutineEventLoop) Repeat(d time.Duration, cb func()) uint64 {
	return l.pollEventLoop.Repeat(d, cb)
}

func (l *coroutineEventLoop) OnSignal(sig os.Signal, cb func()) {
	l.pollEventLoop.OnSignal(sig, cb)
}

// Unref marks the timer identified by id as unreferenced: it keeps firing
// on schedule, but no longer by itself keeps Run from returning once every
// other referenced watcher is gone. Ref restores the default referenced
// state. UnrefFD/RefFD do the same for an fd's onReadable/onWritable
// registrations. Together these implement Unreferencer, the
// coroutine-only half of spec §3's referenced/unreferenced distinction.
func (l *coroutineEventLoop) Unref(id uint64) { l.timers.setReferenced(id, false) }
func (l *coroutineEventLoop) Ref(id uint64)   { l.timers.setReferenced(id, true) }
func (l *coroutineEventLoop) UnrefFD(fd int)  { l.unrefFD(fd) }
func (l *coroutineEventLoop) RefFD(fd int)    { l.refFD(fd) }

var _ Unreferencer = (*coroutineEventLoop)(nil)
