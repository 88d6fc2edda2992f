// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2019 Andy Pan
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

// Package netpoll wraps the platform poller (epoll on Linux, kqueue on BSD
// and Darwin) behind one shared shape: a level-triggered Poller that fires a
// PollAttachment's Callback for every fd that stays ready, plus a pair of
// async task queues used to hop work onto the poller goroutine from other
// goroutines (timers, signal delivery, cross-connection writes).
package netpoll

import "time"

// MaxPollTimeout bounds how long a single Polling iteration may block in
// epoll_wait/kevent when the caller has no nearer timer deadline to wait
// for. It is also the ceiling applied to any shorter timeout tick reports.
const MaxPollTimeout = 200 * time.Millisecond

// ClampTimeout bounds d to [0, MaxPollTimeout], the shape Polling's tick
// callback must return: negative (already-due) collapses to 0 so the
// syscall returns immediately instead of blocking, and anything longer than
// MaxPollTimeout is capped so the loop still wakes periodically with no
// pending timer at all.
func ClampTimeout(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxPollTimeout {
		return MaxPollTimeout
	}
	return d
}

// IOEvent is the readiness kind reported to a PollAttachment's Callback.
type IOEvent int

const (
	EventRead IOEvent = 1 << iota
	EventWrite
	EventErr
)

// PollEventHandler is invoked once per ready fd per poll iteration.
type PollEventHandler func(fd int, event IOEvent) error

// PollAttachment is the non-owning registration the poller keeps per fd.
// The Connection/listener that owns fd also owns the PollAttachment; the
// poller only ever holds a pointer to it, never the other way around, so a
// Connection can be released without the poller keeping it alive.
type PollAttachment struct {
	FD       int
	Callback PollEventHandler
}

// TaskFunc is a unit of work run on the poller goroutine.
type TaskFunc func(arg interface{}) error

// Poller is the per-worker reactor: one instance per event loop.
type Poller interface {
	// Polling runs until Close is called or a handler/task returns a
	// sentinel shutdown error. tick is invoked once per iteration before
	// blocking on readiness, used to drive the timer service; its return
	// value is the longest this iteration's syscall may block for (see
	// ClampTimeout), so a near timer deadline shortens the wait instead
	// of the loop sleeping through it.
	Polling(tick func() time.Duration) error
	Close() error

	AddRead(pa *PollAttachment) error
	AddWrite(pa *PollAttachment) error
	AddReadWrite(pa *PollAttachment) error
	ModRead(pa *PollAttachment) error  // drop the write interest, keep read
	ModReadWrite(pa *PollAttachment) error
	Delete(fd int) error

	// Trigger enqueues fn to run on the poller goroutine; low priority.
	Trigger(fn TaskFunc, arg interface{}) error
	// UrgentTrigger is like Trigger but serviced before the normal queue;
	// used for shutdown and other latency-sensitive hops.
	UrgentTrigger(fn TaskFunc, arg interface{}) error
}

// ErrShutdown, returned by a task or callback, tells Polling to return.
type shutdownError struct{ error }

func NewShutdownSignal(err error) error { return shutdownError{err} }

func IsShutdownSignal(err error) (error, bool) {
	if se, ok := err.(shutdownError); ok {
		return se.error, true
	}
	return nil, false
}
