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
	"os/signal"
	"sync"
	"time"

	"evserver/internal/netpoll"
)

// ioReg is the loop-owned bookkeeping for one onReadable/onWritable
// registration; the poller itself only ever sees the PollAttachment.
type ioReg struct {
	id  uint64
	w   *watcher
	cb  func()
	fd  int
}

// pollEventLoop is the default backend: one goroutine blocked in the
// platform poller (epoll on Linux, kqueue on BSD/Darwin via
// internal/netpoll), serving callbacks to completion one at a time. It
// implements the "select"/"ev"/"event"/"uv" backend names, per NewEventLoop.
type pollEventLoop struct {
	poller netpoll.Poller
	timers *timerService
	ids    idAllocator

	reads  map[int]*ioReg
	writes map[int]*ioReg
	pa     map[int]*netpoll.PollAttachment

	sigCh     chan os.Signal
	sigCBs    map[os.Signal]func()
	sigIDs    map[os.Signal]uint64

	deferQ     []func()
	deferMu    sync.Mutex
	errHandler func(error)

	stopped bool
}

func newPollEventLoop() (*pollEventLoop, error) {
	p, err := netpoll.OpenPoller()
	if err != nil {
		return nil, err
	}
	return &pollEventLoop{
		poller: p,
		timers: newTimerService(),
		reads:  make(map[int]*ioReg),
		writes: make(map[int]*ioReg),
		pa:     make(map[int]*netpoll.PollAttachment),
		sigCBs: make(map[os.Signal]func()),
		sigIDs: make(map[os.Signal]uint64),
	}, nil
}

func (l *pollEventLoop) SetErrorHandler(cb func(error)) { l.errHandler = cb }

func (l *pollEventLoop) GetTimerCount() int { return l.timers.count() }

func (l *pollEventLoop) Delay(d time.Duration, cb func()) uint64 {
	return l.timers.delay(d, func() { dispatch("delay", l.errHandler, cb) })
}

func (l *pollEventLoop) Repeat(d time.Duration, cb func()) uint64 {
	return l.timers.repeat(d, func() { dispatch("repeat", l.errHandler, cb) })
}

func (l *pollEventLoop) CancelTimer(id uint64) error {
	l.timers.cancel(id)
	return nil
}

func (l *pollEventLoop) Defer(cb func()) {
	l.deferMu.Lock()
	l.deferQ = append(l.deferQ, cb)
	l.deferMu.Unlock()
}

func (l *pollEventLoop) Post(cb func()) {
	_ = l.poller.Trigger(func(interface{}) error {
		dispatch("post", l.errHandler, cb)
		return nil
	}, nil)
}

func (l *pollEventLoop) attachment(fd int) *netpoll.PollAttachment {
	pa, ok := l.pa[fd]
	if !ok {
		pa = &netpoll.PollAttachment{FD: fd}
		l.pa[fd] = pa
	}
	pa.Callback = l.fire(fd)
	return pa
}

// fire builds the poller-facing callback for fd: it looks up whichever
// read/write registrations are currently live and dispatches them,
// matching the level-triggered contract of spec §4.1 (fires as long as
// the fd stays ready and the registration is enabled).
func (l *pollEventLoop) fire(fd int) netpoll.PollEventHandler {
	return func(_ int, ev netpoll.IOEvent) error {
		if ev&(netpoll.EventRead|netpoll.EventErr) != 0 {
			if r, ok := l.reads[fd]; ok && r.w.enabled && !r.w.cancelled {
				r.w.dispatch = true
				dispatch("onReadable", l.errHandler, r.cb)
				r.w.dispatch = false
			}
		}
		if ev&(netpoll.EventWrite|netpoll.EventErr) != 0 {
			if w, ok := l.writes[fd]; ok && w.w.enabled && !w.w.cancelled {
				w.w.dispatch = true
				dispatch("onWritable", l.errHandler, w.cb)
				w.w.dispatch = false
			}
		}
		l.drainDefer()
		return nil
	}
}

func (l *pollEventLoop) drainDefer() {
	l.deferMu.Lock()
	q := l.deferQ
	l.deferQ = nil
	l.deferMu.Unlock()
	for _, cb := range q {
		dispatch("defer", l.errHandler, cb)
	}
}

// OnReadable installs a readability watcher; a second call for the same fd
// cancels the first, per spec §4.1.
func (l *pollEventLoop) OnReadable(fd int, cb func()) error {
	_, hadRead := l.reads[fd]
	_, hadWrite := l.writes[fd]
	l.reads[fd] = &ioReg{id: l.ids.Next(), w: &watcher{kind: WatcherOnReadable, enabled: true, referenced: true}, cb: cb, fd: fd}

	pa := l.attachment(fd)
	var err error
	switch {
	case hadRead && hadWrite:
		return nil // already registered for read+write
	case hadWrite:
		err = l.poller.AddReadWrite(pa)
	case hadRead:
		err = nil // replacing existing read watcher, same interest set
	default:
		err = l.poller.AddRead(pa)
	}
	return err
}

func (l *pollEventLoop) OnWritable(fd int, cb func()) error {
	_, hadRead := l.reads[fd]
	_, hadWrite := l.writes[fd]
	l.writes[fd] = &ioReg{id: l.ids.Next(), w: &watcher{kind: WatcherOnWritable, enabled: true, referenced: true}, cb: cb, fd: fd}

	pa := l.attachment(fd)
	var err error
	switch {
	case hadRead && hadWrite:
		return nil
	case hadRead:
		err = l.poller.AddReadWrite(pa)
	case hadWrite:
		err = nil
	default:
		err = l.poller.AddWrite(pa)
	}
	return err
}

// OffReadable is idempotent: cancelling an fd with no read watcher is a
// no-op, per the "double-cancel is a no-op" invariant of spec §3.
func (l *pollEventLoop) OffReadable(fd int) error {
	r, ok := l.reads[fd]
	if !ok {
		return nil
	}
	r.w.cancelled = true
	delete(l.reads, fd)
	return l.reconcile(fd)
}

func (l *pollEventLoop) OffWritable(fd int) error {
	w, ok := l.writes[fd]
	if !ok {
		return nil
	}
	w.w.cancelled = true
	delete(l.writes, fd)
	return l.reconcile(fd)
}

// reconcile re-derives the poller interest set for fd after a cancellation.
func (l *pollEventLoop) reconcile(fd int) error {
	_, hasRead := l.reads[fd]
	_, hasWrite := l.writes[fd]
	pa, tracked := l.pa[fd]
	if !tracked {
		return nil
	}
	switch {
	case hasRead && hasWrite:
		return l.poller.AddReadWrite(pa)
	case hasRead:
		return l.poller.ModRead(pa)
	case hasWrite:
		return l.poller.ModReadWrite(pa)
	default:
		delete(l.pa, fd)
		return l.poller.Delete(fd)
	}
}

func (l *pollEventLoop) OnSignal(sig os.Signal, cb func()) {
	l.sigCBs[sig] = cb
	l.sigIDs[sig] = l.ids.Next()
	l.resubscribeSignals()
}

func (l *pollEventLoop) OffSignal(sig os.Signal) {
	delete(l.sigCBs, sig)
	delete(l.sigIDs, sig)
	l.resubscribeSignals()
}

// resubscribeSignals rebuilds the process-wide signal.Notify subscription
// from the set of currently registered signals. Delivery is not
// async-signal-safe: the relay goroutine only hops the signal onto the loop
// goroutine via Post, matching spec §4.1's "the loop wakes and dispatches".
func (l *pollEventLoop) resubscribeSignals() {
	if l.sigCh == nil {
		l.sigCh = make(chan os.Signal, 16)
		go l.relaySignals()
	}
	signal.Stop(l.sigCh)
	if len(l.sigCBs) == 0 {
		return
	}
	sigs := make([]os.Signal, 0, len(l.sigCBs))
	for s := range l.sigCBs {
		sigs = append(sigs, s)
	}
	signal.Notify(l.sigCh, sigs...)
}

func (l *pollEventLoop) relaySignals() {
	for sig := range l.sigCh {
		cb, ok := l.sigCBs[sig]
		if !ok {
			continue
		}
		l.Post(cb)
	}
}

func (l *pollEventLoop) Stop() {
	_ = l.poller.UrgentTrigger(func(interface{}) error {
		l.stopped = true
		return netpoll.NewShutdownSignal(nil)
	}, nil)
}

// Run blocks until Stop is called or no enabled callback remains: no
// pending timers, no read/write watchers, and no registered signals.
func (l *pollEventLoop) Run() error {
	err := l.poller.Polling(func() time.Duration {
		now := time.Now()
		l.timers.fireDue(now, func(cb func()) { dispatch("timer", l.errHandler, cb) })
		l.drainDefer()
		if l.idle() {
			l.Stop()
			return netpoll.MaxPollTimeout
		}
		// Bound the next poll wait to the nearest timer deadline so an
		// otherwise-idle loop still wakes in time for it instead of
		// sleeping through up to MaxPollTimeout regardless, per the
		// timer-precision invariant of spec §8.
		if deadline, ok := l.timers.nextDeadline(); ok {
			return netpoll.ClampTimeout(deadline.Sub(now))
		}
		return netpoll.MaxPollTimeout
	})
	if sig, ok := netpoll.IsShutdownSignal(err); ok {
		return sig
	}
	return err
}

// idle reports whether no enabled referenced callback remains: an
// unreferenced timer or fd watcher (see setReferenced/unrefFD, exposed to
// callers via the coroutine backend's Unref/UnrefFD) does not keep Run
// blocked by itself, per spec §3/§4.1.
func (l *pollEventLoop) idle() bool {
	return l.referencedReads() == 0 && l.referencedWrites() == 0 && l.timers.referencedCount() == 0 && len(l.sigCBs) == 0
}

func (l *pollEventLoop) referencedReads() int {
	n := 0
	for _, r := range l.reads {
		if r.w.referenced {
			n++
		}
	}
	return n
}

func (l *pollEventLoop) referencedWrites() int {
	n := 0
	for _, w := range l.writes {
		if w.w.referenced {
			n++
		}
	}
	return n
}

// unrefFD and refFD flip whether fd's onReadable/onWritable registrations
// count toward idle detection; unexported since only the coroutine
// backend (loop_coroutine.go) exposes this to callers, per spec §3's
// "referenced vs unreferenced ... applies to the coroutine backend only".
func (l *pollEventLoop) unrefFD(fd int) {
	if r, ok := l.reads[fd]; ok {
		r.w.referenced = false
	}
	if w, ok := l.writes[fd]; ok {
		w.w.referenced = false
	}
}

func (l *pollEventLoop) refFD(fd int) {
	if r, ok := l.reads[fd]; ok {
		r.w.referenced = true
	}
	if w, ok := l.writes[fd]; ok {
		w.w.referenced = true
	}
}

func (l *pollEventLoop) close() error { return l.poller.Close() }
