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
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
)

// tracingEventLoop wraps any EventLoop and records the registration-site
// stack trace for every Delay/Repeat/OnReadable/OnWritable call, keyed by
// the id the wrapped loop hands back. When CancelTimer or OffReadable is
// later asked to operate on an id the wrapped loop doesn't recognise, the
// INVALID_CALLBACK_ID error is annotated with where that id (if ever seen)
// was registered and, separately, where it was cancelled — this is the
// EVENT_LOOP_DRIVER_DEBUG_TRACE backend named in spec §6.
type tracingEventLoop struct {
	inner EventLoop

	mu     sync.Mutex
	traces map[uint64]string
}

func newTracingEventLoop(inner EventLoop) *tracingEventLoop {
	return &tracingEventLoop{inner: inner, traces: make(map[uint64]string)}
}

func callerTrace(skip int) string {
	var buf [4096]byte
	n := runtime.Stack(buf[:], false)
	lines := string(buf[:n])
	return lines
}

func (l *tracingEventLoop) record(id uint64) uint64 {
	l.mu.Lock()
	l.traces[id] = callerTrace(3)
	l.mu.Unlock()
	return id
}

func (l *tracingEventLoop) forget(id uint64) {
	l.mu.Lock()
	delete(l.traces, id)
	l.mu.Unlock()
}

func (l *tracingEventLoop) traceFor(id uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.traces[id]
	return t, ok
}

func (l *tracingEventLoop) Run() error  { return l.inner.Run() }
func (l *tracingEventLoop) Stop()       { l.inner.Stop() }

func (l *tracingEventLoop) Delay(d time.Duration, cb func()) uint64 {
	return l.record(l.inner.Delay(d, cb))
}

func (l *tracingEventLoop) Repeat(d time.Duration, cb func()) uint64 {
	return l.record(l.inner.Repeat(d, cb))
}

func (l *tracingEventLoop) CancelTimer(id uint64) error {
	err := l.inner.CancelTimer(id)
	l.forget(id)
	return l.annotate(id, err)
}

func (l *tracingEventLoop) OnReadable(fd int, cb func()) error {
	return l.inner.OnReadable(fd, cb)
}

func (l *tracingEventLoop) OnWritable(fd int, cb func()) error {
	return l.inner.OnWritable(fd, cb)
}

func (l *tracingEventLoop) OffReadable(fd int) error { return l.inner.OffReadable(fd) }
func (l *tracingEventLoop) OffWritable(fd int) error { return l.inner.OffWritable(fd) }

func (l *tracingEventLoop) OnSignal(sig os.Signal, cb func())  { l.inner.OnSignal(sig, cb) }
func (l *tracingEventLoop) OffSignal(sig os.Signal)            { l.inner.OffSignal(sig) }
func (l *tracingEventLoop) SetErrorHandler(cb func(err error)) { l.inner.SetErrorHandler(cb) }
func (l *tracingEventLoop) GetTimerCount() int                 { return l.inner.GetTimerCount() }
func (l *tracingEventLoop) Defer(cb func())                    { l.inner.Defer(cb) }
func (l *tracingEventLoop) Post(cb func())                      { l.inner.Post(cb) }

// Unref, Ref, UnrefFD and RefFD pass through to inner when it implements
// Unreferencer (the coroutine backend) and are no-ops otherwise, so the
// tracing decorator can wrap a coroutine loop without hiding the
// referenced/unreferenced API from callers that type-assert for it.
func (l *tracingEventLoop) Unref(id uint64) {
	if u, ok := l.inner.(Unreferencer); ok {
		u.Unref(id)
	}
}

func (l *tracingEventLoop) Ref(id uint64) {
	if u, ok := l.inner.(Unreferencer); ok {
		u.Ref(id)
	}
}

func (l *tracingEventLoop) UnrefFD(fd int) {
	if u, ok := l.inner.(Unreferencer); ok {
		u.UnrefFD(fd)
	}
}

func (l *tracingEventLoop) RefFD(fd int) {
	if u, ok := l.inner.(Unreferencer); ok {
		u.RefFD(fd)
	}
}

var _ Unreferencer = (*tracingEventLoop)(nil)

// annotate enriches an INVALID_CALLBACK_ID error, if that's what err is,
// with the recorded registration trace for id when one was ever recorded.
func (l *tracingEventLoop) annotate(id uint64, err error) error {
	ce, ok := err.(*Error)
	if !ok || ce.Code != InvalidCallbackID {
		return err
	}
	if trace, ok := l.traceFor(id); ok {
		return NewError(InvalidCallbackID, fmt.Sprintf("%s\nregistered at:\n%s", ce.Reason, trace))
	}
	return NewError(InvalidCallbackID, fmt.Sprintf("%s (no registration trace: id was never seen by this loop)", ce.Reason))
}
