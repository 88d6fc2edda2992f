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

// Package core implements the event-loop, connection-engine, codec registry
// and worker-supervisor components described in SPEC_FULL.md §4.
package core

import (
	"fmt"
	"os"
	"time"

	"evserver/core/pkg/logging"
)

// EventLoop is the single contract every backend (poll-based reactor,
// coroutine/fiber reactor, tracing decorator) implements, per spec §4.1.
type EventLoop interface {
	// Run blocks while at least one enabled referenced callback remains;
	// it returns when none remain or after Stop is called.
	Run() error
	// Stop requests the loop exit after the current dispatch returns.
	Stop()

	Delay(d time.Duration, cb func()) uint64
	Repeat(interval time.Duration, cb func()) uint64
	CancelTimer(id uint64) error

	OnReadable(fd int, cb func()) error
	OnWritable(fd int, cb func()) error
	OffReadable(fd int) error
	OffWritable(fd int) error

	OnSignal(sig os.Signal, cb func())
	OffSignal(sig os.Signal)

	SetErrorHandler(cb func(err error))
	GetTimerCount() int

	// Defer runs cb after the callback currently dispatching, before the
	// loop re-polls for I/O readiness.
	Defer(cb func())

	// Post hops cb onto the loop goroutine from any other goroutine; it
	// is the mechanism signal delivery and the TLS handshake result use
	// to stay inside the single-writer rule of §5.
	Post(cb func())
}

// Unreferencer is implemented by backends that support the
// referenced/unreferenced watcher distinction of spec §3/§4.1 — the
// coroutine backend only. An unreferenced timer or fd watcher still fires
// normally; it is simply excluded from Run's idle detection, so a
// background fiber can register housekeeping work that never by itself
// keeps the loop alive. Callers type-assert for this: EventLoop itself
// carries no Unref/Ref methods since the poll backend has nothing
// meaningful to do with them.
type Unreferencer interface {
	Unref(id uint64)
	Ref(id uint64)
	UnrefFD(fd int)
	RefFD(fd int)
}

// Backend names recognised by NewEventLoop / the "eventLoop" config knob
// and the EVENT_LOOP_DRIVER environment variable, per spec §6.
const (
	BackendSelect    = "select"
	BackendEv        = "ev"
	BackendEvent     = "event"
	BackendUv        = "uv"
	BackendCoroutine = "coroutine"
	BackendTracing   = "tracing"
)

// EnvDriver and EnvDriverTrace are the environment variables spec §6 names.
const (
	EnvDriver      = "EVENT_LOOP_DRIVER"
	EnvDriverTrace = "EVENT_LOOP_DRIVER_DEBUG_TRACE"
)

// NewEventLoop constructs the backend named by kind. "select", "ev",
// "event" and "uv" all resolve to the same epoll/kqueue poll reactor: the
// teacher's own code (and the rest of the retrieved pack) has no bindings
// for libev/libevent/libuv, so in Go these four historical PHP-ext names
// are aliases over one real backend rather than four distinct ones.
// "coroutine" selects the coroutine backend, and "tracing" wraps the poll
// reactor in the tracing decorator. If kind is empty, EVENT_LOOP_DRIVER is
// consulted, defaulting to "select".
func NewEventLoop(kind string) (EventLoop, error) {
	if kind == "" {
		kind = os.Getenv(EnvDriver)
	}
	if kind == "" {
		kind = BackendSelect
	}

	var (
		loop EventLoop
		err  error
	)
	switch kind {
	case BackendSelect, BackendEv, BackendEvent, BackendUv, BackendTracing:
		loop, err = newPollEventLoop()
	case BackendCoroutine:
		loop, err = newCoroutineEventLoop()
	default:
		return nil, fmt.Errorf("unknown event loop backend %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if kind == BackendTracing || os.Getenv(EnvDriverTrace) != "" {
		loop = newTracingEventLoop(loop)
	}
	return loop, nil
}

// invalidCallbackErr builds the INVALID_CALLBACK_ID error for an id the
// loop has no bookkeeping for.
func invalidCallbackErr(id uint64) error {
	return NewError(InvalidCallbackID, fmt.Sprintf("no such watcher/timer id: %d", id))
}

// dispatch runs cb and recovers a panic into the UNCAUGHT taxonomy,
// forwarding to errHandler if one is installed, otherwise re-raising to the
// loop driver per spec §7's propagation policy.
func dispatch(callbackKind string, errHandler func(error), cb func()) {
	defer func() {
		if r := recover(); r != nil {
			uncaught := &UncaughtThrowable{Callback: callbackKind, Err: r}
			if errHandler != nil {
				errHandler(uncaught)
				return
			}
			logging.Errorf("panic in %s callback with no error handler installed: %v", callbackKind, r)
			panic(uncaught)
		}
	}()
	cb()
}
