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
	"syscall"
	"time"

	"evserver/core/pkg/logging"
)

// Engine is the per-worker object tying one EventLoop to the listeners it
// serves, generalizing the teacher's Redis-specific core/engine.go and
// core/gnet.go into a protocol-agnostic worker runtime (spec §2's "Worker
// supervisor" row, minus the master-process bookkeeping which lives in
// core/supervisor).
type Engine struct {
	Loop      EventLoop
	ids       idAllocator
	listeners []*Listener
	stats     *Stats

	stopTimeout time.Duration
	stopFn      func()

	// StatusFile, when set, is where SIGUSR2 writes this worker's status
	// text (spec §4.4: "emit status snapshot ... to a status file").
	StatusFile string
	// LogReopen, when set, is called on SIGHUP to reopen log files
	// (spec §4.4's worker-forwarded "rotate log files" signal).
	LogReopen func()
}

// NewEngine constructs a worker engine using the backend named by
// eventLoopKind (empty string defers to EVENT_LOOP_DRIVER/"select").
func NewEngine(eventLoopKind string, stopTimeout time.Duration) (*Engine, error) {
	loop, err := NewEventLoop(eventLoopKind)
	if err != nil {
		return nil, err
	}
	e := &Engine{Loop: loop, stats: NewStats(), stopTimeout: stopTimeout}
	loop.SetErrorHandler(func(err error) {
		e.stats.IncThrow()
		logging.Errorf("uncaught error: %v", err)
	})
	return e, nil
}

// AddListener binds and starts a listener on the engine's loop.
func (e *Engine) AddListener(opts ListenerOptions) (*Listener, error) {
	wrapCallbacks(&opts.Callbacks, e.stats)
	l, err := NewListener(e.Loop, &e.ids, opts)
	if err != nil {
		return nil, err
	}
	if err := l.Start(); err != nil {
		return nil, err
	}
	e.listeners = append(e.listeners, l)
	return l, nil
}

// wrapCallbacks instruments the user's callback set with the stats
// counters of spec §4.4, without changing observable ordering: each hook
// still calls through to the user's original callback.
func wrapCallbacks(cbs *Callbacks, stats *Stats) {
	userConnect := cbs.OnConnect
	cbs.OnConnect = func(c *Connection) {
		stats.IncAccepted()
		stats.IncConnections()
		if userConnect != nil {
			userConnect(c)
		}
	}
	userClose := cbs.OnClose
	cbs.OnClose = func(c *Connection) {
		stats.DecConnections()
		if userClose != nil {
			userClose(c)
		}
	}
	userError := cbs.OnError
	cbs.OnError = func(c *Connection, err *Error) {
		if err.Code == SendFail {
			stats.IncSendFailure()
		}
		if userError != nil {
			userError(c, err)
		}
	}
}

// OnStop registers the callback the shutdown protocol invokes at step 2
// (spec §4.4): "deliver stop callback to the user".
func (e *Engine) OnStop(fn func()) { e.stopFn = fn }

// Run installs SIGINT/SIGTERM/SIGQUIT handling directly on the loop (a
// worker forwards signals the master already routed to it, per spec
// §4.4's "same kit forwarded through its loop's onSignal") and blocks in
// Loop.Run until shutdown completes.
func (e *Engine) Run() error {
	e.Loop.OnSignal(syscall.SIGINT, func() { e.Shutdown() })
	e.Loop.OnSignal(syscall.SIGTERM, func() { e.Shutdown() })
	e.Loop.OnSignal(syscall.SIGQUIT, func() { e.dumpDiagnostics() })
	e.Loop.OnSignal(syscall.SIGUSR2, func() { e.writeStatus() })
	e.Loop.OnSignal(syscall.SIGHUP, func() {
		if e.LogReopen != nil {
			e.LogReopen()
		}
	})
	return e.Loop.Run()
}

// writeStatus renders this worker's StatusText to StatusFile, per the
// worker half of spec §4.4's SIGUSR2 handling (the master aggregates one
// file per worker into the full snapshot).
func (e *Engine) writeStatus() {
	if e.StatusFile == "" {
		return
	}
	text := e.stats.StatusText(os.Getpid(), e.Loop.GetTimerCount())
	if err := os.WriteFile(e.StatusFile, []byte(text), 0644); err != nil {
		logging.Errorf("writeStatus: %s", err)
	}
}

// Shutdown runs the five-step protocol of spec §4.4.
func (e *Engine) Shutdown() {
	for _, l := range e.listeners {
		_ = l.Stop()
	}
	if e.stopFn != nil {
		e.stopFn()
	}

	deadline := time.Now().Add(e.stopTimeout)
	e.waitDrain(deadline)
}

func (e *Engine) waitDrain(deadline time.Time) {
	if e.totalConnections() == 0 {
		e.finishShutdown()
		return
	}
	if time.Now().After(deadline) {
		e.destroyRemaining()
		e.finishShutdown()
		return
	}
	e.Loop.Delay(50*time.Millisecond, func() { e.waitDrain(deadline) })
}

func (e *Engine) totalConnections() int {
	n := 0
	for _, l := range e.listeners {
		n += l.ConnectionCount()
	}
	return n
}

func (e *Engine) destroyRemaining() {
	for _, l := range e.listeners {
		for _, c := range l.conns {
			c.Destroy()
		}
	}
}

func (e *Engine) finishShutdown() {
	for _, l := range e.listeners {
		_ = l.Close()
	}
	e.Loop.Stop()
}

func (e *Engine) dumpDiagnostics() {
	fmt.Fprintf(os.Stderr, "---- connection diagnostic dump (pid %d) ----\n", os.Getpid())
	for _, l := range e.listeners {
		for id, c := range l.conns {
			fmt.Fprintf(os.Stderr, "conn %d fd=%d status=%s remote=%v read=%d written=%d\n",
				id, c.fd, c.status, c.remoteAddr, c.BytesRead(), c.BytesWritten())
		}
	}
}

// Stats exposes the engine's counters. The SIGUSR2 status-file dump is
// handled by the engine itself (writeStatus, registered in Run); the
// master in core/supervisor forwards that signal to each worker.
func (e *Engine) Stats() *Stats { return e.stats }
