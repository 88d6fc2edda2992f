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

func TestNewEventLoopUnknownBackend(t *testing.T) {
	if _, err := NewEventLoop("not-a-real-backend"); err == nil {
		t.Fatal("NewEventLoop: want error for unknown backend")
	}
}

func TestPollEventLoopRunsDelayThenIdlesOut(t *testing.T) {
	loop, err := NewEventLoop(BackendSelect)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}

	fired := make(chan struct{}, 1)
	loop.Delay(10*time.Millisecond, func() { fired <- struct{}{} })

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("Delay callback never fired")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil once idle", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned after the only pending timer fired and the loop went idle")
	}
}

func TestPollEventLoopStopReturnsPromptly(t *testing.T) {
	loop, err := NewEventLoop(BackendSelect)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	// A repeating timer keeps the loop from idling out on its own, so the
	// only way Run() returns is via an explicit Stop().
	loop.Repeat(time.Hour, func() {})

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	time.Sleep(20 * time.Millisecond) // let Run() actually start polling
	loop.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return promptly after Stop()")
	}
}

// TestPollEventLoopBoundsWaitToNearestTimer guards the timer-precision
// invariant of spec §8: a busy (non-idle) loop must not sleep through a
// soon-due timer just because its poll timeout is otherwise unbounded. A
// long-lived repeat keeps idle() from ever being true, so the only thing
// that can shorten the wait is tick() reporting the nearer delay deadline.
func TestPollEventLoopBoundsWaitToNearestTimer(t *testing.T) {
	loop, err := NewEventLoop(BackendSelect)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	loop.Repeat(time.Hour, func() {})

	start := time.Now()
	fired := make(chan time.Duration, 1)
	loop.Delay(10*time.Millisecond, func() { fired <- time.Since(start) })

	go func() { _ = loop.Run() }()
	defer loop.Stop()

	select {
	case elapsed := <-fired:
		if elapsed > 100*time.Millisecond {
			t.Fatalf("Delay(10ms) fired after %v, want well under the 200ms poll timeout ceiling", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Delay callback never fired")
	}
}

func TestCoroutineEventLoopUnreferencedTimerDoesNotBlockIdleExit(t *testing.T) {
	loop, err := NewEventLoop(BackendCoroutine)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	unref, ok := loop.(Unreferencer)
	if !ok {
		t.Fatal("coroutine backend does not implement Unreferencer")
	}

	id := loop.Repeat(time.Hour, func() {})
	unref.Unref(id)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil once only an unreferenced timer remains", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned: unreferenced timer still blocked idle detection")
	}
	if loop.GetTimerCount() != 1 {
		t.Fatalf("GetTimerCount = %d, want 1 (unref does not cancel)", loop.GetTimerCount())
	}
}

func TestCoroutineEventLoopRefRestoresBlocking(t *testing.T) {
	loop, err := NewEventLoop(BackendCoroutine)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	unref := loop.(Unreferencer)

	id := loop.Repeat(time.Hour, func() {})
	unref.Unref(id)
	unref.Ref(id)

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()

	select {
	case <-done:
		t.Fatal("Run() returned even though the re-referenced timer is still pending")
	case <-time.After(100 * time.Millisecond):
	}
	loop.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after Stop()")
	}
}

func TestPollEventLoopCancelTimer(t *testing.T) {
	loop, err := NewEventLoop(BackendSelect)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	fired := false
	id := loop.Delay(10*time.Millisecond, func() { fired = true })
	if err := loop.CancelTimer(id); err != nil {
		t.Fatalf("CancelTimer: %v", err)
	}
	if loop.GetTimerCount() != 0 {
		t.Fatalf("GetTimerCount = %d, want 0 after cancel", loop.GetTimerCount())
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never returned on an empty loop")
	}
	if fired {
		t.Fatal("cancelled timer fired anyway")
	}
}
