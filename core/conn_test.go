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
	"syscall"
	"testing"
	"time"
)

// fakeLoop is a minimal EventLoop stub for exercising Connection methods
// without a real reactor: OnReadable/OnWritable just record the callback
// so tests can invoke it directly.
type fakeLoop struct {
	writable map[int]func()
	readable map[int]func()
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{writable: map[int]func(){}, readable: map[int]func(){}}
}

func (f *fakeLoop) Run() error { return nil }
func (f *fakeLoop) Stop()      {}

func (f *fakeLoop) Delay(d time.Duration, cb func()) uint64       { return 0 }
func (f *fakeLoop) Repeat(interval time.Duration, cb func()) uint64 { return 0 }
func (f *fakeLoop) CancelTimer(id uint64) error                   { return nil }

func (f *fakeLoop) OnReadable(fd int, cb func()) error { f.readable[fd] = cb; return nil }
func (f *fakeLoop) OnWritable(fd int, cb func()) error { f.writable[fd] = cb; return nil }
func (f *fakeLoop) OffReadable(fd int) error           { delete(f.readable, fd); return nil }
func (f *fakeLoop) OffWritable(fd int) error           { delete(f.writable, fd); return nil }

func (f *fakeLoop) OnSignal(sig os.Signal, cb func()) {}
func (f *fakeLoop) OffSignal(sig os.Signal)           {}

func (f *fakeLoop) SetErrorHandler(cb func(err error)) {}
func (f *fakeLoop) GetTimerCount() int                 { return 0 }

func (f *fakeLoop) Defer(cb func()) {}
func (f *fakeLoop) Post(cb func())  {}

// pipeFD opens an OS pipe and returns the write end's raw fd, usable with
// unix.Write the same way a real socket fd would be. The read end is
// returned too so a test can drain it if it needs writes to actually
// complete rather than fill the pipe's kernel buffer.
func pipeFD(t *testing.T) (writeFD int, readEnd *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	if err := syscall.SetNonblock(int(w.Fd()), true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return int(w.Fd()), r
}

type fatalCodec struct{ n int }

func (c *fatalCodec) Input(buf []byte) int              { return c.n }
func (c *fatalCodec) Decode(frame []byte) (interface{}, error) { return frame, nil }
func (c *fatalCodec) Encode(msg interface{}) ([]byte, error)   { return nil, nil }

// incompleteCodec never reports a concrete frame length, the shape a
// RESP-style codec takes while a peer trickles in a declared-length body:
// Input keeps returning FrameIncomplete no matter how much has accumulated.
type incompleteCodec struct{}

func (incompleteCodec) Input(buf []byte) int                    { return FrameIncomplete }
func (incompleteCodec) Decode(frame []byte) (interface{}, error) { return frame, nil }
func (incompleteCodec) Encode(msg interface{}) ([]byte, error)   { return nil, nil }

// pipeReadFD opens an OS pipe and returns the read end's raw fd, usable
// with unix.Read the same way a real socket fd would be, plus the write
// end so a test can push bytes into it to simulate incoming peer data.
func pipeReadFD(t *testing.T) (readFD int, writeEnd *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	if err := syscall.SetNonblock(int(r.Fd()), true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return int(r.Fd()), w
}

func TestPumpFramesDeliversRawWithoutCodec(t *testing.T) {
	loop := newFakeLoop()
	fd, _ := pipeFD(t)
	var got []byte
	cbs := Callbacks{OnMessage: func(c *Connection, msg interface{}) { got = msg.([]byte) }}
	c := newConnection(1, fd, loop, TransportTCP, RoleServer, nil, cbs, 1<<20, 1<<20)
	c.status = StatusEstablished

	c.recv.Write([]byte("hello"))
	c.pumpFrames()

	if string(got) != "hello" {
		t.Fatalf("OnMessage payload = %q, want %q", got, "hello")
	}
}

func TestPumpFramesMaxPackageSizeBoundary(t *testing.T) {
	loop := newFakeLoop()
	fd, _ := pipeFD(t)
	var gotErr *Error
	cbs := Callbacks{OnError: func(c *Connection, err *Error) { gotErr = err }}
	c := newConnection(1, fd, loop, TransportTCP, RoleServer, nil, cbs, 8, 1<<20)
	c.status = StatusEstablished
	c.codec = &fatalCodec{n: 1024} // a frame far bigger than maxPackageSize

	c.recv.Write(make([]byte, 1024))
	c.pumpFrames()

	if gotErr == nil || gotErr.Code != PackageTooBig {
		t.Fatalf("OnError = %+v, want PackageTooBig", gotErr)
	}
	if c.status != StatusClosed {
		t.Fatalf("status = %v, want Closed after a fatal frame", c.status)
	}
}

// TestOnReadableEnforcesMaxPackageSizeOnRawAccumulation guards against a
// peer that sends a huge declared-length frame and trickles the body in:
// since the codec keeps returning FrameIncomplete until the whole frame is
// buffered, pumpFrames's own length check (TestPumpFramesMaxPackageSizeBoundary)
// never runs. onReadable must cap the raw recv buffer independent of the
// codec's current verdict.
func TestOnReadableEnforcesMaxPackageSizeOnRawAccumulation(t *testing.T) {
	loop := newFakeLoop()
	fd, writeEnd := pipeReadFD(t)
	defer writeEnd.Close()

	var gotErr *Error
	cbs := Callbacks{OnError: func(c *Connection, err *Error) { gotErr = err }}
	c := newConnection(1, fd, loop, TransportTCP, RoleServer, nil, cbs, 8, 1<<20)
	c.status = StatusEstablished
	c.codec = incompleteCodec{}

	if _, err := writeEnd.Write(make([]byte, 1024)); err != nil {
		t.Fatalf("writeEnd.Write: %v", err)
	}

	c.onReadable()

	if gotErr == nil || gotErr.Code != PackageTooBig {
		t.Fatalf("OnError = %+v, want PackageTooBig", gotErr)
	}
	if c.status != StatusClosed {
		t.Fatalf("status = %v, want Closed after exceeding maxPackageSize", c.status)
	}
}

func TestEnqueueBufferFullThenDrainExactlyOnce(t *testing.T) {
	loop := newFakeLoop()
	fd, readEnd := pipeFD(t)
	defer readEnd.Close()

	var fullCount, drainCount int
	cbs := Callbacks{
		OnBufferFull:  func(c *Connection) { fullCount++ },
		OnBufferDrain: func(c *Connection) { drainCount++ },
	}
	c := newConnection(1, fd, loop, TransportTCP, RoleServer, nil, cbs, 1<<20, 16)
	c.status = StatusEstablished

	if res := c.enqueue(make([]byte, 16)); res != SendQueued {
		t.Fatalf("enqueue at exactly maxSendBufferSize = %v, want SendQueued", res)
	}
	if fullCount != 1 {
		t.Fatalf("OnBufferFull fired %d times, want 1", fullCount)
	}
	if _, ok := loop.writable[fd]; !ok {
		t.Fatal("enqueue did not register a writability watcher")
	}

	c.onWritable()
	if drainCount != 1 {
		t.Fatalf("OnBufferDrain fired %d times, want 1", drainCount)
	}
	if fullCount != 1 {
		t.Fatalf("OnBufferFull re-fired on drain: count = %d, want still 1", fullCount)
	}
}

func TestEnqueueRejectsOverMaxSendBufferSize(t *testing.T) {
	loop := newFakeLoop()
	fd, readEnd := pipeFD(t)
	defer readEnd.Close()

	var gotErr *Error
	cbs := Callbacks{OnError: func(c *Connection, err *Error) { gotErr = err }}
	c := newConnection(1, fd, loop, TransportTCP, RoleServer, nil, cbs, 1<<20, 16)
	c.status = StatusEstablished

	if res := c.enqueue(make([]byte, 17)); res != SendFailed {
		t.Fatalf("enqueue over maxSendBufferSize = %v, want SendFailed", res)
	}
	if gotErr == nil || gotErr.Code != SendFail {
		t.Fatalf("OnError = %+v, want SendFail", gotErr)
	}
}
