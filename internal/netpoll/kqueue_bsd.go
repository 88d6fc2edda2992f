// Copyright (c) 2022 The rcproxy Authors
// Copyright (c) 2021 Andy Pan
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

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

// This file generalizes the kqueue poller kept in the retrieval pack
// (originally gated behind the gnet "poll_opt" build tag and backed by a
// lock-free MPSC queue from an internal package this pack did not retain):
// the wakeup note + EVFILT_USER trick and the AddRead/AddWrite/ModRead
// kevent shapes are unchanged, the task queue is the plain mutex-guarded
// taskQueue in queue.go, and dispatch goes through the generic
// PollAttachment.Callback(fd, IOEvent) contract instead of a Redis-specific
// error sentinel switch.

package netpoll

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	fd     int
	normal taskQueue
	urgent taskQueue
}

var wakeNote = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// OpenPoller instantiates the BSD/Darwin kqueue-backed poller.
func OpenPoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err = unix.Kevent(fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	return &kqueuePoller{fd: fd}, nil
}

func (p *kqueuePoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *kqueuePoller) wake() {
	_, _ = unix.Kevent(p.fd, wakeNote, nil, nil)
}

func (p *kqueuePoller) Trigger(fn TaskFunc, arg interface{}) error {
	p.normal.enqueue(fn, arg)
	p.wake()
	return nil
}

func (p *kqueuePoller) UrgentTrigger(fn TaskFunc, arg interface{}) error {
	p.urgent.enqueue(fn, arg)
	p.wake()
	return nil
}

func (p *kqueuePoller) AddRead(pa *PollAttachment) error {
	var evs [1]unix.Kevent_t
	evs[0].Ident = uint64(pa.FD)
	evs[0].Flags = unix.EV_ADD
	evs[0].Filter = unix.EVFILT_READ
	evs[0].Udata = (*byte)(unsafe.Pointer(pa))
	_, err := unix.Kevent(p.fd, evs[:], nil, nil)
	return os.NewSyscallError("kevent add", err)
}

func (p *kqueuePoller) AddWrite(pa *PollAttachment) error {
	var evs [1]unix.Kevent_t
	evs[0].Ident = uint64(pa.FD)
	evs[0].Flags = unix.EV_ADD
	evs[0].Filter = unix.EVFILT_WRITE
	evs[0].Udata = (*byte)(unsafe.Pointer(pa))
	_, err := unix.Kevent(p.fd, evs[:], nil, nil)
	return os.NewSyscallError("kevent add", err)
}

func (p *kqueuePoller) AddReadWrite(pa *PollAttachment) error {
	var evs [2]unix.Kevent_t
	evs[0].Ident = uint64(pa.FD)
	evs[0].Flags = unix.EV_ADD
	evs[0].Filter = unix.EVFILT_READ
	evs[0].Udata = (*byte)(unsafe.Pointer(pa))
	evs[1] = evs[0]
	evs[1].Filter = unix.EVFILT_WRITE
	_, err := unix.Kevent(p.fd, evs[:], nil, nil)
	return os.NewSyscallError("kevent add", err)
}

func (p *kqueuePoller) ModRead(pa *PollAttachment) error {
	var evs [1]unix.Kevent_t
	evs[0].Ident = uint64(pa.FD)
	evs[0].Flags = unix.EV_DELETE
	evs[0].Filter = unix.EVFILT_WRITE
	evs[0].Udata = (*byte)(unsafe.Pointer(pa))
	_, err := unix.Kevent(p.fd, evs[:], nil, nil)
	return os.NewSyscallError("kevent delete", err)
}

func (p *kqueuePoller) ModReadWrite(pa *PollAttachment) error {
	var evs [1]unix.Kevent_t
	evs[0].Ident = uint64(pa.FD)
	evs[0].Flags = unix.EV_ADD
	evs[0].Filter = unix.EVFILT_WRITE
	evs[0].Udata = (*byte)(unsafe.Pointer(pa))
	_, err := unix.Kevent(p.fd, evs[:], nil, nil)
	return os.NewSyscallError("kevent add", err)
}

func (p *kqueuePoller) Delete(_ int) error {
	return nil
}

func (p *kqueuePoller) Polling(tick func() time.Duration) error {
	events := make([]unix.Kevent_t, initEventsCap)
	for {
		timeout := ClampTimeout(tick())
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		n, err := unix.Kevent(p.fd, nil, events, &ts)
		if n == 0 || (n < 0 && err == unix.EINTR) {
			continue
		} else if err != nil {
			return os.NewSyscallError("kevent wait", err)
		}

		woke := false
		for i := 0; i < n; i++ {
			ev := &events[i]
			if ev.Ident == 0 {
				woke = true
				continue
			}
			pa := (*PollAttachment)(unsafe.Pointer(ev.Udata))
			var ioev IOEvent
			if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
				ioev = EventErr
			} else if ev.Filter == unix.EVFILT_READ {
				ioev = EventRead
			} else if ev.Filter == unix.EVFILT_WRITE {
				ioev = EventWrite
			}
			if cbErr := pa.Callback(int(ev.Ident), ioev); cbErr != nil {
				if sig, ok := IsShutdownSignal(cbErr); ok {
					return sig
				}
			}
		}

		if woke {
			if err := p.runTasks(&p.urgent, -1); err != nil {
				return err
			}
			if err := p.runTasks(&p.normal, tasksAtOneTime); err != nil {
				return err
			}
		}

		if n == len(events) && len(events) < maxEventsCap {
			events = make([]unix.Kevent_t, len(events)*2)
		}
	}
}

func (p *kqueuePoller) runTasks(q *taskQueue, max int) error {
	for _, t := range q.drain(max) {
		if err := t.run(t.arg); err != nil {
			if sig, ok := IsShutdownSignal(err); ok {
				return sig
			}
		}
	}
	return nil
}
