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

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoller struct {
	fd         int
	wakeFD     int
	attachment map[int]*PollAttachment
	normal     taskQueue
	urgent     taskQueue
}

// OpenPoller instantiates the Linux epoll-backed poller.
func OpenPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &epollPoller{fd: fd, wakeFD: wakeFD, attachment: make(map[int]*PollAttachment)}
	if err = unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		_ = unix.Close(fd)
		_ = unix.Close(wakeFD)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}
	return p, nil
}

func (p *epollPoller) Close() error {
	_ = unix.Close(p.wakeFD)
	return os.NewSyscallError("close", unix.Close(p.fd))
}

func (p *epollPoller) wake() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(p.wakeFD, one[:])
}

func (p *epollPoller) Trigger(fn TaskFunc, arg interface{}) error {
	p.normal.enqueue(fn, arg)
	p.wake()
	return nil
}

func (p *epollPoller) UrgentTrigger(fn TaskFunc, arg interface{}) error {
	p.urgent.enqueue(fn, arg)
	p.wake()
	return nil
}

func (p *epollPoller) AddRead(pa *PollAttachment) error {
	p.attachment[pa.FD] = pa
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pa.FD)}))
}

func (p *epollPoller) AddWrite(pa *PollAttachment) error {
	p.attachment[pa.FD] = pa
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD,
		&unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(pa.FD)}))
}

func (p *epollPoller) AddReadWrite(pa *PollAttachment) error {
	p.attachment[pa.FD] = pa
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, pa.FD,
		&unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(pa.FD)}))
}

func (p *epollPoller) ModRead(pa *PollAttachment) error {
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, pa.FD,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pa.FD)}))
}

func (p *epollPoller) ModReadWrite(pa *PollAttachment) error {
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, pa.FD,
		&unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: int32(pa.FD)}))
}

func (p *epollPoller) Delete(fd int) error {
	delete(p.attachment, fd)
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *epollPoller) Polling(tick func() time.Duration) error {
	events := make([]unix.EpollEvent, initEventsCap)
	var drainBuf [8]byte
	for {
		timeout := ClampTimeout(tick())
		n, err := unix.EpollWait(p.fd, events, int(timeout/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("epoll_wait", err)
		}

		woke := false
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == p.wakeFD {
				_, _ = unix.Read(p.wakeFD, drainBuf[:])
				woke = true
				continue
			}
			pa, ok := p.attachment[int(ev.Fd)]
			if !ok {
				continue
			}
			var ioev IOEvent
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				ioev = EventErr
			} else {
				if ev.Events&unix.EPOLLIN != 0 {
					ioev |= EventRead
				}
				if ev.Events&unix.EPOLLOUT != 0 {
					ioev |= EventWrite
				}
			}
			if cbErr := pa.Callback(int(ev.Fd), ioev); cbErr != nil {
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
			events = make([]unix.EpollEvent, len(events)*2)
		}
	}
}

func (p *epollPoller) runTasks(q *taskQueue, max int) error {
	for _, t := range q.drain(max) {
		if err := t.run(t.arg); err != nil {
			if sig, ok := IsShutdownSignal(err); ok {
				return sig
			}
		}
	}
	return nil
}
