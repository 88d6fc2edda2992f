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

package socket

import (
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// TCPSocket creates, binds and (optionally) listens on a TCP address,
// returning the raw non-blocking fd.
func TCPSocket(network, addr string, passive bool, reusePort bool, opts ...Option) (fd int, resolved net.Addr, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, nil, err
	}

	ip := net.ParseIP(host)
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}

	for _, opt := range opts {
		if err = opt.SetSockOpt(fd, opt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}
	if reusePort {
		if err = SetReusePort(fd, 1); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}

	sa := sockaddrFor(family, ip, port)
	if passive {
		if err = unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(fd, listenBacklog); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("listen", err)
		}
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("setnonblock", err)
	}
	return fd, &net.TCPAddr{IP: ip, Port: port}, nil
}

// UDPSocket creates and binds a UDP socket, returning the raw non-blocking fd.
func UDPSocket(addr string, reusePort bool, opts ...Option) (fd int, resolved net.Addr, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, nil, err
	}
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err = unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	for _, opt := range opts {
		if err = opt.SetSockOpt(fd, opt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}
	if reusePort {
		if err = SetReusePort(fd, 1); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
	}
	sa := sockaddrFor(family, ip, port)
	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("setnonblock", err)
	}
	return fd, &net.UDPAddr{IP: ip, Port: port}, nil
}

// UnixSocket creates, binds and listens on a UNIX-domain socket path.
func UnixSocket(path string, passive bool) (fd int, resolved net.Addr, err error) {
	_ = os.Remove(path)
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	sa := &unix.SockaddrUnix{Name: path}
	if passive {
		if err = unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("bind", err)
		}
		if err = unix.Listen(fd, listenBacklog); err != nil {
			_ = unix.Close(fd)
			return -1, nil, os.NewSyscallError("listen", err)
		}
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, os.NewSyscallError("setnonblock", err)
	}
	return fd, &net.UnixAddr{Name: path, Net: "unix"}, nil
}

func sockaddrFor(family int, ip net.IP, port int) unix.Sockaddr {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		return sa
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	return sa
}

const listenBacklog = 512

// ParseUnixPath strips the "unix://" prefix used by the listener URI scheme.
func ParseUnixPath(addr string) string {
	return strings.TrimPrefix(addr, "unix://")
}
