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
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"evserver/internal/socket"
)

// acceptBatchSize bounds how many pending peers one readability fire
// drains, per spec §4.2's "bounded batch, to avoid starving other fds".
const acceptBatchSize = 256

// ListenerOptions configures one bound endpoint, per the Listener entity
// of spec §3 and the per-listener knobs of spec §6.
type ListenerOptions struct {
	Name              string
	Address           string // host:port, or an absolute path for unix://
	Transport         TransportKind
	ReusePort         bool
	MaxConnections    int
	MaxPackageSize    int
	MaxSendBufferSize int
	TLSConfig         *tls.Config
	Codec             Codec
	ACL               *ACLSet
	Callbacks         Callbacks

	// ListenFD, when > 0, adopts an already-bound, already-listening
	// descriptor instead of binding a fresh socket for opts.Address.
	// The worker-supervisor (core/supervisor) uses this to hand a
	// pre-fork-bound socket down to a forked worker over ExtraFiles,
	// per spec §4.4: "master passes pre-bound sockets to workers
	// pre-fork" when reuse-port is not enabled.
	ListenFD int
}

const (
	defaultMaxPackageSize    = 10 << 20
	defaultMaxSendBufferSize = 1 << 20
)

// Listener is a bound transport endpoint owned by one worker's event loop.
type Listener struct {
	opts ListenerOptions
	loop EventLoop
	ids  *idAllocator

	fd       int
	addr     net.Addr
	conns    map[uint64]*Connection
	udpConn  *Connection
	stopping bool
}

// NewListener parses opts.Address (scheme-qualified per spec §6 for
// unix://) and binds the socket without yet registering it on loop; call
// Start to begin accepting.
func NewListener(loop EventLoop, ids *idAllocator, opts ListenerOptions) (*Listener, error) {
	if opts.MaxPackageSize <= 0 {
		opts.MaxPackageSize = defaultMaxPackageSize
	}
	if opts.MaxSendBufferSize <= 0 {
		opts.MaxSendBufferSize = defaultMaxSendBufferSize
	}

	l := &Listener{opts: opts, loop: loop, ids: ids, conns: make(map[uint64]*Connection)}

	if opts.ListenFD > 0 {
		l.fd = opts.ListenFD
		sa, err := unix.Getsockname(l.fd)
		if err != nil {
			return nil, errors.Wrapf(err, "getsockname on inherited fd %d", l.fd)
		}
		network := "tcp"
		if opts.Transport == TransportUDP {
			network = "udp"
		}
		l.addr = socket.SockaddrToAddr(network, sa)
		return l, nil
	}

	var err error
	switch opts.Transport {
	case TransportTCP, TransportTLS:
		l.fd, l.addr, err = socket.TCPSocket("tcp", opts.Address, true, opts.ReusePort,
			socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	case TransportUDP:
		l.fd, l.addr, err = socket.UDPSocket(opts.Address, opts.ReusePort,
			socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	case TransportUnix:
		l.fd, l.addr, err = socket.UnixSocket(socket.ParseUnixPath(opts.Address), true)
	default:
		return nil, fmt.Errorf("unknown transport kind %v", opts.Transport)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

// Start registers the listener's readability watcher on loop. For UDP
// there is no accept step: the bound socket itself becomes the single
// Connection servicing every datagram, per spec §4.2.
func (l *Listener) Start() error {
	if l.opts.Transport == TransportUDP {
		l.udpConn = newConnection(l.ids.Next(), l.fd, l.loop, TransportUDP, RoleServer, nil, l.opts.Callbacks, l.opts.MaxPackageSize, l.opts.MaxSendBufferSize)
		l.udpConn.SetCodec(l.opts.Codec)
		l.udpConn.status = StatusEstablished
		return l.loop.OnReadable(l.fd, func() { l.udpConn.onReadableUDP() })
	}
	return l.loop.OnReadable(l.fd, l.onAcceptable)
}

// Stop deregisters the accept watcher without touching existing
// connections, per the worker-supervisor shutdown protocol's first step
// (spec §4.4): stop accepting new connections.
func (l *Listener) Stop() error {
	l.stopping = true
	return l.loop.OffReadable(l.fd)
}

func (l *Listener) ConnectionCount() int { return len(l.conns) }

// Close tears down the listening socket itself (after Stop).
func (l *Listener) Close() error {
	_ = l.loop.OffReadable(l.fd)
	return unix.Close(l.fd)
}

func (l *Listener) onAcceptable() {
	for i := 0; i < acceptBatchSize; i++ {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				return
			}
			return
		}
		_ = unix.SetNonblock(nfd, true)
		_ = socket.SetNoDelay(nfd, 1)

		remote := socket.SockaddrToAddr("tcp", sa)

		if l.opts.MaxConnections > 0 && len(l.conns) >= l.opts.MaxConnections {
			_ = unix.Close(nfd)
			continue
		}
		if l.opts.ACL != nil && !l.opts.ACL.Allowed(remote) {
			_ = unix.Close(nfd)
			continue
		}

		c := newConnection(l.ids.Next(), nfd, l.loop, l.opts.Transport, RoleServer, remote, l.opts.Callbacks, l.opts.MaxPackageSize, l.opts.MaxSendBufferSize)
		c.SetCodec(l.opts.Codec)
		l.conns[c.id] = c
		origOnClose := c.cbs.OnClose
		c.cbs.OnClose = func(conn *Connection) {
			delete(l.conns, conn.id)
			if origOnClose != nil {
				origOnClose(conn)
			}
		}

		if l.opts.Transport == TransportTLS {
			startServerHandshake(c, l.opts.TLSConfig)
		} else {
			c.establish()
		}
	}
}

// ParseScheme splits a listener/client URI of the form
// scheme://host:port[/path] into its scheme and remainder, per spec §6.
func ParseScheme(uri string) (scheme, rest string) {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return "", uri
	}
	return uri[:idx], uri[idx+3:]
}

// TransportForScheme maps a URI scheme to the TransportKind it selects, or
// ok=false if scheme names a pluggable codec instead of a built-in
// transport (spec §9's Open Question: transport scheme always wins).
func TransportForScheme(scheme string) (TransportKind, bool) {
	switch scheme {
	case "tcp", "tcp4", "tcp6":
		return TransportTCP, true
	case "udp", "udp4", "udp6":
		return TransportUDP, true
	case "unix":
		return TransportUnix, true
	case "ssl", "tls":
		return TransportTLS, true
	default:
		return 0, false
	}
}
