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
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"evserver/internal/socket"
)

// ProxyKind selects the handshake an AsyncConnection performs before the
// application protocol begins, per spec §4.2.
type ProxyKind int

const (
	ProxyNone ProxyKind = iota
	ProxySocks5
	ProxyHTTPConnect
)

// ClientOptions configures one outbound AsyncConnection.
type ClientOptions struct {
	URI               string // scheme://host:port, per spec §6
	TLSConfig         *tls.Config
	Proxy             ProxyKind
	ProxyAddr         string
	MaxPackageSize    int
	MaxSendBufferSize int
	Callbacks         Callbacks
}

// AsyncConnection is a client-role Connection plus the reconnect
// bookkeeping of spec §4.2.
type AsyncConnection struct {
	*Connection
	loop    EventLoop
	ids     *idAllocator
	opts    ClientOptions
	scheme  string
	target  string // host:port to dial, after scheme stripped
	codec   Codec
	reconnectTimer uint64
	hasReconnect   bool
}

// NewAsyncConnection resolves opts.URI's scheme per spec §6: built-in
// transport schemes are consumed directly; any other scheme attaches a
// registered codec of the same name over a plain TCP transport, with the
// transport always winning if both could apply (DESIGN.md Open Question
// decision).
func NewAsyncConnection(loop EventLoop, ids *idAllocator, opts ClientOptions) (*AsyncConnection, error) {
	scheme, rest := ParseScheme(opts.URI)
	if scheme == "" {
		return nil, fmt.Errorf("client uri %q missing scheme://", opts.URI)
	}

	ac := &AsyncConnection{loop: loop, ids: ids, opts: opts, scheme: scheme, target: rest}
	if _, builtin := TransportForScheme(scheme); !builtin {
		if codec, ok := LookupCodec(scheme); ok {
			ac.codec = codec
		}
	}
	return ac, nil
}

// Connect begins the INITIAL -> CONNECTING transition of spec §4.2:
// non-blocking connect, then a writability watcher decides success via
// SO_ERROR.
func (ac *AsyncConnection) Connect() error {
	transport, isBuiltin := TransportForScheme(ac.scheme)
	if !isBuiltin {
		transport = TransportTCP
	}

	var fd int
	var err error
	switch transport {
	case TransportUnix:
		fd, _, err = socket.UnixSocket(socket.ParseUnixPath(ac.target), false)
	default:
		fd, _, err = socket.TCPSocket("tcp", ac.target, false, false)
	}
	if err != nil {
		return err
	}

	c := newConnection(ac.ids.Next(), fd, ac.loop, transport, RoleClient, nil, ac.opts.Callbacks, ac.opts.MaxPackageSize, ac.opts.MaxSendBufferSize)
	c.SetCodec(ac.codec)
	c.status = StatusConnecting
	ac.Connection = c

	sa := dialSockaddr(ac.target)
	connErr := unix.Connect(fd, sa)
	if connErr != nil && connErr != unix.EINPROGRESS {
		return connErr
	}

	return ac.loop.OnWritable(fd, func() { ac.onConnectWritable(transport) })
}

func dialSockaddr(hostport string) unix.Sockaddr {
	host, portStr, _ := net.SplitHostPort(hostport)
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip != nil {
		copy(sa.Addr[:], ip.To4())
	}
	return sa
}

func (ac *AsyncConnection) onConnectWritable(transport TransportKind) {
	_ = ac.loop.OffWritable(ac.fd)
	errno, err := unix.GetsockoptInt(ac.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		reason := "connect failed"
		if err == nil {
			reason = unix.Errno(errno).Error()
		}
		ac.fatal(ConnectFail, reason)
		return
	}

	switch ac.opts.Proxy {
	case ProxySocks5:
		if err := ac.socks5Handshake(); err != nil {
			ac.fatal(ConnectFail, "socks5: "+err.Error())
			return
		}
	case ProxyHTTPConnect:
		if err := ac.httpConnectHandshake(); err != nil {
			ac.fatal(ConnectFail, "http connect: "+err.Error())
			return
		}
	}

	if transport == TransportTLS {
		startClientHandshake(ac.Connection, ac.opts.TLSConfig)
		return
	}
	ac.establish()
}

// socks5Handshake implements spec §4.2's SOCKS5 client sequence: the
// greeting exchange followed by the CONNECT request. Both round trips are
// synchronous blocking reads/writes on the connecting fd; this runs once,
// before the connection is handed to the event loop for steady-state
// traffic, so blocking briefly here does not violate the single-writer
// rule (no other callback touches this fd yet).
func (ac *AsyncConnection) socks5Handshake() error {
	if _, err := blockingWrite(ac.fd, []byte{0x05, 0x01, 0x00}); err != nil {
		return err
	}
	greet := make([]byte, 2)
	if err := blockingReadFull(ac.fd, greet); err != nil {
		return err
	}
	if greet[0] != 0x05 || greet[1] != 0x00 {
		return fmt.Errorf("socks5 greeting rejected: %v", greet)
	}

	host, portStr, err := net.SplitHostPort(ac.target)
	if err != nil {
		return err
	}
	port, _ := strconv.Atoi(portStr)

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(port))
	req = append(req, portBuf...)
	if _, err := blockingWrite(ac.fd, req); err != nil {
		return err
	}

	resp := make([]byte, 10)
	if err := blockingReadFull(ac.fd, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return fmt.Errorf("socks5 connect rejected: status %d", resp[1])
	}
	return nil
}

// httpConnectHandshake implements spec §4.2's HTTP CONNECT proxy sequence.
func (ac *AsyncConnection) httpConnectHandshake() error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: keep-alive\r\n\r\n", ac.target, ac.target)
	if _, err := blockingWrite(ac.fd, []byte(req)); err != nil {
		return err
	}
	line, err := blockingReadLine(ac.fd)
	if err != nil {
		return err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || (parts[1][0] != '2') {
		return fmt.Errorf("http connect rejected: %s", line)
	}
	return nil
}

// Reconnect implements spec §4.2: reset to INITIAL and either connect
// immediately (afterSeconds == 0) or schedule it via the loop's delay.
func (ac *AsyncConnection) Reconnect(afterSeconds float64) {
	ac.CancelReconnect()
	ac.status = StatusInitial
	if afterSeconds <= 0 {
		_ = ac.Connect()
		return
	}
	ac.hasReconnect = true
	ac.reconnectTimer = ac.loop.Delay(time.Duration(afterSeconds*float64(time.Second)), func() {
		ac.hasReconnect = false
		_ = ac.Connect()
	})
}

func (ac *AsyncConnection) CancelReconnect() {
	if !ac.hasReconnect {
		return
	}
	_ = ac.loop.CancelTimer(ac.reconnectTimer)
	ac.hasReconnect = false
}

func blockingWrite(fd int, p []byte) (int, error) {
	_ = unix.SetNonblock(fd, false)
	defer unix.SetNonblock(fd, true) //nolint:errcheck
	total := 0
	for total < len(p) {
		n, err := unix.Write(fd, p[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func blockingReadFull(fd int, buf []byte) error {
	_ = unix.SetNonblock(fd, false)
	defer unix.SetNonblock(fd, true) //nolint:errcheck
	read := 0
	for read < len(buf) {
		n, err := unix.Read(fd, buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unexpected eof during handshake")
		}
		read += n
	}
	return nil
}

func blockingReadLine(fd int) (string, error) {
	_ = unix.SetNonblock(fd, false)
	defer unix.SetNonblock(fd, true) //nolint:errcheck
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := unix.Read(fd, b)
		if err != nil {
			return "", err
		}
		if n == 0 {
			break
		}
		if b[0] == '\n' {
			break
		}
		line = append(line, b[0])
	}
	return strings.TrimSuffix(string(line), "\r"), nil
}
