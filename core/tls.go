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
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// dupForNetConn duplicates fd into a blocking descriptor suitable for
// handing to net.FileConn/crypto/tls, leaving the original (registered
// with the poller in non-blocking mode) untouched.
func dupForNetConn(fd int) (int, string, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, "dup", err
	}
	if err := unix.SetNonblock(nfd, false); err != nil {
		_ = unix.Close(nfd)
		return -1, "setnonblock", err
	}
	return nfd, "", nil
}

// fdConn adapts a raw non-blocking fd into a net.Conn so crypto/tls can
// drive the handshake, by wrapping it in an *os.File and taking the
// blocking duplicate net.FileConn hands back. The handshake itself runs on
// a dedicated goroutine (see startServerHandshake/startClientHandshake)
// rather than being single-stepped over the raw fd from the loop: the
// standard library's TLS state machine has no public step function, so
// driving it truly non-blocking would mean re-implementing record-layer
// parsing. Running it on its own goroutine and hopping the result back to
// the loop via Post keeps the single-writer-per-Connection rule of spec §5
// intact (the Connection is untouched until the handshake result arrives)
// at the cost of one extra goroutine per in-flight handshake.
func fdConn(fd int) (net.Conn, error) {
	dup, _, err := dupForNetConn(fd)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(dup), "conn")
	nc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return nc, nil
}

// startServerHandshake moves c into HANDSHAKING and negotiates TLS as the
// server role; on success it fires the normal establish() path, on
// failure it fires onError(SSL_HANDSHAKE_FAIL) and destroys, per spec
// §4.2.
func startServerHandshake(c *Connection, cfg *tls.Config) {
	c.transport = TransportTLS
	c.status = StatusHandshaking
	runHandshake(c, func(raw net.Conn) *tls.Conn { return tls.Server(raw, cfg) })
}

// startClientHandshake is the client-role counterpart, used by AsyncConnect
// when the scheme resolves to ssl/tls.
func startClientHandshake(c *Connection, cfg *tls.Config) {
	c.transport = TransportTLS
	c.status = StatusHandshaking
	runHandshake(c, func(raw net.Conn) *tls.Conn { return tls.Client(raw, cfg) })
}

func runHandshake(c *Connection, wrap func(net.Conn) *tls.Conn) {
	fd := c.fd
	loop := c.loop
	raw, err := fdConn(fd)
	if err != nil {
		loop.Post(func() { c.fatal(SSLHandshakeFail, "fd->net.Conn: "+err.Error()) })
		return
	}
	tconn := wrap(raw)
	go func() {
		err := tconn.Handshake()
		loop.Post(func() {
			if c.status != StatusHandshaking {
				_ = tconn.Close()
				return // connection was destroyed while the handshake ran
			}
			if err != nil {
				_ = tconn.Close()
				c.fatal(SSLHandshakeFail, err.Error())
				return
			}
			c.tlsConn = tconn
			c.establish()
		})
	}()
}
