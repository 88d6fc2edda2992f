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
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"evserver/internal/ringbuffer"
)

// TransportKind distinguishes the wire transport a Connection rides on.
type TransportKind int

const (
	TransportTCP TransportKind = iota
	TransportUDP
	TransportUnix
	TransportTLS
)

// Role distinguishes a connection accepted by a listener from one
// explicitly dialed out, per the Connection entity of spec §3.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Status is the Connection state machine of spec §3: monotonic except a
// client's explicit reconnect, which alone may regress CLOSING/CLOSED back
// to INITIAL.
type Status int

const (
	StatusInitial Status = iota
	StatusConnecting
	StatusHandshaking
	StatusEstablished
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "INITIAL"
	case StatusConnecting:
		return "CONNECTING"
	case StatusHandshaking:
		return "HANDSHAKING"
	case StatusEstablished:
		return "ESTABLISHED"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SendResult reports the outcome of Connection.Send, mirroring spec §4.2's
// true/null/false trichotomy as a three-value enum (Go has no tri-state
// bool): SendOK means every byte reached the kernel immediately, SendQueued
// means the remainder now sits in the send buffer, SendFailed means the
// connection is closed or the send buffer would have overflowed.
type SendResult int

const (
	SendOK SendResult = iota
	SendQueued
	SendFailed
)

const defaultReadBufferSize = 64 * 1024

// Callbacks is the set of user-supplied lifecycle hooks a Listener or
// client connection invokes, per the Listener entity of spec §3. Every
// field is optional; a nil hook is simply skipped.
type Callbacks struct {
	OnConnect     func(c *Connection)
	OnMessage     func(c *Connection, msg interface{})
	OnClose       func(c *Connection)
	OnError       func(c *Connection, err *Error)
	OnBufferFull  func(c *Connection)
	OnBufferDrain func(c *Connection)
}

// Connection is a single peer session, per spec §3. All state is touched
// only from the owning EventLoop goroutine; there is no internal locking.
type Connection struct {
	id       uint64
	fd       int
	loop     EventLoop
	errHandler func(error)

	transport TransportKind
	role      Role
	status    Status

	recv *ringbuffer.Buffer
	send *ringbuffer.Buffer

	codec             Codec
	maxPackageSize    int
	maxSendBufferSize int
	sendBufferFull    bool

	remoteAddr net.Addr
	bytesRead  uint64
	bytesWrit  uint64

	userData interface{}

	cbs      Callbacks
	pipeDest *Connection

	writableOn bool
	paused     bool

	// tlsConn is set once the TLS handshake (tls.go) completes; reads and
	// writes for a TransportTLS connection go through it instead of the
	// raw fd, since the record layer must encrypt/decrypt each chunk.
	tlsConn *tls.Conn

	closeAfterDrain []byte // unused: Close hands its payload straight to Send
}

// newConnection wires fd into a loop-owned Connection. The caller has
// already put fd in non-blocking mode and installed any TLS/proxy
// handshake state before marking the connection ESTABLISHED.
func newConnection(id uint64, fd int, loop EventLoop, transport TransportKind, role Role, remote net.Addr, cbs Callbacks, maxPkg, maxSendBuf int) *Connection {
	return &Connection{
		id:                id,
		fd:                fd,
		loop:              loop,
		transport:         transport,
		role:              role,
		status:            StatusInitial,
		recv:              ringbuffer.Get(),
		send:              ringbuffer.Get(),
		remoteAddr:        remote,
		cbs:               cbs,
		maxPackageSize:    maxPkg,
		maxSendBufferSize: maxSendBuf,
	}
}

func (c *Connection) ID() uint64           { return c.id }
func (c *Connection) FD() int              { return c.fd }
func (c *Connection) Status() Status       { return c.status }
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *Connection) BytesRead() uint64    { return atomic.LoadUint64(&c.bytesRead) }
func (c *Connection) BytesWritten() uint64 { return atomic.LoadUint64(&c.bytesWrit) }

func (c *Connection) SetCodec(codec Codec) { c.codec = codec }
func (c *Connection) Codec() Codec         { return c.codec }

// SetErrorHandler installs a per-connection panic handler for onMessage
// callbacks, overriding the loop-wide one for this connection only.
func (c *Connection) SetErrorHandler(cb func(error)) { c.errHandler = cb }

func (c *Connection) SetUserData(v interface{}) { c.userData = v }
func (c *Connection) UserData() interface{}     { return c.userData }

// establish transitions to ESTABLISHED, installs the read watcher and
// fires onConnect, per the accept-loop and TLS-handshake-complete paths of
// spec §4.2.
func (c *Connection) establish() {
	c.status = StatusEstablished
	if c.transport == TransportUDP {
		_ = c.loop.OnReadable(c.fd, func() { c.onReadableUDP() })
	} else {
		_ = c.loop.OnReadable(c.fd, func() { c.onReadable() })
	}
	if c.cbs.OnConnect != nil {
		c.cbs.OnConnect(c)
	}
}

// onReadable implements the read path of spec §4.2.
func (c *Connection) onReadable() {
	if c.status != StatusEstablished {
		return
	}
	buf := make([]byte, defaultReadBufferSize)
	var n int
	var err error
	if c.tlsConn != nil {
		n, err = c.tlsConn.Read(buf)
	} else {
		n, err = unix.Read(c.fd, buf)
	}
	if n > 0 {
		atomic.AddUint64(&c.bytesRead, uint64(n))
		c.recv.Write(buf[:n]) //nolint:errcheck
		// A codec only returns a concrete (and possibly over-budget)
		// frame length once the whole frame is buffered; until then it
		// keeps reporting FrameIncomplete, so the length check inside
		// pumpFrames never sees a partially-received oversized frame.
		// Bound the raw accumulation here too, independent of what the
		// codec has decided so far, per the maxPackageSize invariant of
		// spec §3.
		if c.recv.Len() > c.maxPackageSize {
			c.fatal(PackageTooBig, "frame exceeds maxPackageSize")
			return
		}
		c.pumpFrames()
	}
	if err == io.EOF {
		c.status = StatusClosing
		c.flushAndDestroy()
		return
	}
	if err != nil && err != unix.EAGAIN && err != unix.EINTR {
		c.fatal(SendFail, "read: "+err.Error())
		return
	}
	if n == 0 && err == nil && c.tlsConn == nil {
		// EOF on the raw fd: peer closed its write side.
		c.status = StatusClosing
		c.flushAndDestroy()
	}
}

// pumpFrames is the frame loop: while recv is non-empty, ask the codec for
// the next frame boundary and deliver decoded messages to onMessage.
func (c *Connection) pumpFrames() {
	if c.pipeDest != nil {
		c.drainToPipe()
		return
	}
	if c.codec == nil {
		if !c.recv.IsEmpty() {
			raw := append([]byte(nil), c.recv.Bytes()...)
			c.recv.Reset()
			if c.cbs.OnMessage != nil {
				c.cbs.OnMessage(c, raw)
			}
		}
		return
	}
	for {
		buf := c.recv.Bytes()
		if len(buf) == 0 {
			return
		}
		n := c.codec.Input(buf)
		if n == FrameIncomplete {
			return
		}
		if n == FrameFatal {
			c.fatal(ProtocolError, "codec rejected input")
			return
		}
		if n > c.maxPackageSize {
			c.fatal(PackageTooBig, "frame exceeds maxPackageSize")
			return
		}
		if n > len(buf) {
			return // need more bytes than currently buffered
		}
		frame := append([]byte(nil), buf[:n]...)
		c.recv.Discard(n)
		msg, err := c.codec.Decode(frame)
		if err != nil {
			c.fatal(ProtocolError, err.Error())
			return
		}
		if c.cbs.OnMessage != nil {
			dispatch("onMessage", c.errHandler, func() { c.cbs.OnMessage(c, msg) })
		}
		if c.status != StatusEstablished {
			return // destroyed or closing from within onMessage
		}
	}
}

// onReadableUDP services a UDP socket: each recvfrom is an independent
// message with no connection state, decoded and delivered immediately
// with the source address attached, per spec §4.2's UDP note.
func (c *Connection) onReadableUDP() {
	buf := make([]byte, defaultReadBufferSize)
	for {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				c.fatal(SendFail, "recvfrom: "+err.Error())
			}
			return
		}
		atomic.AddUint64(&c.bytesRead, uint64(n))
		c.remoteAddr = socketAddrToUDP(from)
		datagram := append([]byte(nil), buf[:n]...)

		var msg interface{} = datagram
		if c.codec != nil {
			fn := c.codec.Input(datagram)
			if fn == FrameFatal {
				c.fatal(ProtocolError, "codec rejected datagram")
				continue
			}
			if fn == FrameIncomplete {
				continue
			}
			decoded, derr := c.codec.Decode(datagram[:fn])
			if derr != nil {
				c.fatal(ProtocolError, derr.Error())
				continue
			}
			msg = decoded
		}
		if c.cbs.OnMessage != nil {
			dispatch("onMessage", c.errHandler, func() { c.cbs.OnMessage(c, msg) })
		}
	}
}

func socketAddrToUDP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.UDPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.UDPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}

func (c *Connection) drainToPipe() {
	if c.recv.IsEmpty() {
		return
	}
	payload := append([]byte(nil), c.recv.Bytes()...)
	c.recv.Reset()
	c.pipeDest.Send(payload, true)
}

// Send implements spec §4.2's send contract. raw=false encodes via the
// attached codec first.
func (c *Connection) Send(payload []byte, raw bool) SendResult {
	if c.status == StatusClosing || c.status == StatusClosed {
		return SendFailed
	}
	if !raw && c.codec != nil {
		enc, err := c.codec.Encode(payload)
		if err != nil {
			return SendFailed
		}
		payload = enc
	}
	if !c.send.IsEmpty() {
		return c.enqueue(payload)
	}

	n, err := c.writeNow(payload)
	if err != nil {
		c.fatal(SendFail, "write: "+err.Error())
		return SendFailed
	}
	if n == len(payload) {
		return SendOK
	}
	return c.enqueue(payload[n:])
}

func (c *Connection) writeNow(p []byte) (int, error) {
	if c.tlsConn != nil {
		n, err := c.tlsConn.Write(p)
		if err != nil {
			return 0, err
		}
		atomic.AddUint64(&c.bytesWrit, uint64(n))
		return n, nil
	}
	n, err := unix.Write(c.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	atomic.AddUint64(&c.bytesWrit, uint64(n))
	return n, nil
}

// enqueue appends tail to the send buffer, enforcing maxSendBufferSize and
// installing a writability watcher, per spec §4.2/§3.
func (c *Connection) enqueue(tail []byte) SendResult {
	if c.send.Len()+len(tail) > c.maxSendBufferSize {
		c.fatal(SendFail, "send buffer would exceed maxSendBufferSize")
		return SendFailed
	}
	c.send.Write(tail) //nolint:errcheck
	if !c.writableOn {
		c.writableOn = true
		_ = c.loop.OnWritable(c.fd, func() { c.onWritable() })
	}
	if !c.sendBufferFull && c.send.Len() >= c.maxSendBufferSize {
		c.sendBufferFull = true
		if c.cbs.OnBufferFull != nil {
			c.cbs.OnBufferFull(c)
		}
	}
	return SendQueued
}

// onWritable drains the send buffer as far as the kernel allows.
func (c *Connection) onWritable() {
	for !c.send.IsEmpty() {
		n, err := c.writeNow(c.send.Bytes())
		if err != nil {
			c.fatal(SendFail, "write: "+err.Error())
			return
		}
		if n == 0 {
			break
		}
		c.send.Discard(n)
	}
	if c.sendBufferFull && c.send.Len() < c.maxSendBufferSize {
		c.sendBufferFull = false
		if c.cbs.OnBufferDrain != nil {
			c.cbs.OnBufferDrain(c)
		}
	}
	if c.send.IsEmpty() {
		_ = c.loop.OffWritable(c.fd)
		c.writableOn = false
		if c.status == StatusClosing {
			c.destroyNow()
		}
	}
}

// Close implements spec §4.2: optionally send payload first, then
// transition to CLOSING; destroy happens once the send buffer drains.
func (c *Connection) Close(payload []byte) {
	if c.status == StatusClosing || c.status == StatusClosed {
		return
	}
	if payload != nil {
		c.Send(payload, true)
	}
	c.status = StatusClosing
	if c.send.IsEmpty() {
		c.destroyNow()
	}
}

func (c *Connection) flushAndDestroy() {
	if c.send.IsEmpty() {
		c.destroyNow()
	}
}

// Destroy implements the immediate-close contract of spec §4.2.
func (c *Connection) Destroy() { c.destroyNow() }

func (c *Connection) destroyNow() {
	if c.status == StatusClosed {
		return
	}
	_ = c.loop.OffReadable(c.fd)
	_ = c.loop.OffWritable(c.fd)
	if c.tlsConn != nil {
		_ = c.tlsConn.Close()
	}
	_ = unix.Close(c.fd)
	c.recv.Release()
	c.send.Release()
	c.status = StatusClosed
	if c.cbs.OnClose != nil {
		c.cbs.OnClose(c)
	}
}

func (c *Connection) fatal(code ErrorCode, reason string) {
	if c.cbs.OnError != nil {
		c.cbs.OnError(c, NewError(code, reason))
	}
	c.destroyNow()
}

// PauseRecv removes the readability watcher without discarding buffered
// bytes; ResumeRecv re-adds it, per spec §4.2.
func (c *Connection) PauseRecv() {
	if c.paused {
		return
	}
	c.paused = true
	_ = c.loop.OffReadable(c.fd)
}

func (c *Connection) ResumeRecv() {
	if !c.paused {
		return
	}
	c.paused = false
	if c.transport == TransportUDP {
		_ = c.loop.OnReadable(c.fd, func() { c.onReadableUDP() })
	} else {
		_ = c.loop.OnReadable(c.fd, func() { c.onReadable() })
	}
}

// Pipe cross-connects c to target: every frame read from c is forwarded
// raw to target, and target's backpressure propagates to c, per spec
// §4.2. Passing nil un-pipes.
func (c *Connection) Pipe(target *Connection) {
	c.pipeDest = target
	if target == nil {
		return
	}
	prevFull := target.cbs.OnBufferFull
	target.cbs.OnBufferFull = func(t *Connection) {
		c.PauseRecv()
		if prevFull != nil {
			prevFull(t)
		}
	}
	prevDrain := target.cbs.OnBufferDrain
	target.cbs.OnBufferDrain = func(t *Connection) {
		c.ResumeRecv()
		if prevDrain != nil {
			prevDrain(t)
		}
	}
}
