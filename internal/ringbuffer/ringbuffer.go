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

// Package ringbuffer is the elastic byte buffer backing each Connection's
// recv and send queues. It replaces the teacher's pkg/buffer/elastic and
// pkg/pool/byteslice packages, neither of which survived retrieval, with a
// single pooled growable buffer built on bytebufferpool so the hot path
// (accept a connection, read a frame, release it) reuses backing arrays
// instead of allocating one per connection.
package ringbuffer

import "github.com/valyala/bytebufferpool"

// Buffer is a read-cursor-tracking byte queue: writes append at the tail,
// reads/discards advance from the head. It is not safe for concurrent use;
// each Connection owns exactly one and it is touched only by the owning
// event loop, per the single-writer invariant of the connection engine.
type Buffer struct {
	bb  *bytebufferpool.ByteBuffer
	off int // next unread byte
}

var pool bytebufferpool.Pool

// Get returns a Buffer backed by a pooled byte slice.
func Get() *Buffer {
	return &Buffer{bb: pool.Get()}
}

// Release returns the backing array to the pool. The Buffer must not be
// used afterward.
func (b *Buffer) Release() {
	if b.bb != nil {
		pool.Put(b.bb)
		b.bb = nil
	}
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int {
	if b.bb == nil {
		return 0
	}
	return len(b.bb.B) - b.off
}

// IsEmpty reports whether there are no unread bytes.
func (b *Buffer) IsEmpty() bool { return b.Len() == 0 }

// Write appends p to the tail of the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.compact()
	return b.bb.Write(p)
}

// Bytes returns the unread portion without copying.
func (b *Buffer) Bytes() []byte {
	if b.bb == nil {
		return nil
	}
	return b.bb.B[b.off:]
}

// Discard advances the read cursor by n bytes (capped at Len()).
func (b *Buffer) Discard(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
	if b.off == len(b.bb.B) {
		b.bb.Reset()
		b.off = 0
	}
	return n
}

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	if b.bb != nil {
		b.bb.Reset()
	}
	b.off = 0
}

// compact reclaims the consumed prefix once it grows past half the
// buffer, so a long-lived connection with steady traffic doesn't grow its
// backing array unbounded.
func (b *Buffer) compact() {
	if b.off == 0 {
		return
	}
	if b.off < len(b.bb.B)/2 {
		return
	}
	remaining := append([]byte(nil), b.bb.B[b.off:]...)
	b.bb.Reset()
	b.bb.Write(remaining) //nolint:errcheck
	b.off = 0
}
