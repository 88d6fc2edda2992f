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

package fastcgi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"evserver/core"
)

func buildRecord(typ uint8, reqID uint16, content []byte) []byte {
	hdr := make([]byte, headerLen)
	hdr[0] = 1
	hdr[1] = typ
	binary.BigEndian.PutUint16(hdr[2:4], reqID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(content)))
	var out bytes.Buffer
	out.Write(hdr)
	out.Write(content)
	return out.Bytes()
}

func buildEndRequest(reqID uint16) []byte {
	hdr := make([]byte, headerLen)
	hdr[0] = 1
	hdr[1] = typeEndReq
	binary.BigEndian.PutUint16(hdr[2:4], reqID)
	binary.BigEndian.PutUint16(hdr[4:6], 8)
	var out bytes.Buffer
	out.Write(hdr)
	out.Write(make([]byte, 8))
	return out.Bytes()
}

func TestInputIncompleteThenComplete(t *testing.T) {
	c := &Codec{}
	stdout := buildRecord(typeStdout, 1, []byte("Content-Type: text/plain\r\n\r\nhi"))
	if n := c.Input(stdout); n != core.FrameIncomplete {
		t.Fatalf("Input(no END_REQUEST) = %d, want FrameIncomplete", n)
	}
	full := append(append([]byte{}, stdout...), buildEndRequest(1)...)
	if n := c.Input(full); n != len(full) {
		t.Fatalf("Input(full) = %d, want %d", n, len(full))
	}
}

func TestDecodeSplitsHeadersAndBody(t *testing.T) {
	c := &Codec{}
	stdout := buildRecord(typeStdout, 7, []byte("Content-Type: text/plain\r\nX-Trace: a\r\nX-Trace: b\r\n\r\nhello world"))
	frame := append(append([]byte{}, stdout...), buildEndRequest(7)...)

	out, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := out.(*Response)
	if resp.RequestID != 7 {
		t.Errorf("RequestID = %d, want 7", resp.RequestID)
	}
	if resp.Status != 200 {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != "hello world" {
		t.Errorf("Body = %q, want %q", resp.Body, "hello world")
	}
	if len(resp.Headers["X-Trace"]) != 2 {
		t.Errorf("X-Trace headers = %v, want 2 entries", resp.Headers["X-Trace"])
	}
}

func TestDecodeStatusHeaderOverridesDefault(t *testing.T) {
	c := &Codec{}
	stdout := buildRecord(typeStdout, 1, []byte("Status: 404 Not Found\r\n\r\n"))
	frame := append(append([]byte{}, stdout...), buildEndRequest(1)...)

	out, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := out.(*Response)
	if resp.Status != 404 {
		t.Fatalf("Status = %d, want 404", resp.Status)
	}
}

func TestDecodeNoTerminatorYieldsNegativeStatus(t *testing.T) {
	c := &Codec{}
	stdout := buildRecord(typeStdout, 1, []byte("not a header block"))
	frame := append(append([]byte{}, stdout...), buildEndRequest(1)...)

	out, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	resp := out.(*Response)
	if resp.Status != -1 {
		t.Fatalf("Status = %d, want -1 (no header terminator)", resp.Status)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := &Codec{}
	resp := &Response{
		RequestID: 3,
		Status:    200,
		Headers:   map[string][]string{"Content-Type": {"text/plain"}},
		Body:      []byte("payload"),
	}
	wire, err := c.Encode(resp)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	n := c.Input(wire)
	if n != len(wire) {
		t.Fatalf("Input(encoded) = %d, want %d", n, len(wire))
	}
	decoded, err := c.Decode(wire)
	if err != nil {
		t.Fatalf("Decode(encoded): %v", err)
	}
	got := decoded.(*Response)
	if got.RequestID != 3 || string(got.Body) != "payload" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInputCapturesStderrWithoutEndingFrame(t *testing.T) {
	c := &Codec{}
	stderr := buildRecord(typeStderr, 1, []byte("warning: something"))
	if n := c.Input(stderr); n != core.FrameIncomplete {
		t.Fatalf("Input(stderr only) = %d, want FrameIncomplete", n)
	}
}
