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

package httpline

import (
	"strings"
	"testing"

	"evserver/core"
)

func TestInputWithoutBody(t *testing.T) {
	c := &Codec{}
	frame := "GET /ping HTTP/1.1\r\nHost: x\r\n\r\n"
	if n := c.Input([]byte(frame)); n != len(frame) {
		t.Fatalf("Input = %d, want %d", n, len(frame))
	}
}

func TestInputWaitsForContentLength(t *testing.T) {
	c := &Codec{}
	head := "POST /p HTTP/1.1\r\nContent-Length: 5\r\n\r\n"
	if n := c.Input([]byte(head)); n != core.FrameIncomplete {
		t.Fatalf("Input(no body yet) = %d, want FrameIncomplete", n)
	}
	full := head + "hello"
	if n := c.Input([]byte(full)); n != len(full) {
		t.Fatalf("Input(full) = %d, want %d", n, len(full))
	}
}

func TestInputFatalOnOversizedHeader(t *testing.T) {
	c := &Codec{MaxHeaderSize: 16}
	buf := []byte(strings.Repeat("x", 64))
	if n := c.Input(buf); n != core.FrameFatal {
		t.Fatalf("Input(oversized header) = %d, want FrameFatal", n)
	}
}

func TestDecodeParsesRequestLineAndHeaders(t *testing.T) {
	c := &Codec{}
	frame := "GET /path HTTP/1.1\r\nHost: example\r\nX-A: 1\r\nX-A: 2\r\n\r\n"
	v, err := c.Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	req := v.(*Request)
	if req.Method != "GET" || req.Path != "/path" || req.Proto != "HTTP/1.1" {
		t.Fatalf("request line mismatch: %+v", req)
	}
	if len(req.Headers["X-A"]) != 2 {
		t.Fatalf("X-A headers = %v, want 2 entries", req.Headers["X-A"])
	}
}

func TestDecodeMalformedRequestLine(t *testing.T) {
	c := &Codec{}
	_, err := c.Decode([]byte("GET /path\r\n\r\n"))
	if err == nil {
		t.Fatal("Decode: want error for request line missing proto")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := &Codec{}
	req := &Request{
		Method:  "POST",
		Path:    "/submit",
		Proto:   "HTTP/1.1",
		Headers: map[string][]string{"Host": {"example"}},
		Body:    []byte("payload"),
	}
	wire, err := c.Encode(req)
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
	got := decoded.(*Request)
	if got.Method != "POST" || string(got.Body) != "payload" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestInputSplitAcrossReads(t *testing.T) {
	c := &Codec{}
	full := "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
	for splitAt := 1; splitAt < len(full); splitAt++ {
		if n := c.Input([]byte(full[:splitAt])); n != core.FrameIncomplete {
			t.Fatalf("split at %d: Input = %d, want FrameIncomplete", splitAt, n)
		}
	}
	if n := c.Input([]byte(full)); n != len(full) {
		t.Fatalf("Input(full) = %d, want %d", n, len(full))
	}
}
