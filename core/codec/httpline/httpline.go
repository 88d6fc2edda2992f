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

// Package httpline implements the HTTP-like request assembler spec
// §4.3 describes as following "the same framing contract" as RESP and
// FastCGI: locate the header terminator, read Content-Length, wait for
// the body.
package httpline

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"evserver/core"
)

// Request is the parsed application value Decode hands to onMessage.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string][]string
	Body    []byte
}

type Codec struct {
	MaxHeaderSize int // 0 means a 64 KiB default
}

var _ core.Codec = (*Codec)(nil)

const defaultMaxHeaderSize = 64 * 1024

var headerTerminator = []byte("\r\n\r\n")

// Input finds the header terminator, reads Content-Length if present, and
// reports the full frame length once body bytes have arrived too.
func (c *Codec) Input(buf []byte) int {
	maxHeader := c.MaxHeaderSize
	if maxHeader <= 0 {
		maxHeader = defaultMaxHeaderSize
	}

	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		if len(buf) > maxHeader {
			return core.FrameFatal
		}
		return core.FrameIncomplete
	}
	headerEnd := idx + len(headerTerminator)
	contentLength := parseContentLength(buf[:idx])
	total := headerEnd + contentLength
	if len(buf) < total {
		return core.FrameIncomplete
	}
	return total
}

func parseContentLength(header []byte) int {
	lines := strings.Split(string(header), "\r\n")
	for _, line := range lines[1:] {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(parts[0]), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err == nil && n > 0 {
				return n
			}
		}
	}
	return 0
}

// Decode parses a complete frame (as delimited by Input) into a Request.
func (c *Codec) Decode(frame []byte) (interface{}, error) {
	idx := bytes.Index(frame, headerTerminator)
	if idx < 0 {
		return nil, fmt.Errorf("httpline: frame missing header terminator")
	}
	lines := strings.Split(string(frame[:idx]), "\r\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("httpline: empty request")
	}
	requestLine := strings.Fields(lines[0])
	if len(requestLine) != 3 {
		return nil, fmt.Errorf("httpline: malformed request line %q", lines[0])
	}

	headers := make(map[string][]string)
	for _, line := range lines[1:] {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.TrimSpace(parts[0])] = append(headers[strings.TrimSpace(parts[0])], strings.TrimSpace(parts[1]))
	}

	body := frame[idx+len(headerTerminator):]
	return &Request{
		Method:  requestLine[0],
		Path:    requestLine[1],
		Proto:   requestLine[2],
		Headers: headers,
		Body:    body,
	}, nil
}

// Encode renders msg (a *Request) back into wire bytes.
func (c *Codec) Encode(msg interface{}) ([]byte, error) {
	req, ok := msg.(*Request)
	if !ok {
		return nil, fmt.Errorf("httpline: Encode expects *Request, got %T", msg)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", req.Method, req.Path, req.Proto)
	for name, values := range req.Headers {
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	if _, hasLen := req.Headers["Content-Length"]; !hasLen && len(req.Body) > 0 {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(req.Body))
	}
	buf.WriteString("\r\n")
	buf.Write(req.Body)
	return buf.Bytes(), nil
}
