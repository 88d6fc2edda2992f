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

// Package fastcgi implements the FastCGI response codec of
// SPEC_FULL.md §4.3: a stream of fixed-header records accumulated across
// reads, assembled into one Response per request id.
package fastcgi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"evserver/core"
)

const headerLen = 8

// record types this codec understands; the rest are passed through as
// opaque stdout/stderr/stdin framing per the FastCGI wire spec.
const (
	typeStdout   = 6
	typeStderr   = 7
	typeEndReq   = 3
)

type recordHeader struct {
	Version       uint8
	Type          uint8
	RequestID     uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

// Response is the final formatted output spec §4.3 names: request id,
// HTTP-style status (default 200, -1 if no header terminator found),
// captured stderr, parsed headers (repeated names become a list), body.
type Response struct {
	RequestID int
	Status    int
	Stderr    []byte
	Headers   map[string][]string
	Body      []byte
}

// Codec implements core.Codec over a FastCGI record stream. Input/Decode
// operate on one accumulated request's worth of records: the caller
// (core's frame loop) re-invokes Input as more bytes arrive, same as any
// other codec, but FastCGI framing is itself already length-prefixed per
// record, so Input's job is to find where the END_REQUEST record for the
// current request id finishes.
type Codec struct{}

var _ core.Codec = (*Codec)(nil)

// Input scans complete FastCGI records from the head of buf until an
// END_REQUEST record is found, returning the total byte length consumed,
// or core.FrameIncomplete if the stream hasn't produced one yet.
func (c *Codec) Input(buf []byte) int {
	pos := 0
	for {
		if len(buf)-pos < headerLen {
			return core.FrameIncomplete
		}
		h := parseHeader(buf[pos:])
		recLen := headerLen + int(h.ContentLength) + int(h.PaddingLength)
		if len(buf)-pos < recLen {
			return core.FrameIncomplete
		}
		pos += recLen
		if h.Type == typeEndReq {
			return pos
		}
	}
}

func parseHeader(buf []byte) recordHeader {
	return recordHeader{
		Version:       buf[0],
		Type:          buf[1],
		RequestID:     binary.BigEndian.Uint16(buf[2:4]),
		ContentLength: binary.BigEndian.Uint16(buf[4:6]),
		PaddingLength: buf[6],
		Reserved:      buf[7],
	}
}

// Decode assembles every record in frame (as delimited by Input) into one
// Response, splitting the stdout stream's head on the first blank line
// into headers and body, per spec §4.3.
func (c *Codec) Decode(frame []byte) (interface{}, error) {
	var stdout, stderr bytes.Buffer
	var reqID int

	pos := 0
	for pos < len(frame) {
		if len(frame)-pos < headerLen {
			return nil, fmt.Errorf("fastcgi: truncated record header")
		}
		h := parseHeader(frame[pos:])
		reqID = int(h.RequestID)
		body := frame[pos+headerLen : pos+headerLen+int(h.ContentLength)]
		switch h.Type {
		case typeStdout:
			stdout.Write(body)
		case typeStderr:
			stderr.Write(body)
		}
		pos += headerLen + int(h.ContentLength) + int(h.PaddingLength)
	}

	resp := &Response{RequestID: reqID, Status: 200, Stderr: stderr.Bytes()}
	headers, body, status := splitHeaders(stdout.Bytes())
	resp.Headers = headers
	resp.Body = body
	if status >= 0 {
		resp.Status = status
	} else {
		resp.Status = -1
	}
	return resp, nil
}

// Encode is the inverse: wrap msg (a *Response) back into an equivalent
// stdout record plus an END_REQUEST trailer.
func (c *Codec) Encode(msg interface{}) ([]byte, error) {
	resp, ok := msg.(*Response)
	if !ok {
		return nil, fmt.Errorf("fastcgi: Encode expects *Response, got %T", msg)
	}
	var payload bytes.Buffer
	if resp.Status != 200 && resp.Status >= 0 {
		fmt.Fprintf(&payload, "Status: %d\r\n", resp.Status)
	}
	for name, values := range resp.Headers {
		for _, v := range values {
			fmt.Fprintf(&payload, "%s: %s\r\n", name, v)
		}
	}
	payload.WriteString("\r\n")
	payload.Write(resp.Body)

	var out bytes.Buffer
	writeRecord(&out, typeStdout, uint16(resp.RequestID), payload.Bytes())
	writeEndRequest(&out, uint16(resp.RequestID))
	return out.Bytes(), nil
}

func writeRecord(out *bytes.Buffer, typ uint8, reqID uint16, content []byte) {
	for len(content) > 0 {
		chunk := content
		if len(chunk) > 0xFFFF {
			chunk = chunk[:0xFFFF]
		}
		content = content[len(chunk):]
		hdr := make([]byte, headerLen)
		hdr[0] = 1
		hdr[1] = typ
		binary.BigEndian.PutUint16(hdr[2:4], reqID)
		binary.BigEndian.PutUint16(hdr[4:6], uint16(len(chunk)))
		out.Write(hdr)
		out.Write(chunk)
	}
}

func writeEndRequest(out *bytes.Buffer, reqID uint16) {
	hdr := make([]byte, headerLen)
	hdr[0] = 1
	hdr[1] = typeEndReq
	binary.BigEndian.PutUint16(hdr[2:4], reqID)
	binary.BigEndian.PutUint16(hdr[4:6], 8)
	out.Write(hdr)
	out.Write(make([]byte, 8))
}

// splitHeaders implements spec §4.3's header parsing: split on the first
// "\r\n\r\n", then lines; a synthetic "Status:" header overrides status.
// status is -1 if no header terminator was found at all.
func splitHeaders(stdout []byte) (map[string][]string, []byte, int) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(stdout, sep)
	if idx < 0 {
		return map[string][]string{}, stdout, -1
	}
	headerBlock := string(stdout[:idx])
	body := stdout[idx+len(sep):]

	headers := make(map[string][]string)
	status := 200
	for _, line := range strings.Split(headerBlock, "\r\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if strings.EqualFold(name, "Status") {
			if n, err := strconv.Atoi(strings.Fields(value)[0]); err == nil {
				status = n
			}
			continue
		}
		headers[name] = append(headers[name], value)
	}
	return headers, body, status
}
