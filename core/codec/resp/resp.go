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

// Package resp implements the RESP (Redis wire protocol) codec of
// SPEC_FULL.md §4.3, built the way the teacher's core/codec package reads
// RESP lines (see Buffer.ReadLine/ReadN in ../buff.go): locate \r\n
// headers, then advance past fixed-length bodies.
package resp

import (
	"bytes"
	"fmt"
	"strconv"

	"evserver/core"
	"evserver/core/pkg/utils"
)

// Kind tags a decoded Value by its leading RESP byte.
type Kind byte

const (
	KindSimpleString Kind = '+'
	KindError        Kind = '-'
	KindInteger      Kind = ':'
	KindBulkString   Kind = '$'
	KindArray        Kind = '*'
)

// Value is the tagged union spec §4.3 calls "(kind, payload)": payload is
// an int64 for KindInteger, a string for simple/error/bulk, nil for a null
// bulk/array, or []Value for KindArray.
type Value struct {
	Kind    Kind
	Payload interface{}
}

// Codec implements core.Codec for RESP. SkipUnknownTypes resolves the
// Open Question of spec §9: by default an unrecognised leading byte is a
// fatal PROTOCOL_ERROR; set SkipUnknownTypes to instead drain the whole
// buffer as the source's strlen(buffer) behavior did.
type Codec struct {
	SkipUnknownTypes bool
}

var _ core.Codec = (*Codec)(nil)

// Input returns the byte length of the next complete RESP value at the
// head of buf, 0 if incomplete, or core.FrameFatal on malformed framing.
func (c *Codec) Input(buf []byte) int {
	n, _, err := scan(buf)
	if err != nil {
		if err == errIncomplete {
			return core.FrameIncomplete
		}
		if err == errUnknownType {
			if c.SkipUnknownTypes {
				return len(buf)
			}
			return core.FrameFatal
		}
		return core.FrameFatal
	}
	return n
}

func (c *Codec) Decode(frame []byte) (interface{}, error) {
	_, v, err := scan(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, utils.FormatControlChars(frame))
	}
	return v, nil
}

func (c *Codec) Encode(msg interface{}) ([]byte, error) {
	v, ok := msg.(Value)
	if !ok {
		if vp, ok := msg.(*Value); ok {
			v = *vp
		} else {
			return nil, fmt.Errorf("resp: Encode expects resp.Value, got %T", msg)
		}
	}
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return buf.Bytes(), nil
}

// EncodeStrings builds a RESP array of bulk strings, the common reply
// shape for a command line: "*N\r\n$len\r\nstr\r\n...".
func EncodeStrings(parts ...string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(parts))
	for _, p := range parts {
		fmt.Fprintf(&buf, "$%d\r\n%s\r\n", len(p), p)
	}
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindSimpleString:
		fmt.Fprintf(buf, "+%s\r\n", v.Payload)
	case KindError:
		fmt.Fprintf(buf, "-%s\r\n", v.Payload)
	case KindInteger:
		fmt.Fprintf(buf, ":%d\r\n", v.Payload)
	case KindBulkString:
		if v.Payload == nil {
			buf.WriteString("$-1\r\n")
			return
		}
		s := v.Payload.(string)
		fmt.Fprintf(buf, "$%d\r\n%s\r\n", len(s), s)
	case KindArray:
		if v.Payload == nil {
			buf.WriteString("*-1\r\n")
			return
		}
		// Nested arrays flatten into the outer count: a non-nil sub-array's
		// elements are spliced into this array rather than emitted under
		// their own *N header.
		elems := v.Payload.([]Value)
		flat := make([]Value, 0, len(elems))
		for _, e := range elems {
			if sub, ok := e.Payload.([]Value); ok && e.Kind == KindArray {
				flat = append(flat, sub...)
				continue
			}
			flat = append(flat, e)
		}
		fmt.Fprintf(buf, "*%d\r\n", len(flat))
		for _, e := range flat {
			encodeValue(buf, e)
		}
	}
}

var (
	errIncomplete  = fmt.Errorf("resp: incomplete")
	errUnknownType = fmt.Errorf("resp: unknown type byte")
	errMalformed   = fmt.Errorf("resp: malformed")
)

// scan locates one complete RESP value at the head of buf, returning its
// total byte length, the decoded Value, and an error (errIncomplete if
// buf doesn't yet hold a full value). depth guards the one-level nesting
// spec §4.3 allows for arrays.
func scan(buf []byte) (int, Value, error) {
	return scanDepth(buf, 0)
}

func scanDepth(buf []byte, depth int) (int, Value, error) {
	if len(buf) == 0 {
		return 0, Value{}, errIncomplete
	}
	switch Kind(buf[0]) {
	case KindSimpleString, KindError, KindInteger:
		return scanLine(buf)
	case KindBulkString:
		return scanBulk(buf)
	case KindArray:
		if depth > 1 {
			return 0, Value{}, errMalformed
		}
		return scanArray(buf, depth)
	default:
		return 0, Value{}, errUnknownType
	}
}

// scanLine handles +, -, and : — all terminated by the first \r\n.
func scanLine(buf []byte) (int, Value, error) {
	idx := bytes.Index(buf, []byte{'\r', '\n'})
	if idx < 0 {
		return 0, Value{}, errIncomplete
	}
	total := idx + 2
	switch Kind(buf[0]) {
	case KindInteger:
		// utils.B2S is safe here: the parsed int doesn't retain a
		// reference to buf's backing array once ParseInt returns.
		n, err := strconv.ParseInt(utils.B2S(buf[1:idx]), 10, 64)
		if err != nil {
			return 0, Value{}, errMalformed
		}
		return total, Value{Kind: KindInteger, Payload: n}, nil
	default:
		// Copy: this string becomes the decoded Value's payload and
		// must outlive buf's backing recv-buffer page.
		return total, Value{Kind: Kind(buf[0]), Payload: string(buf[1:idx])}, nil
	}
}

// scanBulk handles $len\r\n<len bytes>\r\n, with $-1\r\n meaning nil.
func scanBulk(buf []byte) (int, Value, error) {
	idx := bytes.Index(buf, []byte{'\r', '\n'})
	if idx < 0 {
		return 0, Value{}, errIncomplete
	}
	n, err := strconv.Atoi(utils.B2S(buf[1:idx]))
	if err != nil {
		return 0, Value{}, errMalformed
	}
	headerLen := idx + 2
	if n < 0 {
		return headerLen, Value{Kind: KindBulkString, Payload: nil}, nil
	}
	need := headerLen + n + 2
	if len(buf) < need {
		return 0, Value{}, errIncomplete
	}
	if buf[headerLen+n] != '\r' || buf[headerLen+n+1] != '\n' {
		return 0, Value{}, errMalformed
	}
	body := string(buf[headerLen : headerLen+n])
	return need, Value{Kind: KindBulkString, Payload: body}, nil
}

// scanArray handles *count\r\n followed by count elements, each of which
// may be any of the five kinds recursively exactly one level deep.
func scanArray(buf []byte, depth int) (int, Value, error) {
	idx := bytes.Index(buf, []byte{'\r', '\n'})
	if idx < 0 {
		return 0, Value{}, errIncomplete
	}
	count, err := strconv.Atoi(utils.B2S(buf[1:idx]))
	if err != nil {
		return 0, Value{}, errMalformed
	}
	pos := idx + 2
	if count < 0 {
		return pos, Value{Kind: KindArray, Payload: nil}, nil
	}
	elems := make([]Value, 0, count)
	for i := 0; i < count; i++ {
		n, v, err := scanDepth(buf[pos:], depth+1)
		if err != nil {
			return 0, Value{}, err
		}
		pos += n
		elems = append(elems, v)
	}
	return pos, Value{Kind: KindArray, Payload: elems}, nil
}
