// Copyright (c) 2022 The rcproxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License"): you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package utils

import (
	"reflect"
	"unsafe"
)

func S2B(s string) []byte {
	sh := (*reflect.StringHeader)(unsafe.Pointer(&s))
	bh := reflect.SliceHeader{Data: sh.Data, Len: sh.Len, Cap: sh.Len}
	return *(*[]byte)(unsafe.Pointer(&bh))
}

func B2S(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// FormatControlChars renders a wire-protocol frame for logging by
// replacing \r and \n with '.', generalized from the teacher's
// FormatRedisRESPMessages (which did the same for RESP specifically) so
// any line-oriented codec's trace logging stays on one line.
func FormatControlChars(frame []byte) string {
	var bs = make([]byte, len(frame))
	for i, v := range frame {
		if v == '\r' || v == '\n' {
			bs[i] = '.'
			continue
		}
		bs[i] = v
	}
	return B2S(bs)
}
