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

package netpoll

import (
	"testing"
	"time"
)

func TestClampTimeoutNegativeCollapsesToZero(t *testing.T) {
	if got := ClampTimeout(-5 * time.Second); got != 0 {
		t.Fatalf("ClampTimeout(-5s) = %v, want 0", got)
	}
}

func TestClampTimeoutCapsAtMax(t *testing.T) {
	if got := ClampTimeout(time.Hour); got != MaxPollTimeout {
		t.Fatalf("ClampTimeout(1h) = %v, want %v", got, MaxPollTimeout)
	}
}

func TestClampTimeoutPassesThroughInRange(t *testing.T) {
	d := 10 * time.Millisecond
	if got := ClampTimeout(d); got != d {
		t.Fatalf("ClampTimeout(%v) = %v, want unchanged", d, got)
	}
}
