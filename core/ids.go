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

// maxID bounds every per-worker id space (connection ids, watcher ids).
// Wrapping well below 1<<63 keeps ids comfortably representable; the wrap
// still comes only after about 4.29 billion allocations.
const maxID = 1 << 32

// idAllocator hands out monotonically increasing ids that wrap at maxID.
// It is touched only from the owning event loop, so it needs no locking.
type idAllocator struct {
	next uint64
}

func (a *idAllocator) Next() uint64 {
	id := a.next
	a.next++
	if a.next >= maxID {
		a.next = 1
	}
	return id
}
