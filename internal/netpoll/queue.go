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

import "sync"

type task struct {
	run TaskFunc
	arg interface{}
}

// taskQueue is a mutex-guarded FIFO of pending tasks. The teacher's
// surviving kqueue poller used a lock-free MPSC queue (core/internal/queue,
// not retrieved in this pack); a mutex-guarded slice is the plain
// idiomatic-Go substitute and is not a hot path relative to syscall cost.
type taskQueue struct {
	mu    sync.Mutex
	tasks []task
}

func (q *taskQueue) enqueue(fn TaskFunc, arg interface{}) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task{fn, arg})
	q.mu.Unlock()
}

func (q *taskQueue) drain(max int) []task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q.tasks) {
		out := q.tasks
		q.tasks = nil
		return out
	}
	out := q.tasks[:max]
	q.tasks = append([]task(nil), q.tasks[max:]...)
	return out
}

func (q *taskQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}
