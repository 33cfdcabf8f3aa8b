// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import "sync"

// SequentialExecutor runs submitted tasks one at a time, in FIFO order,
// without a dedicated goroutine. The first submitter becomes the runner
// and drains the queue until it is empty; subsequent submitters just
// enqueue. Tasks therefore never run concurrently, and a task may safely
// submit further tasks without risk of deadlock or reentrancy (they run
// after the current task returns).
type SequentialExecutor struct {
	onPanic func(recovered any)

	mu sync.Mutex
	// +checklocks:mu
	queue []func()
	// +checklocks:mu
	running bool
}

// NewSequentialExecutor returns a new executor. If a task panics, the
// panic is recovered and passed to onPanic (which may be nil) so that one
// bad task cannot wedge the queue.
func NewSequentialExecutor(onPanic func(recovered any)) *SequentialExecutor {
	return &SequentialExecutor{onPanic: onPanic}
}

// Execute enqueues the task. If no task is currently running, the calling
// goroutine becomes the runner and Execute returns only after the queue
// has been drained. Otherwise Execute returns immediately and the task
// runs later, on whichever goroutine holds the runner role.
func (e *SequentialExecutor) Execute(task func()) {
	e.mu.Lock()
	e.queue = append(e.queue, task)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	e.drain()
}

func (e *SequentialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		e.run(next)
	}
}

func (e *SequentialExecutor) run(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil && e.onPanic != nil {
			e.onPanic(recovered)
		}
	}()
	task()
}
