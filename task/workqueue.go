// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import "sync"

// maxBatch bounds how many items one drain task handles before yielding.
const maxBatch = 256

// WorkQueue hands items from any goroutine to a callback that runs as a task
// of a fixed group and instance. Items are processed in FIFO order.
type WorkQueue[T any] struct {
	s        *Scheduler
	group    string
	instance int
	name     string
	process  func(T)

	mu        sync.Mutex
	items     []T
	scheduled bool
	closed    bool
	processed uint64
}

// NewWorkQueue creates a queue whose items are passed to process.
func NewWorkQueue[T any](s *Scheduler, group string, instance int, name string, process func(T)) *WorkQueue[T] {
	return &WorkQueue[T]{
		s:        s,
		group:    group,
		instance: instance,
		name:     name,
		process:  process,
	}
}

// Enqueue adds an item. It returns false if the queue is closed.
func (q *WorkQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	if !q.scheduled {
		q.scheduled = true
		q.s.Enqueue(&Task{Group: q.group, Instance: q.instance, Name: q.name, Run: q.drain})
	}
	return true
}

func (q *WorkQueue[T]) drain() {
	q.mu.Lock()
	n := len(q.items)
	if n > maxBatch {
		n = maxBatch
	}
	batch := make([]T, n)
	copy(batch, q.items)
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	q.mu.Unlock()

	for _, item := range batch {
		q.process(item)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed += uint64(n)
	if len(q.items) != 0 && !q.closed {
		q.s.Enqueue(&Task{Group: q.group, Instance: q.instance, Name: q.name, Run: q.drain})
		return
	}
	q.scheduled = false
}

// Len returns the number of items waiting.
func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processed returns the number of items handed to the callback.
func (q *WorkQueue[T]) Processed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Close drops pending items and rejects new ones.
func (q *WorkQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}
