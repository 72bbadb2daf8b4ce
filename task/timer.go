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

import (
	"sync"
	"time"
)

// Timer runs a handler as a task when it expires. A timer is running from
// Start until its handler begins, or until Cancel. A cancelled timer never
// runs its handler, even if the underlying clock already fired.
type Timer struct {
	s        *Scheduler
	name     string
	group    string
	instance int

	mu      sync.Mutex
	t       *time.Timer
	gen     uint64
	running bool
	handler func()
}

// NewTimer returns a timer whose handler runs in the given task group.
func (s *Scheduler) NewTimer(name, group string, instance int) *Timer {
	return &Timer{s: s, name: name, group: group, instance: instance}
}

// Start arms the timer, replacing any previous schedule.
func (t *Timer) Start(d time.Duration, handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
	gen := t.gen
	t.running = true
	t.handler = handler
	t.t = time.AfterFunc(d, func() { t.expire(gen) })
}

// Cancel disarms the timer. It returns whether the timer was running.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.running
	t.stopLocked()
	t.gen++
	t.running = false
	t.handler = nil
	return was
}

// invariant: t.mu is locked
func (t *Timer) stopLocked() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

// Running reports whether the timer is armed and its handler has not run.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Fire expires a running timer immediately. It does nothing if the timer is
// not running.
func (t *Timer) Fire() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	gen := t.gen
	t.mu.Unlock()
	t.expire(gen)
}

func (t *Timer) expire(gen uint64) {
	t.s.Enqueue(&Task{
		Group:    t.group,
		Instance: t.instance,
		Name:     t.name,
		Run: func() {
			t.mu.Lock()
			if t.gen != gen || !t.running {
				t.mu.Unlock()
				return
			}
			h := t.handler
			t.running = false
			t.handler = nil
			t.t = nil
			t.mu.Unlock()
			h()
		},
	})
}
