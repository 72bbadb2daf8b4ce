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

// Package task implements a cooperative scheduler for work items that belong
// to named task groups. Tasks of the same group and instance never run
// concurrently, and groups can be declared mutually exclusive with a policy.
// Components use this instead of locking shared state on the hot path.
package task

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/petermattis/goid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// AnyInstance is the instance id of a task that excludes every other task in
// its group, regardless of their instance.
const AnyInstance = -1

// Task is a unit of work.
type Task struct {
	// Group is the name of the task group, e.g. "db::DBTable".
	Group string
	// Instance distinguishes tasks within a group. Tasks with different
	// instances of the same group may run concurrently.
	Instance int
	// Name is used for logging only.
	Name string
	// Run does the work. It must not block on I/O.
	Run func()
}

func (t *Task) key() taskKey {
	return taskKey{t.Group, t.Instance}
}

func (t *Task) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%s(%d):%s", t.Group, t.Instance, t.Name)
	}
	return fmt.Sprintf("%s(%d)", t.Group, t.Instance)
}

type taskKey struct {
	group    string
	instance int
}

// Options configures a Scheduler.
type Options struct {
	// Workers bounds the number of tasks running at the same time. If zero,
	// runtime.GOMAXPROCS(0) is used.
	Workers int
	// Logger is the destination for debug logs. If nil, the logrus standard
	// logger is used.
	Logger *logrus.Logger
}

// Scheduler runs tasks subject to the exclusion rules of their groups.
type Scheduler struct {
	log     *logrus.Entry
	workers *semaphore.Weighted

	mu       sync.Mutex
	policy   map[string]map[string]bool
	pending  []*Task
	running  map[*Task]struct{}
	byGoid   map[int64]*Task
	idleC    chan struct{}
	executed uint64
	stopped  bool
}

// NewScheduler creates a scheduler.
func NewScheduler(opts Options) *Scheduler {
	n := opts.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	l := opts.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Scheduler{
		log:     l.WithField("component", "task"),
		workers: semaphore.NewWeighted(int64(n)),
		policy:  map[string]map[string]bool{},
		running: map[*Task]struct{}{},
		byGoid:  map[int64]*Task{},
	}
}

// SetPolicy declares that tasks of group never run concurrently with tasks of
// any of the excluded groups. The relation is symmetric.
func (s *Scheduler) SetPolicy(group string, excluded ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range excluded {
		s.exclude(group, e)
		s.exclude(e, group)
	}
}

func (s *Scheduler) exclude(a, b string) {
	m := s.policy[a]
	if m == nil {
		m = map[string]bool{}
		s.policy[a] = m
	}
	m[b] = true
}

// conflicts reports whether a and b may not run at the same time.
func (s *Scheduler) conflicts(a, b *Task) bool {
	if a.Group == b.Group {
		return a.Instance == b.Instance || a.Instance == AnyInstance || b.Instance == AnyInstance
	}
	return s.policy[a.Group][b.Group]
}

// Enqueue adds a task to the pending queue. It returns false if the scheduler
// has been stopped.
func (s *Scheduler) Enqueue(t *Task) bool {
	if t.Run == nil {
		panic("task: Enqueue called with nil Run")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.pending = append(s.pending, t)
	s.dispatch()
	return true
}

// EnqueueFunc is shorthand for Enqueue(&Task{...}).
func (s *Scheduler) EnqueueFunc(group string, instance int, name string, fn func()) bool {
	return s.Enqueue(&Task{Group: group, Instance: instance, Name: name, Run: fn})
}

// dispatch starts every pending task that is allowed to run. Tasks of the
// same group and instance start in FIFO order.
//
// invariant: s.mu is locked
func (s *Scheduler) dispatch() {
	blocked := map[taskKey]bool{}
	kept := s.pending[:0]
	for i, t := range s.pending {
		if blocked[t.key()] || !s.runnable(t) {
			blocked[t.key()] = true
			kept = append(kept, t)
			continue
		}
		if !s.workers.TryAcquire(1) {
			kept = append(kept, s.pending[i:]...)
			break
		}
		s.running[t] = struct{}{}
		go s.run(t)
	}
	// Clear the tail so that completed tasks can be collected.
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	s.maybeIdle()
}

// invariant: s.mu is locked
func (s *Scheduler) runnable(t *Task) bool {
	for r := range s.running {
		if s.conflicts(t, r) {
			return false
		}
	}
	return true
}

// invariant: s.mu is locked
func (s *Scheduler) maybeIdle() {
	if len(s.pending) == 0 && len(s.running) == 0 && s.idleC != nil {
		close(s.idleC)
		s.idleC = nil
	}
}

func (s *Scheduler) run(t *Task) {
	id := goid.Get()
	s.mu.Lock()
	s.byGoid[id] = t
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.byGoid, id)
		delete(s.running, t)
		s.executed++
		s.workers.Release(1)
		s.dispatch()
		s.mu.Unlock()
	}()
	t.Run()
}

// Current returns the task running on the calling goroutine, or nil.
func (s *Scheduler) Current() *Task {
	id := goid.Get()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byGoid[id]
}

// CheckConcurrency panics unless the caller runs inside a task of one of the
// given groups. It guards state that is only safe to mutate from those groups.
func (s *Scheduler) CheckConcurrency(groups ...string) {
	t := s.Current()
	if t != nil {
		for _, g := range groups {
			if t.Group == g {
				return
			}
		}
	}
	where := "outside of any task"
	if t != nil {
		where = "in task " + t.String()
	}
	s.log.WithField("allowed", groups).Error("concurrency check failed " + where)
	panic(fmt.Sprintf("task: concurrency check failed: running %s, want one of %v", where, groups))
}

// IsIdle reports whether no task is pending or running.
func (s *Scheduler) IsIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && len(s.running) == 0
}

// WaitForIdle blocks until no task is pending or running. Armed timers are not
// considered work until they fire.
func (s *Scheduler) WaitForIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 && len(s.running) == 0 {
			s.mu.Unlock()
			return nil
		}
		if s.idleC == nil {
			s.idleC = make(chan struct{})
		}
		c := s.idleC
		s.mu.Unlock()
		select {
		case <-c:
			// Something else may have been enqueued since; check again.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Executed returns the number of tasks that have completed.
func (s *Scheduler) Executed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

// Stop discards pending tasks and rejects new ones. Running tasks finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = nil
	s.maybeIdle()
}
