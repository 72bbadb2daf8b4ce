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

package db

import (
	"bytes"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/task"
)

// TaskGroup is the task group that owns table partitions. Partition i runs
// as instance i.
const TaskGroup = "db::DBTable"

// DefaultPartitions is the partition count of a table created without one.
const DefaultPartitions = 4

// maxListeners bounds listener ids per table.
const maxListeners = 1023

// maxDrain bounds how many changed entries one drain task handles.
const maxDrain = 256

// A ListenerFunc is called from the partition task with each changed entry.
type ListenerFunc func(p *Partition, e Entry)

// An InputFunc applies a Request. It runs in the partition task of the
// request's key.
type InputFunc func(p *Partition, req *Request)

// TableOptions configures a Table.
type TableOptions struct {
	// Partitions is the number of partitions. If zero, DefaultPartitions.
	Partitions int
	// Partitioner maps a key to a partition, modulo the partition count. If
	// nil, HashKey is used.
	Partitioner func(key []byte) uint64
	// Input handles requests passed to Enqueue.
	Input InputFunc
	Logger *logrus.Logger
}

type listener struct {
	id   ListenerID
	name string
	fn   ListenerFunc
}

// A Table is a keyed collection of entries split into partitions. Each
// partition is ordered by key and notifies listeners of changed entries from
// its own task.
type Table struct {
	name        string
	s           *task.Scheduler
	log         *logrus.Entry
	partitioner func([]byte) uint64
	input       InputFunc
	parts       []*Partition

	mu        sync.Mutex
	listeners map[ListenerID]*listener
	ids       *IndexAllocator

	notifyCount atomic.Uint64
	inputCount  atomic.Uint64
}

// A Partition is the unit of concurrency of a Table.
type Partition struct {
	t     *Table
	index int
	input *task.WorkQueue[*Request]

	mu        sync.Mutex
	tree      *iradix.Tree
	changes   []Entry
	scheduled bool
}

// NewTable creates a table. Most callers use DB.CreateTable instead.
func NewTable(s *task.Scheduler, name string, opts TableOptions) *Table {
	n := opts.Partitions
	if n <= 0 {
		n = DefaultPartitions
	}
	l := opts.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	t := &Table{
		name:        name,
		s:           s,
		log:         l.WithFields(logrus.Fields{"component": "db", "table": name}),
		partitioner: opts.Partitioner,
		input:       opts.Input,
		listeners:   map[ListenerID]*listener{},
		ids:         NewIndexAllocator(maxListeners),
	}
	if t.partitioner == nil {
		t.partitioner = HashKey
	}
	for i := 0; i < n; i++ {
		p := &Partition{t: t, index: i, tree: iradix.New()}
		p.input = task.NewWorkQueue(s, TaskGroup, i, name+" input", p.process)
		t.parts = append(t.parts, p)
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Scheduler returns the scheduler that runs the table's tasks.
func (t *Table) Scheduler() *task.Scheduler { return t.s }

// PartitionCount returns the number of partitions.
func (t *Table) PartitionCount() int { return len(t.parts) }

// Partition returns partition i.
func (t *Table) Partition(i int) *Partition { return t.parts[i] }

// PartitionFor returns the partition that owns key.
func (t *Table) PartitionFor(key []byte) *Partition {
	return t.parts[t.partitioner(key)%uint64(len(t.parts))]
}

// Insert adds e. It returns false if an entry with the same key exists.
func (t *Table) Insert(e Entry) bool { return t.PartitionFor(e.Key()).Insert(e) }

// Remove unlinks e. It returns false if e is not linked.
func (t *Table) Remove(e Entry) bool { return t.PartitionFor(e.Key()).Remove(e) }

// Find returns the entry with the given key, or nil. Deleted entries that
// are still linked are returned; callers check IsDeleted.
func (t *Table) Find(key []byte) Entry { return t.PartitionFor(key).Find(key) }

// FindNext returns the entry with the smallest key greater than key, across
// all partitions, or nil.
func (t *Table) FindNext(key []byte) Entry {
	var best Entry
	for _, p := range t.parts {
		e := p.findNext(key, false)
		if e != nil && (best == nil || bytes.Compare(e.Key(), best.Key()) < 0) {
			best = e
		}
	}
	return best
}

// GetNext returns the entry following prev in key order. A nil prev yields
// the first entry.
func (t *Table) GetNext(prev Entry) Entry {
	if prev == nil {
		var best Entry
		for _, p := range t.parts {
			e := p.findNext(nil, true)
			if e != nil && (best == nil || bytes.Compare(e.Key(), best.Key()) < 0) {
				best = e
			}
		}
		return best
	}
	return t.FindNext(prev.Key())
}

// LPMFind returns the live entry whose key is the longest byte prefix of key.
// With prefix keys this is the longest matching route. Among candidates of
// equal length the lexicographically smallest key wins.
func (t *Table) LPMFind(key []byte) Entry {
	var best Entry
	for _, p := range t.parts {
		e := p.lpm(key)
		if e == nil {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bk, ek := best.Key(), e.Key()
		if len(ek) > len(bk) || (len(ek) == len(bk) && bytes.Compare(ek, bk) < 0) {
			best = e
		}
	}
	return best
}

// Size returns the number of linked entries, including deleted entries that
// listeners still hold state on.
func (t *Table) Size() int {
	n := 0
	for _, p := range t.parts {
		n += p.Size()
	}
	return n
}

// IsEmpty reports whether no entries are linked.
func (t *Table) IsEmpty() bool { return t.Size() == 0 }

// NotifyCount returns the number of entries delivered to listeners.
func (t *Table) NotifyCount() uint64 { return t.notifyCount.Load() }

// InputCount returns the number of requests applied.
func (t *Table) InputCount() uint64 { return t.inputCount.Load() }

// Walk calls fn for each entry in key order until fn returns false. Each
// partition is walked over a snapshot, so fn may remove entries.
func (t *Table) Walk(fn func(Entry) bool) {
	var snaps []*iradix.Iterator
	for _, p := range t.parts {
		p.mu.Lock()
		snaps = append(snaps, p.tree.Root().Iterator())
		p.mu.Unlock()
	}
	type head struct {
		key []byte
		e   Entry
	}
	heads := make([]*head, len(snaps))
	advance := func(i int) {
		k, v, ok := snaps[i].Next()
		if !ok {
			heads[i] = nil
			return
		}
		heads[i] = &head{k, v.(Entry)}
	}
	for i := range snaps {
		advance(i)
	}
	for {
		lo := -1
		for i, h := range heads {
			if h != nil && (lo < 0 || bytes.Compare(h.key, heads[lo].key) < 0) {
				lo = i
			}
		}
		if lo < 0 {
			return
		}
		if !fn(heads[lo].e) {
			return
		}
		advance(lo)
	}
}

// WalkPartitions runs fn over every entry of each partition, from that
// partition's task. done, if not nil, runs once after all partitions have
// been walked, from the task of the last partition to finish.
func (t *Table) WalkPartitions(fn func(p *Partition, e Entry), done func()) {
	var remaining atomic.Int32
	remaining.Store(int32(len(t.parts)))
	for _, p := range t.parts {
		p := p
		t.s.EnqueueFunc(TaskGroup, p.index, t.name+" walk", func() {
			p.Walk(func(e Entry) bool {
				fn(p, e)
				return true
			})
			if remaining.Add(-1) == 0 && done != nil {
				done()
			}
		})
	}
}

// Register adds a listener and returns its id.
func (t *Table) Register(name string, fn ListenerFunc) ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.ids.Alloc()
	if i == NoIndex {
		t.log.WithField("listener", name).Error("Out of listener ids")
		return ListenerID(NoIndex)
	}
	id := ListenerID(i)
	t.listeners[id] = &listener{id: id, name: name, fn: fn}
	t.log.WithFields(logrus.Fields{"listener": name, "id": id}).Debug("Registered listener")
	return id
}

// Unregister removes a listener. Its state is cleared from every entry by
// partition tasks, and the id becomes reusable once all have run.
func (t *Table) Unregister(id ListenerID) {
	t.mu.Lock()
	if _, ok := t.listeners[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.listeners, id)
	t.mu.Unlock()
	t.WalkPartitions(func(p *Partition, e Entry) {
		p.ClearState(e, id)
	}, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.ids.Free(int(id))
	})
}

// ListenerCount returns the number of registered listeners.
func (t *Table) ListenerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *Table) listenerSnapshot() []*listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := make([]*listener, 0, len(t.listeners))
	for i := 0; i <= maxListeners && len(ls) < len(t.listeners); i++ {
		if l, ok := t.listeners[ListenerID(i)]; ok {
			ls = append(ls, l)
		}
	}
	return ls
}

// NotifyListener delivers every live entry to one listener, from the
// partition tasks. It is used for the initial sync of a new listener.
func (t *Table) NotifyListener(id ListenerID) {
	t.mu.Lock()
	l := t.listeners[id]
	t.mu.Unlock()
	if l == nil {
		return
	}
	t.WalkPartitions(func(p *Partition, e Entry) {
		if !e.base().IsDeleted() {
			l.fn(p, e)
		}
	}, nil)
}

// NotifyAll puts every entry on its partition's change list.
func (t *Table) NotifyAll() {
	t.WalkPartitions(func(p *Partition, e Entry) { p.Notify(e) }, nil)
}

// Notify puts e on its partition's change list.
func (t *Table) Notify(e Entry) { t.PartitionFor(e.Key()).Notify(e) }

// Delete marks e deleted and notifies listeners. The entry is unlinked when
// no listener holds state on it.
func (t *Table) Delete(e Entry) { t.PartitionFor(e.Key()).Delete(e) }

// ClearState removes the state of listener id from e, unlinking e if it is
// a deleted entry with no state left.
func (t *Table) ClearState(e Entry, id ListenerID) {
	t.PartitionFor(e.Key()).ClearState(e, id)
}

// Enqueue hands req to the table's input handler on the owning partition.
// It returns false if the table has no input handler or is closed.
func (t *Table) Enqueue(req *Request) bool {
	if t.input == nil {
		return false
	}
	return t.PartitionFor(req.Key).input.Enqueue(req)
}

func (t *Table) close() {
	for _, p := range t.parts {
		p.input.Close()
	}
}

// Table returns the partition's table.
func (p *Partition) Table() *Table { return p.t }

// Index returns the partition number.
func (p *Partition) Index() int { return p.index }

// Insert adds e. It returns false if an entry with the same key exists.
func (p *Partition) Insert(e Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tree.Get(e.Key()); ok {
		return false
	}
	p.tree, _, _ = p.tree.Insert(e.Key(), e)
	return true
}

// Remove unlinks e. It returns false if e is not the entry stored under its
// key.
func (p *Partition) Remove(e Entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.tree.Get(e.Key()); !ok || v.(Entry) != e {
		return false
	}
	p.tree, _, _ = p.tree.Delete(e.Key())
	return true
}

// Find returns the entry with the given key, or nil.
func (p *Partition) Find(key []byte) Entry {
	p.mu.Lock()
	root := p.tree.Root()
	p.mu.Unlock()
	v, ok := root.Get(key)
	if !ok {
		return nil
	}
	return v.(Entry)
}

// findNext returns the first entry with a key greater than key, or greater
// than or equal to it if inclusive.
func (p *Partition) findNext(key []byte, inclusive bool) Entry {
	p.mu.Lock()
	it := p.tree.Root().Iterator()
	p.mu.Unlock()
	it.SeekLowerBound(key)
	for {
		k, v, ok := it.Next()
		if !ok {
			return nil
		}
		if !inclusive && bytes.Equal(k, key) {
			continue
		}
		return v.(Entry)
	}
}

func (p *Partition) lpm(key []byte) Entry {
	p.mu.Lock()
	root := p.tree.Root()
	p.mu.Unlock()
	var best Entry
	// WalkPath visits shorter keys first, so the last live entry wins.
	root.WalkPath(key, func(_ []byte, v interface{}) bool {
		if e := v.(Entry); !e.base().IsDeleted() {
			best = e
		}
		return false
	})
	return best
}

// Size returns the number of linked entries.
func (p *Partition) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Len()
}

// Walk calls fn for each entry of the partition in key order until fn
// returns false. It walks a snapshot.
func (p *Partition) Walk(fn func(Entry) bool) {
	p.mu.Lock()
	root := p.tree.Root()
	p.mu.Unlock()
	root.Walk(func(_ []byte, v interface{}) bool {
		return !fn(v.(Entry))
	})
}

// Notify puts e on the change list unless it is already there, and
// schedules the drain task.
func (p *Partition) Notify(e Entry) {
	if !e.base().markOnList() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, e)
	if !p.scheduled {
		p.scheduled = true
		p.t.s.EnqueueFunc(TaskGroup, p.index, p.t.name+" notify", p.drain)
	}
}

// Delete marks e deleted and notifies listeners.
func (p *Partition) Delete(e Entry) {
	e.base().setDeleted(true)
	p.Notify(e)
}

// Revive clears the deleted flag of an entry that is being added again
// before its tombstone was unlinked.
func (p *Partition) Revive(e Entry) {
	e.base().setDeleted(false)
}

// ClearState removes the state of listener id from e, unlinking e if it is
// a deleted entry with no state left.
func (p *Partition) ClearState(e Entry, id ListenerID) {
	if e.base().clearState(id) {
		p.unlinkIfCurrent(e)
	}
}

// unlinkIfCurrent removes e unless another entry has replaced it.
func (p *Partition) unlinkIfCurrent(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.tree.Get(e.Key()); ok && v.(Entry) == e {
		p.tree, _, _ = p.tree.Delete(e.Key())
	}
}

func (p *Partition) drain() {
	p.mu.Lock()
	n := len(p.changes)
	if n > maxDrain {
		n = maxDrain
	}
	batch := append([]Entry(nil), p.changes[:n]...)
	for i := 0; i < n; i++ {
		p.changes[i] = nil
	}
	p.changes = p.changes[n:]
	p.mu.Unlock()

	ls := p.t.listenerSnapshot()
	for _, e := range batch {
		e.base().clearOnList()
		for _, l := range ls {
			l.fn(p, e)
		}
		p.t.notifyCount.Add(1)
		if e.base().removable() {
			p.unlinkIfCurrent(e)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.changes) != 0 {
		p.t.s.EnqueueFunc(TaskGroup, p.index, p.t.name+" notify", p.drain)
		return
	}
	p.scheduled = false
}

func (p *Partition) process(req *Request) {
	p.t.inputCount.Add(1)
	p.t.input(p, req)
}
