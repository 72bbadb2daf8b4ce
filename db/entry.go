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

import "sync"

// ListenerID identifies a table listener. IDs are small integers suitable
// for indexing bitsets.
type ListenerID int

// An Entry is an object stored in a Table. Implementations embed EntryBase.
type Entry interface {
	// Key returns the entry's key. It must not change while the entry is in
	// a table.
	Key() []byte
	base() *EntryBase
}

// EntryBase carries the bookkeeping every table entry needs: the deleted
// flag, whether the entry is on its partition's change list, and listener
// state.
type EntryBase struct {
	mu      sync.Mutex
	deleted bool
	onList  bool
	state   map[ListenerID]any
}

func (b *EntryBase) base() *EntryBase { return b }

// IsDeleted reports whether the entry has been deleted but is still linked
// because listeners hold state on it.
func (b *EntryBase) IsDeleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted
}

func (b *EntryBase) setDeleted(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = v
}

// State returns the state stored by listener id, or nil.
func (b *EntryBase) State(id ListenerID) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[id]
}

// SetState stores state for listener id.
func (b *EntryBase) SetState(id ListenerID, s any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == nil {
		b.state = map[ListenerID]any{}
	}
	b.state[id] = s
}

// clearState removes the state of listener id and reports whether the entry
// is now a tombstone without any listener state.
func (b *EntryBase) clearState(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, id)
	return b.deleted && len(b.state) == 0
}

// HasState reports whether any listener holds state on the entry.
func (b *EntryBase) HasState() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state) != 0
}

func (b *EntryBase) removable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleted && len(b.state) == 0
}

// markOnList sets the change list flag and reports whether it was clear.
func (b *EntryBase) markOnList() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.onList {
		return false
	}
	b.onList = true
	return true
}

func (b *EntryBase) clearOnList() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onList = false
}
