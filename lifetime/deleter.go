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

// Package lifetime provides deferred destruction of shared objects.
package lifetime

import "sync"

// A Deleter gates the destruction of an object on a reference count. Deletion
// is requested with RequestDelete, and the destroy function runs exactly once,
// when the object is marked and no references remain.
type Deleter struct {
	destroy func()

	mu        sync.Mutex
	refs      int
	marked    bool
	destroyed bool
}

// NewDeleter returns a deleter that calls destroy when the object may go.
func NewDeleter(destroy func()) *Deleter {
	return &Deleter{destroy: destroy}
}

// Retain takes a reference. It returns false if the object is already marked
// for deletion, in which case no reference is taken and the caller must not
// use the object.
func (d *Deleter) Retain() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.marked {
		return false
	}
	d.refs++
	return true
}

// Release drops a reference taken by Retain.
func (d *Deleter) Release() {
	d.mu.Lock()
	if d.refs == 0 {
		d.mu.Unlock()
		panic("lifetime: Release without Retain")
	}
	d.refs--
	run := d.readyLocked()
	d.mu.Unlock()
	if run {
		d.destroy()
	}
}

// RequestDelete marks the object. The destroy function runs now if no
// references are held, otherwise when the last one is released.
func (d *Deleter) RequestDelete() {
	d.mu.Lock()
	d.marked = true
	run := d.readyLocked()
	d.mu.Unlock()
	if run {
		d.destroy()
	}
}

// invariant: d.mu is locked
func (d *Deleter) readyLocked() bool {
	if d.marked && d.refs == 0 && !d.destroyed {
		d.destroyed = true
		return d.destroy != nil
	}
	return false
}

// IsMarkedForDeletion reports whether RequestDelete has been called.
func (d *Deleter) IsMarkedForDeletion() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.marked
}

// IsDestroyed reports whether the destroy function has run.
func (d *Deleter) IsDestroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Refs returns the number of references held.
func (d *Deleter) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}
