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
	"sync"

	"github.com/pkg/errors"
)

// NoIndex is returned by IndexAllocator.Alloc when every index is in use.
const NoIndex = -1

// ErrNoIndex is the error form of NoIndex.
var ErrNoIndex = errors.New("index space exhausted")

// An IndexAllocator hands out the integers 0 through maxIndex, always the
// smallest free one.
type IndexAllocator struct {
	maxIndex int

	mu   sync.Mutex
	used BitSet
}

// NewIndexAllocator returns an allocator for 0 through maxIndex inclusive.
func NewIndexAllocator(maxIndex int) *IndexAllocator {
	return &IndexAllocator{maxIndex: maxIndex}
}

// Alloc returns the smallest free index, or NoIndex.
func (a *IndexAllocator) Alloc() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.used.FindFirstClear()
	if i > a.maxIndex {
		return NoIndex
	}
	a.used.Set(i)
	return i
}

// AllocIndex claims a specific index. It fails if the index is out of range
// or already taken.
func (a *IndexAllocator) AllocIndex(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i > a.maxIndex {
		return errors.Errorf("index %d out of range [0, %d]", i, a.maxIndex)
	}
	if a.used.Test(i) {
		return errors.Errorf("index %d already allocated", i)
	}
	a.used.Set(i)
	return nil
}

// Free returns i to the pool. Freeing an unallocated index does nothing.
func (a *IndexAllocator) Free(i int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.used.Reset(i)
}

// InUse reports whether i is allocated.
func (a *IndexAllocator) InUse(i int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Test(i)
}

// Count returns the number of allocated indexes.
func (a *IndexAllocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Count()
}
