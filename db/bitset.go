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
	"math/bits"
	"strconv"
	"strings"
)

// NoBit is returned by the search methods of BitSet when no bit qualifies.
const NoBit = -1

// A BitSet is a growable set of non-negative integers. The zero value is an
// empty set.
type BitSet struct {
	words []uint64
}

// Set adds i to the set.
func (b *BitSet) Set(i int) {
	w := i / 64
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(i) % 64)
}

// Reset removes i from the set.
func (b *BitSet) Reset(i int) {
	w := i / 64
	if w >= len(b.words) {
		return
	}
	b.words[w] &^= 1 << (uint(i) % 64)
	b.trim()
}

// Test reports whether i is in the set.
func (b *BitSet) Test(i int) bool {
	if i < 0 {
		return false
	}
	w := i / 64
	return w < len(b.words) && b.words[w]&(1<<(uint(i)%64)) != 0
}

// Count returns the number of elements.
func (b *BitSet) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// IsEmpty reports whether the set has no elements.
func (b *BitSet) IsEmpty() bool {
	return len(b.words) == 0
}

// Clear removes every element.
func (b *BitSet) Clear() {
	b.words = nil
}

// FindFirst returns the smallest element, or NoBit.
func (b *BitSet) FindFirst() int {
	return b.FindNext(-1)
}

// FindNext returns the smallest element greater than i, or NoBit.
func (b *BitSet) FindNext(i int) int {
	i++
	if i < 0 {
		i = 0
	}
	w := i / 64
	if w >= len(b.words) {
		return NoBit
	}
	word := b.words[w] >> (uint(i) % 64)
	if word != 0 {
		return i + bits.TrailingZeros64(word)
	}
	for w++; w < len(b.words); w++ {
		if b.words[w] != 0 {
			return w*64 + bits.TrailingZeros64(b.words[w])
		}
	}
	return NoBit
}

// FindFirstClear returns the smallest non-negative integer not in the set.
func (b *BitSet) FindFirstClear() int {
	for w, word := range b.words {
		if word != ^uint64(0) {
			return w*64 + bits.TrailingZeros64(^word)
		}
	}
	return len(b.words) * 64
}

// Union adds every element of other.
func (b *BitSet) Union(other *BitSet) {
	for len(b.words) < len(other.words) {
		b.words = append(b.words, 0)
	}
	for i, w := range other.words {
		b.words[i] |= w
	}
}

// Difference removes every element of other.
func (b *BitSet) Difference(other *BitSet) {
	for i := 0; i < len(b.words) && i < len(other.words); i++ {
		b.words[i] &^= other.words[i]
	}
	b.trim()
}

// Equal reports whether both sets have the same elements.
func (b *BitSet) Equal(other *BitSet) bool {
	if len(b.words) != len(other.words) {
		return false
	}
	for i := range b.words {
		if b.words[i] != other.words[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (b *BitSet) Clone() *BitSet {
	return &BitSet{words: append([]uint64(nil), b.words...)}
}

// Elements returns the elements in ascending order.
func (b *BitSet) Elements() []int {
	var out []int
	for i := b.FindFirst(); i != NoBit; i = b.FindNext(i) {
		out = append(out, i)
	}
	return out
}

func (b *BitSet) String() string {
	var parts []string
	for _, i := range b.Elements() {
		parts = append(parts, strconv.Itoa(i))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// trim drops trailing zero words so that IsEmpty and Equal stay cheap.
func (b *BitSet) trim() {
	n := len(b.words)
	for n > 0 && b.words[n-1] == 0 {
		n--
	}
	if n == 0 {
		b.words = nil
		return
	}
	b.words = b.words[:n]
}
