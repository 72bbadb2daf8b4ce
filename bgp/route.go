// Copyright 2023 Google LLC
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

package bgp

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/msiegen/controlnode/db"
)

// A Route represents a range of addresses with a common prefix that can be
// reached by zero or more distinct paths. Routes are entries of a Table.
type Route struct {
	db.EntryBase

	key    []byte
	prefix netip.Prefix
	rd     RouteDistinguisher

	mu     sync.Mutex
	paths  []*Path
	sorted bool
}

func newRoute(key []byte) *Route {
	p, rd, _ := db.ParsePrefixKey(key)
	return &Route{key: key, prefix: p, rd: rd}
}

// Key implements db.Entry.
func (r *Route) Key() []byte { return r.key }

// Prefix returns the route's address range.
func (r *Route) Prefix() netip.Prefix { return r.prefix }

// RD returns the route distinguisher of a VPN route. It is zero for routes
// of other families.
func (r *Route) RD() RouteDistinguisher { return r.rd }

func (r *Route) String() string {
	if r.rd != (RouteDistinguisher{}) {
		return r.rd.String() + ":" + r.prefix.String()
	}
	return r.prefix.String()
}

// Paths returns the route's paths, best first.
func (r *Route) Paths() []*Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortLocked()
	return slices.Clone(r.paths)
}

// PathCount returns the number of paths.
func (r *Route) PathCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

// BestPath returns the best feasible path, or nil if there is none.
func (r *Route) BestPath() *Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sortLocked()
	if len(r.paths) == 0 || !r.paths[0].IsFeasible() {
		return nil
	}
	return r.paths[0]
}

// FindPath returns the path with the given origin, or nil.
func (r *Route) FindPath(peer int, src PathSource, from string) *Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := &Path{Peer: peer, Source: src, From: from}
	for _, p := range r.paths {
		if p.sameOrigin(q) {
			return p
		}
	}
	return nil
}

func (r *Route) sortLocked() {
	if !r.sorted {
		SortPaths(r.paths)
		r.sorted = true
	}
}

// insertPath adds a path, replacing any previous path with the same origin.
// It reports whether the route changed. The route takes over the caller's
// reference on p.Attr.
func (r *Route) insertPath(p *Path) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, old := range r.paths {
		if old.sameOrigin(p) {
			if old.equal(p) {
				// Unchanged. Drop the extra reference.
				p.Attr.Release()
				return false
			}
			r.paths[i] = p
			r.sorted = false
			old.Attr.Release()
			return true
		}
	}
	r.paths = append(r.paths, p)
	r.sorted = false
	return true
}

// removePath removes the path with the given origin. It is safe to call even
// if no such path is present, in which case it reports false.
func (r *Route) removePath(peer int, src PathSource, from string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := &Path{Peer: peer, Source: src, From: from}
	for i, old := range r.paths {
		if old.sameOrigin(q) {
			r.paths = slices.Delete(r.paths, i, i+1)
			old.Attr.Release()
			return true
		}
	}
	return false
}

// removePeerPaths removes every primary path from peer and reports how many
// were removed.
func (r *Route) removePeerPaths(peer int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	r.paths = slices.DeleteFunc(r.paths, func(p *Path) bool {
		if p.Peer == peer && !p.IsReplicated() {
			p.Attr.Release()
			n++
			return true
		}
		return false
	})
	return n
}

// removePrimaryPaths removes every path that was not replicated from
// another table.
func (r *Route) removePrimaryPaths() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	r.paths = slices.DeleteFunc(r.paths, func(p *Path) bool {
		if !p.IsReplicated() {
			p.Attr.Release()
			n++
			return true
		}
		return false
	})
	return n
}

// hasPath returns whether at least one path is present.
func (r *Route) hasPath() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths) != 0
}
