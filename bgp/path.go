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

package bgp

import (
	"fmt"
	"slices"
	"strings"
)

// NoPeer is the peer index of paths that have no peer.
const NoPeer = -1

// A PathSource tells how a path entered the control node.
type PathSource uint8

const (
	// SourceLocal paths are added directly to a table, for example from
	// configuration.
	SourceLocal PathSource = iota
	// SourceBGP paths were received from a BGP peer.
	SourceBGP
	// SourceXMPP paths were published by an agent.
	SourceXMPP
)

func (s PathSource) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceBGP:
		return "bgp"
	case SourceXMPP:
		return "xmpp"
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// PathFlags mark a path as unusable.
type PathFlags uint8

const (
	// AsPathLooped is set on paths whose AS path contains the local AS.
	AsPathLooped PathFlags = 1 << iota
	// NoNexthop is set on paths that can't be forwarded.
	NoNexthop
)

func (f PathFlags) String() string {
	var parts []string
	if f&AsPathLooped != 0 {
		parts = append(parts, "as-path-looped")
	}
	if f&NoNexthop != 0 {
		parts = append(parts, "no-nexthop")
	}
	return strings.Join(parts, ",")
}

// Path is a single way to reach a route's prefix. A Path is immutable once it
// is in a route; changes replace it.
type Path struct {
	// Peer is an index into the server's peer registry.
	Peer   int
	Source PathSource
	Attr   *Attr
	Label  uint32
	Flags  PathFlags
	// From identifies the primary path a replicated path was copied from, as
	// the source table name and route key. It is empty for primary paths.
	From string
}

// IsFeasible reports whether the path may be used and replicated.
func (p *Path) IsFeasible() bool {
	return p.Flags == 0
}

// IsReplicated reports whether p is a secondary path copied from another
// table.
func (p *Path) IsReplicated() bool {
	return p.From != ""
}

// Attributes returns the path's attributes.
func (p *Path) Attributes() Attributes {
	if p.Attr == nil {
		return Attributes{}
	}
	return p.Attr.Attributes
}

// sameOrigin reports whether p and q are the same path, possibly with
// different attributes. A route holds at most one path per origin.
func (p *Path) sameOrigin(q *Path) bool {
	return p.Peer == q.Peer && p.Source == q.Source && p.From == q.From
}

// equal reports whether replacing p with q would change nothing.
func (p *Path) equal(q *Path) bool {
	return p.sameOrigin(q) && p.Attr == q.Attr && p.Label == q.Label && p.Flags == q.Flags
}

func (p *Path) String() string {
	s := fmt.Sprintf("peer=%d source=%v label=%d attrs=%v", p.Peer, p.Source, p.Label, p.Attributes())
	if p.Flags != 0 {
		s += " flags=" + p.Flags.String()
	}
	if p.From != "" {
		s += " from=" + p.From
	}
	return s
}

// comparePaths orders paths best first: feasible paths, then by attributes,
// then primary paths before replicated ones, then by peer index.
func comparePaths(a, b *Path) int {
	if af, bf := a.IsFeasible(), b.IsFeasible(); af != bf {
		if af {
			return -1
		}
		return 1
	}
	if c := Compare(a.Attributes(), b.Attributes()); c != 0 {
		return c
	}
	if ar, br := a.IsReplicated(), b.IsReplicated(); ar != br {
		if br {
			return -1
		}
		return 1
	}
	if a.Peer != b.Peer {
		if a.Peer < b.Peer {
			return -1
		}
		return 1
	}
	return strings.Compare(a.From, b.From)
}

// SortPaths sorts the paths to place the best paths first.
func SortPaths(ps []*Path) {
	slices.SortStableFunc(ps, comparePaths)
}
