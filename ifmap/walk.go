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

package ifmap

import (
	"sort"
	"strings"

	"github.com/pborman/uuid"
)

// DefaultTraversal is the set of edges the interest walk follows, keyed by
// the type of the node being expanded.
var DefaultTraversal = map[string][]string{
	TypeVirtualRouter: {
		TypeVirtualMachine,
		"global-system-config",
		"network-ipam",
	},
	TypeVirtualMachine: {
		"virtual-machine-interface",
	},
	"virtual-machine-interface": {
		"virtual-network",
		"instance-ip",
		"floating-ip",
		"security-group",
		"routing-instance",
	},
	"virtual-network": {
		"routing-instance",
		"network-ipam",
		"network-policy",
	},
	"floating-ip": {
		"floating-ip-pool",
	},
	"floating-ip-pool": {
		"virtual-network",
	},
	"global-system-config": {
		"global-vrouter-config",
	},
}

// canonicalUUID returns the lower case hyphenated form of s.
func canonicalUUID(s string) (string, bool) {
	u := uuid.Parse(strings.TrimSpace(s))
	if u == nil {
		return "", false
	}
	return u.String(), true
}

// follows reports whether the walk for c continues from n across l.
func (srv *Server) follows(c *client, from, to NodeID) bool {
	if !srv.traversal[from.Type][to.Type] {
		return false
	}
	switch to.Type {
	case TypeVirtualRouter:
		return to.Name == c.vr
	case TypeVirtualMachine:
		// VMs are only reachable through a resolved subscription.
		return from.Type != TypeVirtualRouter || c.vms[to.Name]
	}
	return true
}

// interestOf returns the nodes and links reachable from c's virtual router.
func (srv *Server) interestOf(c *client) map[entity]bool {
	out := map[entity]bool{}
	if c.vr == "" {
		return out
	}
	root := srv.g.FindNode(NodeID{TypeVirtualRouter, c.vr})
	if root == nil {
		return out
	}
	out[root] = true
	queue := []*Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, l := range n.Links() {
			to := l.other(n.id)
			if !srv.follows(c, n.id, to) {
				continue
			}
			next := srv.g.FindNode(to)
			if next == nil {
				continue
			}
			out[l] = true
			if !out[next] {
				out[next] = true
				queue = append(queue, next)
			}
		}
	}
	return out
}

// updateInterest recomputes c's interest and notifies every entity whose
// bit changed, so the exporter can send the difference.
func (srv *Server) updateInterest(c *client) {
	next := srv.interestOf(c)
	for e := range c.interest {
		if next[e] || e.IsDeleted() {
			continue
		}
		interest, _ := e.bits()
		interest.Reset(c.index)
		srv.g.p.Notify(e)
	}
	for e := range next {
		interest, _ := e.bits()
		if !interest.Test(c.index) {
			interest.Set(c.index)
			srv.g.p.Notify(e)
		}
	}
	c.interest = next
}

// updateAllInterest recomputes the interest of every client.
func (srv *Server) updateAllInterest() {
	srv.mu.Lock()
	cs := make([]*client, 0, len(srv.clients))
	for _, c := range srv.clients {
		cs = append(cs, c)
	}
	srv.mu.Unlock()
	sort.Slice(cs, func(i, j int) bool { return cs[i].index < cs[j].index })
	for _, c := range cs {
		srv.updateInterest(c)
	}
}
