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
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
)

// A Replicator copies paths between the VPN table and the VRF tables as
// route targets dictate:
//
//   - VRF to VPN: primary paths of a VRF, keyed with the instance's route
//     distinguisher and tagged with its export targets.
//   - VPN to VRF: paths learned from BGP peers, into every VRF that imports
//     one of the path's route targets.
//   - VRF to VRF: primary paths of a VRF, into every other VRF that imports
//     one of its export targets or the path's own route targets.
//
// The replicas made from a route are kept as that route's listener state,
// so each notification only adds what is new and withdraws what is gone.
type Replicator struct {
	server *Server
	log    *logrus.Entry

	mu  sync.Mutex
	ids map[*Table]db.ListenerID

	added     atomic.Uint64
	withdrawn atomic.Uint64
}

// replicaKey identifies a replica made from one source route.
type replicaKey struct {
	table  *Table
	peer   int
	source PathSource
}

type replica struct {
	key   string
	attrs Attributes
	label uint32
}

type replicaState map[replicaKey]replica

func newReplicator(s *Server) *Replicator {
	return &Replicator{
		server: s,
		log:    s.log.WithField("component", "replicator"),
		ids:    map[*Table]db.ListenerID{},
	}
}

// register starts replicating the routes of t.
func (r *Replicator) register(t *Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.Register("replicator", func(p *db.Partition, e db.Entry) {
		r.replicate(t, p, e.(*Route))
	})
	r.ids[t] = id
}

// unregister stops replicating t. Replicas made from t are not withdrawn.
func (r *Replicator) unregister(t *Table) {
	r.mu.Lock()
	id, ok := r.ids[t]
	delete(r.ids, t)
	r.mu.Unlock()
	if ok {
		t.Unregister(id)
	}
}

func (r *Replicator) listenerID(t *Table) db.ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids[t]
}

// Added returns the number of replicas added or changed.
func (r *Replicator) Added() uint64 { return r.added.Load() }

// Withdrawn returns the number of replicas withdrawn.
func (r *Replicator) Withdrawn() uint64 { return r.withdrawn.Load() }

// replicate runs in the task of partition p of src.
func (r *Replicator) replicate(src *Table, p *db.Partition, route *Route) {
	id := r.listenerID(src)
	var want replicaState
	if !route.IsDeleted() {
		if src.family == IPv4VPN {
			want = r.fromVPN(route)
		} else {
			want = r.fromVRF(src, route)
		}
	}
	have, _ := route.State(id).(replicaState)
	from := src.Name() + ":" + route.String()

	for k, w := range want {
		h, ok := have[k]
		if ok && h == w {
			continue
		}
		if ok && h.key != w.key {
			k.table.deleteReplica(p, []byte(h.key), k.peer, k.source, from)
		}
		k.table.addReplica(p, []byte(w.key), &Path{
			Peer:   k.peer,
			Source: k.source,
			Attr:   r.server.attrs.Locate(w.attrs),
			Label:  w.label,
			From:   from,
		})
		r.added.Add(1)
	}
	for k, h := range have {
		if _, ok := want[k]; ok {
			continue
		}
		k.table.deleteReplica(p, []byte(h.key), k.peer, k.source, from)
		r.withdrawn.Add(1)
	}

	if len(want) == 0 {
		p.ClearState(route, id)
		return
	}
	route.SetState(id, want)
}

// usable reports whether a path may be replicated at all.
func (r *Replicator) usable(path *Path) bool {
	return !path.IsReplicated() && path.IsFeasible() && r.server.peers.IsReady(path.Peer)
}

func (r *Replicator) fromVRF(src *Table, route *Route) replicaState {
	ri := src.instance
	if ri.IsDeleted() {
		return nil
	}
	export := ri.ExportTargets()
	rd := ri.RD()
	others := r.server.Instances()
	var want replicaState
	for _, path := range route.Paths() {
		if !r.usable(path) {
			continue
		}
		attrs := path.Attributes()
		attrs.AddExtendedCommunities(export...)
		targets := attrs.RouteTargets()
		if want == nil {
			want = replicaState{}
		}
		vpn := r.server.VPNTable()
		want[replicaKey{vpn, path.Peer, path.Source}] = replica{
			key:   string(vpn.RouteKey(rd, route.Prefix())),
			attrs: attrs,
			label: path.Label,
		}
		for _, dst := range others {
			if dst == ri || dst.IsDeleted() || !dst.imports(targets) {
				continue
			}
			want[replicaKey{dst.inet, path.Peer, path.Source}] = replica{
				key:   string(dst.inet.RouteKey(RouteDistinguisher{}, route.Prefix())),
				attrs: attrs,
				label: path.Label,
			}
		}
	}
	return want
}

func (r *Replicator) fromVPN(route *Route) replicaState {
	var want replicaState
	instances := r.server.Instances()
	for _, path := range route.Paths() {
		if !r.usable(path) {
			continue
		}
		attrs := path.Attributes()
		targets := attrs.RouteTargets()
		for _, dst := range instances {
			if dst.IsDeleted() || !dst.imports(targets) {
				continue
			}
			if want == nil {
				want = replicaState{}
			}
			want[replicaKey{dst.inet, path.Peer, path.Source}] = replica{
				key:   string(dst.inet.RouteKey(RouteDistinguisher{}, route.Prefix())),
				attrs: attrs,
				label: path.Label,
			}
		}
	}
	return want
}
