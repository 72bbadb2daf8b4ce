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

	"github.com/msiegen/controlnode/db"
	"github.com/sirupsen/logrus"
)

// A RouteUpdate is the data of a db.Request on a route table. For deletes
// only Peer and Source are used.
type RouteUpdate struct {
	Peer   int
	Source PathSource
	Attrs  Attributes
	Label  uint32
	Flags  PathFlags
}

// A Table is a set of routes of one family that each have a distinct key.
// Changes arrive as requests and are applied in the partition that owns the
// key, which then notifies the table's listeners.
type Table struct {
	*db.Table

	family   RouteFamily
	instance *RoutingInstance
	attrs    *AttrDB
	log      *logrus.Entry
}

func newTable(d *db.DB, name string, family RouteFamily, inst *RoutingInstance, attrs *AttrDB, partitions int, log *logrus.Entry) (*Table, error) {
	t := &Table{
		family:   family,
		instance: inst,
		attrs:    attrs,
		log:      log.WithField("table", name),
	}
	dt, err := d.CreateTable(name, db.TableOptions{
		Partitions:  partitions,
		Partitioner: db.HashPrefix,
		Input:       t.input,
		Logger:      log.Logger,
	})
	if err != nil {
		return nil, err
	}
	t.Table = dt
	return t, nil
}

// Family returns the route family of the table.
func (t *Table) Family() RouteFamily { return t.family }

// Instance returns the routing instance that owns the table.
func (t *Table) Instance() *RoutingInstance { return t.instance }

// RouteKey returns the key of prefix in the table. The route distinguisher is
// only used by VPN tables.
func (t *Table) RouteKey(rd RouteDistinguisher, prefix netip.Prefix) []byte {
	if t.family == IPv4VPN {
		return db.VPNKey(rd, prefix)
	}
	return db.PrefixKey(prefix)
}

// AddPath requests the addition of a path, replacing any earlier path with
// the same peer and source. It reports false if the table is closed.
func (t *Table) AddPath(rd RouteDistinguisher, prefix netip.Prefix, u RouteUpdate) bool {
	return t.Enqueue(&db.Request{Op: db.AddChange, Key: t.RouteKey(rd, prefix), Data: &u})
}

// DeletePath requests the removal of the path from peer and source.
func (t *Table) DeletePath(rd RouteDistinguisher, prefix netip.Prefix, peer int, src PathSource) bool {
	return t.Enqueue(&db.Request{
		Op:   db.Delete,
		Key:  t.RouteKey(rd, prefix),
		Data: &RouteUpdate{Peer: peer, Source: src},
	})
}

// FindRoute returns the live route for prefix, or nil.
func (t *Table) FindRoute(rd RouteDistinguisher, prefix netip.Prefix) *Route {
	e := t.Find(t.RouteKey(rd, prefix))
	if e == nil {
		return nil
	}
	r := e.(*Route)
	if r.IsDeleted() {
		return nil
	}
	return r
}

// Routes returns the live routes in key order.
func (t *Table) Routes() []*Route {
	var rs []*Route
	t.Walk(func(e db.Entry) bool {
		if r := e.(*Route); !r.IsDeleted() {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

func (t *Table) input(p *db.Partition, req *db.Request) {
	u, ok := req.Data.(*RouteUpdate)
	if !ok {
		t.log.WithField("op", req.Op).Warn("Dropping request without a route update")
		return
	}
	switch req.Op {
	case db.AddChange:
		t.addPath(p, req.Key, &Path{
			Peer:   u.Peer,
			Source: u.Source,
			Attr:   t.attrs.Locate(u.Attrs),
			Label:  u.Label,
			Flags:  u.Flags,
		})
	case db.Delete:
		t.deletePath(p, req.Key, u.Peer, u.Source, "")
	}
}

// addPath installs path in the route for key, creating or reviving the
// route as needed. Listeners are only notified if the route changed.
func (t *Table) addPath(p *db.Partition, key []byte, path *Path) {
	var r *Route
	if e := p.Find(key); e != nil {
		r = e.(*Route)
		if r.IsDeleted() {
			p.Revive(r)
		}
	} else {
		r = newRoute(key)
		p.Insert(r)
	}
	if r.insertPath(path) {
		p.Notify(r)
	}
}

// deletePath removes a path and deletes the route once it has none left.
func (t *Table) deletePath(p *db.Partition, key []byte, peer int, src PathSource, from string) {
	e := p.Find(key)
	if e == nil {
		return
	}
	r := e.(*Route)
	if !r.removePath(peer, src, from) {
		return
	}
	t.finish(p, r)
}

func (t *Table) finish(p *db.Partition, r *Route) {
	if r.hasPath() {
		p.Notify(r)
	} else {
		p.Delete(r)
	}
}

// replicaPartition returns the partition of t that pairs with src, the
// partition of another table that is currently running. Route tables hash
// only the prefix bits, so the two always have the same index.
func (t *Table) replicaPartition(src *db.Partition, key []byte) *db.Partition {
	p := t.Partition(src.Index())
	if got := t.PartitionFor(key); got != p {
		t.log.Panicf("replica key for %v maps to partition %d, want %d", t.Name(), got.Index(), src.Index())
	}
	return p
}

// addReplica installs a secondary path copied from a route in src's table.
func (t *Table) addReplica(src *db.Partition, key []byte, path *Path) {
	t.addPath(t.replicaPartition(src, key), key, path)
}

// deleteReplica removes a secondary path copied from a route in src's table.
func (t *Table) deleteReplica(src *db.Partition, key []byte, peer int, source PathSource, from string) {
	t.deletePath(t.replicaPartition(src, key), key, peer, source, from)
}

// DeletePeerPaths removes every primary path that peer contributed to the
// table. done, if not nil, runs once all partitions are done.
func (t *Table) DeletePeerPaths(peer int, done func()) {
	t.WalkPartitions(func(p *db.Partition, e db.Entry) {
		r := e.(*Route)
		if r.removePeerPaths(peer) != 0 {
			t.finish(p, r)
		}
	}, done)
}
