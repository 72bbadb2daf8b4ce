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
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/lifetime"
)

// MasterInstance is the name of the instance that holds the VPN table.
const MasterInstance = "default-domain:default-project:ip-fabric:__default__"

// VPNTableName is the name of the VPN table.
const VPNTableName = "bgp.l3vpn.0"

// Config task group and the poll interval of instance deletion.
const (
	configTaskGroup     = "bgp::Config"
	deletePollInterval  = 10 * time.Millisecond
	maxRoutingInstances = 4095
)

// InstanceConfig describes a routing instance.
type InstanceConfig struct {
	Name string
	// RD is the route distinguisher of routes exported to the VPN table. If
	// zero, it is derived from the router ID and the instance index.
	RD            RouteDistinguisher
	ImportTargets []ExtendedCommunity
	ExportTargets []ExtendedCommunity
}

// A RoutingInstance is a VRF: an inet table plus the route targets that
// connect it with the VPN table and with other instances.
type RoutingInstance struct {
	name    string
	index   int
	server  *Server
	deleter *lifetime.Deleter
	deleted atomic.Bool
	log     *logrus.Entry

	// inet is nil for the master instance, which owns the VPN table instead.
	inet *Table
	vpn  *Table

	mu            sync.RWMutex
	rd            RouteDistinguisher
	importTargets map[ExtendedCommunity]bool
	exportTargets map[ExtendedCommunity]bool
}

// Name returns the instance name.
func (ri *RoutingInstance) Name() string { return ri.name }

// Index returns the instance index.
func (ri *RoutingInstance) Index() int { return ri.index }

// IsMaster reports whether ri is the master instance.
func (ri *RoutingInstance) IsMaster() bool { return ri.inet == nil }

// IsDeleted reports whether deletion of the instance has started.
func (ri *RoutingInstance) IsDeleted() bool { return ri.deleted.Load() }

// Table returns the instance's route table: the inet table of a VRF or the
// VPN table of the master instance.
func (ri *RoutingInstance) Table() *Table {
	if ri.inet != nil {
		return ri.inet
	}
	return ri.vpn
}

// RD returns the route distinguisher.
func (ri *RoutingInstance) RD() RouteDistinguisher {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.rd
}

// ImportTargets returns the import route targets, sorted.
func (ri *RoutingInstance) ImportTargets() []ExtendedCommunity {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return sortedTargets(ri.importTargets)
}

// ExportTargets returns the export route targets, sorted.
func (ri *RoutingInstance) ExportTargets() []ExtendedCommunity {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return sortedTargets(ri.exportTargets)
}

// imports reports whether any of targets is an import target.
func (ri *RoutingInstance) imports(targets []ExtendedCommunity) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	for _, t := range targets {
		if ri.importTargets[t] {
			return true
		}
	}
	return false
}

func (ri *RoutingInstance) setConfig(cfg InstanceConfig) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if cfg.RD != (RouteDistinguisher{}) {
		ri.rd = cfg.RD
	} else {
		ri.rd = NewRouteDistinguisherIP(ri.server.routerID, uint16(ri.index))
	}
	ri.importTargets = targetSet(cfg.ImportTargets)
	ri.exportTargets = targetSet(cfg.ExportTargets)
}

func targetSet(ts []ExtendedCommunity) map[ExtendedCommunity]bool {
	m := make(map[ExtendedCommunity]bool, len(ts))
	for _, t := range ts {
		m[t] = true
	}
	return m
}

func sortedTargets(m map[ExtendedCommunity]bool) []ExtendedCommunity {
	ts := make([]ExtendedCommunity, 0, len(m))
	for t := range m {
		ts = append(ts, t)
	}
	slices.Sort(ts)
	return ts
}

// createMaster sets up the master instance and the VPN table.
func (s *Server) createMaster() error {
	ri := &RoutingInstance{
		name:   MasterInstance,
		index:  0,
		server: s,
		log:    s.log.WithField("instance", MasterInstance),
	}
	if err := s.instanceIDs.AllocIndex(0); err != nil {
		return err
	}
	ri.setConfig(InstanceConfig{})
	vpn, err := newTable(s.db, VPNTableName, IPv4VPN, ri, s.attrs, s.partitions, ri.log)
	if err != nil {
		return err
	}
	ri.vpn = vpn
	s.replicator.register(vpn)
	s.master = ri
	return nil
}

// Master returns the master instance.
func (s *Server) Master() *RoutingInstance { return s.master }

// VPNTable returns the VPN table.
func (s *Server) VPNTable() *Table { return s.master.vpn }

// AddInstance creates a routing instance and its inet table.
func (s *Server) AddInstance(cfg InstanceConfig) (*RoutingInstance, error) {
	if cfg.Name == "" || cfg.Name == MasterInstance {
		return nil, errors.Errorf("invalid routing instance name %q", cfg.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.instances[cfg.Name] != nil {
		return nil, errors.Errorf("duplicate routing instance %q", cfg.Name)
	}
	index := s.instanceIDs.Alloc()
	if index == db.NoIndex {
		return nil, errors.Wrapf(db.ErrNoIndex, "routing instance %q", cfg.Name)
	}
	ri := &RoutingInstance{
		name:   cfg.Name,
		index:  index,
		server: s,
		vpn:    s.master.vpn,
		log:    s.log.WithField("instance", cfg.Name),
	}
	ri.setConfig(cfg)
	inet, err := newTable(s.db, cfg.Name+IPv4Unicast.TableSuffix(), IPv4Unicast, ri, s.attrs, s.partitions, ri.log)
	if err != nil {
		s.instanceIDs.Free(index)
		return nil, err
	}
	ri.inet = inet
	ri.deleter = lifetime.NewDeleter(ri.destroy)
	s.replicator.register(inet)
	s.instances[cfg.Name] = ri
	ri.log.WithFields(logrus.Fields{
		"rd":     ri.RD(),
		"import": ri.ImportTargets(),
		"export": ri.ExportTargets(),
	}).Info("Created routing instance")
	// Existing routes may now be imported into the new table.
	s.renotifyLocked()
	return ri, nil
}

// UpdateInstance changes the route distinguisher and route targets of an
// instance and reevaluates replication.
func (s *Server) UpdateInstance(cfg InstanceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ri := s.instances[cfg.Name]
	if ri == nil {
		return errors.Errorf("routing instance %q not found", cfg.Name)
	}
	ri.setConfig(cfg)
	ri.log.WithFields(logrus.Fields{
		"rd":     ri.RD(),
		"import": ri.ImportTargets(),
		"export": ri.ExportTargets(),
	}).Info("Updated routing instance")
	s.renotifyLocked()
	return nil
}

// invariant: s.mu is locked
func (s *Server) renotifyLocked() {
	s.master.vpn.NotifyAll()
	for _, ri := range s.instances {
		ri.inet.NotifyAll()
	}
}

// Instance returns the named instance, or nil.
func (s *Server) Instance(name string) *RoutingInstance {
	if name == MasterInstance {
		return s.master
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[name]
}

// Instances returns the instances other than the master, ordered by name.
func (s *Server) Instances() []*RoutingInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	ris := make([]*RoutingInstance, 0, len(s.instances))
	for _, ri := range s.instances {
		ris = append(ris, ri)
	}
	slices.SortFunc(ris, func(a, b *RoutingInstance) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return ris
}

// OnInstanceDelete registers fn to run when deletion of an instance starts.
// Listeners on the instance's table must unregister from fn.
func (s *Server) OnInstanceDelete(fn func(*RoutingInstance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteHooks = append(s.deleteHooks, fn)
}

// DeleteInstance starts the deletion of an instance. Its paths are removed
// and replicas are withdrawn in the background; the table goes away once it
// is empty.
func (s *Server) DeleteInstance(name string) error {
	s.mu.Lock()
	ri := s.instances[name]
	if ri == nil {
		s.mu.Unlock()
		return errors.Errorf("routing instance %q not found", name)
	}
	delete(s.instances, name)
	hooks := slices.Clone(s.deleteHooks)
	s.mu.Unlock()

	ri.deleted.Store(true)
	ri.log.Info("Deleting routing instance")
	for _, fn := range hooks {
		fn(ri)
	}
	if !ri.deleter.Retain() {
		s.fatalf("routing instance %v was deleted twice", name)
	}
	ri.inet.WalkPartitions(func(p *db.Partition, e db.Entry) {
		r := e.(*Route)
		if r.removePrimaryPaths() != 0 {
			ri.inet.finish(p, r)
		}
	}, ri.pollEmpty)
	// Withdraw the replicas other tables placed in this one.
	s.mu.Lock()
	s.renotifyLocked()
	s.mu.Unlock()
	ri.deleter.RequestDelete()
	return nil
}

// pollEmpty releases the deletion reference once the table has no entries
// left. Replicas are withdrawn by tasks that may still be queued behind the
// caller, so emptiness is checked after a barrier and retried until it
// holds.
func (ri *RoutingInstance) pollEmpty() {
	ri.inet.WalkPartitions(func(*db.Partition, db.Entry) {}, func() {
		if ri.inet.Size() == 0 {
			ri.deleter.Release()
			return
		}
		t := ri.server.sched.NewTimer(ri.name+" delete", configTaskGroup, ri.index)
		t.Start(deletePollInterval, ri.pollEmpty)
	})
}

func (ri *RoutingInstance) destroy() {
	s := ri.server
	s.replicator.unregister(ri.inet)
	if err := s.db.RemoveTable(ri.inet.Name()); err != nil {
		ri.log.WithError(err).Warn("Failed to remove table")
	}
	s.instanceIDs.Free(ri.index)
	ri.log.Info("Destroyed routing instance")
}

// Destroyed reports whether the instance's table has been removed.
func (ri *RoutingInstance) Destroyed() bool {
	return ri.deleter != nil && ri.deleter.IsDestroyed()
}
