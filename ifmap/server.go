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

// Package ifmap keeps the configuration graph that agents download. Agents
// subscribe to their virtual-router and to the virtual machines they host;
// the graph reachable from those roots is streamed to them as incremental
// node and link updates, tracked per agent with interest and advertised
// bitsets.
package ifmap

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/task"
	"github.com/msiegen/controlnode/xmpp"
)

// TableName is the name of the graph table.
const TableName = "__ifmap__.0"

// SenderGroup is the task group of the per-client update senders.
const SenderGroup = "ifmap::UpdateSender"

// vrVMMetadata is the metadata of the link that places a virtual machine on
// a virtual router.
const vrVMMetadata = "virtual-router-virtual-machine"

// A Sender transmits config messages to one agent. *xmpp.Connection
// implements it.
type Sender interface {
	Send(st xmpp.Stanza) error
}

// Options configures a Server.
type Options struct {
	// LocalID is the from address of messages to agents.
	LocalID string
	// Traversal lists, per node type, the neighbor types that the interest
	// walk continues into. If nil, DefaultTraversal is used.
	Traversal map[string][]string
	// MaxItems bounds the nodes and links in one message. If zero, 64.
	MaxItems int
	Logger   *logrus.Logger
}

// Stats is a snapshot of the server's counters.
type Stats struct {
	Clients            int
	Nodes              int
	PendingVMs         int
	VrSubscribes       uint64
	VmSubscribes       uint64
	Unsubscribes       uint64
	DuplicateSubscribe uint64
	NoPriorSubscribe   uint64
	NoVrSubscribe      uint64
	Malformed          uint64
	MessagesSent       uint64
	ItemsSent          uint64
	SendErrors         uint64
}

// client is the subscription state of one agent. It is only touched from
// the graph task.
type client struct {
	name  string
	index int
	out   Sender
	vr    string
	// vms maps the subscribed VM UUIDs to whether the VM exists.
	vms      map[string]bool
	interest map[entity]bool
	sender   *updateSender
}

// A Server maintains the config graph and the subscriptions of agents.
type Server struct {
	s         *task.Scheduler
	log       *logrus.Entry
	localID   string
	traversal map[string]map[string]bool
	maxItems  int
	g         *Graph

	mu      sync.Mutex
	clients map[string]*client
	byIndex map[int]*client
	// pending maps VM UUIDs that don't exist yet to the clients waiting
	// for them.
	pending map[string]map[string]bool

	vrSubscribes       atomic.Uint64
	vmSubscribes       atomic.Uint64
	unsubscribes       atomic.Uint64
	duplicateSubscribe atomic.Uint64
	noPriorSubscribe   atomic.Uint64
	noVrSubscribe      atomic.Uint64
	malformed          atomic.Uint64
	messagesSent       atomic.Uint64
	itemsSent          atomic.Uint64
	sendErrors         atomic.Uint64
}

// NewServer creates the graph table in d.
func NewServer(d *db.DB, opts Options) (*Server, error) {
	l := opts.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	traversal := opts.Traversal
	if traversal == nil {
		traversal = DefaultTraversal
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 64
	}
	srv := &Server{
		s:         d.Scheduler(),
		log:       l.WithField("component", "ifmap"),
		localID:   opts.LocalID,
		traversal: map[string]map[string]bool{},
		maxItems:  maxItems,
		clients:   map[string]*client{},
		byIndex:   map[int]*client{},
		pending:   map[string]map[string]bool{},
	}
	for from, tos := range traversal {
		srv.traversal[from] = map[string]bool{}
		for _, to := range tos {
			srv.traversal[from][to] = true
		}
	}
	t, err := d.CreateTable(TableName, db.TableOptions{
		Partitions: 1,
		Input:      srv.input,
		Logger:     l,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create ifmap table")
	}
	srv.g = &Graph{t: t, p: t.Partition(0)}
	t.Register("ifmap-exporter", srv.export)
	return srv, nil
}

// A request is a change to the graph or to the subscriptions. It is applied
// in the graph task.
type request interface {
	apply(srv *Server)
}

func (srv *Server) input(p *db.Partition, req *db.Request) {
	r, ok := req.Data.(request)
	if !ok {
		srv.log.WithField("op", req.Op).Warn("Dropping request of unknown type")
		return
	}
	r.apply(srv)
}

func (srv *Server) enqueue(op db.Op, key string, r request) {
	if !srv.g.t.Enqueue(&db.Request{Op: op, Key: []byte(key), Data: r}) {
		srv.log.WithField("key", key).Warn("Graph table is closed")
	}
}

// Query runs fn in the graph task and waits for it to finish.
func (srv *Server) Query(ctx context.Context, fn func(g *Graph)) error {
	done := make(chan struct{})
	srv.enqueue(db.AddChange, "query", queryRequest(func(srv *Server) {
		defer close(done)
		fn(srv.g)
	}))
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queryRequest func(srv *Server)

func (q queryRequest) apply(srv *Server) { q(srv) }

// Table returns the graph table.
func (srv *Server) Table() *db.Table { return srv.g.t }

// Stats returns the server's counters.
func (srv *Server) Stats() Stats {
	srv.mu.Lock()
	clients, pending := len(srv.clients), len(srv.pending)
	srv.mu.Unlock()
	return Stats{
		Clients:            clients,
		Nodes:              srv.g.t.Size(),
		PendingVMs:         pending,
		VrSubscribes:       srv.vrSubscribes.Load(),
		VmSubscribes:       srv.vmSubscribes.Load(),
		Unsubscribes:       srv.unsubscribes.Load(),
		DuplicateSubscribe: srv.duplicateSubscribe.Load(),
		NoPriorSubscribe:   srv.noPriorSubscribe.Load(),
		NoVrSubscribe:      srv.noVrSubscribe.Load(),
		Malformed:          srv.malformed.Load(),
		MessagesSent:       srv.messagesSent.Load(),
		ItemsSent:          srv.itemsSent.Load(),
		SendErrors:         srv.sendErrors.Load(),
	}
}

// PendingVMs returns the UUIDs of subscribed VMs that don't exist yet.
func (srv *Server) PendingVMs() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var out []string
	for vm := range srv.pending {
		out = append(out, vm)
	}
	sort.Strings(out)
	return out
}

// Clients returns the names of the connected agents.
func (srv *Server) Clients() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var out []string
	for name := range srv.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (srv *Server) findClient(name string) *client {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.clients[name]
}

func (srv *Server) clientAt(index int) *client {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.byIndex[index]
}

// AddClient registers an agent. index identifies the agent in the graph's
// bitsets and must be unique among connected agents.
func (srv *Server) AddClient(name string, index int, out Sender) {
	srv.enqueue(db.AddChange, "client/"+name, addClient{name, index, out})
}

// DeleteClient forgets an agent: its subscriptions are dropped and its bits
// are cleared from every node and link.
func (srv *Server) DeleteClient(name string) {
	srv.enqueue(db.Delete, "client/"+name, deleteClient{name})
}

// VrSubscribe subscribes an agent to its virtual router.
func (srv *Server) VrSubscribe(name, vr string) {
	srv.enqueue(db.AddChange, "client/"+name, vrSubscribe{name, vr})
}

// VrUnsubscribe drops an agent's virtual router subscription, and with it
// every VM subscription.
func (srv *Server) VrUnsubscribe(name, vr string) {
	srv.enqueue(db.Delete, "client/"+name, vrUnsubscribe{name, vr})
}

// VmSubscribe subscribes an agent to a virtual machine by UUID.
func (srv *Server) VmSubscribe(name, vm string) {
	srv.enqueue(db.AddChange, "client/"+name, vmSubscribe{name, vm})
}

// VmUnsubscribe drops an agent's subscription to a virtual machine.
func (srv *Server) VmUnsubscribe(name, vm string) {
	srv.enqueue(db.Delete, "client/"+name, vmUnsubscribe{name, vm})
}

type addClient struct {
	name  string
	index int
	out   Sender
}

func (r addClient) apply(srv *Server) {
	if old := srv.findClient(r.name); old != nil {
		srv.log.WithField("client", r.name).Warn("Replacing client that did not disconnect")
		srv.removeClient(old)
	}
	if other := srv.clientAt(r.index); other != nil {
		srv.log.WithFields(logrus.Fields{"client": r.name, "other": other.name, "index": r.index}).Error("Client index in use")
		return
	}
	c := &client{
		name:     r.name,
		index:    r.index,
		out:      r.out,
		vms:      map[string]bool{},
		interest: map[entity]bool{},
	}
	c.sender = newUpdateSender(srv, c)
	srv.mu.Lock()
	srv.clients[c.name] = c
	srv.byIndex[c.index] = c
	srv.mu.Unlock()
	srv.log.WithFields(logrus.Fields{"client": c.name, "index": c.index}).Info("Added client")
}

type deleteClient struct{ name string }

func (r deleteClient) apply(srv *Server) {
	c := srv.findClient(r.name)
	if c == nil {
		return
	}
	srv.removeClient(c)
	srv.log.WithField("client", c.name).Info("Deleted client")
}

// removeClient sends what is already queued for c, drops its subscriptions
// without sending anything more, then clears its bits across the whole
// graph.
func (srv *Server) removeClient(c *client) {
	srv.mu.Lock()
	delete(srv.clients, c.name)
	delete(srv.byIndex, c.index)
	srv.mu.Unlock()
	c.sender.drain()
	srv.dropSubscriptions(c)
	srv.g.p.Walk(func(e db.Entry) bool {
		interest, advertised := e.(entity).bits()
		interest.Reset(c.index)
		advertised.Reset(c.index)
		return true
	})
	c.interest = map[entity]bool{}
	srv.updateAllInterest()
}

// dropSubscriptions releases the vr and VM references held by c.
func (srv *Server) dropSubscriptions(c *client) {
	if c.vr == "" {
		return
	}
	vrID := NodeID{TypeVirtualRouter, c.vr}
	for vm := range c.vms {
		srv.releaseVM(c, vrID, vm)
	}
	if n := srv.g.FindNode(vrID); n != nil {
		n.xmppRefs--
		srv.g.maybeDeleteNode(n)
	}
	c.vr = ""
}

// releaseVM drops one VM subscription of c.
func (srv *Server) releaseVM(c *client, vrID NodeID, vm string) {
	resolved := c.vms[vm]
	delete(c.vms, vm)
	if !resolved {
		srv.mu.Lock()
		if waiting := srv.pending[vm]; waiting != nil {
			delete(waiting, c.name)
			if len(waiting) == 0 {
				delete(srv.pending, vm)
			}
		}
		srv.mu.Unlock()
		return
	}
	if l := srv.g.FindLink(vrID, NodeID{TypeVirtualMachine, vm}, vrVMMetadata); l != nil {
		l.xmppRefs--
		if !srv.g.maybeDeleteLink(l) {
			srv.g.p.Notify(l)
		}
	}
}

type vrSubscribe struct{ name, vr string }

func (r vrSubscribe) apply(srv *Server) {
	log := srv.log.WithFields(logrus.Fields{"client": r.name, "vr": r.vr})
	c := srv.findClient(r.name)
	if c == nil {
		log.Warn("Subscribe from unknown client")
		return
	}
	if c.vr != "" {
		srv.duplicateSubscribe.Add(1)
		if c.vr != r.vr {
			log.WithField("subscribed", c.vr).Warn("Client is subscribed to another virtual router")
		}
		return
	}
	srv.vrSubscribes.Add(1)
	n := srv.g.locateNode(NodeID{TypeVirtualRouter, r.vr})
	n.xmppRefs++
	c.vr = r.vr
	log.Debug("Virtual router subscribe")
	srv.updateInterest(c)
}

type vrUnsubscribe struct{ name, vr string }

func (r vrUnsubscribe) apply(srv *Server) {
	c := srv.findClient(r.name)
	if c == nil || c.vr != r.vr {
		srv.noPriorSubscribe.Add(1)
		return
	}
	srv.unsubscribes.Add(1)
	srv.dropSubscriptions(c)
	srv.updateAllInterest()
}

type vmSubscribe struct{ name, vm string }

func (r vmSubscribe) apply(srv *Server) {
	log := srv.log.WithFields(logrus.Fields{"client": r.name, "vm": r.vm})
	vm, ok := canonicalUUID(r.vm)
	if !ok {
		srv.malformed.Add(1)
		log.Warn("Subscribe to a virtual machine that is not a UUID")
		return
	}
	c := srv.findClient(r.name)
	if c == nil || c.vr == "" {
		srv.noVrSubscribe.Add(1)
		log.Warn("Virtual machine subscribe without a virtual router subscribe")
		return
	}
	if _, ok := c.vms[vm]; ok {
		srv.duplicateSubscribe.Add(1)
		return
	}
	srv.vmSubscribes.Add(1)
	if srv.g.FindNode(NodeID{TypeVirtualMachine, vm}) == nil {
		c.vms[vm] = false
		srv.mu.Lock()
		if srv.pending[vm] == nil {
			srv.pending[vm] = map[string]bool{}
		}
		srv.pending[vm][c.name] = true
		srv.mu.Unlock()
		log.Debug("Virtual machine subscribe is pending")
		return
	}
	srv.attachVM(c, vm)
	srv.updateInterest(c)
}

// attachVM links a subscribed VM to c's virtual router.
func (srv *Server) attachVM(c *client, vm string) {
	c.vms[vm] = true
	l := srv.g.locateLink(NodeID{TypeVirtualRouter, c.vr}, NodeID{TypeVirtualMachine, vm}, vrVMMetadata)
	l.xmppRefs++
}

type vmUnsubscribe struct{ name, vm string }

func (r vmUnsubscribe) apply(srv *Server) {
	vm, ok := canonicalUUID(r.vm)
	if !ok {
		srv.malformed.Add(1)
		return
	}
	c := srv.findClient(r.name)
	if c == nil {
		srv.noPriorSubscribe.Add(1)
		return
	}
	if _, ok := c.vms[vm]; !ok {
		srv.noPriorSubscribe.Add(1)
		return
	}
	srv.unsubscribes.Add(1)
	srv.releaseVM(c, NodeID{TypeVirtualRouter, c.vr}, vm)
	srv.updateAllInterest()
}

// resolvePending attaches a VM that just appeared to the clients waiting
// for it.
func (srv *Server) resolvePending(vm string) {
	srv.mu.Lock()
	waiting := srv.pending[vm]
	delete(srv.pending, vm)
	srv.mu.Unlock()
	names := make([]string, 0, len(waiting))
	for name := range waiting {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if c := srv.findClient(name); c != nil && c.vr != "" {
			srv.attachVM(c, vm)
			srv.log.WithFields(logrus.Fields{"client": name, "vm": vm}).Debug("Resolved pending virtual machine subscribe")
		}
	}
}

// unresolveVM returns the subscriptions to a VM that is going away to the
// pending map, so they resolve again if it comes back.
func (srv *Server) unresolveVM(vm string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, c := range srv.clients {
		if resolved, ok := c.vms[vm]; ok && resolved {
			c.vms[vm] = false
			if srv.pending[vm] == nil {
				srv.pending[vm] = map[string]bool{}
			}
			srv.pending[vm][c.name] = true
		}
	}
}

// HasClientState reports whether any node or link still carries a bit for
// client index i. It walks the whole graph.
func (srv *Server) HasClientState(ctx context.Context, i int) (bool, error) {
	found := false
	err := srv.Query(ctx, func(g *Graph) {
		g.p.Walk(func(e db.Entry) bool {
			interest, advertised := e.(entity).bits()
			if interest.Test(i) || advertised.Test(i) {
				found = true
				return false
			}
			return true
		})
	})
	return found, err
}
