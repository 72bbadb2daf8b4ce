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

// Package bgpxmpp connects vrouter agents to the routing tables. Agents
// subscribe to routing instances, publish the routes of their virtual
// machines into them, and receive every other route of the instances they
// subscribe to.
package bgpxmpp

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/bgp"
	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/lifetime"
	"github.com/msiegen/controlnode/task"
	"github.com/msiegen/controlnode/xmpp"
)

// SenderGroup is the task group of the per-agent route senders.
const SenderGroup = "bgpxmpp::Sender"

// ErrNotSubscribed is returned for publishes to an instance the agent has
// not subscribed to.
var ErrNotSubscribed = errors.New("not subscribed")

// A Sender transmits messages to one agent. *xmpp.Connection implements it.
type Sender interface {
	Send(st xmpp.Stanza) error
}

// Stats is a snapshot of the channel's counters.
type Stats struct {
	Agents        int
	Subscriptions int
	Published     int
	Publishes     uint64
	Retracts      uint64
	NoInstance    uint64
	NotSubscribed uint64
	Malformed     uint64
	UpdatesSent   uint64
	RetractsSent  uint64
	SendErrors    uint64
}

// A Channel handles the route resource of agent sessions. Register it with
// an xmpp.Server for xmpp.RouteResource.
type Channel struct {
	srv     *bgp.Server
	sched   *task.Scheduler
	localID string
	log     *logrus.Entry

	mu     sync.Mutex
	agents map[string]*Agent

	publishes     atomic.Uint64
	retracts      atomic.Uint64
	noInstance    atomic.Uint64
	notSubscribed atomic.Uint64
	malformed     atomic.Uint64
	updatesSent   atomic.Uint64
	retractsSent  atomic.Uint64
	sendErrors    atomic.Uint64
}

// NewChannel returns a channel that feeds the instances of srv. localID is
// the from address of messages to agents.
func NewChannel(srv *bgp.Server, localID string, logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ch := &Channel{
		srv:     srv,
		sched:   srv.Scheduler(),
		localID: localID,
		log:     logger.WithField("component", "bgpxmpp"),
		agents:  map[string]*Agent{},
	}
	srv.OnInstanceDelete(ch.instanceDeleted)
	return ch
}

// instanceDeleted drops every subscription to ri. The instance removes the
// agents' paths itself.
func (ch *Channel) instanceDeleted(ri *bgp.RoutingInstance) {
	for _, a := range ch.Agents() {
		a.mu.Lock()
		s := a.subs[ri.Name()]
		delete(a.subs, ri.Name())
		a.mu.Unlock()
		if s == nil {
			continue
		}
		s.mu.Lock()
		id := s.id
		s.id = db.ListenerID(db.NoIndex)
		s.mu.Unlock()
		if id != db.ListenerID(db.NoIndex) {
			s.table.Unregister(id)
		}
		a.log.WithField("vrf", ri.Name()).Info("Routing instance deleted under subscription")
	}
}

// ConnectionUp implements xmpp.Handler.
func (ch *Channel) ConnectionUp(c *xmpp.Connection) {
	if _, err := ch.AddAgent(c.RemoteID(), c); err != nil {
		ch.log.WithError(err).WithField("agent", c.RemoteID()).Error("Failed to add agent")
	}
}

// ConnectionDown implements xmpp.Handler.
func (ch *Channel) ConnectionDown(c *xmpp.Connection) {
	ch.DeleteAgent(c.RemoteID())
}

// ReceiveStanza implements xmpp.Handler.
func (ch *Channel) ReceiveStanza(c *xmpp.Connection, st xmpp.Stanza) {
	ch.Receive(c.RemoteID(), st)
}

// AddAgent registers an agent as a peer.
func (ch *Channel) AddAgent(name string, out Sender) (*Agent, error) {
	ch.mu.Lock()
	old := ch.agents[name]
	ch.mu.Unlock()
	if old != nil {
		ch.log.WithField("agent", name).Warn("Replacing agent that did not disconnect")
		ch.DeleteAgent(name)
	}
	a := &Agent{
		name: name,
		ch:   ch,
		out:  out,
		log:  ch.log.WithField("agent", name),
		subs: map[string]*subscription{},
	}
	a.queue = newEventQueue(a)
	idx, err := ch.srv.RegisterPeer(a)
	if err != nil {
		return nil, errors.Wrapf(err, "register agent %q", name)
	}
	a.index = idx
	a.deleter = lifetime.NewDeleter(func() {
		ch.srv.UnregisterPeer(idx)
		a.log.Debug("Released peer index")
	})
	a.ready.Store(true)
	ch.mu.Lock()
	ch.agents[name] = a
	ch.mu.Unlock()
	a.log.WithField("index", idx).Info("Agent up")
	return a, nil
}

// DeleteAgent withdraws the agent's routes, drops its subscriptions, and
// frees its peer index once the routes are gone.
func (ch *Channel) DeleteAgent(name string) {
	ch.mu.Lock()
	a := ch.agents[name]
	delete(ch.agents, name)
	ch.mu.Unlock()
	if a == nil {
		return
	}
	a.ready.Store(false)
	a.queue.close()
	a.mu.Lock()
	subs := a.subs
	a.subs = map[string]*subscription{}
	a.mu.Unlock()
	for _, s := range subs {
		ch.unsubscribe(a, s)
	}
	a.deleter.RequestDelete()
	a.log.Info("Agent down")
}

// FindAgent returns the named agent, or nil.
func (ch *Channel) FindAgent(name string) *Agent {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.agents[name]
}

// Agents returns the connected agents ordered by name.
func (ch *Channel) Agents() []*Agent {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Agent, 0, len(ch.agents))
	for _, a := range ch.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Stats returns the channel's counters.
func (ch *Channel) Stats() Stats {
	st := Stats{
		Publishes:     ch.publishes.Load(),
		Retracts:      ch.retracts.Load(),
		NoInstance:    ch.noInstance.Load(),
		NotSubscribed: ch.notSubscribed.Load(),
		Malformed:     ch.malformed.Load(),
		UpdatesSent:   ch.updatesSent.Load(),
		RetractsSent:  ch.retractsSent.Load(),
		SendErrors:    ch.sendErrors.Load(),
	}
	for _, a := range ch.Agents() {
		st.Agents++
		a.mu.Lock()
		st.Subscriptions += len(a.subs)
		for _, s := range a.subs {
			s.mu.Lock()
			st.Published += len(s.published)
			s.mu.Unlock()
		}
		a.mu.Unlock()
	}
	return st
}

// Receive handles a stanza from the named agent.
func (ch *Channel) Receive(name string, st xmpp.Stanza) {
	log := ch.log.WithField("agent", name)
	a := ch.FindAgent(name)
	if a == nil {
		log.Warn("Dropping stanza from unknown agent")
		return
	}
	iq, ok := st.(*xmpp.Iq)
	if !ok || iq.PubSub == nil {
		ch.malformed.Add(1)
		log.WithField("stanza", xmpp.Describe(st)).Warn("Dropping stanza without pubsub")
		return
	}
	ps := iq.PubSub
	var err error
	switch {
	case ps.Subscribe != nil:
		err = ch.Subscribe(a, ps.Subscribe.Node)
	case ps.Unsubscribe != nil:
		err = ch.Unsubscribe(a, ps.Unsubscribe.Node)
	case ps.Publish != nil:
		err = ch.publish(a, ps.Publish)
	case ps.Retract != nil:
		err = ch.retract(a, ps.Retract)
	default:
		ch.malformed.Add(1)
		err = errors.New("empty pubsub")
	}
	if err != nil {
		log.WithError(err).Warn("Dropping pubsub request")
	}
}

// Subscribe starts exporting the routes of instance vrf to a.
func (ch *Channel) Subscribe(a *Agent, vrf string) error {
	ri := ch.srv.Instance(vrf)
	if ri == nil || ri.IsMaster() || ri.IsDeleted() {
		ch.noInstance.Add(1)
		return errors.Errorf("no routing instance %q", vrf)
	}
	a.mu.Lock()
	if _, ok := a.subs[vrf]; ok {
		a.mu.Unlock()
		return nil
	}
	s := &subscription{
		agent:     a,
		vrf:       vrf,
		table:     ri.Table(),
		id:        db.ListenerID(db.NoIndex),
		published: map[netip.Prefix]bool{},
	}
	a.subs[vrf] = s
	a.mu.Unlock()

	s.mu.Lock()
	s.id = s.table.Register("xmpp "+a.name, s.export)
	id := s.id
	s.mu.Unlock()
	s.table.NotifyListener(id)
	a.log.WithField("vrf", vrf).Debug("Subscribed")
	return nil
}

// Unsubscribe stops exporting vrf to a and withdraws a's routes from it.
func (ch *Channel) Unsubscribe(a *Agent, vrf string) error {
	a.mu.Lock()
	s := a.subs[vrf]
	delete(a.subs, vrf)
	a.mu.Unlock()
	if s == nil {
		ch.notSubscribed.Add(1)
		return errors.Wrapf(ErrNotSubscribed, "unsubscribe from %q", vrf)
	}
	ch.unsubscribe(a, s)
	return nil
}

func (ch *Channel) unsubscribe(a *Agent, s *subscription) {
	s.mu.Lock()
	id := s.id
	s.id = db.ListenerID(db.NoIndex)
	s.published = map[netip.Prefix]bool{}
	s.mu.Unlock()
	if id != db.ListenerID(db.NoIndex) {
		s.table.Unregister(id)
	}
	if a.deleter.Retain() {
		s.table.DeletePeerPaths(a.index, a.deleter.Release)
	}
}

func (ch *Channel) findSubscription(a *Agent, vrf string) *subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs[vrf]
}

func (ch *Channel) publish(a *Agent, pub *xmpp.Publish) error {
	s := ch.findSubscription(a, pub.Node)
	if s == nil {
		ch.notSubscribed.Add(1)
		return errors.Wrapf(ErrNotSubscribed, "publish to %q", pub.Node)
	}
	for _, it := range pub.Items {
		prefix, u, err := ch.parseItem(a, it)
		if err != nil {
			ch.malformed.Add(1)
			a.log.WithError(err).WithField("item", it.ID).Warn("Dropping malformed route")
			continue
		}
		ch.publishes.Add(1)
		s.mu.Lock()
		s.published[prefix] = true
		s.mu.Unlock()
		s.table.AddPath(bgp.RouteDistinguisher{}, prefix, u)
	}
	return nil
}

func (ch *Channel) parseItem(a *Agent, it xmpp.Item) (netip.Prefix, bgp.RouteUpdate, error) {
	e := it.Entry
	if e == nil {
		return netip.Prefix{}, bgp.RouteUpdate{}, errors.New("item without entry")
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(e.Prefix))
	if err != nil || !prefix.Addr().Is4() {
		return netip.Prefix{}, bgp.RouteUpdate{}, errors.Errorf("invalid prefix %q", e.Prefix)
	}
	nh, err := netip.ParseAddr(strings.TrimSpace(e.NextHop))
	if err != nil {
		return netip.Prefix{}, bgp.RouteUpdate{}, errors.Wrapf(err, "invalid next-hop %q", e.NextHop)
	}
	b := bgp.AttributesBuilder{Nexthop: nh}
	for _, s := range e.Communities {
		c, err := bgp.ParseCommunity(strings.TrimSpace(s))
		if err != nil {
			return netip.Prefix{}, bgp.RouteUpdate{}, err
		}
		if b.Communities == nil {
			b.Communities = map[bgp.Community]bool{}
		}
		b.Communities[c] = true
	}
	return prefix.Masked(), bgp.RouteUpdate{
		Peer:   a.index,
		Source: bgp.SourceXMPP,
		Attrs:  b.Build(),
		Label:  e.Label,
	}, nil
}

func (ch *Channel) retract(a *Agent, r *xmpp.Retract) error {
	s := ch.findSubscription(a, r.Node)
	if s == nil {
		ch.notSubscribed.Add(1)
		return errors.Wrapf(ErrNotSubscribed, "retract from %q", r.Node)
	}
	for _, it := range r.Items {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(it.ID))
		if err != nil {
			ch.malformed.Add(1)
			continue
		}
		prefix = prefix.Masked()
		ch.retracts.Add(1)
		s.mu.Lock()
		delete(s.published, prefix)
		s.mu.Unlock()
		s.table.DeletePath(bgp.RouteDistinguisher{}, prefix, a.index, bgp.SourceXMPP)
	}
	return nil
}
