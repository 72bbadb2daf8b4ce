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

package bgpxmpp

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/bgp"
	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/lifetime"
	"github.com/msiegen/controlnode/xmpp"
)

// An Agent is a connected vrouter agent. It is a peer in the BGP server's
// registry, so its published routes carry its index.
type Agent struct {
	name    string
	ch      *Channel
	out     Sender
	index   int
	log     *logrus.Entry
	ready   atomic.Bool
	deleter *lifetime.Deleter

	mu   sync.Mutex
	subs map[string]*subscription

	queue *eventQueue
}

// Name implements bgp.RibPeer.
func (a *Agent) Name() string { return a.name }

// IsReady implements bgp.RibPeer.
func (a *Agent) IsReady() bool { return a.ready.Load() }

// Type implements bgp.RibPeer.
func (a *Agent) Type() bgp.PeerType { return bgp.PeerXMPP }

// ASN implements bgp.RibPeer. Agents are part of the local AS.
func (a *Agent) ASN() uint32 { return a.ch.srv.ASN() }

// Index returns the agent's index in the peer registry.
func (a *Agent) Index() int { return a.index }

// Subscriptions returns the names of the subscribed instances.
func (a *Agent) Subscriptions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.subs))
	for name := range a.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// A subscription exports one routing instance's table to an agent.
type subscription struct {
	agent *Agent
	vrf   string
	table *bgp.Table

	mu sync.Mutex
	id db.ListenerID
	// published is the set of prefixes the agent added to the table.
	published map[netip.Prefix]bool
}

func (s *subscription) listenerID() db.ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// advert is what was last sent for a route, kept as listener state.
type advert struct {
	nexthop     netip.Addr
	label       uint32
	communities string
}

func (a *advert) entry(prefix netip.Prefix) *xmpp.RouteEntry {
	e := &xmpp.RouteEntry{Prefix: prefix.String(), NextHop: a.nexthop.String(), Label: a.label}
	if a.communities != "" {
		e.Communities = strings.Split(a.communities, ",")
	}
	return e
}

func newAdvert(path *bgp.Path) *advert {
	attrs := path.Attributes()
	var cs []string
	for c, ok := range attrs.Communities() {
		if ok {
			cs = append(cs, c.String())
		}
	}
	sort.Strings(cs)
	return &advert{
		nexthop:     attrs.Nexthop(),
		label:       path.Label,
		communities: strings.Join(cs, ","),
	}
}

// export runs in the task of partition p. It sends the best path that the
// agent did not publish itself. NO_ADVERTISE only applies to BGP peers, so
// agents still receive paths that carry it.
func (s *subscription) export(p *db.Partition, e db.Entry) {
	r := e.(*bgp.Route)
	id := s.listenerID()
	if id == db.ListenerID(db.NoIndex) {
		return
	}
	var adv *advert
	if !r.IsDeleted() {
		for _, path := range r.Paths() {
			if !path.IsFeasible() {
				break
			}
			if path.Peer == s.agent.index {
				continue
			}
			adv = newAdvert(path)
			break
		}
	}
	old, _ := r.State(id).(*advert)
	if adv == nil {
		if old != nil {
			s.agent.queue.push(s.vrf, r.Prefix(), nil)
		}
		p.ClearState(r, id)
		return
	}
	if old != nil && *old == *adv {
		return
	}
	r.SetState(id, adv)
	s.agent.queue.push(s.vrf, r.Prefix(), adv.entry(r.Prefix()))
}

// eventQueue coalesces the route events for one agent. Events for the same
// route replace each other. Flushes run as tasks, one message per instance.
type eventQueue struct {
	a *Agent

	mu        sync.Mutex
	pending   map[eventKey]*xmpp.RouteEntry
	order     []eventKey
	scheduled bool
	closed    bool
}

type eventKey struct {
	vrf    string
	prefix netip.Prefix
}

func newEventQueue(a *Agent) *eventQueue {
	return &eventQueue{a: a, pending: map[eventKey]*xmpp.RouteEntry{}}
}

// push queues an update, or a retract if entry is nil.
func (q *eventQueue) push(vrf string, prefix netip.Prefix, entry *xmpp.RouteEntry) {
	k := eventKey{vrf, prefix}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.pending[k]; !ok {
		q.order = append(q.order, k)
	}
	q.pending[k] = entry
	if !q.scheduled {
		q.scheduled = true
		q.a.ch.sched.EnqueueFunc(SenderGroup, q.a.index, "xmpp route send "+q.a.name, q.flush)
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	clear(q.pending)
	q.order = nil
}

func (q *eventQueue) flush() {
	q.mu.Lock()
	q.scheduled = false
	byVRF := map[string]*xmpp.EventItems{}
	var vrfs []string
	for _, k := range q.order {
		items := byVRF[k.vrf]
		if items == nil {
			items = &xmpp.EventItems{Node: k.vrf}
			byVRF[k.vrf] = items
			vrfs = append(vrfs, k.vrf)
		}
		if e := q.pending[k]; e != nil {
			items.Items = append(items.Items, xmpp.Item{ID: e.Prefix, Entry: e})
		} else {
			items.Retracts = append(items.Retracts, xmpp.RetractItem{ID: k.prefix.String()})
		}
	}
	clear(q.pending)
	q.order = q.order[:0]
	q.mu.Unlock()

	ch := q.a.ch
	for _, vrf := range vrfs {
		items := byVRF[vrf]
		msg := &xmpp.Message{
			Type:  "headline",
			From:  ch.localID,
			To:    q.a.name + "/" + xmpp.RouteResource,
			Event: &xmpp.PubSubEvent{Items: *items},
		}
		if err := q.a.out.Send(msg); err != nil {
			ch.sendErrors.Add(1)
			q.a.log.WithError(err).Warn("Failed to send routes")
			continue
		}
		ch.updatesSent.Add(uint64(len(items.Items)))
		ch.retractsSent.Add(uint64(len(items.Retracts)))
	}
}
