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
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/msiegen/controlnode/db"
)

// An advert is what was last announced to a peer for one route.
type advert struct {
	attrs Attributes
	label uint32
}

// An update is a pending announcement, or a withdraw if adv is nil.
type update struct {
	prefix netip.Prefix
	rd     RouteDistinguisher
	adv    *advert
}

// sendQueue holds the updates waiting to be written to a session. Updates
// for the same route replace each other, so a slow peer only ever receives
// the latest state.
type sendQueue struct {
	mu      sync.Mutex
	pending map[string]*update
	order   []string
	signal  chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		pending: map[string]*update{},
		signal:  make(chan struct{}, 1),
	}
}

func (q *sendQueue) push(key []byte, u *update) {
	q.mu.Lock()
	k := string(key)
	if _, ok := q.pending[k]; !ok {
		q.order = append(q.order, k)
	}
	q.pending[k] = u
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes and returns every pending update in arrival order.
func (q *sendQueue) pop() []*update {
	q.mu.Lock()
	defer q.mu.Unlock()
	us := make([]*update, 0, len(q.order))
	for _, k := range q.order {
		us = append(us, q.pending[k])
	}
	clear(q.pending)
	q.order = q.order[:0]
	return us
}

// Len returns the number of pending updates.
func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// A RibOut exports the VPN table to one BGP session. It remembers what was
// announced for each route as listener state.
type RibOut struct {
	peer  *Peer
	table *Table
	queue *sendQueue

	mu sync.Mutex
	id db.ListenerID

	announced atomic.Uint64
	withdrawn atomic.Uint64
}

func newRibOut(p *Peer, t *Table, q *sendQueue) *RibOut {
	return &RibOut{peer: p, table: t, queue: q, id: db.ListenerID(db.NoIndex)}
}

// start registers the listener and walks the table to send the initial
// state.
func (o *RibOut) start() {
	o.mu.Lock()
	o.id = o.table.Register("ribout "+o.peer.Name(), o.export)
	id := o.id
	o.mu.Unlock()
	o.table.NotifyListener(id)
}

// stop unregisters the listener, which clears its state from every route.
func (o *RibOut) stop() {
	o.mu.Lock()
	id := o.id
	o.id = db.ListenerID(db.NoIndex)
	o.mu.Unlock()
	if id != db.ListenerID(db.NoIndex) {
		o.table.Unregister(id)
	}
}

func (o *RibOut) listenerID() db.ListenerID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.id
}

// export runs in the task of partition p.
func (o *RibOut) export(p *db.Partition, e db.Entry) {
	r := e.(*Route)
	id := o.listenerID()
	if id == db.ListenerID(db.NoIndex) {
		return
	}
	var adv *advert
	if !r.IsDeleted() {
		if best := r.BestPath(); best != nil {
			if attrs, ok := o.peer.exportAttributes(best); ok {
				adv = &advert{attrs: attrs, label: best.Label}
			}
		}
	}
	old, _ := r.State(id).(*advert)
	if adv == nil {
		if old != nil {
			o.queue.push(r.Key(), &update{prefix: r.Prefix(), rd: r.RD()})
			o.withdrawn.Add(1)
		}
		p.ClearState(r, id)
		return
	}
	if old != nil && *old == *adv {
		return
	}
	r.SetState(id, adv)
	o.queue.push(r.Key(), &update{prefix: r.Prefix(), rd: r.RD(), adv: adv})
	o.announced.Add(1)
}
