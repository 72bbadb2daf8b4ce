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
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/xmpp"
)

// export runs in the graph task for every changed node and link. It brings
// the advertised bits in line with the interest bits, queueing an update or
// a delete for each client whose bit differs.
func (srv *Server) export(p *db.Partition, e db.Entry) {
	ent, ok := e.(entity)
	if !ok {
		return
	}
	interest, advertised := ent.bits()
	if ent.IsDeleted() {
		for i := advertised.FindFirst(); i != db.NoBit; i = advertised.FindNext(i) {
			if c := srv.clientAt(i); c != nil {
				c.sender.push(ent, false)
			}
		}
		advertised.Clear()
		interest.Clear()
		return
	}
	for _, i := range advertised.Elements() {
		if interest.Test(i) {
			continue
		}
		advertised.Reset(i)
		if c := srv.clientAt(i); c != nil {
			c.sender.push(ent, false)
		}
	}
	for _, i := range interest.Elements() {
		if advertised.Test(i) {
			continue
		}
		c := srv.clientAt(i)
		if c == nil {
			interest.Reset(i)
			continue
		}
		advertised.Set(i)
		c.sender.push(ent, true)
	}
}

// changed marks e as modified so that every interested client receives it
// again.
func (srv *Server) changed(e entity) {
	interest, advertised := e.bits()
	advertised.Difference(interest)
	srv.g.p.Notify(e)
}

// An item is one queued node or link for a client.
type item struct {
	update bool
	node   *xmpp.ConfigNode
	link   *xmpp.ConfigLink
}

func configNode(id NodeID, props map[string]string) xmpp.ConfigNode {
	cn := xmpp.ConfigNode{Type: id.Type, Name: id.Name}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cn.Properties = append(cn.Properties, xmpp.Property{Name: name, Value: props[name]})
	}
	return cn
}

// newItem snapshots e, since the sender runs outside the graph task.
func newItem(e entity, update bool) *item {
	it := &item{update: update}
	switch e := e.(type) {
	case *Node:
		var props map[string]string
		if update {
			props = e.props
		}
		cn := configNode(e.id, props)
		it.node = &cn
	case *Link:
		it.link = &xmpp.ConfigLink{
			Metadata: e.metadata,
			Nodes: []xmpp.ConfigNode{
				{Type: e.left.Type, Name: e.left.Name},
				{Type: e.right.Type, Name: e.right.Name},
			},
		}
	}
	return it
}

// An updateSender batches the items queued for one client into config
// messages. Items for the same object replace each other.
type updateSender struct {
	srv *Server
	c   *client
	log *logrus.Entry

	mu        sync.Mutex
	pending   map[string]*item
	order     []string
	scheduled bool
	closed    bool
}

func newUpdateSender(srv *Server, c *client) *updateSender {
	return &updateSender{
		srv:     srv,
		c:       c,
		log:     srv.log.WithField("client", c.name),
		pending: map[string]*item{},
	}
}

func (u *updateSender) push(e entity, update bool) {
	it := newItem(e, update)
	k := string(e.Key())
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	if _, ok := u.pending[k]; !ok {
		u.order = append(u.order, k)
	}
	u.pending[k] = it
	if !u.scheduled {
		u.scheduled = true
		u.srv.s.EnqueueFunc(SenderGroup, u.c.index, "ifmap send "+u.c.name, u.flush)
	}
}

func (u *updateSender) pop() []*item {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scheduled = false
	items := make([]*item, 0, len(u.order))
	for _, k := range u.order {
		items = append(items, u.pending[k])
	}
	clear(u.pending)
	u.order = u.order[:0]
	return items
}

// drain sends whatever is queued and stops the sender. Later pushes are
// dropped.
func (u *updateSender) drain() {
	items := u.pop()
	u.mu.Lock()
	u.closed = true
	clear(u.pending)
	u.order = nil
	u.mu.Unlock()
	u.send(items)
}

// Len returns the number of queued items.
func (u *updateSender) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.order)
}

// flush runs in the sender task of the client. Updates are sent nodes
// first so that links never reference unknown nodes; deletes are sent
// links first for the same reason.
func (u *updateSender) flush() {
	u.send(u.pop())
}

func (u *updateSender) send(items []*item) {
	var updNodes, delNodes []xmpp.ConfigNode
	var updLinks, delLinks []xmpp.ConfigLink
	for _, it := range items {
		switch {
		case it.node != nil && it.update:
			updNodes = append(updNodes, *it.node)
		case it.node != nil:
			delNodes = append(delNodes, *it.node)
		case it.update:
			updLinks = append(updLinks, *it.link)
		default:
			delLinks = append(delLinks, *it.link)
		}
	}
	var blocks []xmpp.Config
	max := u.srv.maxItems
	for _, b := range chunk(xmpp.ConfigBlock{Nodes: updNodes, Links: updLinks}, max, false) {
		blocks = append(blocks, xmpp.Config{Updates: []xmpp.ConfigBlock{b}})
	}
	for _, b := range chunk(xmpp.ConfigBlock{Nodes: delNodes, Links: delLinks}, max, true) {
		blocks = append(blocks, xmpp.Config{Deletes: []xmpp.ConfigBlock{b}})
	}
	for i := range blocks {
		msg := &xmpp.Message{
			From:   u.srv.localID,
			To:     u.c.name + "/" + xmpp.ConfigResource,
			Config: &blocks[i],
		}
		if err := u.c.out.Send(msg); err != nil {
			u.srv.sendErrors.Add(1)
			u.log.WithError(err).Warn("Failed to send config")
			continue
		}
		u.srv.messagesSent.Add(1)
		u.srv.itemsSent.Add(uint64(blockLen(&blocks[i])))
	}
}

func blockLen(cfg *xmpp.Config) int {
	n := 0
	for _, b := range cfg.Updates {
		n += len(b.Nodes) + len(b.Links)
	}
	for _, b := range cfg.Deletes {
		n += len(b.Nodes) + len(b.Links)
	}
	return n
}

// chunk splits b into blocks of at most max items. Nodes come first unless
// linksFirst is set.
func chunk(b xmpp.ConfigBlock, max int, linksFirst bool) []xmpp.ConfigBlock {
	var out []xmpp.ConfigBlock
	var cur xmpp.ConfigBlock
	n := 0
	emit := func() {
		if n > 0 {
			out = append(out, cur)
			cur = xmpp.ConfigBlock{}
			n = 0
		}
	}
	addNodes := func() {
		for _, node := range b.Nodes {
			cur.Nodes = append(cur.Nodes, node)
			if n++; n == max {
				emit()
			}
		}
	}
	addLinks := func() {
		for _, link := range b.Links {
			cur.Links = append(cur.Links, link)
			if n++; n == max {
				emit()
			}
		}
	}
	if linksFirst {
		addLinks()
		addNodes()
	} else {
		addNodes()
		addLinks()
	}
	emit()
	return out
}
