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
	"maps"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/msiegen/controlnode/db"
)

// Node types with special meaning to subscriptions.
const (
	TypeVirtualRouter  = "virtual-router"
	TypeVirtualMachine = "virtual-machine"
)

// An Origin records who wants an object in the graph.
type Origin uint8

const (
	// OriginMapServer objects come from configuration.
	OriginMapServer Origin = 1 << iota
	// OriginXmpp objects exist because an agent subscribed to them.
	OriginXmpp
)

func (o Origin) String() string {
	var parts []string
	if o&OriginMapServer != 0 {
		parts = append(parts, "map-server")
	}
	if o&OriginXmpp != 0 {
		parts = append(parts, "xmpp")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// A NodeID names a config object.
type NodeID struct {
	Type string
	Name string
}

// ParseNodeID parses "type:name".
func ParseNodeID(s string) (NodeID, error) {
	typ, name, ok := strings.Cut(s, ":")
	if !ok || typ == "" || name == "" {
		return NodeID{}, errors.Errorf("node id is not type:name: %q", s)
	}
	return NodeID{Type: typ, Name: name}, nil
}

func (id NodeID) String() string { return id.Type + ":" + id.Name }

func (id NodeID) key() []byte { return []byte("node/" + id.String()) }

// An entity is a Node or a Link. Both carry per-client interest and
// advertised bits indexed by the client's endpoint index.
type entity interface {
	db.Entry
	IsDeleted() bool
	origins() Origin
	bits() (interest, advertised *db.BitSet)
}

// A Node is a config object in the graph.
type Node struct {
	db.EntryBase

	id         NodeID
	mapServer  bool
	xmppRefs   int
	props      map[string]string
	links      map[string]*Link
	interest   db.BitSet
	advertised db.BitSet
}

func newNode(id NodeID) *Node {
	return &Node{id: id, links: map[string]*Link{}}
}

// Key implements db.Entry.
func (n *Node) Key() []byte { return n.id.key() }

// ID returns the node's type and name.
func (n *Node) ID() NodeID { return n.id }

// Origin returns the sources that keep the node alive.
func (n *Node) Origin() Origin { return n.origins() }

func (n *Node) origins() Origin {
	var o Origin
	if n.mapServer {
		o |= OriginMapServer
	}
	if n.xmppRefs > 0 {
		o |= OriginXmpp
	}
	return o
}

func (n *Node) bits() (*db.BitSet, *db.BitSet) { return &n.interest, &n.advertised }

// Properties returns a copy of the node's properties.
func (n *Node) Properties() map[string]string { return maps.Clone(n.props) }

// Interested reports whether client index i wants the node.
func (n *Node) Interested(i int) bool { return n.interest.Test(i) }

// Advertised reports whether the node's current state was sent to client
// index i.
func (n *Node) Advertised(i int) bool { return n.advertised.Test(i) }

// Links returns the node's links ordered by key.
func (n *Node) Links() []*Link {
	ls := make([]*Link, 0, len(n.links))
	for _, l := range n.links {
		ls = append(ls, l)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].keyString() < ls[j].keyString() })
	return ls
}

// setProps replaces the properties and reports whether they changed.
func (n *Node) setProps(props map[string]string) bool {
	if maps.Equal(n.props, props) {
		return false
	}
	n.props = maps.Clone(props)
	return true
}

// A Link connects two nodes. Links are undirected; the endpoints are stored
// in a canonical order.
type Link struct {
	db.EntryBase

	left, right NodeID
	metadata    string
	mapServer   bool
	xmppRefs    int
	interest    db.BitSet
	advertised  db.BitSet
}

func linkKey(a, b NodeID, metadata string) []byte {
	if b.String() < a.String() {
		a, b = b, a
	}
	return []byte("link/" + a.String() + "," + b.String() + "," + metadata)
}

func newLink(a, b NodeID, metadata string) *Link {
	if b.String() < a.String() {
		a, b = b, a
	}
	return &Link{left: a, right: b, metadata: metadata}
}

// Key implements db.Entry.
func (l *Link) Key() []byte { return linkKey(l.left, l.right, l.metadata) }

func (l *Link) keyString() string { return string(l.Key()) }

// Ends returns the two nodes the link connects.
func (l *Link) Ends() (NodeID, NodeID) { return l.left, l.right }

// Metadata returns the link's metadata name.
func (l *Link) Metadata() string { return l.metadata }

// Origin returns the sources that keep the link alive.
func (l *Link) Origin() Origin { return l.origins() }

func (l *Link) origins() Origin {
	var o Origin
	if l.mapServer {
		o |= OriginMapServer
	}
	if l.xmppRefs > 0 {
		o |= OriginXmpp
	}
	return o
}

func (l *Link) bits() (*db.BitSet, *db.BitSet) { return &l.interest, &l.advertised }

// Interested reports whether client index i wants the link.
func (l *Link) Interested(i int) bool { return l.interest.Test(i) }

// Advertised reports whether the link was sent to client index i.
func (l *Link) Advertised(i int) bool { return l.advertised.Test(i) }

// other returns the end of l that is not id.
func (l *Link) other(id NodeID) NodeID {
	if l.left == id {
		return l.right
	}
	return l.left
}

// A Graph holds the config nodes and links in a table with a single
// partition, so that walks see a consistent graph. Its methods must run in
// that partition's task; see Server.Query.
type Graph struct {
	t *db.Table
	p *db.Partition
}

// FindNode returns the live node id, or nil.
func (g *Graph) FindNode(id NodeID) *Node {
	e := g.p.Find(id.key())
	if e == nil {
		return nil
	}
	n := e.(*Node)
	if n.IsDeleted() {
		return nil
	}
	return n
}

// locateNode returns the live node for id, creating or reviving it.
func (g *Graph) locateNode(id NodeID) *Node {
	if e := g.p.Find(id.key()); e != nil {
		n := e.(*Node)
		if n.IsDeleted() {
			g.p.Revive(n)
		}
		return n
	}
	n := newNode(id)
	g.p.Insert(n)
	return n
}

// FindLink returns the live link between a and b, or nil.
func (g *Graph) FindLink(a, b NodeID, metadata string) *Link {
	e := g.p.Find(linkKey(a, b, metadata))
	if e == nil {
		return nil
	}
	l := e.(*Link)
	if l.IsDeleted() {
		return nil
	}
	return l
}

// locateLink returns the live link between a and b, creating it and the
// adjacency on both nodes. Both nodes must exist.
func (g *Graph) locateLink(a, b NodeID, metadata string) *Link {
	var l *Link
	if e := g.p.Find(linkKey(a, b, metadata)); e != nil {
		l = e.(*Link)
		if l.IsDeleted() {
			g.p.Revive(l)
		}
	} else {
		l = newLink(a, b, metadata)
		g.p.Insert(l)
	}
	k := l.keyString()
	g.locateNode(a).links[k] = l
	g.locateNode(b).links[k] = l
	return l
}

// maybeDeleteLink deletes l if nothing keeps it alive.
func (g *Graph) maybeDeleteLink(l *Link) bool {
	if l.origins() != 0 {
		return false
	}
	k := l.keyString()
	for _, id := range []NodeID{l.left, l.right} {
		if n := g.FindNode(id); n != nil {
			delete(n.links, k)
			g.maybeDeleteNode(n)
		}
	}
	g.p.Delete(l)
	return true
}

// maybeDeleteNode deletes n if nothing keeps it alive. Its links go with it.
func (g *Graph) maybeDeleteNode(n *Node) bool {
	if n.origins() != 0 || n.IsDeleted() {
		return false
	}
	g.p.Delete(n)
	for k, l := range n.links {
		delete(n.links, k)
		l.mapServer = false
		l.xmppRefs = 0
		if other := g.FindNode(l.other(n.id)); other != nil {
			delete(other.links, k)
			g.maybeDeleteNode(other)
		}
		g.p.Delete(l)
	}
	return true
}

// Nodes returns the live nodes ordered by id.
func (g *Graph) Nodes() []*Node {
	var ns []*Node
	g.walk(func(e entity) {
		if n, ok := e.(*Node); ok {
			ns = append(ns, n)
		}
	})
	return ns
}

// LinkCount returns the number of live links.
func (g *Graph) LinkCount() int {
	n := 0
	g.walk(func(e entity) {
		if _, ok := e.(*Link); ok {
			n++
		}
	})
	return n
}

// walk calls fn for every live node and link in key order.
func (g *Graph) walk(fn func(e entity)) {
	g.p.Walk(func(e db.Entry) bool {
		if ent := e.(entity); !ent.IsDeleted() {
			fn(ent)
		}
		return true
	})
}
