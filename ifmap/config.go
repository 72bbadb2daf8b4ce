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
	"encoding/xml"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
)

// NodeConfig is a configured node.
type NodeConfig struct {
	ID         NodeID
	Properties map[string]string
}

// LinkConfig is a configured link.
type LinkConfig struct {
	Left, Right NodeID
	Metadata    string
}

// Config is the graph part of a configuration blob.
type Config struct {
	Nodes []NodeConfig
	Links []LinkConfig
}

type xmlConfig struct {
	XMLName   xml.Name      `xml:"config"`
	Routers   []xmlNode     `xml:"virtual-router"`
	Machines  []xmlMachine  `xml:"virtual-machine"`
	Nodes     []xmlNode     `xml:"node"`
	Links     []xmlLink     `xml:"link"`
	Instances []xmlInstance `xml:"routing-instance"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlNode struct {
	Type       string        `xml:"type,attr"`
	Name       string        `xml:"name,attr"`
	Properties []xmlProperty `xml:"property"`
}

type xmlMachine struct {
	UUID          string        `xml:"uuid,attr"`
	VirtualRouter string        `xml:"virtual-router,attr"`
	Properties    []xmlProperty `xml:"property"`
}

type xmlLink struct {
	Left     string `xml:"left,attr"`
	Right    string `xml:"right,attr"`
	Metadata string `xml:"metadata,attr"`
}

type xmlInstance struct {
	Name       string   `xml:"name,attr"`
	VRFTargets []string `xml:"vrf-target"`
}

func properties(xps []xmlProperty) (map[string]string, error) {
	if len(xps) == 0 {
		return nil, nil
	}
	props := map[string]string{}
	for _, xp := range xps {
		if xp.Name == "" {
			return nil, errors.New("property without a name")
		}
		props[xp.Name] = strings.TrimSpace(xp.Value)
	}
	return props, nil
}

// ParseConfig reads the virtual-router, virtual-machine, node, link, and
// routing-instance elements of a configuration blob. A virtual-machine with
// a virtual-router attribute is linked to that router. Other elements are
// ignored.
func ParseConfig(data []byte) (*Config, error) {
	var x xmlConfig
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg := &Config{}
	declared := map[NodeID]bool{}
	declareNode := func(id NodeID, xps []xmlProperty) error {
		if id.Type == "" || id.Name == "" {
			return errors.Errorf("node %q has no type or name", id)
		}
		if declared[id] {
			return errors.Errorf("duplicate node %v", id)
		}
		props, err := properties(xps)
		if err != nil {
			return errors.Wrapf(err, "node %v", id)
		}
		declared[id] = true
		cfg.Nodes = append(cfg.Nodes, NodeConfig{ID: id, Properties: props})
		return nil
	}
	for _, xr := range x.Routers {
		if err := declareNode(NodeID{TypeVirtualRouter, strings.TrimSpace(xr.Name)}, xr.Properties); err != nil {
			return nil, err
		}
	}
	for _, xn := range x.Nodes {
		if err := declareNode(NodeID{strings.TrimSpace(xn.Type), strings.TrimSpace(xn.Name)}, xn.Properties); err != nil {
			return nil, err
		}
	}
	for _, xi := range x.Instances {
		var xps []xmlProperty
		if len(xi.VRFTargets) > 0 {
			xps = []xmlProperty{{Name: "vrf-target", Value: strings.Join(xi.VRFTargets, ",")}}
		}
		if err := declareNode(NodeID{"routing-instance", strings.TrimSpace(xi.Name)}, xps); err != nil {
			return nil, err
		}
	}
	links := map[string]bool{}
	declareLink := func(l LinkConfig) error {
		for _, id := range []NodeID{l.Left, l.Right} {
			if !declared[id] {
				return errors.Errorf("link %v-%v references undeclared node %v", l.Left, l.Right, id)
			}
		}
		k := string(linkKey(l.Left, l.Right, l.Metadata))
		if links[k] {
			return errors.Errorf("duplicate link %v-%v %s", l.Left, l.Right, l.Metadata)
		}
		links[k] = true
		cfg.Links = append(cfg.Links, l)
		return nil
	}
	for _, xm := range x.Machines {
		vm, ok := canonicalUUID(xm.UUID)
		if !ok {
			return nil, errors.Errorf("virtual-machine uuid %q is malformed", xm.UUID)
		}
		id := NodeID{TypeVirtualMachine, vm}
		if err := declareNode(id, xm.Properties); err != nil {
			return nil, err
		}
		if vr := strings.TrimSpace(xm.VirtualRouter); vr != "" {
			l := LinkConfig{Left: NodeID{TypeVirtualRouter, vr}, Right: id, Metadata: vrVMMetadata}
			if err := declareLink(l); err != nil {
				return nil, err
			}
		}
	}
	for _, xl := range x.Links {
		left, err := ParseNodeID(xl.Left)
		if err != nil {
			return nil, errors.Wrap(err, "link left")
		}
		right, err := ParseNodeID(xl.Right)
		if err != nil {
			return nil, errors.Wrap(err, "link right")
		}
		if left.Type == TypeVirtualMachine {
			left.Name, _ = canonicalUUID(left.Name)
		}
		if right.Type == TypeVirtualMachine {
			right.Name, _ = canonicalUUID(right.Name)
		}
		meta := xl.Metadata
		if meta == "" {
			meta = left.Type + "-" + right.Type
		}
		if err := declareLink(LinkConfig{Left: left, Right: right, Metadata: meta}); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// validate checks that every link end is a configured node.
func (cfg *Config) validate() error {
	nodes := map[NodeID]bool{}
	for _, n := range cfg.Nodes {
		nodes[n.ID] = true
	}
	for _, l := range cfg.Links {
		if !nodes[l.Left] || !nodes[l.Right] {
			return errors.Errorf("link %v-%v references an unconfigured node", l.Left, l.Right)
		}
	}
	return nil
}

// ApplyConfig makes the configured part of the graph match cfg. Nodes and
// links that agents keep alive stay in the graph when cfg drops them.
func (srv *Server) ApplyConfig(cfg *Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	srv.enqueue(db.AddChange, "config", applyConfig{cfg})
	return nil
}

// AddNode adds or updates a configured node.
func (srv *Server) AddNode(id NodeID, props map[string]string) {
	srv.enqueue(db.AddChange, string(id.key()), addNode{id, props})
}

// DeleteNode removes a configured node.
func (srv *Server) DeleteNode(id NodeID) {
	srv.enqueue(db.Delete, string(id.key()), deleteNode{id})
}

// AddLink adds a configured link. Both nodes must exist.
func (srv *Server) AddLink(a, b NodeID, metadata string) {
	srv.enqueue(db.AddChange, string(linkKey(a, b, metadata)), addLink{a, b, metadata})
}

// DeleteLink removes a configured link.
func (srv *Server) DeleteLink(a, b NodeID, metadata string) {
	srv.enqueue(db.Delete, string(linkKey(a, b, metadata)), deleteLink{a, b, metadata})
}

type addNode struct {
	id    NodeID
	props map[string]string
}

func (r addNode) apply(srv *Server) {
	srv.setNode(r.id, r.props)
	srv.updateAllInterest()
}

type deleteNode struct{ id NodeID }

func (r deleteNode) apply(srv *Server) {
	if n := srv.g.FindNode(r.id); n != nil {
		srv.unsetNode(n)
		srv.updateAllInterest()
	}
}

type addLink struct {
	a, b     NodeID
	metadata string
}

func (r addLink) apply(srv *Server) {
	if srv.g.FindNode(r.a) == nil || srv.g.FindNode(r.b) == nil {
		srv.log.WithField("link", string(linkKey(r.a, r.b, r.metadata))).Warn("Dropping link to a missing node")
		return
	}
	srv.setLink(r.a, r.b, r.metadata)
	srv.updateAllInterest()
}

type deleteLink struct {
	a, b     NodeID
	metadata string
}

func (r deleteLink) apply(srv *Server) {
	if l := srv.g.FindLink(r.a, r.b, r.metadata); l != nil {
		srv.unsetLink(l)
		srv.updateAllInterest()
	}
}

type applyConfig struct{ cfg *Config }

func (r applyConfig) apply(srv *Server) {
	nodes := map[NodeID]bool{}
	links := map[string]bool{}
	for _, n := range r.cfg.Nodes {
		nodes[n.ID] = true
		srv.setNode(n.ID, n.Properties)
	}
	for _, l := range r.cfg.Links {
		links[string(linkKey(l.Left, l.Right, l.Metadata))] = true
		srv.setLink(l.Left, l.Right, l.Metadata)
	}
	var staleLinks []*Link
	var staleNodes []*Node
	srv.g.walk(func(e entity) {
		switch e := e.(type) {
		case *Node:
			if e.mapServer && !nodes[e.id] {
				staleNodes = append(staleNodes, e)
			}
		case *Link:
			if e.mapServer && !links[e.keyString()] {
				staleLinks = append(staleLinks, e)
			}
		}
	})
	for _, l := range staleLinks {
		if !l.IsDeleted() {
			srv.unsetLink(l)
		}
	}
	for _, n := range staleNodes {
		if !n.IsDeleted() {
			srv.unsetNode(n)
		}
	}
	srv.updateAllInterest()
	srv.log.WithFields(logrus.Fields{
		"nodes":       len(r.cfg.Nodes),
		"links":       len(r.cfg.Links),
		"stale_nodes": len(staleNodes),
		"stale_links": len(staleLinks),
	}).Info("Applied config")
}

func (srv *Server) setNode(id NodeID, props map[string]string) {
	n := srv.g.locateNode(id)
	wasConfig := n.mapServer
	n.mapServer = true
	if n.setProps(props) || !wasConfig {
		srv.changed(n)
	}
	if id.Type == TypeVirtualMachine {
		srv.resolvePending(id.Name)
	}
}

func (srv *Server) unsetNode(n *Node) {
	if !n.mapServer {
		return
	}
	n.mapServer = false
	if n.origins() != 0 {
		if n.setProps(nil) {
			srv.changed(n)
		}
		return
	}
	if n.id.Type == TypeVirtualMachine {
		srv.unresolveVM(n.id.Name)
	}
	srv.g.maybeDeleteNode(n)
}

func (srv *Server) setLink(a, b NodeID, metadata string) {
	l := srv.g.locateLink(a, b, metadata)
	l.mapServer = true
}

func (srv *Server) unsetLink(l *Link) {
	l.mapServer = false
	srv.g.maybeDeleteLink(l)
}
