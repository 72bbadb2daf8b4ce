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

// Package metrics exports the counters of a control node to Prometheus.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/msiegen/controlnode/bgp"
	"github.com/msiegen/controlnode/bgpxmpp"
	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/ifmap"
	"github.com/msiegen/controlnode/task"
	"github.com/msiegen/controlnode/xmpp"
)

// Namespace prefixes every metric name.
const Namespace = "controlnode"

// TableStats are the counters of one db table.
type TableStats struct {
	Name          string
	Size          int
	Notifications uint64
	Inputs        uint64
}

// PeerStats are the counters of one BGP neighbor.
type PeerStats struct {
	Name string
	bgp.PeerStats
}

// A Snapshot is the state of a control node at one point in time.
type Snapshot struct {
	TasksExecuted uint64
	Tables        []TableStats
	XMPP          xmpp.ServerStats
	IFMap         ifmap.Stats
	Routes        bgpxmpp.Stats
	Peers         []PeerStats
	Replicated    uint64
	Withdrawn     uint64
}

// A Source returns snapshots on demand. It is called once per scrape.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() Snapshot

// Snapshot implements Source.
func (f SourceFunc) Snapshot() Snapshot { return f() }

// Node is the Source of a running control node. Nil fields are skipped.
type Node struct {
	Scheduler *task.Scheduler
	DB        *db.DB
	BGP       *bgp.Server
	XMPP      *xmpp.Server
	IFMap     *ifmap.Server
	Routes    *bgpxmpp.Channel
}

// Snapshot implements Source.
func (n *Node) Snapshot() Snapshot {
	var s Snapshot
	if n.Scheduler != nil {
		s.TasksExecuted = n.Scheduler.Executed()
	}
	if n.DB != nil {
		for _, t := range n.DB.Tables() {
			s.Tables = append(s.Tables, TableStats{
				Name:          t.Name(),
				Size:          t.Size(),
				Notifications: t.NotifyCount(),
				Inputs:        t.InputCount(),
			})
		}
	}
	if n.XMPP != nil {
		s.XMPP = n.XMPP.Stats()
	}
	if n.IFMap != nil {
		s.IFMap = n.IFMap.Stats()
	}
	if n.Routes != nil {
		s.Routes = n.Routes.Stats()
	}
	if n.BGP != nil {
		for _, p := range n.BGP.Peers() {
			s.Peers = append(s.Peers, PeerStats{Name: p.Name(), PeerStats: p.Stats()})
		}
		s.Replicated = n.BGP.Replicator().Added()
		s.Withdrawn = n.BGP.Replicator().Withdrawn()
	}
	return s
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	src Source

	tasksExecuted *prometheus.Desc

	tableEntries       *prometheus.Desc
	tableNotifications *prometheus.Desc
	tableInputs        *prometheus.Desc

	xmppConnections *prometheus.Desc
	xmppEndpoints   *prometheus.Desc
	xmppAccepted    *prometheus.Desc
	xmppDuplicates  *prometheus.Desc
	xmppTransitions *prometheus.Desc

	ifmapClients    *prometheus.Desc
	ifmapNodes      *prometheus.Desc
	ifmapPendingVMs *prometheus.Desc
	ifmapSubscribes *prometheus.Desc
	ifmapErrors     *prometheus.Desc
	ifmapMessages   *prometheus.Desc
	ifmapItems      *prometheus.Desc

	routeAgents        *prometheus.Desc
	routeSubscriptions *prometheus.Desc
	routePublished     *prometheus.Desc
	routeReceived      *prometheus.Desc
	routeSent          *prometheus.Desc
	routeErrors        *prometheus.Desc

	peerUp        *prometheus.Desc
	peerFlaps     *prometheus.Desc
	peerUpdates   *prometheus.Desc
	peerWithdraws *prometheus.Desc

	replications *prometheus.Desc
}

func newDesc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
}

// NewCollector returns a collector that reads src on every scrape.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,

		tasksExecuted: newDesc("task", "executed_total", "Number of tasks run by the scheduler"),

		tableEntries:       newDesc("db", "table_entries", "Number of entries in a table", "table"),
		tableNotifications: newDesc("db", "table_notifications_total", "Number of listener notifications of a table", "table"),
		tableInputs:        newDesc("db", "table_requests_total", "Number of requests processed by a table", "table"),

		xmppConnections: newDesc("xmpp", "connections", "Number of XMPP connections", "state"),
		xmppEndpoints:   newDesc("xmpp", "endpoints", "Number of agent identities holding an endpoint index"),
		xmppAccepted:    newDesc("xmpp", "accepted_total", "Number of accepted TCP connections"),
		xmppDuplicates:  newDesc("xmpp", "duplicates_total", "Number of connections closed as duplicates of a live identity"),
		xmppTransitions: newDesc("xmpp", "transitions_total", "Number of channel up and down events", "direction"),

		ifmapClients:    newDesc("ifmap", "clients", "Number of agents known to the config exporter"),
		ifmapNodes:      newDesc("ifmap", "nodes", "Number of nodes in the config graph"),
		ifmapPendingVMs: newDesc("ifmap", "pending_vms", "Number of VM subscriptions waiting for config"),
		ifmapSubscribes: newDesc("ifmap", "subscribes_total", "Number of accepted subscription requests", "kind"),
		ifmapErrors:     newDesc("ifmap", "errors_total", "Number of rejected requests and failed sends", "reason"),
		ifmapMessages:   newDesc("ifmap", "messages_sent_total", "Number of config messages sent to agents"),
		ifmapItems:      newDesc("ifmap", "items_sent_total", "Number of config items sent to agents"),

		routeAgents:        newDesc("xmpp_routes", "agents", "Number of agents on the route channel"),
		routeSubscriptions: newDesc("xmpp_routes", "subscriptions", "Number of routing instance subscriptions"),
		routePublished:     newDesc("xmpp_routes", "published", "Number of routes published by agents"),
		routeReceived:      newDesc("xmpp_routes", "received_total", "Number of route items received from agents", "kind"),
		routeSent:          newDesc("xmpp_routes", "sent_total", "Number of route items sent to agents", "kind"),
		routeErrors:        newDesc("xmpp_routes", "errors_total", "Number of rejected requests and failed sends", "reason"),

		peerUp:        newDesc("bgp", "peer_up", "Whether the session with a neighbor is established", "peer"),
		peerFlaps:     newDesc("bgp", "peer_flaps_total", "Number of times a session left the established state", "peer"),
		peerUpdates:   newDesc("bgp", "peer_updates_total", "Number of UPDATE messages", "peer", "direction"),
		peerWithdraws: newDesc("bgp", "peer_withdraws_total", "Number of withdrawn prefixes", "peer", "direction"),

		replications: newDesc("bgp", "replications_total", "Number of replicated path changes", "op"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tasksExecuted,
		c.tableEntries, c.tableNotifications, c.tableInputs,
		c.xmppConnections, c.xmppEndpoints, c.xmppAccepted, c.xmppDuplicates, c.xmppTransitions,
		c.ifmapClients, c.ifmapNodes, c.ifmapPendingVMs, c.ifmapSubscribes, c.ifmapErrors, c.ifmapMessages, c.ifmapItems,
		c.routeAgents, c.routeSubscriptions, c.routePublished, c.routeReceived, c.routeSent, c.routeErrors,
		c.peerUp, c.peerFlaps, c.peerUpdates, c.peerWithdraws,
		c.replications,
	} {
		ch <- d
	}
}

func gauge[T int | uint64](ch chan<- prometheus.Metric, desc *prometheus.Desc, v T, labels ...string) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v), labels...)
}

func counter(ch chan<- prometheus.Metric, desc *prometheus.Desc, v uint64, labels ...string) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()

	counter(ch, c.tasksExecuted, s.TasksExecuted)

	for _, t := range s.Tables {
		gauge(ch, c.tableEntries, t.Size, t.Name)
		counter(ch, c.tableNotifications, t.Notifications, t.Name)
		counter(ch, c.tableInputs, t.Inputs, t.Name)
	}

	x := s.XMPP
	gauge(ch, c.xmppConnections, x.Established, "established")
	gauge(ch, c.xmppConnections, x.Connections-x.Established, "negotiating")
	gauge(ch, c.xmppConnections, x.Pending, "pending")
	gauge(ch, c.xmppConnections, x.Deleted, "deleted")
	gauge(ch, c.xmppEndpoints, x.Endpoints)
	counter(ch, c.xmppAccepted, x.Accepted)
	counter(ch, c.xmppDuplicates, x.Duplicates)
	counter(ch, c.xmppTransitions, x.Ups, "up")
	counter(ch, c.xmppTransitions, x.Downs, "down")

	m := s.IFMap
	gauge(ch, c.ifmapClients, m.Clients)
	gauge(ch, c.ifmapNodes, m.Nodes)
	gauge(ch, c.ifmapPendingVMs, m.PendingVMs)
	counter(ch, c.ifmapSubscribes, m.VrSubscribes, "vr")
	counter(ch, c.ifmapSubscribes, m.VmSubscribes, "vm")
	counter(ch, c.ifmapSubscribes, m.Unsubscribes, "unsubscribe")
	counter(ch, c.ifmapErrors, m.DuplicateSubscribe, "duplicate")
	counter(ch, c.ifmapErrors, m.NoPriorSubscribe, "no_prior_subscribe")
	counter(ch, c.ifmapErrors, m.NoVrSubscribe, "no_vr_subscribe")
	counter(ch, c.ifmapErrors, m.Malformed, "malformed")
	counter(ch, c.ifmapErrors, m.SendErrors, "send")
	counter(ch, c.ifmapMessages, m.MessagesSent)
	counter(ch, c.ifmapItems, m.ItemsSent)

	r := s.Routes
	gauge(ch, c.routeAgents, r.Agents)
	gauge(ch, c.routeSubscriptions, r.Subscriptions)
	gauge(ch, c.routePublished, r.Published)
	counter(ch, c.routeReceived, r.Publishes, "publish")
	counter(ch, c.routeReceived, r.Retracts, "retract")
	counter(ch, c.routeSent, r.UpdatesSent, "update")
	counter(ch, c.routeSent, r.RetractsSent, "retract")
	counter(ch, c.routeErrors, r.NoInstance, "no_instance")
	counter(ch, c.routeErrors, r.NotSubscribed, "not_subscribed")
	counter(ch, c.routeErrors, r.Malformed, "malformed")
	counter(ch, c.routeErrors, r.SendErrors, "send")

	for _, p := range s.Peers {
		up := 0
		if strings.EqualFold(p.State, "established") {
			up = 1
		}
		gauge(ch, c.peerUp, up, p.Name)
		counter(ch, c.peerFlaps, p.Flaps, p.Name)
		counter(ch, c.peerUpdates, p.UpdatesSent, p.Name, "sent")
		counter(ch, c.peerUpdates, p.UpdatesReceived, p.Name, "received")
		counter(ch, c.peerWithdraws, p.WithdrawsSent, p.Name, "sent")
		counter(ch, c.peerWithdraws, p.WithdrawsReceived, p.Name, "received")
	}

	counter(ch, c.replications, s.Replicated, "add")
	counter(ch, c.replications, s.Withdrawn, "withdraw")
}
