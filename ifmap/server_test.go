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
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/task"
	"github.com/msiegen/controlnode/xmpp"
)

const (
	vm1 = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	vm2 = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
	vm3 = "6ba7b812-9dad-11d1-80b4-00c04fd430c8"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func waitIdle(t *testing.T, s *task.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
}

func newTestServer(t *testing.T, maxItems int) (*Server, *task.Scheduler) {
	t.Helper()
	s := task.NewScheduler(task.Options{Workers: 4, Logger: quietLogger()})
	t.Cleanup(s.Stop)
	srv, err := NewServer(db.New(s, quietLogger()), Options{
		LocalID:  "control-node",
		MaxItems: maxItems,
		Logger:   quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, s
}

// agent is a Sender that applies config messages to its own view of the
// graph, the way an agent would.
type agent struct {
	name string

	mu   sync.Mutex
	msgs []*xmpp.Message
	view map[string]map[string]string
}

func newAgent(name string) *agent {
	return &agent{name: name, view: map[string]map[string]string{}}
}

func linkName(a, b, metadata string) string {
	if b < a {
		a, b = b, a
	}
	return "link " + a + " " + b + " " + metadata
}

func nodeName(cn xmpp.ConfigNode) string { return "node " + cn.Type + ":" + cn.Name }

func (a *agent) Send(st xmpp.Stanza) error {
	m := st.(*xmpp.Message)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, m)
	for _, b := range m.Config.Updates {
		for _, n := range b.Nodes {
			props := map[string]string{}
			for _, p := range n.Properties {
				props[p.Name] = p.Value
			}
			a.view[nodeName(n)] = props
		}
		for _, l := range b.Links {
			a.view[linkName(l.Nodes[0].Type+":"+l.Nodes[0].Name, l.Nodes[1].Type+":"+l.Nodes[1].Name, l.Metadata)] = nil
		}
	}
	for _, b := range m.Config.Deletes {
		for _, l := range b.Links {
			delete(a.view, linkName(l.Nodes[0].Type+":"+l.Nodes[0].Name, l.Nodes[1].Type+":"+l.Nodes[1].Name, l.Metadata))
		}
		for _, n := range b.Nodes {
			delete(a.view, nodeName(n))
		}
	}
	return nil
}

func (a *agent) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for k := range a.view {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *agent) props(key string) map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.view[key]
}

func (a *agent) messages() []*xmpp.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*xmpp.Message(nil), a.msgs...)
}

func vr(name string) NodeID { return NodeID{TypeVirtualRouter, name} }
func vm(uuid string) NodeID { return NodeID{TypeVirtualMachine, uuid} }

// testGraph has two virtual routers. vr1 hosts vm1, which reaches vn1 and
// its routing instance; vr2 hosts vm2, whose interface also sits in vn1.
func testGraph() *Config {
	vmi1 := NodeID{"virtual-machine-interface", "vmi1"}
	vmi2 := NodeID{"virtual-machine-interface", "vmi2"}
	vn1 := NodeID{"virtual-network", "vn1"}
	red := NodeID{"routing-instance", "red"}
	return &Config{
		Nodes: []NodeConfig{
			{ID: vr("vr1"), Properties: map[string]string{"ip": "10.1.1.1"}},
			{ID: vr("vr2")},
			{ID: vm(vm1)},
			{ID: vm(vm2)},
			{ID: vmi1},
			{ID: vmi2},
			{ID: vn1},
			{ID: red, Properties: map[string]string{"vrf-target": "target:64512:1"}},
			{ID: NodeID{"virtual-network", "unrelated"}},
		},
		Links: []LinkConfig{
			{Left: vm(vm1), Right: vmi1, Metadata: "virtual-machine-interface-virtual-machine"},
			{Left: vm(vm2), Right: vmi2, Metadata: "virtual-machine-interface-virtual-machine"},
			{Left: vmi1, Right: vn1, Metadata: "virtual-machine-interface-virtual-network"},
			{Left: vmi2, Right: vn1, Metadata: "virtual-machine-interface-virtual-network"},
			{Left: vn1, Right: red, Metadata: "virtual-network-routing-instance"},
		},
	}
}

// vr1View is what an agent on vr1 with vm1 sees of testGraph.
var vr1View = []string{
	linkName("virtual-machine-interface:vmi1", "virtual-machine:"+vm1, "virtual-machine-interface-virtual-machine"),
	linkName("virtual-machine-interface:vmi1", "virtual-network:vn1", "virtual-machine-interface-virtual-network"),
	linkName("virtual-machine:"+vm1, "virtual-router:vr1", vrVMMetadata),
	linkName("virtual-network:vn1", "routing-instance:red", "virtual-network-routing-instance"),
	"node routing-instance:red",
	"node virtual-machine-interface:vmi1",
	"node virtual-machine:" + vm1,
	"node virtual-network:vn1",
	"node virtual-router:vr1",
}

func sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func TestSubscribeCounters(t *testing.T) {
	srv, s := newTestServer(t, 0)
	a := newAgent("a")
	srv.AddClient("a", 0, a)

	srv.VrUnsubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	srv.VrSubscribe("a", "vr1")
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", "not-a-uuid")
	srv.VmSubscribe("a", vm1)
	srv.VmSubscribe("a", "6BA7B810-9DAD-11D1-80B4-00C04FD430C8")
	srv.VmUnsubscribe("a", vm2)
	srv.VrSubscribe("nobody", "vr1")
	waitIdle(t, s)

	want := Stats{
		Clients:            1,
		PendingVMs:         1,
		VrSubscribes:       1,
		VmSubscribes:       1,
		DuplicateSubscribe: 2,
		NoPriorSubscribe:   2,
		NoVrSubscribe:      1,
		Malformed:          1,
	}
	opts := cmpopts.IgnoreFields(Stats{}, "Nodes", "MessagesSent", "ItemsSent")
	if diff := cmp.Diff(want, srv.Stats(), opts); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{vm1}, srv.PendingVMs()); diff != "" {
		t.Errorf("PendingVMs() mismatch (-want +got):\n%s", diff)
	}
	// The virtual router exists because of the subscription alone.
	if diff := cmp.Diff([]string{"node virtual-router:vr1"}, a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	for _, m := range a.messages() {
		if m.To != "a/"+xmpp.ConfigResource || m.From != "control-node" {
			t.Errorf("got message from %q to %q, want from control-node to a/config", m.From, m.To)
		}
	}
}

func TestPendingVM(t *testing.T) {
	srv, s := newTestServer(t, 0)
	a := newAgent("a")
	srv.AddClient("a", 3, a)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	waitIdle(t, s)
	if diff := cmp.Diff([]string{vm1}, srv.PendingVMs()); diff != "" {
		t.Errorf("PendingVMs() mismatch (-want +got):\n%s", diff)
	}
	sent := len(a.messages())

	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	waitIdle(t, s)
	if got := srv.PendingVMs(); len(got) != 0 {
		t.Errorf("got pending VMs %v after config, want none", got)
	}
	if len(a.messages()) == sent {
		t.Errorf("no messages sent after the VM appeared")
	}
	if diff := cmp.Diff(sorted(vr1View), a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"ip": "10.1.1.1"}, a.props("node virtual-router:vr1")); diff != "" {
		t.Errorf("vr1 properties mismatch (-want +got):\n%s", diff)
	}

	// The VM goes away; the subscription waits for it again.
	srv.DeleteNode(vm(vm1))
	waitIdle(t, s)
	if diff := cmp.Diff([]string{vm1}, srv.PendingVMs()); diff != "" {
		t.Errorf("PendingVMs() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"node virtual-router:vr1"}, a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	srv.AddNode(vm(vm1), nil)
	waitIdle(t, s)
	if got := srv.PendingVMs(); len(got) != 0 {
		t.Errorf("got pending VMs %v, want none", got)
	}
	wantView := sorted([]string{
		linkName("virtual-machine:"+vm1, "virtual-router:vr1", vrVMMetadata),
		"node virtual-machine:" + vm1,
		"node virtual-router:vr1",
	})
	if diff := cmp.Diff(wantView, a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
}

func TestUnsubscribe(t *testing.T) {
	for _, tc := range []struct {
		Name string
		// Configured is whether config also links the VM to the router.
		Configured bool
	}{
		{Name: "xmpp_origin_only", Configured: false},
		{Name: "map_server_origin_left", Configured: true},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			srv, s := newTestServer(t, 0)
			cfg := testGraph()
			if tc.Configured {
				cfg.Links = append(cfg.Links, LinkConfig{Left: vr("vr1"), Right: vm(vm1), Metadata: vrVMMetadata})
			}
			if err := srv.ApplyConfig(cfg); err != nil {
				t.Fatalf("ApplyConfig: %v", err)
			}
			a := newAgent("a")
			srv.AddClient("a", 0, a)
			srv.VrSubscribe("a", "vr1")
			srv.VmSubscribe("a", vm1)
			waitIdle(t, s)
			if diff := cmp.Diff(sorted(vr1View), a.keys()); diff != "" {
				t.Errorf("agent view mismatch (-want +got):\n%s", diff)
			}

			srv.VmUnsubscribe("a", vm1)
			waitIdle(t, s)
			if diff := cmp.Diff([]string{"node virtual-router:vr1"}, a.keys()); diff != "" {
				t.Errorf("agent view mismatch (-want +got):\n%s", diff)
			}
			var origin Origin
			var found bool
			if err := srv.Query(context.Background(), func(g *Graph) {
				if l := g.FindLink(vr("vr1"), vm(vm1), vrVMMetadata); l != nil {
					found = true
					origin = l.Origin()
				}
			}); err != nil {
				t.Fatalf("Query: %v", err)
			}
			if found != tc.Configured {
				t.Errorf("got link in graph %v, want %v", found, tc.Configured)
			}
			if found && origin != OriginMapServer {
				t.Errorf("got link origin %v, want %v", origin, OriginMapServer)
			}
			if got := srv.Stats().Unsubscribes; got != 1 {
				t.Errorf("got %d unsubscribes, want 1", got)
			}
		})
	}
}

func TestVrUnsubscribe(t *testing.T) {
	srv, s := newTestServer(t, 0)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	a := newAgent("a")
	srv.AddClient("a", 0, a)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	srv.VmSubscribe("a", vm3)
	waitIdle(t, s)

	srv.VrUnsubscribe("a", "vr2")
	srv.VrUnsubscribe("a", "vr1")
	waitIdle(t, s)
	if got := a.keys(); len(got) != 0 {
		t.Errorf("got agent view %v after unsubscribing, want empty", got)
	}
	if got := srv.PendingVMs(); len(got) != 0 {
		t.Errorf("got pending VMs %v, want none", got)
	}
	st := srv.Stats()
	if st.NoPriorSubscribe != 1 || st.Unsubscribes != 1 {
		t.Errorf("got %d no-prior and %d unsubscribes, want 1 and 1", st.NoPriorSubscribe, st.Unsubscribes)
	}
	// The configured router survives the unsubscribe.
	var n *Node
	srv.Query(context.Background(), func(g *Graph) { n = g.FindNode(vr("vr1")) })
	if n == nil {
		t.Errorf("configured virtual router was deleted")
	}
}

func TestDeleteClient(t *testing.T) {
	srv, s := newTestServer(t, 0)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	a, b, c := newAgent("a"), newAgent("b"), newAgent("c")
	srv.AddClient("a", 0, a)
	srv.AddClient("b", 1, b)
	srv.AddClient("c", 2, c)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	srv.VrSubscribe("b", "vr2")
	srv.VmSubscribe("b", vm2)
	srv.VrSubscribe("c", "vr9")
	waitIdle(t, s)
	sentToB := len(b.messages())

	srv.DeleteClient("a")
	srv.DeleteClient("c")
	waitIdle(t, s)

	ctx := context.Background()
	for _, tc := range []struct {
		Name  string
		Index int
		Want  bool
	}{
		{Name: "a", Index: 0, Want: false},
		{Name: "b", Index: 1, Want: true},
		{Name: "c", Index: 2, Want: false},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := srv.HasClientState(ctx, tc.Index)
			if err != nil {
				t.Fatalf("HasClientState: %v", err)
			}
			if got != tc.Want {
				t.Errorf("HasClientState(%d) = %v, want %v", tc.Index, got, tc.Want)
			}
		})
	}
	if got := len(b.messages()); got != sentToB {
		t.Errorf("got %d messages to b after other clients left, want %d", got, sentToB)
	}
	if diff := cmp.Diff([]string{"b"}, srv.Clients()); diff != "" {
		t.Errorf("Clients() mismatch (-want +got):\n%s", diff)
	}
	var vr1Node, vr9Node *Node
	var vr1Links int
	srv.Query(ctx, func(g *Graph) {
		vr1Node = g.FindNode(vr("vr1"))
		vr9Node = g.FindNode(vr("vr9"))
		if vr1Node != nil {
			vr1Links = len(vr1Node.Links())
		}
	})
	if vr1Node == nil {
		t.Errorf("configured router vr1 was deleted")
	}
	if vr1Links != 0 {
		t.Errorf("vr1 has %d links after its only agent left, want 0", vr1Links)
	}
	if vr9Node != nil {
		t.Errorf("router vr9 that only an agent referenced is still in the graph")
	}
}

func TestDeleteClientAfterUnsubscribe(t *testing.T) {
	srv, s := newTestServer(t, 0)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	a := newAgent("a")
	srv.AddClient("a", 0, a)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	waitIdle(t, s)
	if len(a.keys()) == 0 {
		t.Fatalf("agent got no config after subscribing")
	}

	// The deletes queued by the unsubscribe still reach the agent when it
	// disconnects right after.
	srv.VrUnsubscribe("a", "vr1")
	srv.DeleteClient("a")
	waitIdle(t, s)
	if got := a.keys(); len(got) != 0 {
		t.Errorf("got agent view %v, want empty", got)
	}
}

func TestConfigChanges(t *testing.T) {
	srv, s := newTestServer(t, 0)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	a := newAgent("a")
	srv.AddClient("a", 0, a)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	waitIdle(t, s)

	// A property change is sent again.
	srv.AddNode(NodeID{"routing-instance", "red"}, map[string]string{"vrf-target": "target:64512:7"})
	waitIdle(t, s)
	if diff := cmp.Diff(map[string]string{"vrf-target": "target:64512:7"}, a.props("node routing-instance:red")); diff != "" {
		t.Errorf("red properties mismatch (-want +got):\n%s", diff)
	}

	// Dropping the link to the network withdraws the network.
	srv.DeleteLink(NodeID{"virtual-machine-interface", "vmi1"}, NodeID{"virtual-network", "vn1"}, "virtual-machine-interface-virtual-network")
	waitIdle(t, s)
	want := sorted([]string{
		linkName("virtual-machine-interface:vmi1", "virtual-machine:"+vm1, "virtual-machine-interface-virtual-machine"),
		linkName("virtual-machine:"+vm1, "virtual-router:vr1", vrVMMetadata),
		"node virtual-machine-interface:vmi1",
		"node virtual-machine:" + vm1,
		"node virtual-router:vr1",
	})
	if diff := cmp.Diff(want, a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}

	srv.AddLink(NodeID{"virtual-machine-interface", "vmi1"}, NodeID{"virtual-network", "vn1"}, "virtual-machine-interface-virtual-network")
	waitIdle(t, s)
	if got := len(a.keys()); got != len(vr1View) {
		t.Errorf("got %d objects after restoring the link, want %d", got, len(vr1View))
	}

	// Reapplying the original config restores the property and removing
	// everything leaves only the agent's own router.
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	waitIdle(t, s)
	if diff := cmp.Diff(map[string]string{"vrf-target": "target:64512:1"}, a.props("node routing-instance:red")); diff != "" {
		t.Errorf("red properties mismatch (-want +got):\n%s", diff)
	}
	if err := srv.ApplyConfig(&Config{}); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	waitIdle(t, s)
	if diff := cmp.Diff([]string{"node virtual-router:vr1"}, a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{vm1}, srv.PendingVMs()); diff != "" {
		t.Errorf("PendingVMs() mismatch (-want +got):\n%s", diff)
	}
	var nodes []string
	srv.Query(context.Background(), func(g *Graph) {
		for _, n := range g.Nodes() {
			nodes = append(nodes, n.ID().String()+" "+n.Origin().String())
		}
	})
	if diff := cmp.Diff([]string{"virtual-router:vr1 xmpp"}, nodes); diff != "" {
		t.Errorf("graph nodes mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyConfigValidates(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	err := srv.ApplyConfig(&Config{
		Links: []LinkConfig{{Left: vr("vr1"), Right: vm(vm1), Metadata: vrVMMetadata}},
	})
	if err == nil {
		t.Errorf("ApplyConfig with a dangling link succeeded, want error")
	}
}

func TestMaxItems(t *testing.T) {
	srv, s := newTestServer(t, 2)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	a := newAgent("a")
	srv.AddClient("a", 0, a)
	srv.VrSubscribe("a", "vr1")
	srv.VmSubscribe("a", vm1)
	waitIdle(t, s)
	if diff := cmp.Diff(sorted(vr1View), a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	msgs := a.messages()
	if len(msgs) < (len(vr1View)+1)/2 {
		t.Errorf("got %d messages, want at least %d", len(msgs), (len(vr1View)+1)/2)
	}
	total := 0
	for _, m := range msgs {
		n := blockLen(m.Config)
		if n > 2 {
			t.Errorf("got message with %d items, want at most 2", n)
		}
		total += n
	}
	if got := srv.Stats().ItemsSent; got != uint64(total) {
		t.Errorf("got %d items sent, want %d", got, total)
	}
}

func TestChunk(t *testing.T) {
	n := func(name string) xmpp.ConfigNode { return xmpp.ConfigNode{Type: "t", Name: name} }
	l := func(meta string) xmpp.ConfigLink { return xmpp.ConfigLink{Metadata: meta} }
	b := xmpp.ConfigBlock{
		Nodes: []xmpp.ConfigNode{n("1"), n("2"), n("3")},
		Links: []xmpp.ConfigLink{l("a"), l("b")},
	}
	for _, tc := range []struct {
		Name       string
		Max        int
		LinksFirst bool
		Want       []xmpp.ConfigBlock
	}{
		{
			Name: "nodes_first",
			Max:  2,
			Want: []xmpp.ConfigBlock{
				{Nodes: []xmpp.ConfigNode{n("1"), n("2")}},
				{Nodes: []xmpp.ConfigNode{n("3")}, Links: []xmpp.ConfigLink{l("a")}},
				{Links: []xmpp.ConfigLink{l("b")}},
			},
		},
		{
			Name:       "links_first",
			Max:        2,
			LinksFirst: true,
			Want: []xmpp.ConfigBlock{
				{Links: []xmpp.ConfigLink{l("a"), l("b")}},
				{Nodes: []xmpp.ConfigNode{n("1"), n("2")}},
				{Nodes: []xmpp.ConfigNode{n("3")}},
			},
		},
		{
			Name: "fits",
			Max:  10,
			Want: []xmpp.ConfigBlock{b},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got := chunk(b, tc.Max, tc.LinksFirst)
			if diff := cmp.Diff(tc.Want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("chunk() mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if got := chunk(xmpp.ConfigBlock{}, 2, false); len(got) != 0 {
		t.Errorf("chunk of an empty block = %v, want none", got)
	}
}
