// Copyright 2023 Google LLC
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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTable(t *testing.T) {
	srv := newFilterServer(t)
	red := addInstance(t, srv, "red", targetRed)
	table := red.Table()
	a, _ := srv.RegisterPeer(NewLocalPeer("a", 65544))
	b, _ := srv.RegisterPeer(NewLocalPeer("b", 65544))

	p1 := netip.MustParsePrefix("10.1.0.0/16")
	p2 := netip.MustParsePrefix("10.2.0.0/16")

	table.AddPath(RouteDistinguisher{}, p1, RouteUpdate{Peer: a, Attrs: AttributesBuilder{Origin: OriginIGP}.Build()})
	table.AddPath(RouteDistinguisher{}, p1, RouteUpdate{Peer: b, Attrs: AttributesBuilder{LocalPref: 200, HasLocalPref: true}.Build()})
	table.AddPath(RouteDistinguisher{}, p2, RouteUpdate{Peer: a, Attrs: AttributesBuilder{}.Build()})
	// Replaces the first path from a.
	table.AddPath(RouteDistinguisher{}, p1, RouteUpdate{Peer: a, Attrs: AttributesBuilder{Origin: OriginEGP}.Build()})
	waitIdle(t, srv.Scheduler())

	var got []netip.Prefix
	for _, r := range table.Routes() {
		got = append(got, r.Prefix())
	}
	if diff := cmp.Diff([]netip.Prefix{p1, p2}, got, cmp.Comparer(func(x, y netip.Prefix) bool { return x == y })); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	r := table.FindRoute(RouteDistinguisher{}, p1)
	if r == nil {
		t.Fatalf("FindRoute(%v) = nil", p1)
	}
	if got, want := r.PathCount(), 2; got != want {
		t.Errorf("got %v paths, want %v", got, want)
	}
	if best := r.BestPath(); best == nil || best.Peer != b {
		t.Errorf("got best path %v, want the path from peer %d", best, b)
	}
	if p := r.FindPath(a, SourceLocal, ""); p == nil || p.Attributes().Origin() != OriginEGP {
		t.Errorf("got path %v from peer %d, want origin EGP", p, a)
	}

	// Removing the preferred path promotes the other one.
	table.DeletePath(RouteDistinguisher{}, p1, b, SourceLocal)
	waitIdle(t, srv.Scheduler())
	if best := r.BestPath(); best == nil || best.Peer != a {
		t.Errorf("got best path %v, want the path from peer %d", best, a)
	}

	// Deleting a path that isn't there changes nothing.
	table.DeletePath(RouteDistinguisher{}, p2, b, SourceLocal)
	waitIdle(t, srv.Scheduler())
	if table.FindRoute(RouteDistinguisher{}, p2) == nil {
		t.Errorf("route %v disappeared", p2)
	}

	// Removing a peer's paths deletes routes left without paths.
	done := make(chan struct{})
	table.DeletePeerPaths(a, func() { close(done) })
	<-done
	waitIdle(t, srv.Scheduler())
	if got := table.Routes(); len(got) != 0 {
		t.Errorf("got routes %v after removing peer paths, want none", got)
	}
}

func TestRouteBestPath(t *testing.T) {
	attrs := NewAttrDB()
	for _, tc := range []struct {
		Name     string
		Paths    []*Path
		WantPeer int
	}{
		{
			Name:     "empty",
			WantPeer: NoPeer,
		},
		{
			Name: "shorter_as_path",
			Paths: []*Path{
				{Peer: 1, Attr: attrs.Locate(AttributesBuilder{Path: []uint32{1, 2}}.Build())},
				{Peer: 2, Attr: attrs.Locate(AttributesBuilder{Path: []uint32{1}}.Build())},
			},
			WantPeer: 2,
		},
		{
			Name: "infeasible_never_best",
			Paths: []*Path{
				{Peer: 1, Attr: attrs.Locate(AttributesBuilder{LocalPref: 500, HasLocalPref: true}.Build()), Flags: AsPathLooped},
				{Peer: 2, Attr: attrs.Locate(AttributesBuilder{}.Build())},
			},
			WantPeer: 2,
		},
		{
			Name: "only_infeasible",
			Paths: []*Path{
				{Peer: 1, Attr: attrs.Locate(AttributesBuilder{}.Build()), Flags: AsPathLooped},
			},
			WantPeer: NoPeer,
		},
		{
			Name: "primary_before_replicated",
			Paths: []*Path{
				{Peer: 1, Attr: attrs.Locate(AttributesBuilder{}.Build()), From: "blue.inet.0:10.0.0.0/8"},
				{Peer: 2, Attr: attrs.Locate(AttributesBuilder{}.Build())},
			},
			WantPeer: 2,
		},
		{
			Name: "lower_peer_index",
			Paths: []*Path{
				{Peer: 4, Attr: attrs.Locate(AttributesBuilder{}.Build())},
				{Peer: 3, Attr: attrs.Locate(AttributesBuilder{}.Build())},
			},
			WantPeer: 3,
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			r := newRoute([]byte{})
			for _, p := range tc.Paths {
				if !r.insertPath(p) {
					t.Fatalf("insertPath(%v) = false, want true", p)
				}
			}
			got := NoPeer
			if best := r.BestPath(); best != nil {
				got = best.Peer
			}
			if got != tc.WantPeer {
				t.Errorf("got best peer %v, want %v", got, tc.WantPeer)
			}
			r.removePrimaryPaths()
			for _, p := range tc.Paths {
				if p.IsReplicated() {
					r.removePath(p.Peer, p.Source, p.From)
				}
			}
		})
	}
	if got := attrs.Size(); got != 0 {
		t.Errorf("got %v attribute sets after removing every path, want 0", got)
	}
}

func TestInsertPathUnchanged(t *testing.T) {
	attrs := NewAttrDB()
	r := newRoute([]byte{})
	a := AttributesBuilder{MED: 5, HasMED: true}.Build()
	if !r.insertPath(&Path{Peer: 1, Attr: attrs.Locate(a)}) {
		t.Fatalf("first insertPath = false, want true")
	}
	if r.insertPath(&Path{Peer: 1, Attr: attrs.Locate(a)}) {
		t.Errorf("insertPath of an equal path = true, want false")
	}
	if !r.insertPath(&Path{Peer: 1, Attr: attrs.Locate(a), Label: 7}) {
		t.Errorf("insertPath with a new label = false, want true")
	}
	if got := r.PathCount(); got != 1 {
		t.Errorf("got %v paths, want 1", got)
	}
	r.removePath(1, SourceLocal, "")
	if got := attrs.Size(); got != 0 {
		t.Errorf("got %v attribute sets, want 0", got)
	}
}

// routeCount returns the number of live routes in t.
func routeCount(t *Table) int {
	return len(t.Routes())
}

func TestReplicator(t *testing.T) {
	srv := newFilterServer(t)
	targetGreen := NewRouteTarget(64512, 3)
	red := addInstance(t, srv, "red", targetRed)
	blue := addInstance(t, srv, "blue", targetBlue)
	green, err := srv.AddInstance(InstanceConfig{
		Name:          "green",
		ImportTargets: []ExtendedCommunity{targetRed},
		ExportTargets: []ExtendedCommunity{targetGreen},
	})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	static := NewLocalPeer("static", srv.ASN())
	local, _ := srv.RegisterPeer(static)
	remote, _ := srv.RegisterPeer(NewLocalPeer("remote", 65001))
	vpn := srv.VPNTable()

	counts := func() map[string]int {
		return map[string]int{
			"vpn":   routeCount(vpn),
			"red":   routeCount(red.Table()),
			"blue":  routeCount(blue.Table()),
			"green": routeCount(green.Table()),
		}
	}
	check := func(t *testing.T, want map[string]int) {
		t.Helper()
		waitIdle(t, srv.Scheduler())
		if diff := cmp.Diff(want, counts()); diff != "" {
			t.Errorf("route counts mismatch (-want +got):\n%s", diff)
		}
	}

	redPrefix := netip.MustParsePrefix("10.1.0.0/16")
	bluePrefix := netip.MustParsePrefix("10.2.0.0/16")

	t.Run("vrf_to_vpn_and_vrf", func(t *testing.T) {
		red.Table().AddPath(RouteDistinguisher{}, redPrefix, RouteUpdate{
			Peer:  local,
			Attrs: AttributesBuilder{Origin: OriginIGP}.Build(),
			Label: 100,
		})
		check(t, map[string]int{"vpn": 1, "red": 1, "blue": 0, "green": 1})
		r := vpn.FindRoute(red.RD(), redPrefix)
		if r == nil {
			t.Fatalf("no VPN route for %v:%v", red.RD(), redPrefix)
		}
		best := r.BestPath()
		if diff := cmp.Diff([]ExtendedCommunity{targetRed}, best.Attributes().RouteTargets()); diff != "" {
			t.Errorf("route targets mismatch (-want +got):\n%s", diff)
		}
		if best.Label != 100 || !best.IsReplicated() {
			t.Errorf("got VPN path %v, want a replica with label 100", best)
		}
	})

	t.Run("vpn_to_vrf", func(t *testing.T) {
		rd, _ := ParseRouteDistinguisher("192.0.2.1:5")
		vpn.AddPath(rd, bluePrefix, RouteUpdate{
			Peer:   remote,
			Source: SourceBGP,
			Attrs: AttributesBuilder{
				Path:                []uint32{65001},
				ExtendedCommunities: map[ExtendedCommunity]bool{targetBlue: true},
			}.Build(),
			Label: 200,
		})
		check(t, map[string]int{"vpn": 2, "red": 1, "blue": 1, "green": 1})
		if r := blue.Table().FindRoute(RouteDistinguisher{}, bluePrefix); r == nil || r.BestPath().Label != 200 {
			t.Errorf("got blue route %v, want label 200", r)
		}
	})

	t.Run("update_targets", func(t *testing.T) {
		if err := srv.UpdateInstance(InstanceConfig{
			Name:          "green",
			ImportTargets: []ExtendedCommunity{targetBlue},
			ExportTargets: []ExtendedCommunity{targetGreen},
		}); err != nil {
			t.Fatalf("UpdateInstance: %v", err)
		}
		check(t, map[string]int{"vpn": 2, "red": 1, "blue": 1, "green": 1})
		if green.Table().FindRoute(RouteDistinguisher{}, bluePrefix) == nil {
			t.Errorf("green did not import %v", bluePrefix)
		}
	})

	t.Run("peer_not_ready", func(t *testing.T) {
		static.SetReady(false)
		red.Table().NotifyAll()
		check(t, map[string]int{"vpn": 1, "red": 1, "blue": 1, "green": 1})
		static.SetReady(true)
		red.Table().NotifyAll()
		check(t, map[string]int{"vpn": 2, "red": 1, "blue": 1, "green": 1})
	})

	t.Run("delete_path", func(t *testing.T) {
		red.Table().DeletePath(RouteDistinguisher{}, redPrefix, local, SourceLocal)
		check(t, map[string]int{"vpn": 1, "red": 0, "blue": 1, "green": 1})
	})

	t.Run("delete_instance", func(t *testing.T) {
		deleted := map[string]bool{}
		srv.OnInstanceDelete(func(ri *RoutingInstance) { deleted[ri.Name()] = true })
		if err := srv.DeleteInstance("blue"); err != nil {
			t.Fatalf("DeleteInstance: %v", err)
		}
		if !deleted["blue"] {
			t.Errorf("delete hook did not run")
		}
		waitFor(t, "blue destroyed", blue.Destroyed)
		if srv.DB().FindTable("blue.inet.0") != nil {
			t.Errorf("blue.inet.0 still exists")
		}
		if srv.Instance("blue") != nil {
			t.Errorf("Instance(blue) still returns the instance")
		}
		// The VPN path stays; only the import into blue is gone.
		waitIdle(t, srv.Scheduler())
		if got := routeCount(vpn); got != 1 {
			t.Errorf("got %v VPN routes, want 1", got)
		}
		if err := srv.DeleteInstance("blue"); err == nil {
			t.Errorf("second DeleteInstance succeeded, want error")
		}
	})

	if srv.Replicator().Added() == 0 || srv.Replicator().Withdrawn() == 0 {
		t.Errorf("got %v added and %v withdrawn replicas, want both nonzero", srv.Replicator().Added(), srv.Replicator().Withdrawn())
	}
}

func TestInstanceNames(t *testing.T) {
	srv := newFilterServer(t)
	for _, name := range []string{"", MasterInstance} {
		if _, err := srv.AddInstance(InstanceConfig{Name: name}); err == nil {
			t.Errorf("AddInstance(%q) succeeded, want error", name)
		}
	}
	addInstance(t, srv, "red", targetRed)
	if _, err := srv.AddInstance(InstanceConfig{Name: "red"}); err == nil {
		t.Errorf("duplicate AddInstance succeeded, want error")
	}
	addInstance(t, srv, "blue", targetBlue)
	var got []string
	for _, ri := range srv.Instances() {
		got = append(got, ri.Name())
	}
	if diff := cmp.Diff([]string{"blue", "red"}, got); diff != "" {
		t.Errorf("Instances() mismatch (-want +got):\n%s", diff)
	}
	if !srv.Instance(MasterInstance).IsMaster() {
		t.Errorf("master instance is not the master")
	}
	if want := NewRouteDistinguisherIP(srv.RouterID(), uint16(srv.Instance("red").Index())); srv.Instance("red").RD() != want {
		t.Errorf("got RD %v, want %v", srv.Instance("red").RD(), want)
	}
}
