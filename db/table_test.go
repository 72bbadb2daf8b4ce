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

package db

import (
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/msiegen/controlnode/task"
)

type testEntry struct {
	EntryBase
	key  []byte
	name string
}

func (e *testEntry) Key() []byte { return e.key }

func prefixEntry(s string) *testEntry {
	return &testEntry{key: PrefixKey(netip.MustParsePrefix(s)), name: s}
}

func waitIdle(t *testing.T, s *task.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle: %v", err)
	}
}

func newTestTable(t *testing.T, opts TableOptions) (*task.Scheduler, *Table) {
	t.Helper()
	s := task.NewScheduler(task.Options{Workers: 4})
	d := New(s, nil)
	tbl, err := d.CreateTable("test.0", opts)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if _, err := d.CreateTable("test.0", opts); err == nil {
		t.Errorf("CreateTable with a duplicate name succeeded")
	}
	return s, tbl
}

func name(e Entry) string {
	if e == nil {
		return ""
	}
	return e.(*testEntry).name
}

func TestInsertRemoveIdempotent(t *testing.T) {
	_, tbl := newTestTable(t, TableOptions{})
	a := prefixEntry("10.0.0.0/8")
	dup := prefixEntry("10.0.0.0/8")

	if !tbl.Insert(a) {
		t.Fatalf("Insert(a) = false, want true")
	}
	if tbl.Insert(dup) {
		t.Errorf("Insert of a duplicate key = true, want false")
	}
	if got := name(tbl.Find(a.Key())); got != "10.0.0.0/8" {
		t.Errorf("Find() = %q, want %q", got, "10.0.0.0/8")
	}
	if tbl.Find(a.Key()) != Entry(a) {
		t.Errorf("Find() returned the duplicate, want the original")
	}
	if !tbl.Remove(a) {
		t.Errorf("Remove(a) = false, want true")
	}
	if tbl.Remove(a) {
		t.Errorf("second Remove(a) = true, want false")
	}
	if tbl.Find(a.Key()) != nil {
		t.Errorf("Find() after Remove returned an entry")
	}
	if !tbl.IsEmpty() {
		t.Errorf("IsEmpty() = false, want true")
	}
}

func TestRemoveOtherEntryWithSameKey(t *testing.T) {
	_, tbl := newTestTable(t, TableOptions{Partitions: 2})
	a := prefixEntry("10.0.0.0/8")
	dup := prefixEntry("10.0.0.0/8")
	if !tbl.Insert(a) {
		t.Fatalf("Insert(a) = false, want true")
	}
	if tbl.Remove(dup) {
		t.Errorf("Remove of an unlinked entry with a linked key = true, want false")
	}
	if tbl.Find(a.Key()) != Entry(a) {
		t.Errorf("Find() after removing the other entry did not return a")
	}
	if got := tbl.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
	if !tbl.Remove(a) {
		t.Errorf("Remove(a) = false, want true")
	}
}

func TestLPMFind(t *testing.T) {
	_, tbl := newTestTable(t, TableOptions{Partitions: 3, Partitioner: HashPrefix})
	for _, p := range []string{
		"0.0.0.0/0",
		"10.0.0.0/8",
		"10.1.0.0/16",
		"10.1.1.0/24",
		"10.1.1.128/25",
		"192.168.0.0/16",
		"2001:db8::/32",
	} {
		tbl.Insert(prefixEntry(p))
	}
	for _, tc := range []struct {
		Addr string
		Want string
	}{
		{"10.1.1.200", "10.1.1.128/25"},
		{"10.1.1.1", "10.1.1.0/24"},
		{"10.1.2.1", "10.1.0.0/16"},
		{"10.2.0.1", "10.0.0.0/8"},
		{"11.0.0.1", "0.0.0.0/0"},
		{"192.168.255.255", "192.168.0.0/16"},
		{"2001:db8::1", "2001:db8::/32"},
		{"2001:db9::1", ""},
	} {
		t.Run(tc.Addr, func(t *testing.T) {
			got := name(tbl.LPMFind(HostKey(netip.MustParseAddr(tc.Addr))))
			if got != tc.Want {
				t.Errorf("LPMFind(%s) = %q, want %q", tc.Addr, got, tc.Want)
			}
		})
	}

	t.Run("skips_deleted", func(t *testing.T) {
		e := tbl.Find(PrefixKey(netip.MustParsePrefix("10.1.1.128/25")))
		e.base().setDeleted(true)
		defer e.base().setDeleted(false)
		got := name(tbl.LPMFind(HostKey(netip.MustParseAddr("10.1.1.200"))))
		if want := "10.1.1.0/24"; got != want {
			t.Errorf("LPMFind() = %q, want %q", got, want)
		}
	})
}

func TestFindNextOrder(t *testing.T) {
	_, tbl := newTestTable(t, TableOptions{Partitions: 5})
	r := rand.New(rand.NewSource(1))
	var prefixes []netip.Prefix
	seen := map[netip.Prefix]bool{}
	for len(prefixes) < 200 {
		var a [4]byte
		r.Read(a[:])
		p := netip.PrefixFrom(netip.AddrFrom4(a), 8+r.Intn(25)).Masked()
		if seen[p] {
			continue
		}
		seen[p] = true
		prefixes = append(prefixes, p)
	}
	entries := map[netip.Prefix]*testEntry{}
	for _, p := range prefixes {
		e := prefixEntry(p.String())
		entries[p] = e
		tbl.Insert(e)
	}
	// Remove and reinsert a random half.
	r.Shuffle(len(prefixes), func(i, j int) { prefixes[i], prefixes[j] = prefixes[j], prefixes[i] })
	for _, p := range prefixes[:100] {
		tbl.Remove(entries[p])
	}
	for _, p := range prefixes[:100] {
		tbl.Insert(entries[p])
	}

	sorted := append([]netip.Prefix(nil), prefixes...)
	sort.Slice(sorted, func(i, j int) bool {
		ai, aj := sorted[i].Addr(), sorted[j].Addr()
		if c := ai.Compare(aj); c != 0 {
			return c < 0
		}
		return sorted[i].Bits() < sorted[j].Bits()
	})
	var want []string
	for _, p := range sorted {
		want = append(want, p.String())
	}

	var got []string
	for e := tbl.GetNext(nil); e != nil; e = tbl.GetNext(e) {
		got = append(got, name(e))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetNext order mismatch (-want +got):\n%s", diff)
	}

	var walked []string
	tbl.Walk(func(e Entry) bool {
		walked = append(walked, name(e))
		return true
	})
	if diff := cmp.Diff(want, walked); diff != "" {
		t.Errorf("Walk order mismatch (-want +got):\n%s", diff)
	}

	if got := name(tbl.FindNext(PrefixKey(sorted[10]))); got != want[11] {
		t.Errorf("FindNext(%s) = %q, want %q", sorted[10], got, want[11])
	}
}

func TestEraseWhileWalking(t *testing.T) {
	_, tbl := newTestTable(t, TableOptions{Partitions: 2})
	for i := 0; i < 50; i++ {
		tbl.Insert(prefixEntry(netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 16).String()))
	}
	visited := 0
	tbl.Walk(func(e Entry) bool {
		visited++
		tbl.Remove(e)
		if next := tbl.GetNext(e); next != nil {
			tbl.Remove(next)
		}
		return true
	})
	if visited != 50 {
		t.Errorf("visited %d entries, want 50 from the snapshot", visited)
	}
	if got := tbl.Size(); got != 0 {
		t.Errorf("Size() = %d after erasing everything, want 0", got)
	}
}

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recorder) listen(p *Partition, e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[name(e)]++
}

func (r *recorder) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for k, v := range r.calls {
		out[k] = v
	}
	return out
}

func TestNotifyBatching(t *testing.T) {
	s, tbl := newTestTable(t, TableOptions{Partitions: 2})
	var r recorder
	tbl.Register("recorder", r.listen)

	entries := []*testEntry{prefixEntry("10.0.0.0/8"), prefixEntry("20.0.0.0/8"), prefixEntry("30.0.0.0/8")}
	for _, e := range entries {
		tbl.Insert(e)
	}

	// Hold every partition so that repeated notifications coalesce.
	release := make(chan struct{})
	s.EnqueueFunc(TaskGroup, task.AnyInstance, "hold", func() { <-release })
	for i := 0; i < 3; i++ {
		for _, e := range entries {
			tbl.Notify(e)
		}
	}
	close(release)
	waitIdle(t, s)

	want := map[string]int{"10.0.0.0/8": 1, "20.0.0.0/8": 1, "30.0.0.0/8": 1}
	if diff := cmp.Diff(want, r.snapshot()); diff != "" {
		t.Errorf("listener calls mismatch (-want +got):\n%s", diff)
	}
	if got := tbl.NotifyCount(); got != 3 {
		t.Errorf("NotifyCount() = %d, want 3", got)
	}
}

func TestDeleteKeepsTombstoneWhileStateHeld(t *testing.T) {
	s, tbl := newTestTable(t, TableOptions{})
	var id ListenerID
	id = tbl.Register("stateful", func(p *Partition, e Entry) {
		if !e.(*testEntry).IsDeleted() {
			e.(*testEntry).SetState(id, "seen")
		}
	})
	other := tbl.Register("stateless", func(*Partition, Entry) {})

	e := prefixEntry("10.0.0.0/8")
	tbl.Insert(e)
	tbl.Notify(e)
	waitIdle(t, s)
	if got := e.State(id); got != "seen" {
		t.Fatalf("State() = %v, want %q", got, "seen")
	}

	tbl.Delete(e)
	waitIdle(t, s)
	if tbl.Find(e.Key()) == nil {
		t.Fatalf("deleted entry was unlinked while a listener held state")
	}

	tbl.ClearState(e, other)
	if tbl.Find(e.Key()) == nil {
		t.Fatalf("clearing absent state unlinked the entry")
	}
	tbl.ClearState(e, id)
	if tbl.Find(e.Key()) != nil {
		t.Errorf("deleted entry still linked after its last state was cleared")
	}
}

func TestDeleteWithoutStateUnlinks(t *testing.T) {
	s, tbl := newTestTable(t, TableOptions{})
	e := prefixEntry("10.0.0.0/8")
	tbl.Insert(e)
	tbl.Delete(e)
	waitIdle(t, s)
	if got := tbl.Size(); got != 0 {
		t.Errorf("Size() = %d, want 0", got)
	}
}

func TestUnregisterClearsStateBeforeReuse(t *testing.T) {
	s, tbl := newTestTable(t, TableOptions{Partitions: 3})
	var id ListenerID
	id = tbl.Register("a", func(p *Partition, e Entry) {
		e.(*testEntry).SetState(id, true)
	})
	var entries []*testEntry
	for i := 0; i < 10; i++ {
		e := prefixEntry(netip.PrefixFrom(netip.AddrFrom4([4]byte{10, byte(i), 0, 0}), 16).String())
		entries = append(entries, e)
		tbl.Insert(e)
		tbl.Notify(e)
	}
	waitIdle(t, s)

	tbl.Unregister(id)
	waitIdle(t, s)
	for _, e := range entries {
		if e.HasState() {
			t.Errorf("%s still has listener state after Unregister", e.name)
		}
	}
	if got := tbl.Register("b", func(*Partition, Entry) {}); got != id {
		t.Errorf("Register after Unregister = %d, want reused id %d", got, id)
	}
	if got := tbl.ListenerCount(); got != 1 {
		t.Errorf("ListenerCount() = %d, want 1", got)
	}
}

func TestNotifyListener(t *testing.T) {
	s, tbl := newTestTable(t, TableOptions{Partitions: 2})
	for _, p := range []string{"10.0.0.0/8", "20.0.0.0/8"} {
		tbl.Insert(prefixEntry(p))
	}
	var early, late recorder
	tbl.Register("early", early.listen)
	id := tbl.Register("late", late.listen)
	tbl.NotifyListener(id)
	waitIdle(t, s)
	if diff := cmp.Diff(map[string]int{"10.0.0.0/8": 1, "20.0.0.0/8": 1}, late.snapshot()); diff != "" {
		t.Errorf("initial sync mismatch (-want +got):\n%s", diff)
	}
	if got := early.snapshot(); len(got) != 0 {
		t.Errorf("other listener got %v, want nothing", got)
	}
}

func TestEnqueue(t *testing.T) {
	var s *task.Scheduler
	var tbl *Table
	s, tbl = newTestTable(t, TableOptions{
		Partitions: 4,
		Input: func(p *Partition, req *Request) {
			s.CheckConcurrency(TaskGroup)
			e := p.Find(req.Key)
			switch req.Op {
			case AddChange:
				if e == nil {
					e = &testEntry{key: req.Key, name: req.Data.(string)}
					p.Insert(e)
				}
				p.Notify(e)
			case Delete:
				if e != nil {
					p.Delete(e)
				}
			}
		},
	})
	for _, p := range []string{"10.0.0.0/8", "20.0.0.0/8", "30.0.0.0/8"} {
		key := PrefixKey(netip.MustParsePrefix(p))
		if !tbl.Enqueue(&Request{Op: AddChange, Key: key, Data: p}) {
			t.Fatalf("Enqueue(%s) = false", p)
		}
	}
	waitIdle(t, s)
	if got := tbl.Size(); got != 3 {
		t.Errorf("Size() = %d after adds, want 3", got)
	}
	tbl.Enqueue(&Request{Op: Delete, Key: PrefixKey(netip.MustParsePrefix("20.0.0.0/8"))})
	waitIdle(t, s)
	if got := tbl.Size(); got != 2 {
		t.Errorf("Size() = %d after delete, want 2", got)
	}
	if got := tbl.InputCount(); got != 4 {
		t.Errorf("InputCount() = %d, want 4", got)
	}
}

func TestPrefixKey(t *testing.T) {
	for _, tc := range []struct {
		Name   string
		Key    []byte
		Want   netip.Prefix
		WantRD [8]byte
	}{
		{
			Name: "inet",
			Key:  PrefixKey(netip.MustParsePrefix("192.168.24.0/24")),
			Want: netip.MustParsePrefix("192.168.24.0/24"),
		},
		{
			Name: "inet_masks_host_bits",
			Key:  PrefixKey(netip.MustParsePrefix("192.168.24.7/24")),
			Want: netip.MustParsePrefix("192.168.24.0/24"),
		},
		{
			Name: "default",
			Key:  PrefixKey(netip.MustParsePrefix("0.0.0.0/0")),
			Want: netip.MustParsePrefix("0.0.0.0/0"),
		},
		{
			Name: "inet6",
			Key:  PrefixKey(netip.MustParsePrefix("2001:db8::/48")),
			Want: netip.MustParsePrefix("2001:db8::/48"),
		},
		{
			Name:   "vpn",
			Key:    VPNKey([8]byte{0, 0, 0, 100, 0, 0, 0, 1}, netip.MustParsePrefix("10.1.0.0/16")),
			Want:   netip.MustParsePrefix("10.1.0.0/16"),
			WantRD: [8]byte{0, 0, 0, 100, 0, 0, 0, 1},
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, rd, ok := ParsePrefixKey(tc.Key)
			if !ok {
				t.Fatalf("ParsePrefixKey() failed")
			}
			if got != tc.Want {
				t.Errorf("ParsePrefixKey() = %v, want %v", got, tc.Want)
			}
			if rd != tc.WantRD {
				t.Errorf("ParsePrefixKey() rd = %v, want %v", rd, tc.WantRD)
			}
		})
	}

	p := netip.MustParsePrefix("172.16.0.0/12")
	if HashPrefix(PrefixKey(p)) != HashPrefix(VPNKey([8]byte{1}, p)) {
		t.Errorf("HashPrefix differs between inet and VPN keys of the same prefix")
	}
}
