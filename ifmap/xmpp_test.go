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
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/msiegen/controlnode/xmpp"
)

func subscribeIq(node string, add bool) *xmpp.Iq {
	sub := &xmpp.Subscription{Node: node}
	ps := &xmpp.PubSub{}
	if add {
		ps.Subscribe = sub
	} else {
		ps.Unsubscribe = sub
	}
	return &xmpp.Iq{Type: "set", From: "a", To: "control-node/" + xmpp.ConfigResource, PubSub: ps}
}

func TestChannel(t *testing.T) {
	srv, s := newTestServer(t, 0)
	if err := srv.ApplyConfig(testGraph()); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	ch := NewChannel(srv)
	a := newAgent("a")
	srv.AddClient("a", 0, a)

	for _, st := range []xmpp.Stanza{
		subscribeIq(xmpp.VirtualRouterPrefix+"vr1", true),
		subscribeIq(xmpp.VirtualMachinePrefix+vm1, true),
		subscribeIq(xmpp.VirtualMachinePrefix+vm3, true),
		subscribeIq(xmpp.VirtualMachinePrefix+vm3, false),
		subscribeIq("routing-instance:red", true),
		subscribeIq(xmpp.VirtualRouterPrefix, true),
		&xmpp.Iq{Type: "set"},
		&xmpp.Message{},
	} {
		ch.Receive("a", st)
	}
	waitIdle(t, s)

	if diff := cmp.Diff(sorted(vr1View), a.keys()); diff != "" {
		t.Errorf("agent view mismatch (-want +got):\n%s", diff)
	}
	st := srv.Stats()
	if st.Malformed != 4 {
		t.Errorf("got %d malformed stanzas, want 4", st.Malformed)
	}
	if st.VrSubscribes != 1 || st.VmSubscribes != 2 || st.Unsubscribes != 1 {
		t.Errorf("got %d vr subscribes, %d vm subscribes, %d unsubscribes, want 1, 2, 1", st.VrSubscribes, st.VmSubscribes, st.Unsubscribes)
	}

	ch.Receive("a", subscribeIq(xmpp.VirtualRouterPrefix+"vr1", false))
	srv.DeleteClient("a")
	waitIdle(t, s)
	if got := a.keys(); len(got) != 0 {
		t.Errorf("got agent view %v after unsubscribing, want empty", got)
	}
	if got := srv.Clients(); len(got) != 0 {
		t.Errorf("got clients %v after disconnect, want none", got)
	}
	if found, err := srv.HasClientState(context.Background(), 0); err != nil || found {
		t.Errorf("HasClientState(0) = %v, %v after disconnect, want false, nil", found, err)
	}
}
