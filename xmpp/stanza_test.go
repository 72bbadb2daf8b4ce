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

package xmpp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
)

const testStreamHeader = "<?xml version='1.0'?><stream:stream from='agent-1' to='control-node' version='1.0' " +
	"xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams'>"

func decodeAll(t *testing.T, in string) ([]string, []Stanza) {
	t.Helper()
	d := NewDecoder(strings.NewReader(in))
	var names []string
	var all []Stanza
	for {
		st, err := d.Next()
		if err == io.EOF {
			return names, all
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		names = append(names, Describe(st))
		all = append(all, st)
	}
}

func TestDecodeStream(t *testing.T) {
	in := testStreamHeader +
		"\n  " +
		"<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>" +
		" " +
		"<iq type='set' from='agent-1' to='control-node/bgp-peer' id='sub-1'>" +
		"<pubsub xmlns='http://jabber.org/protocol/pubsub'><subscribe node='blue'/></pubsub></iq>" +
		"<presence/>" +
		"<!-- ignored -->" +
		"<message to='agent-1/config'><config><update><node type='virtual-router'><name>vr-1</name></node></update></config></message>" +
		"</stream:stream>"

	names, all := decodeAll(t, in)
	want := []string{"stream-open", "keepalive", "features", "keepalive", "iq", "unknown:presence", "message", "stream-close"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("decoded stanzas (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(StreamOpen{From: "agent-1", To: "control-node", Version: "1.0"}, all[0]); diff != "" {
		t.Errorf("stream header (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Features{StartTLS: true, Required: true}, all[2]); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
	wantIq := &Iq{
		Type:   "set",
		From:   "agent-1",
		To:     "control-node/bgp-peer",
		ID:     "sub-1",
		PubSub: &PubSub{Subscribe: &Subscription{Node: "blue"}},
	}
	if diff := cmp.Diff(wantIq, all[4], cmpopts.IgnoreFields(Iq{}, "XMLName")); diff != "" {
		t.Errorf("iq (-want +got):\n%s", diff)
	}
	m := all[6].(*Message)
	if got := m.Config.Updates[0].Nodes[0].Name; got != "vr-1" {
		t.Errorf("config node name = %q, want vr-1", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, tc := range []struct {
		Name string
		In   string
	}{
		{
			Name: "stanza_before_header",
			In:   "<iq type='get'/>",
		},
		{
			Name: "text_before_header",
			In:   "hello",
		},
		{
			Name: "mismatched_end",
			In:   testStreamHeader + "<iq type='get'></message>",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			d := NewDecoder(strings.NewReader(tc.In))
			var err error
			for i := 0; i < 4 && err == nil; i++ {
				_, err = d.Next()
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Next error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	route := &Iq{
		Type: "set",
		From: "agent-1",
		To:   "control-node/bgp-peer",
		ID:   "pub-1",
		PubSub: &PubSub{Publish: &Publish{
			Node: "1/1/blue/10.1.1.0/24",
			Items: []Item{{
				ID: "10.1.1.0/24",
				Entry: &RouteEntry{
					Prefix:      "10.1.1.0/24",
					NextHop:     "192.168.0.1",
					Label:       16,
					Communities: []string{"no-export"},
				},
			}},
		}},
	}
	config := &Message{
		Type: "chat",
		To:   "agent-1/config",
		Config: &Config{
			Deletes: []ConfigBlock{{
				Links: []ConfigLink{{
					Metadata: "virtual-router-virtual-machine",
					Nodes: []ConfigNode{
						{Type: "virtual-router", Name: "vr-1"},
						{Type: "virtual-machine", Name: "vm-1", Properties: []Property{{Name: "uuid", Value: "00000000-0000-0000-0000-000000000001"}}},
					},
				}},
			}},
		},
	}

	var b bytes.Buffer
	for _, st := range []Stanza{
		StreamOpen{From: "control-node", To: "agent-1", ID: "s1"},
		Features{StartTLS: true},
		StartTLS{},
		Proceed{},
		route,
		Keepalive{},
		config,
		StreamClose{},
	} {
		enc, err := Encode(st)
		if err != nil {
			t.Fatalf("Encode(%s): %v", Describe(st), err)
		}
		b.Write(enc)
	}

	_, all := decodeAll(t, b.String())
	want := []Stanza{
		StreamOpen{From: "control-node", To: "agent-1", ID: "s1", Version: "1.0"},
		Features{StartTLS: true},
		StartTLS{},
		Proceed{},
		route,
		Keepalive{},
		config,
		StreamClose{},
	}
	ignore := cmpopts.IgnoreFields(Iq{}, "XMLName")
	ignoreMsg := cmpopts.IgnoreFields(Message{}, "XMLName")
	if diff := cmp.Diff(want, all, ignore, ignoreMsg, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("decoded stanzas (-want +got):\n%s", diff)
	}
}

func TestEncodeEscapesAttributes(t *testing.T) {
	b, err := Encode(StreamOpen{From: "a'b<c"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(b), "a'b") {
		t.Errorf("Encode did not escape the from attribute: %s", b)
	}
	_, all := decodeAll(t, string(b))
	if got := all[0].(StreamOpen).From; got != "a'b<c" {
		t.Errorf("decoded from = %q, want %q", got, "a'b<c")
	}
}

func TestJID(t *testing.T) {
	for _, tc := range []struct {
		JID          string
		WantBare     string
		WantResource string
	}{
		{JID: "control-node/bgp-peer", WantBare: "control-node", WantResource: "bgp-peer"},
		{JID: "agent-1", WantBare: "agent-1"},
		{JID: "a/b/c", WantBare: "a", WantResource: "b/c"},
	} {
		if got := Bare(tc.JID); got != tc.WantBare {
			t.Errorf("Bare(%q) = %q, want %q", tc.JID, got, tc.WantBare)
		}
		if got := Resource(tc.JID); got != tc.WantResource {
			t.Errorf("Resource(%q) = %q, want %q", tc.JID, got, tc.WantResource)
		}
	}
}
