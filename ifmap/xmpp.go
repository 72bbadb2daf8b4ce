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
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/xmpp"
)

// A Channel connects agent sessions to the server. Register it with an
// xmpp.Server for xmpp.ConfigResource.
type Channel struct {
	srv *Server
}

// NewChannel returns a Channel for srv.
func NewChannel(srv *Server) *Channel {
	return &Channel{srv: srv}
}

// ConnectionUp implements xmpp.Handler.
func (ch *Channel) ConnectionUp(c *xmpp.Connection) {
	ch.srv.AddClient(c.RemoteID(), c.Index(), c)
}

// ConnectionDown implements xmpp.Handler.
func (ch *Channel) ConnectionDown(c *xmpp.Connection) {
	ch.srv.DeleteClient(c.RemoteID())
}

// ReceiveStanza implements xmpp.Handler.
func (ch *Channel) ReceiveStanza(c *xmpp.Connection, st xmpp.Stanza) {
	ch.Receive(c.RemoteID(), st)
}

// Receive handles a stanza from the named agent.
func (ch *Channel) Receive(name string, st xmpp.Stanza) {
	iq, ok := st.(*xmpp.Iq)
	if !ok || iq.PubSub == nil {
		ch.srv.malformed.Add(1)
		return
	}
	ps := iq.PubSub
	switch {
	case ps.Subscribe != nil:
		ch.subscribe(name, ps.Subscribe.Node, true)
	case ps.Unsubscribe != nil:
		ch.subscribe(name, ps.Unsubscribe.Node, false)
	default:
		ch.srv.malformed.Add(1)
		ch.srv.log.WithField("client", name).Warn("Dropping config iq without a subscription")
	}
}

func (ch *Channel) subscribe(name, node string, add bool) {
	if vr, ok := strings.CutPrefix(node, xmpp.VirtualRouterPrefix); ok && vr != "" {
		if add {
			ch.srv.VrSubscribe(name, vr)
		} else {
			ch.srv.VrUnsubscribe(name, vr)
		}
		return
	}
	if vm, ok := strings.CutPrefix(node, xmpp.VirtualMachinePrefix); ok && vm != "" {
		if add {
			ch.srv.VmSubscribe(name, vm)
		} else {
			ch.srv.VmUnsubscribe(name, vm)
		}
		return
	}
	ch.srv.malformed.Add(1)
	ch.srv.log.WithFields(logrus.Fields{"client": name, "node": node}).Warn("Dropping subscription to an unknown node")
}
