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
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// XML namespaces used on the wire.
const (
	NSClient = "jabber:client"
	NSStream = "http://etherx.jabber.org/streams"
	NSTLS    = "urn:ietf:params:xml:ns:xmpp-tls"
	NSPubSub = "http://jabber.org/protocol/pubsub"
)

// Resources that select the handler of an iq or message. A stanza addressed
// to "control-node/config" is handled by the config channel.
const (
	ConfigResource = "config"
	RouteResource  = "bgp-peer"
)

// Node name prefixes for config subscriptions.
const (
	VirtualRouterPrefix  = "virtual-router:"
	VirtualMachinePrefix = "virtual-machine:"
)

// A Stanza is one unit of the XMPP stream.
type Stanza interface {
	stanza()
}

// StreamOpen is the stream header.
type StreamOpen struct {
	From    string
	To      string
	ID      string
	Version string
}

// StreamClose ends the stream.
type StreamClose struct{}

// Features lists the stream features offered by the server.
type Features struct {
	StartTLS bool
	Required bool
}

// StartTLS asks the server to upgrade the stream.
type StartTLS struct{}

// Proceed tells the client to begin the TLS handshake.
type Proceed struct{}

// Keepalive is whitespace between stanzas.
type Keepalive struct{}

// Unknown is a top-level element this package does not understand.
type Unknown struct {
	Name string
}

// Iq is an info/query stanza.
type Iq struct {
	XMLName xml.Name `xml:"iq"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	PubSub  *PubSub  `xml:"http://jabber.org/protocol/pubsub pubsub"`
}

// PubSub carries exactly one pubsub operation.
type PubSub struct {
	Subscribe   *Subscription `xml:"subscribe"`
	Unsubscribe *Subscription `xml:"unsubscribe"`
	Publish     *Publish      `xml:"publish"`
	Retract     *Retract      `xml:"retract"`
}

// Subscription names a pubsub node.
type Subscription struct {
	Node string `xml:"node,attr"`
}

// Publish carries items for a node.
type Publish struct {
	Node  string `xml:"node,attr"`
	Items []Item `xml:"item"`
}

// Retract withdraws items from a node.
type Retract struct {
	Node  string        `xml:"node,attr"`
	Items []RetractItem `xml:"item"`
}

// RetractItem names a withdrawn item.
type RetractItem struct {
	ID string `xml:"id,attr"`
}

// Item is a published route.
type Item struct {
	ID    string      `xml:"id,attr"`
	Entry *RouteEntry `xml:"entry"`
}

// RouteEntry describes a route published by an agent.
type RouteEntry struct {
	Prefix      string   `xml:"prefix"`
	NextHop     string   `xml:"next-hop"`
	Label       uint32   `xml:"label"`
	Communities []string `xml:"communities>community,omitempty"`
}

// Message is a one-way stanza.
type Message struct {
	XMLName xml.Name     `xml:"message"`
	Type    string       `xml:"type,attr,omitempty"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Config  *Config      `xml:"config"`
	Event   *PubSubEvent `xml:"http://jabber.org/protocol/pubsub event"`
}

// Config is a batch of config changes sent to an agent.
type Config struct {
	Updates []ConfigBlock `xml:"update"`
	Deletes []ConfigBlock `xml:"delete"`
}

// ConfigBlock groups nodes and links of one update or delete.
type ConfigBlock struct {
	Nodes []ConfigNode `xml:"node"`
	Links []ConfigLink `xml:"link"`
}

// ConfigNode is a config object.
type ConfigNode struct {
	Type       string     `xml:"type,attr"`
	Name       string     `xml:"name"`
	Properties []Property `xml:"property,omitempty"`
}

// Property is a name/value pair attached to a config node.
type Property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// ConfigLink connects two config objects.
type ConfigLink struct {
	Metadata string       `xml:"metadata,attr,omitempty"`
	Nodes    []ConfigNode `xml:"node"`
}

// PubSubEvent carries route updates for a subscribed node.
type PubSubEvent struct {
	Items EventItems `xml:"items"`
}

// EventItems lists new and withdrawn items of one node.
type EventItems struct {
	Node     string        `xml:"node,attr"`
	Items    []Item        `xml:"item"`
	Retracts []RetractItem `xml:"retract"`
}

func (StreamOpen) stanza()  {}
func (StreamClose) stanza() {}
func (Features) stanza()    {}
func (StartTLS) stanza()    {}
func (Proceed) stanza()     {}
func (Keepalive) stanza()   {}
func (Unknown) stanza()     {}
func (*Iq) stanza()         {}
func (*Message) stanza()    {}

// Resource returns the part of a JID after the slash, or "".
func Resource(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[i+1:]
	}
	return ""
}

// Bare returns the part of a JID before the slash.
func Bare(jid string) string {
	if i := strings.IndexByte(jid, '/'); i >= 0 {
		return jid[:i]
	}
	return jid
}

// Encode returns the wire form of s.
func Encode(s Stanza) ([]byte, error) {
	var b bytes.Buffer
	switch s := s.(type) {
	case StreamOpen:
		version := s.Version
		if version == "" {
			version = "1.0"
		}
		b.WriteString("<?xml version='1.0'?><stream:stream")
		writeAttr(&b, "from", s.From)
		writeAttr(&b, "to", s.To)
		writeAttr(&b, "id", s.ID)
		writeAttr(&b, "version", version)
		fmt.Fprintf(&b, " xmlns='%s' xmlns:stream='%s'>", NSClient, NSStream)
	case StreamClose:
		b.WriteString("</stream:stream>")
	case Features:
		b.WriteString("<stream:features>")
		if s.StartTLS {
			fmt.Fprintf(&b, "<starttls xmlns='%s'>", NSTLS)
			if s.Required {
				b.WriteString("<required/>")
			}
			b.WriteString("</starttls>")
		}
		b.WriteString("</stream:features>")
	case StartTLS:
		fmt.Fprintf(&b, "<starttls xmlns='%s'/>", NSTLS)
	case Proceed:
		fmt.Fprintf(&b, "<proceed xmlns='%s'/>", NSTLS)
	case Keepalive:
		b.WriteByte(' ')
	case *Iq, *Message:
		if err := xml.NewEncoder(&b).Encode(s); err != nil {
			return nil, errors.Wrap(err, "encode stanza")
		}
	default:
		return nil, errors.Errorf("cannot encode %T", s)
	}
	return b.Bytes(), nil
}

func writeAttr(b *bytes.Buffer, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, " %s='", name)
	_ = xml.EscapeText(b, []byte(value))
	b.WriteByte('\'')
}

// Describe returns a short name for logging.
func Describe(s Stanza) string {
	switch s := s.(type) {
	case StreamOpen:
		return "stream-open"
	case StreamClose:
		return "stream-close"
	case Features:
		return "features"
	case StartTLS:
		return "starttls"
	case Proceed:
		return "proceed"
	case Keepalive:
		return "keepalive"
	case Unknown:
		return "unknown:" + s.Name
	case *Iq:
		return "iq"
	case *Message:
		return "message"
	}
	return fmt.Sprintf("%T", s)
}
