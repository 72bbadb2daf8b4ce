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
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/lifetime"
	"github.com/msiegen/controlnode/task"
)

// ErrNotEstablished is returned when sending on a connection that is not
// established.
var ErrNotEstablished = errors.New("connection not established")

// A Handler consumes the iq and message stanzas addressed to one resource,
// and learns when connections come and go. Methods are called from the
// connection's task and must not block.
type Handler interface {
	ReceiveStanza(c *Connection, st Stanza)
	ConnectionUp(c *Connection)
	ConnectionDown(c *Connection)
}

// manager is implemented by Server and Client.
type manager interface {
	// claim binds a server connection to the identity from the peer's
	// stream header. It returns false if another connection owns it.
	claim(c *Connection, remote string) bool
	connectionUp(c *Connection)
	connectionDown(c *Connection)
	// connectionIdle is called when a server connection falls back to Idle.
	connectionIdle(c *Connection)
	// destroyed is called once the last reference to a deleted connection
	// is released.
	destroyed(c *Connection)
	handlerFor(resource string) Handler
	allHandlers() []Handler
}

type connectionConfig struct {
	localID  string
	remoteID string
	endpoint string
	isClient bool
	tls      *tls.Config
	timers   *Timers
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// A Connection is one XMPP peer relationship. It owns a state machine and,
// while connected, a transport session.
type Connection struct {
	mgr      manager
	s        *task.Scheduler
	log      *logrus.Entry
	id       int
	isClient bool
	localID  string
	endpoint string
	tls      *tls.Config
	timers   *Timers
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	sm        *StateMachine
	deleter   *lifetime.Deleter
	events    *task.WorkQueue[Event]
	keepalive *task.Timer

	mu       sync.Mutex
	remoteID string
	index    int

	dropped   atomic.Uint64
	unhandled atomic.Uint64
	sent      atomic.Uint64
	received  atomic.Uint64
}

// connectionIDs numbers connections for their task instances.
var connectionIDs atomic.Int64

func newConnection(mgr manager, s *task.Scheduler, log *logrus.Entry, cfg connectionConfig) *Connection {
	id := int(connectionIDs.Add(1))
	c := &Connection{
		mgr:      mgr,
		s:        s,
		id:       id,
		isClient: cfg.isClient,
		localID:  cfg.localID,
		endpoint: cfg.endpoint,
		tls:      cfg.tls,
		timers:   cfg.timers,
		dial:     cfg.dial,
		remoteID: cfg.remoteID,
		index:    -1,
	}
	c.log = log.WithFields(logrus.Fields{"peer": c.peerName(), "conn": id})
	if c.dial == nil {
		var d net.Dialer
		c.dial = d.DialContext
	}
	c.sm = newStateMachine(c)
	c.events = task.NewWorkQueue(s, stateMachineGroup, id, "xmpp event", c.process)
	c.keepalive = s.NewTimer("keepalive", stateMachineGroup, id)
	c.deleter = lifetime.NewDeleter(func() {
		c.events.Close()
		c.keepalive.Cancel()
		c.log.Debug("Connection destroyed")
		mgr.destroyed(c)
	})
	return c
}

func (c *Connection) peerName() string {
	if c.remoteID != "" {
		return c.remoteID
	}
	return c.endpoint
}

// StateMachine returns the connection's state machine.
func (c *Connection) StateMachine() *StateMachine { return c.sm }

// State returns the state machine's state.
func (c *Connection) State() State { return c.sm.State() }

// IsEstablished reports whether the connection is in Established.
func (c *Connection) IsEstablished() bool { return c.sm.State() == Established }

// IsClient reports whether this end initiated the connection.
func (c *Connection) IsClient() bool { return c.isClient }

// LocalID returns this end's identity.
func (c *Connection) LocalID() string { return c.localID }

// RemoteID returns the peer's identity, or "" if it is not known yet.
func (c *Connection) RemoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Endpoint returns the address a client connection dials.
func (c *Connection) Endpoint() string { return c.endpoint }

// Index returns the endpoint index of a server connection, or -1.
func (c *Connection) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

func (c *Connection) setIndex(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = i
}

// Deleter gates the destruction of the connection.
func (c *Connection) Deleter() *lifetime.Deleter { return c.deleter }

// IsDeleted reports whether deletion has been requested.
func (c *Connection) IsDeleted() bool { return c.deleter.IsMarkedForDeletion() }

// Send transmits an iq or message.
func (c *Connection) Send(st Stanza) error {
	s := c.sm.Session()
	if s == nil || !c.IsEstablished() {
		return ErrNotEstablished
	}
	if !s.Send(st) {
		return ErrNotEstablished
	}
	c.sent.Add(1)
	return nil
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	State     State
	Flaps     int
	Attempts  int
	Sent      uint64
	Received  uint64
	Dropped   uint64
	Unhandled uint64
}

// Stats returns the connection's counters.
func (c *Connection) Stats() Stats {
	return Stats{
		State:     c.sm.State(),
		Flaps:     c.sm.Flaps(),
		Attempts:  c.sm.Attempts(),
		Sent:      c.sent.Load(),
		Received:  c.received.Load(),
		Dropped:   c.dropped.Load(),
		Unhandled: c.unhandled.Load(),
	}
}

// post hands an event to the state machine. Events for a connection that is
// being deleted are dropped.
func (c *Connection) post(ev Event) {
	if !c.deleter.Retain() {
		if ev.Type == EvTcpConnected || ev.Type == EvTcpPassiveOpen {
			ev.Session.Close()
		}
		return
	}
	if !c.events.Enqueue(ev) {
		c.deleter.Release()
	}
}

func (c *Connection) process(ev Event) {
	defer c.deleter.Release()
	c.sm.process(ev)
}

// connect dials the endpoint and reports the outcome. It runs on its own
// goroutine.
func (c *Connection) connect(ctx context.Context, gen uint64) {
	conn, err := c.dial(ctx, "tcp", c.endpoint)
	if err != nil {
		c.post(Event{Type: EvTcpConnectFailed, Err: err, gen: gen})
		return
	}
	s := newSession(conn, true, c.tls, c, c.log)
	c.post(Event{Type: EvTcpConnected, Session: s, gen: gen})
}

func (c *Connection) sessionStanza(s *Session, st Stanza) {
	ev := Event{Session: s, Stanza: st}
	switch st.(type) {
	case StreamOpen:
		ev.Type = EvOpen
	case StreamClose:
		ev.Type = EvTcpClose
	case Features:
		ev.Type = EvStreamFeatureRequest
	case StartTLS:
		ev.Type = EvStartTls
	case Proceed:
		ev.Type = EvTlsProceed
	case Keepalive:
		ev.Type = EvKeepalive
	case *Message:
		ev.Type = EvMessage
	case *Iq:
		ev.Type = EvIq
	default:
		c.dropped.Add(1)
		c.log.WithField("stanza", Describe(st)).Warn("Dropped unknown stanza")
		return
	}
	c.received.Add(1)
	c.post(ev)
}

func (c *Connection) sessionTLS(s *Session, err error) {
	if err != nil {
		c.post(Event{Type: EvTlsHandshakeFailure, Session: s, Err: err})
		return
	}
	c.post(Event{Type: EvTlsHandshakeSuccess, Session: s})
}

func (c *Connection) sessionClosed(s *Session, err error) {
	c.post(Event{Type: EvTcpClose, Session: s, Err: err})
}

// learnRemote records the peer identity announced by a server.
func (c *Connection) learnRemote(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteID == "" {
		c.remoteID = id
	}
}

func (c *Connection) claim(remote string) bool {
	if remote == "" {
		c.log.Warn("Stream header without a from address")
		return false
	}
	return c.mgr.claim(c, remote)
}

// deliver passes an iq or message to the handler of its resource.
func (c *Connection) deliver(st Stanza) {
	var to string
	switch st := st.(type) {
	case *Iq:
		to = st.To
	case *Message:
		to = st.To
	}
	h := c.mgr.handlerFor(Resource(to))
	if h == nil {
		c.unhandled.Add(1)
		c.log.WithField("to", to).Debug("No handler for stanza")
		return
	}
	h.ReceiveStanza(c, st)
}

func (c *Connection) up() {
	c.keepalive.Start(c.timers.KeepaliveInterval(), c.sendKeepalive)
	c.mgr.connectionUp(c)
	for _, h := range c.mgr.allHandlers() {
		h.ConnectionUp(c)
	}
}

func (c *Connection) down() {
	c.keepalive.Cancel()
	for _, h := range c.mgr.allHandlers() {
		h.ConnectionDown(c)
	}
	c.mgr.connectionDown(c)
}

func (c *Connection) idle() {
	c.mgr.connectionIdle(c)
}

func (c *Connection) sendKeepalive() {
	s := c.sm.Session()
	if s == nil || !c.IsEstablished() {
		return
	}
	s.Send(Keepalive{})
	c.keepalive.Start(c.timers.KeepaliveInterval(), c.sendKeepalive)
}
