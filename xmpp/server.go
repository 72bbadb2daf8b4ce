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

// Package xmpp implements the XMPP channel between the control node and its
// agents: the stanza codec, the transport session with in-place TLS upgrade,
// the per-connection state machine, and the server and client managers.
package xmpp

import (
	"crypto/tls"
	"net"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/task"
)

// ServerGroup is the task group of the connection managers.
const ServerGroup = "xmpp::Server"

// DefaultMaxEndpoints bounds the endpoint index space of a server.
const DefaultMaxEndpoints = 4095

// handlers routes stanzas to the Handler registered for their resource.
type handlers struct {
	hmu   sync.Mutex
	byRes map[string]Handler
	order []string
}

// RegisterHandler sets the handler for stanzas addressed to resource.
func (h *handlers) RegisterHandler(resource string, handler Handler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	if h.byRes == nil {
		h.byRes = map[string]Handler{}
	}
	if _, ok := h.byRes[resource]; !ok {
		h.order = append(h.order, resource)
	}
	h.byRes[resource] = handler
}

func (h *handlers) handlerFor(resource string) Handler {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	return h.byRes[resource]
}

func (h *handlers) allHandlers() []Handler {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	out := make([]Handler, 0, len(h.order))
	for _, r := range h.order {
		out = append(out, h.byRes[r])
	}
	return out
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// LocalID is the identity sent in stream headers.
	LocalID string
	// TLS, if not nil, makes TLS mandatory for every connection.
	TLS *tls.Config
	// Timers overrides the default intervals.
	Timers *Timers
	// MaxEndpoints bounds the endpoint index space. If zero,
	// DefaultMaxEndpoints.
	MaxEndpoints int
	Logger       *logrus.Logger
}

// A Server accepts XMPP connections from agents. Each agent identity has at
// most one live connection and a stable endpoint index.
type Server struct {
	handlers

	s       *task.Scheduler
	log     *logrus.Entry
	localID string
	tls     *tls.Config
	timers  *Timers
	accepts *task.WorkQueue[net.Conn]

	t  tomb.Tomb
	ln net.Listener

	mu         sync.Mutex
	live       map[string]*Connection
	pending    map[*Connection]struct{}
	deleted    map[*Connection]struct{}
	endpoints  map[string]int
	indexes    *db.IndexAllocator
	duplicates uint64
	accepted   uint64
	upCount    uint64
	downCount  uint64
}

// NewServer returns a server. Call Serve to start accepting.
func NewServer(s *task.Scheduler, cfg ServerConfig) *Server {
	l := cfg.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	maxEndpoints := cfg.MaxEndpoints
	if maxEndpoints <= 0 {
		maxEndpoints = DefaultMaxEndpoints
	}
	srv := &Server{
		s:         s,
		log:       l.WithField("component", "xmpp-server"),
		localID:   cfg.LocalID,
		tls:       cfg.TLS,
		timers:    newTimers(cfg.Timers),
		live:      map[string]*Connection{},
		pending:   map[*Connection]struct{}{},
		deleted:   map[*Connection]struct{}{},
		endpoints: map[string]int{},
		indexes:   db.NewIndexAllocator(maxEndpoints),
	}
	srv.accepts = task.NewWorkQueue(s, ServerGroup, 0, "accept", srv.accept)
	return srv
}

// Listen opens a TCP listener on addr and serves it.
func (srv *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	srv.Serve(ln)
	return nil
}

// Serve accepts connections from ln until Shutdown.
func (srv *Server) Serve(ln net.Listener) {
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	srv.log.WithField("addr", ln.Addr().String()).Info("Accepting XMPP connections")
	srv.t.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !srv.t.Alive() {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			srv.accepts.Enqueue(conn)
		}
	})
	srv.t.Go(func() error {
		<-srv.t.Dying()
		return ln.Close()
	})
}

// Addr returns the listener address, or nil before Serve.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Shutdown stops accepting and deletes every connection.
func (srv *Server) Shutdown() error {
	srv.mu.Lock()
	serving := srv.ln != nil
	srv.mu.Unlock()
	var err error
	if serving {
		srv.t.Kill(nil)
		err = srv.t.Wait()
	}
	srv.accepts.Close()
	for _, c := range srv.allConnections() {
		srv.DeleteConnection(c)
	}
	return err
}

// accept runs in the ServerGroup task.
func (srv *Server) accept(conn net.Conn) {
	c := newConnection(srv, srv.s, srv.log, connectionConfig{
		localID:  srv.localID,
		endpoint: conn.RemoteAddr().String(),
		tls:      srv.tls,
		timers:   srv.timers,
	})
	srv.mu.Lock()
	srv.pending[c] = struct{}{}
	srv.accepted++
	srv.mu.Unlock()
	c.log.Debug("Accepted connection")
	c.sm.Initialize()
	c.post(Event{Type: EvTcpPassiveOpen, Session: newSession(conn, false, srv.tls, c, c.log)})
}

func (srv *Server) claim(c *Connection, remote string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if other, ok := srv.live[remote]; ok && other != c && !other.IsDeleted() && other.State() != Idle {
		srv.duplicates++
		c.log.WithField("identity", remote).Warn("Closing duplicate connection")
		return false
	}
	idx, ok := srv.endpoints[remote]
	if !ok {
		idx = srv.indexes.Alloc()
		if idx == db.NoIndex {
			c.log.WithField("identity", remote).Error("Out of endpoint indexes")
			return false
		}
		srv.endpoints[remote] = idx
	}
	delete(srv.pending, c)
	srv.live[remote] = c
	c.learnRemote(remote)
	c.setIndex(idx)
	return true
}

func (srv *Server) connectionUp(c *Connection) {
	srv.mu.Lock()
	srv.upCount++
	srv.mu.Unlock()
	c.log.Info("Connection established")
}

func (srv *Server) connectionDown(c *Connection) {
	srv.mu.Lock()
	srv.downCount++
	srv.mu.Unlock()
	c.log.Info("Connection down")
}

func (srv *Server) connectionIdle(c *Connection) {
	srv.s.EnqueueFunc(ServerGroup, 0, "delete connection", func() {
		srv.DeleteConnection(c)
	})
}

func (srv *Server) destroyed(c *Connection) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.deleted, c)
}

// FindConnection returns the live connection of an agent identity, or nil.
func (srv *Server) FindConnection(identity string) *Connection {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.live[identity]
}

// InsertConnection registers c under its remote identity. It fails if a
// live connection already owns that identity.
func (srv *Server) InsertConnection(c *Connection) error {
	remote := c.RemoteID()
	if remote == "" {
		return errors.New("connection has no remote identity")
	}
	if !srv.claim(c, remote) {
		return errors.Errorf("identity %q already connected", remote)
	}
	return nil
}

// DeleteConnection unlinks c from lookups, stops its state machine, and
// destroys it once no task holds a reference.
func (srv *Server) DeleteConnection(c *Connection) {
	srv.mu.Lock()
	if _, ok := srv.deleted[c]; ok || c.IsDeleted() {
		srv.mu.Unlock()
		return
	}
	if remote := c.RemoteID(); remote != "" && srv.live[remote] == c {
		delete(srv.live, remote)
	}
	delete(srv.pending, c)
	srv.deleted[c] = struct{}{}
	srv.mu.Unlock()

	c.sm.Clear()
	c.deleter.RequestDelete()
}

// RemoveEndpoint releases the endpoint index of identity. It fails while a
// live connection uses it.
func (srv *Server) RemoveEndpoint(identity string) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if _, ok := srv.live[identity]; ok {
		return errors.Errorf("identity %q is connected", identity)
	}
	idx, ok := srv.endpoints[identity]
	if !ok {
		return errors.Errorf("identity %q has no endpoint", identity)
	}
	srv.indexes.Free(idx)
	delete(srv.endpoints, identity)
	return nil
}

// EndpointIndex returns the index of identity, or db.NoIndex.
func (srv *Server) EndpointIndex(identity string) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if idx, ok := srv.endpoints[identity]; ok {
		return idx
	}
	return db.NoIndex
}

// Connections returns the live connections ordered by identity.
func (srv *Server) Connections() []*Connection {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Connection, 0, len(srv.live))
	for _, c := range srv.live {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID() < out[j].RemoteID() })
	return out
}

func (srv *Server) allConnections() []*Connection {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*Connection, 0, len(srv.live)+len(srv.pending))
	for _, c := range srv.live {
		out = append(out, c)
	}
	for c := range srv.pending {
		out = append(out, c)
	}
	return out
}

// ConnectionCount returns the number of identified live connections.
func (srv *Server) ConnectionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.live)
}

// DeletedCount returns the number of deleted connections that are not yet
// destroyed.
func (srv *Server) DeletedCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.deleted)
}

// Duplicates returns how many connections were closed because their
// identity was already connected.
func (srv *Server) Duplicates() uint64 {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.duplicates
}

// ServerStats is a snapshot of a server's counters.
type ServerStats struct {
	Connections int
	Established int
	Pending     int
	Deleted     int
	Endpoints   int
	Accepted    uint64
	Duplicates  uint64
	Ups         uint64
	Downs       uint64
}

// Stats returns the server's counters.
func (srv *Server) Stats() ServerStats {
	established := 0
	for _, c := range srv.Connections() {
		if c.IsEstablished() {
			established++
		}
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return ServerStats{
		Established: established,
		Connections: len(srv.live),
		Pending:     len(srv.pending),
		Deleted:     len(srv.deleted),
		Endpoints:   len(srv.endpoints),
		Accepted:    srv.accepted,
		Duplicates:  srv.duplicates,
		Ups:         srv.upCount,
		Downs:       srv.downCount,
	}
}
