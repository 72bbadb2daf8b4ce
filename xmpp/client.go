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
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/task"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// LocalID is the identity sent in stream headers.
	LocalID string
	// TLS, if not nil, makes the client negotiate TLS after the stream
	// header exchange.
	TLS    *tls.Config
	Timers *Timers
	Logger *logrus.Logger
	// Dial overrides how endpoints are reached.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// A Client keeps one outbound connection per remote identity and redials
// with backoff whenever a connection drops.
type Client struct {
	handlers

	s       *task.Scheduler
	log     *logrus.Entry
	localID string
	tls     *tls.Config
	timers  *Timers
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	conns   map[string]*Connection
	deleted map[*Connection]struct{}
}

// NewClient returns a client without connections.
func NewClient(s *task.Scheduler, cfg ClientConfig) *Client {
	l := cfg.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Client{
		s:       s,
		log:     l.WithField("component", "xmpp-client"),
		localID: cfg.LocalID,
		tls:     cfg.TLS,
		timers:  newTimers(cfg.Timers),
		dial:    cfg.Dial,
		conns:   map[string]*Connection{},
		deleted: map[*Connection]struct{}{},
	}
}

// AddConnection creates and starts a connection to remoteID at endpoint.
func (cl *Client) AddConnection(remoteID, endpoint string) (*Connection, error) {
	cl.mu.Lock()
	if _, ok := cl.conns[remoteID]; ok {
		cl.mu.Unlock()
		return nil, errors.Errorf("connection to %q already exists", remoteID)
	}
	c := newConnection(cl, cl.s, cl.log, connectionConfig{
		localID:  cl.localID,
		remoteID: remoteID,
		endpoint: endpoint,
		isClient: true,
		tls:      cl.tls,
		timers:   cl.timers,
		dial:     cl.dial,
	})
	cl.conns[remoteID] = c
	cl.mu.Unlock()
	c.sm.Initialize()
	return c, nil
}

// FindConnection returns the connection to remoteID, or nil.
func (cl *Client) FindConnection(remoteID string) *Connection {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.conns[remoteID]
}

// DeleteConnection stops c and destroys it once no task holds a reference.
func (cl *Client) DeleteConnection(c *Connection) {
	cl.mu.Lock()
	if _, ok := cl.deleted[c]; ok || c.IsDeleted() {
		cl.mu.Unlock()
		return
	}
	if cl.conns[c.RemoteID()] == c {
		delete(cl.conns, c.RemoteID())
	}
	cl.deleted[c] = struct{}{}
	cl.mu.Unlock()

	c.sm.Clear()
	c.deleter.RequestDelete()
}

// Connections returns the connections ordered by remote identity.
func (cl *Client) Connections() []*Connection {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]*Connection, 0, len(cl.conns))
	for _, c := range cl.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID() < out[j].RemoteID() })
	return out
}

// ConnectionCount returns the number of connections.
func (cl *Client) ConnectionCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.conns)
}

// DeletedCount returns the number of deleted connections that are not yet
// destroyed.
func (cl *Client) DeletedCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.deleted)
}

// Shutdown deletes every connection.
func (cl *Client) Shutdown() {
	for _, c := range cl.Connections() {
		cl.DeleteConnection(c)
	}
}

// Clients know their peer before dialing, so there is nothing to claim.
func (cl *Client) claim(c *Connection, remote string) bool { return true }

func (cl *Client) connectionUp(c *Connection) {
	c.log.Info("Connection established")
}

func (cl *Client) connectionDown(c *Connection) {
	c.log.Info("Connection down")
}

func (cl *Client) connectionIdle(c *Connection) {}

func (cl *Client) destroyed(c *Connection) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.deleted, c)
}
