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
	"context"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/msiegen/controlnode/db"
	"github.com/msiegen/controlnode/lifetime"
	"github.com/msiegen/controlnode/task"
)

// ServerConfig holds the identity of a BGP server.
type ServerConfig struct {
	// Name is the server's short name. If present, it will be announced to
	// peers via the FQDN capability.
	Name string
	// RouterID is a unique identifier for this router within its AS. It must be
	// an IPv4 address.
	RouterID netip.Addr
	// ASN is the autonomous system number. This is required.
	ASN uint32
	// Partitions is the number of partitions of every table. If zero, one
	// partition is used.
	Partitions int
	// DB holds the tables. If nil, the server creates its own.
	DB *db.DB
	// Logger is the destination for logs. If nil, the standard logger is used.
	Logger *logrus.Logger
}

// Server is a BGP server. It owns the VPN table, the routing instances and
// the sessions with BGP neighbors.
type Server struct {
	name       string
	routerID   netip.Addr
	asn        uint32
	partitions int

	sched      *task.Scheduler
	db         *db.DB
	attrs      *AttrDB
	peers      *Registry
	replicator *Replicator
	log        *logrus.Entry

	mu           sync.Mutex
	master       *RoutingInstance
	instanceIDs  *db.IndexAllocator
	instances    map[string]*RoutingInstance
	deleteHooks  []func(*RoutingInstance)
	bgpPeers     map[netip.Addr]*Peer
	listeners    []net.Listener
	running      bool
	closed       bool
	serverClosed chan struct{}
	peersStopped chan struct{}
}

// NewServer returns a server with the master instance and its VPN table.
func NewServer(s *task.Scheduler, cfg ServerConfig) (*Server, error) {
	if !cfg.RouterID.Is4() {
		return nil, errors.Errorf("router ID must be an IPv4 address: %v", cfg.RouterID)
	}
	if _, err := twoByteASN(cfg.ASN); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := cfg.DB
	if d == nil {
		d = db.New(s, logger)
	}
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	srv := &Server{
		name:         cfg.Name,
		routerID:     cfg.RouterID,
		asn:          cfg.ASN,
		partitions:   partitions,
		sched:        s,
		db:           d,
		attrs:        NewAttrDB(),
		peers:        NewRegistry(),
		log:          logger.WithFields(logrus.Fields{"component": "bgp", "router-id": cfg.RouterID}),
		instanceIDs:  db.NewIndexAllocator(maxRoutingInstances),
		instances:    map[string]*RoutingInstance{},
		bgpPeers:     map[netip.Addr]*Peer{},
		serverClosed: make(chan struct{}),
		peersStopped: make(chan struct{}),
	}
	srv.replicator = newReplicator(srv)
	if err := srv.createMaster(); err != nil {
		return nil, err
	}
	return srv, nil
}

// RouterID returns the BGP identifier.
func (s *Server) RouterID() netip.Addr { return s.routerID }

// ASN returns the local AS number.
func (s *Server) ASN() uint32 { return s.asn }

// Scheduler returns the task scheduler of the server's tables.
func (s *Server) Scheduler() *task.Scheduler { return s.sched }

// DB returns the table database.
func (s *Server) DB() *db.DB { return s.db }

// AttrDB returns the interned attribute store.
func (s *Server) AttrDB() *AttrDB { return s.attrs }

// Registry returns the peer registry. Path peer indexes resolve here.
func (s *Server) Registry() *Registry { return s.peers }

// Replicator returns the route replicator.
func (s *Server) Replicator() *Replicator { return s.replicator }

// RegisterPeer adds a non-BGP source of paths, such as an XMPP agent, to the
// registry.
func (s *Server) RegisterPeer(p RibPeer) (int, error) {
	return s.peers.Register(p)
}

// UnregisterPeer frees the index of a peer added with RegisterPeer. The
// caller must have removed the peer's paths.
func (s *Server) UnregisterPeer(index int) {
	s.peers.Unregister(index)
}

func (s *Server) fatalf(format string, v ...any) {
	s.log.Panicf(format, v...)
}

func (s *Server) startPeer(p *Peer) error {
	// invariant: s.mu is locked
	if p.cfg.ConfigureListener != nil {
		for _, l := range s.listeners {
			if err := p.cfg.ConfigureListener(l); err != nil {
				return err
			}
		}
	}
	p.start(s)
	return nil
}

// AddPeer adds a BGP neighbor.
//
// Peers that are added to a non-running server will be held idle until Serve
// is called. Peers that are added after the first call to Serve will
// immediately have their state machine start running.
func (s *Server) AddPeer(cfg PeerConfig) (*Peer, error) {
	if !cfg.Addr.IsValid() {
		return nil, errors.Errorf("invalid peer address: %v", cfg.Addr)
	}
	if _, err := twoByteASN(cfg.ASN); err != nil {
		return nil, errors.Wrapf(err, "peer %v", cfg.Addr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("cannot add peer to closed server")
	}
	if s.bgpPeers[cfg.Addr] != nil {
		return nil, errors.Errorf("duplicate peer: %v", cfg.Addr)
	}
	p := &Peer{cfg: cfg, server: s}
	index, err := s.peers.Register(p)
	if err != nil {
		return nil, errors.Wrapf(err, "peer %v", cfg.Addr)
	}
	p.index = index
	p.deleter = lifetime.NewDeleter(p.destroy)
	s.bgpPeers[cfg.Addr] = p
	s.log.WithFields(logrus.Fields{"peer": p.Name(), "asn": cfg.ASN, "type": p.Type()}).Info("Added BGP peer")
	if s.running {
		return p, s.startPeer(p)
	}
	return p, nil
}

// RemovePeer removes a BGP neighbor. Its session is closed and its paths are
// withdrawn in the background.
func (s *Server) RemovePeer(addr netip.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot remove peer from closed server")
	}
	p := s.bgpPeers[addr]
	if p == nil {
		return errors.Errorf("peer not found: %v", addr)
	}
	p.stop()
	delete(s.bgpPeers, addr)
	return nil
}

// FindPeer returns the BGP neighbor with the given address, or nil.
func (s *Server) FindPeer(addr netip.Addr) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bgpPeers[addr]
}

// Peers returns the BGP neighbors, ordered by name.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	ps := make([]*Peer, 0, len(s.bgpPeers))
	for _, p := range s.bgpPeers {
		ps = append(ps, p)
	}
	s.mu.Unlock()
	slices.SortFunc(ps, func(a, b *Peer) int { return strings.Compare(a.Name(), b.Name()) })
	return ps
}

func addrFromNetAddr(a net.Addr) (netip.Addr, int) {
	t, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, 0
	}
	addr, ok := netip.AddrFromSlice(t.IP)
	if !ok {
		return netip.Addr{}, 0
	}
	return addr.Unmap(), t.Port
}

func (s *Server) matchPeer(conn net.Conn) (*Peer, error) {
	localAddr, _ := addrFromNetAddr(conn.LocalAddr())
	remoteAddr, _ := addrFromNetAddr(conn.RemoteAddr())
	if !localAddr.IsValid() || !remoteAddr.IsValid() {
		return nil, errors.New("unsupported peer address type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.bgpPeers[remoteAddr]
	if p == nil {
		return nil, errors.New("unknown peer")
	}
	if p.cfg.LocalAddr.IsValid() && p.cfg.LocalAddr != localAddr {
		return nil, errors.Errorf("connection to %v, peer expects %v", localAddr, p.cfg.LocalAddr)
	}
	if p.fsm == nil {
		return nil, errors.New("peer is not running")
	}
	return p, nil
}

func (s *Server) acceptLoop(l net.Listener) error {
	defer s.Close() // close server if any listener fails
	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrapf(err, "accept on %v", l.Addr())
		}
		p, err := s.matchPeer(conn)
		if err != nil {
			s.log.WithError(err).Warnf("Rejecting connection from %v", conn.RemoteAddr())
			conn.Close() // ignore errors
			continue
		}
		select {
		case p.fsm.acceptC <- conn:
			// We've successfully handed off the connection to the FSM!
		default:
			// The FSM's input queue is full; immediately close the connection so that
			// we don't block the accept loop. This can happen if the peer opens
			// connections faster than the FSM handles them.
			s.log.Warnf("Rejecting connection from %v: peer queue is full", conn.RemoteAddr())
			conn.Close() // ignore errors
		}
	}
}

func (s *Server) start(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("cannot start a closed server")
	}
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	if s.running {
		if l == nil {
			return nil
		}
		for _, p := range s.bgpPeers {
			if p.cfg.ConfigureListener != nil {
				if err := p.cfg.ConfigureListener(l); err != nil {
					return err
				}
			}
		}
		return nil
	}
	s.running = true
	for _, p := range s.bgpPeers {
		if err := s.startPeer(p); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the BGP protocol. A listener is optional, and multiple listeners
// can be provided by calling Serve concurrently in several goroutines. All
// concurrent calls to Serve block until a single call to Shutdown or Close is
// made.
func (s *Server) Serve(l net.Listener) error {
	if err := s.start(l); err != nil {
		return err
	}
	if l != nil {
		return s.acceptLoop(l)
	}
	<-s.serverClosed
	return errors.New("server closed")
}

// Shutdown terminates the server and closes all listeners. It waits for all
// peering connections to be closed before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close() // ignore errors
	select {
	case <-s.peersStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the server and closes all listeners. It does not wait for
// peering connections to be closed; to do that call Shutdown instead.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Only invoke the close sequence once.
	if s.closed {
		return errors.New("server is already closed")
	}
	s.closed = true
	close(s.serverClosed)

	// Close all listeners.
	var closeErr error
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			// Only keep the first error from any listener.
			if closeErr == nil {
				closeErr = err
			}
		}
	}

	// Stop the peers, but don't wait for them.
	peers := make([]*Peer, 0, len(s.bgpPeers))
	for _, p := range s.bgpPeers {
		peers = append(peers, p)
	}
	go func() {
		var wg sync.WaitGroup
		for _, p := range peers {
			wg.Add(1)
			go func(p *Peer) {
				p.stop()
				wg.Done()
			}(p)
		}
		wg.Wait()
		close(s.peersStopped)
	}()

	return closeErr
}
