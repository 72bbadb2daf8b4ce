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
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"github.com/pkg/errors"

	"github.com/msiegen/controlnode/lifetime"
)

// ErrDiscard is returned by export checks that have decided not to announce
// a path.
var ErrDiscard = errors.New("discard")

// PeerConfig describes a BGP neighbor.
type PeerConfig struct {
	// Name identifies the peer. If empty, the address is used.
	Name string
	// Addr is the address of the peer. This is required.
	Addr netip.Addr
	// Port is the port on which the peer listens.
	// If not set, port 179 is assumed.
	Port int
	// Passive inhibits dialing the peer. The local server will still listen for
	// incomming connections from the peer.
	Passive bool

	// LocalAddr is the local address.
	LocalAddr netip.Addr

	// ASN is the AS number of the peer. This is required; it decides whether
	// the session is iBGP or eBGP and is verified upon connection
	// establishment.
	ASN uint32

	// AllowASIn is how many times the local AS may appear in the AS path of
	// a received path before it is considered a loop.
	AllowASIn int

	// Timers holds optional parameters to control the hold time and keepalive of
	// the BGP session.
	Timers *Timers

	// DialerControl is called after creating the network connection but before
	// actually dialing. See https://pkg.go.dev/net#Dialer.Control for details.
	DialerControl func(network, address string, c syscall.RawConn) error

	// ConfigureListener is called for every listener of the server, for
	// example to install a TCP MD5 key for the peer.
	ConfigureListener func(net.Listener) error
}

// PeerStats is a snapshot of a peer's counters.
type PeerStats struct {
	State             string
	Flaps             uint64
	UpdatesSent       uint64
	UpdatesReceived   uint64
	WithdrawsSent     uint64
	WithdrawsReceived uint64
}

// A Peer is a BGP neighbor.
type Peer struct {
	cfg     PeerConfig
	server  *Server
	index   int
	deleter *lifetime.Deleter

	fsm         *fsm
	established atomic.Bool

	mu     sync.Mutex
	ribOut *RibOut

	flaps         atomic.Uint64
	updatesSent   atomic.Uint64
	updatesRecv   atomic.Uint64
	withdrawsSent atomic.Uint64
	withdrawsRecv atomic.Uint64
}

// Name implements RibPeer.
func (p *Peer) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return p.cfg.Addr.String()
}

// IsReady implements RibPeer. A peer is ready while its session is
// established.
func (p *Peer) IsReady() bool { return p.established.Load() }

// Type implements RibPeer.
func (p *Peer) Type() PeerType {
	if p.cfg.ASN == p.server.asn {
		return PeerIBGP
	}
	return PeerEBGP
}

// ASN implements RibPeer.
func (p *Peer) ASN() uint32 { return p.cfg.ASN }

// Index returns the peer's index in the server's registry.
func (p *Peer) Index() int { return p.index }

// Config returns the peer's configuration.
func (p *Peer) Config() PeerConfig { return p.cfg }

// IsEstablished reports whether the session is established.
func (p *Peer) IsEstablished() bool { return p.established.Load() }

// State returns the state of the session's state machine.
func (p *Peer) State() bgp.FSMState {
	if p.fsm == nil {
		return bgp.BGP_FSM_IDLE
	}
	return p.fsm.getState()
}

// Stats returns a snapshot of the peer's counters.
func (p *Peer) Stats() PeerStats {
	return PeerStats{
		State:             formatState(p.State()),
		Flaps:             p.flaps.Load(),
		UpdatesSent:       p.updatesSent.Load(),
		UpdatesReceived:   p.updatesRecv.Load(),
		WithdrawsSent:     p.withdrawsSent.Load(),
		WithdrawsReceived: p.withdrawsRecv.Load(),
	}
}

func (p *Peer) localAddr() net.Addr {
	if !p.cfg.LocalAddr.IsValid() {
		return nil
	}
	return &net.TCPAddr{
		IP:   net.IP(p.cfg.LocalAddr.AsSlice()),
		Zone: p.cfg.LocalAddr.Zone(),
	}
}

func (p *Peer) addr() string {
	port := 179
	if p.cfg.Port != 0 {
		port = p.cfg.Port
	}
	return net.JoinHostPort(p.cfg.Addr.String(), strconv.Itoa(port))
}

// importFlags returns the flags of a path received from the peer. Paths
// that already traversed the local AS are kept but never used.
func (p *Peer) importFlags(a Attributes) PathFlags {
	var f PathFlags
	n := 0
	for _, asn := range a.Path() {
		if asn == p.server.asn {
			n++
		}
	}
	if n > p.cfg.AllowASIn {
		f |= AsPathLooped
	}
	return f
}

// exportAttributes decides whether path may be announced to the peer, and
// returns the attributes to announce.
func (p *Peer) exportAttributes(path *Path) (Attributes, bool) {
	a, err := p.exportFilter(path)
	return a, err == nil
}

func (p *Peer) exportFilter(path *Path) (Attributes, error) {
	// Split horizon.
	if path.Peer == p.index {
		return Attributes{}, ErrDiscard
	}
	ebgp := p.Type() == PeerEBGP
	if src := p.server.peers.Lookup(path.Peer); src != nil && src.Type() == PeerIBGP && !ebgp {
		return Attributes{}, ErrDiscard
	}
	a := path.Attributes()
	if a.HasCommunity(NoAdvertise) {
		return Attributes{}, ErrDiscard
	}
	if ebgp {
		if a.HasCommunity(NoExport) || a.HasCommunity(NoExportSubconfed) {
			return Attributes{}, ErrDiscard
		}
		if a.PathContains(p.cfg.ASN) {
			return Attributes{}, ErrDiscard
		}
		a.Prepend(p.server.asn)
		a.ClearLocalPref()
		// Next hop self.
		a.SetNexthop(netip.Addr{})
		return a, nil
	}
	if _, ok := a.LocalPref(); !ok {
		a.SetLocalPref(DefaultLocalPreference)
	}
	return a, nil
}

// up is called by the state machine once the session is established.
func (p *Peer) up(q *sendQueue) {
	p.established.Store(true)
	o := newRibOut(p, p.server.VPNTable(), q)
	p.mu.Lock()
	p.ribOut = o
	p.mu.Unlock()
	o.start()
}

// down is called by the state machine when an established session ends.
func (p *Peer) down() {
	p.established.Store(false)
	p.flaps.Add(1)
	p.mu.Lock()
	o := p.ribOut
	p.ribOut = nil
	p.mu.Unlock()
	if o != nil {
		o.stop()
	}
	if p.deleter.Retain() {
		p.server.VPNTable().DeletePeerPaths(p.index, p.deleter.Release)
	}
}

func (p *Peer) start(s *Server) {
	if p.fsm != nil {
		s.fatalf("tried to start the same peer twice")
	}
	p.fsm = newFSM(s, p)
	p.fsm.start()
}

// stop terminates the state machine and, once the peer's paths are gone,
// frees its registry index.
func (p *Peer) stop() {
	if p.fsm != nil {
		p.fsm.stop()
	}
	p.deleter.RequestDelete()
}

func (p *Peer) destroy() {
	p.server.peers.Unregister(p.index)
}
