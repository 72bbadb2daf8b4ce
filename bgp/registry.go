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

package bgp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/msiegen/controlnode/db"
)

// PeerType classifies the origin of paths for export decisions.
type PeerType uint8

const (
	PeerLocal PeerType = iota
	PeerIBGP
	PeerEBGP
	PeerXMPP
)

func (t PeerType) String() string {
	switch t {
	case PeerLocal:
		return "local"
	case PeerIBGP:
		return "ibgp"
	case PeerEBGP:
		return "ebgp"
	case PeerXMPP:
		return "xmpp"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// A RibPeer is anything that contributes paths to tables: a BGP neighbor, an
// XMPP agent, or a local source.
type RibPeer interface {
	Name() string
	// IsReady reports whether the peer's paths may be replicated.
	IsReady() bool
	Type() PeerType
	ASN() uint32
}

// maxPeers bounds the number of peers in a Registry.
const maxPeers = 65535

// A Registry maps peer indexes held by paths to peers. An index is only
// reused after the peer's paths have been removed.
type Registry struct {
	ids *db.IndexAllocator

	mu    sync.RWMutex
	peers map[int]RibPeer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:   db.NewIndexAllocator(maxPeers),
		peers: map[int]RibPeer{},
	}
}

// Register adds p and returns its index.
func (r *Registry) Register(p RibPeer) (int, error) {
	i := r.ids.Alloc()
	if i == db.NoIndex {
		return NoPeer, db.ErrNoIndex
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[i] = p
	return i, nil
}

// Unregister frees index i.
func (r *Registry) Unregister(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[i]; !ok {
		return
	}
	delete(r.peers, i)
	r.ids.Free(i)
}

// Lookup returns the peer with index i, or nil.
func (r *Registry) Lookup(i int) RibPeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[i]
}

// IsReady reports whether index i resolves to a ready peer.
func (r *Registry) IsReady(i int) bool {
	p := r.Lookup(i)
	return p != nil && p.IsReady()
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// A LocalPeer is a source of paths that is always ready, such as static
// configuration or a test.
type LocalPeer struct {
	name  string
	asn   uint32
	ready atomic.Bool
}

// NewLocalPeer returns a ready local peer.
func NewLocalPeer(name string, asn uint32) *LocalPeer {
	p := &LocalPeer{name: name, asn: asn}
	p.ready.Store(true)
	return p
}

func (p *LocalPeer) Name() string   { return p.name }
func (p *LocalPeer) IsReady() bool  { return p.ready.Load() }
func (p *LocalPeer) Type() PeerType { return PeerLocal }
func (p *LocalPeer) ASN() uint32    { return p.asn }

// SetReady changes the readiness of the peer. Callers must renotify the
// peer's routes for replication to follow.
func (p *LocalPeer) SetReady(v bool) { p.ready.Store(v) }
