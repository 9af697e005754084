package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks every connected peer, in a room or not
type Registry struct {
	peers map[string]*Peer
	mu    sync.RWMutex

	// Optional lifecycle hooks, run on their own goroutine
	OnPeerAdded   func(peer *Peer)
	OnPeerRemoved func(peer *Peer)
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*Peer),
	}
}

// Register adds peer, assigning a fresh ID when it has none or its ID is
// taken.
func (r *Registry) Register(peer *Peer) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer.ID == "" {
		peer.ID = newPeerID()
	}
	for {
		if _, exists := r.peers[peer.ID]; !exists {
			break
		}
		peer.ID = newPeerID()
	}
	r.peers[peer.ID] = peer

	if r.OnPeerAdded != nil {
		go r.OnPeerAdded(peer)
	}
	return peer
}

func (r *Registry) Unregister(peerID string) {
	r.mu.Lock()
	peer, exists := r.peers[peerID]
	if exists {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()

	if exists && r.OnPeerRemoved != nil {
		go r.OnPeerRemoved(peer)
	}
}

// Get returns the peer or nil
func (r *Registry) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID]
}

func (r *Registry) Exists(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[peerID]
	return exists
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// All returns a snapshot of all peers
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// ForEach calls fn under the read lock; fn must not modify the registry
func (r *Registry) ForEach(fn func(peer *Peer)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.peers {
		fn(p)
	}
}

// CleanupStale closes and removes peers not seen within timeout and returns
// how many were removed
func (r *Registry) CleanupStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var stale []*Peer
	for id, peer := range r.peers {
		if peer.lastSeen().Before(cutoff) {
			delete(r.peers, id)
			stale = append(stale, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range stale {
		peer.Close()
	}
	return len(stale)
}

// RegistryStats summarizes the registry
type RegistryStats struct {
	TotalPeers       int
	PeersWithoutRoom int
	PeersByRoom      map[string]int
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		TotalPeers:  len(r.peers),
		PeersByRoom: make(map[string]int),
	}
	for _, p := range r.peers {
		if roomID := p.GetRoomID(); roomID != "" {
			stats.PeersByRoom[roomID]++
		} else {
			stats.PeersWithoutRoom++
		}
	}
	return stats
}

func (s RegistryStats) String() string {
	return fmt.Sprintf("TotalPeers=%d, WithoutRoom=%d, Rooms=%d",
		s.TotalPeers, s.PeersWithoutRoom, len(s.PeersByRoom))
}

// newPeerID returns the first 8 hex digits of a random UUID
func newPeerID() string {
	return uuid.NewString()[:8]
}
