package signaling

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrRoomFull is returned when a room is at MaxPeers
var ErrRoomFull = errors.New("room is full")

// Room groups peers that want to find each other
type Room struct {
	ID        string
	CreatedAt time.Time
	MaxPeers  int // 0 = unlimited

	peers map[string]*Peer
	mu    sync.RWMutex
}

func NewRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now(),
		peers:     make(map[string]*Peer),
	}
}

// Add puts peer in the room and records the room on the peer
func (r *Room) Add(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.MaxPeers > 0 && len(r.peers) >= r.MaxPeers {
		return errors.Wrapf(ErrRoomFull, "room %s (max %d peers)", r.ID, r.MaxPeers)
	}
	r.peers[peer.ID] = peer
	peer.SetRoomID(r.ID)
	return nil
}

func (r *Room) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peer, exists := r.peers[peerID]; exists {
		peer.SetRoomID("")
		delete(r.peers, peerID)
	}
}

func (r *Room) Get(peerID string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[peerID]
}

func (r *Room) Contains(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.peers[peerID]
	return exists
}

// Peers returns a snapshot of the room's peers
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// PeerInfos describes every peer except the excluded ones
func (r *Room) PeerInfos(excludeIDs ...string) []PeerInfo {
	exclude := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}

	infos := make([]PeerInfo, 0)
	for _, p := range r.Peers() {
		if !exclude[p.ID] {
			infos = append(infos, p.Info())
		}
	}
	return infos
}

func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) IsEmpty() bool {
	return r.Count() == 0
}

// Broadcast sends msg to every peer except the excluded ones. Sends run
// concurrently so one slow peer cannot hold up the rest.
func (r *Room) Broadcast(msg *Message, excludeIDs ...string) {
	exclude := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}

	for _, p := range r.Peers() {
		if !exclude[p.ID] {
			go p.Send(msg)
		}
	}
}

// RoomManager owns all rooms
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex

	DefaultMaxPeers int           // 0 = unlimited
	EmptyRoomTTL    time.Duration // empty rooms older than this are removed
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms:        make(map[string]*Room),
		EmptyRoomTTL: 5 * time.Minute,
	}
}

func (rm *RoomManager) GetOrCreate(roomID string) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if room, exists := rm.rooms[roomID]; exists {
		return room
	}
	room := NewRoom(roomID)
	room.MaxPeers = rm.DefaultMaxPeers
	rm.rooms[roomID] = room
	return room
}

// Get returns the room or nil
func (rm *RoomManager) Get(roomID string) *Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rooms[roomID]
}

func (rm *RoomManager) Delete(roomID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.rooms, roomID)
}

func (rm *RoomManager) List() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	ids := make([]string, 0, len(rm.rooms))
	for id := range rm.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (rm *RoomManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// RoomInfo describes one room for the HTTP API
type RoomInfo struct {
	ID        string    `json:"id"`
	PeerCount int       `json:"peer_count"`
	MaxPeers  int       `json:"max_peers"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomStats summarizes all rooms
type RoomStats struct {
	TotalRooms int
	TotalPeers int
	Rooms      []RoomInfo
}

func (rm *RoomManager) Stats() RoomStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := RoomStats{
		TotalRooms: len(rm.rooms),
		Rooms:      make([]RoomInfo, 0, len(rm.rooms)),
	}
	for _, room := range rm.rooms {
		count := room.Count()
		stats.TotalPeers += count
		stats.Rooms = append(stats.Rooms, RoomInfo{
			ID:        room.ID,
			PeerCount: count,
			MaxPeers:  room.MaxPeers,
			CreatedAt: room.CreatedAt,
		})
	}
	return stats
}

// CleanupEmpty removes rooms that are empty and older than EmptyRoomTTL
func (rm *RoomManager) CleanupEmpty() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-rm.EmptyRoomTTL)
	for id, room := range rm.rooms {
		if room.IsEmpty() && room.CreatedAt.Before(cutoff) {
			delete(rm.rooms, id)
			removed++
		}
	}
	return removed
}

// JoinRoom moves peer into roomID, leaving its previous room
func (rm *RoomManager) JoinRoom(peer *Peer, roomID string) (*Room, error) {
	if current := peer.GetRoomID(); current != "" && current != roomID {
		if room := rm.Get(current); room != nil {
			room.Remove(peer.ID)
		}
	}

	room := rm.GetOrCreate(roomID)
	if err := room.Add(peer); err != nil {
		return nil, err
	}
	return room, nil
}

// LeaveRoom removes peer from its current room
func (rm *RoomManager) LeaveRoom(peer *Peer) {
	if room := rm.Get(peer.GetRoomID()); room != nil {
		room.Remove(peer.ID)
	}
}
