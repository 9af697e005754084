package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const maxMessageSize = 32 * 1024

// Handler upgrades /ws requests and runs the signaling protocol for each
// connected peer.
type Handler struct {
	registry *Registry
	rooms    *RoomManager
	upgrader Upgrader

	PingInterval time.Duration
	PongWait     time.Duration

	Logger *slog.Logger
}

// NewHandler creates a handler without an upgrader; ServeHTTP refuses
// connections until SetUpgrader is called.
func NewHandler(registry *Registry, rooms *RoomManager) *Handler {
	return &Handler{
		registry:     registry,
		rooms:        rooms,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		Logger:       slog.Default(),
	}
}

func (h *Handler) SetUpgrader(u Upgrader) {
	h.upgrader = u
}

// ServeHTTP upgrades the request and serves the peer until it disconnects
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.upgrader == nil {
		http.Error(w, "WebSocket upgrader not configured", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	peer := h.registry.Register(NewPeer("", conn))
	h.Logger.Info("peer connected", "peer", peer.ID, "remote", r.RemoteAddr)

	peer.Send(NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithPayload(AckPayload{Message: "connected"}))

	done := make(chan struct{})
	defer func() {
		close(done)
		h.handleDisconnect(peer)
	}()
	go h.pingLoop(peer, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		peer.UpdateLastSeen()
		return nil
	})

	h.readLoop(peer)
}

func (h *Handler) readLoop(peer *Peer) {
	conn := peer.Connection()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !peer.IsClosed() {
				h.Logger.Debug("read failed", "peer", peer.ID, "error", err.Error())
			}
			return
		}
		peer.UpdateLastSeen()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.SendError(ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}
		// the server decides who sent it
		msg.PeerID = peer.ID

		if err := h.handleMessage(peer, &msg); err != nil {
			h.Logger.Warn("message failed", "peer", peer.ID, "type", msg.Type, "error", err.Error())
		}
	}
}

func (h *Handler) pingLoop(peer *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := peer.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleDisconnect(peer *Peer) {
	h.leaveRoom(peer)
	peer.Close()
	h.registry.Unregister(peer.ID)
	h.Logger.Info("peer disconnected", "peer", peer.ID)
}

// leaveRoom removes peer from its room and tells the others. It reports
// the room left, or "" when peer was in none.
func (h *Handler) leaveRoom(peer *Peer) string {
	roomID := peer.GetRoomID()
	if roomID == "" {
		return ""
	}
	if room := h.rooms.Get(roomID); room != nil {
		room.Remove(peer.ID)
		room.Broadcast(NewMessage(MessageTypePeerLeft).
			WithPeerID(peer.ID).
			WithRoomID(roomID))
	}
	return roomID
}

func (h *Handler) handleMessage(peer *Peer, msg *Message) error {
	switch msg.Type {
	case MessageTypeJoin:
		return h.handleJoin(peer, msg)
	case MessageTypeLeave:
		return h.handleLeave(peer, msg)
	case MessageTypeDiscover:
		return h.handleDiscover(peer, msg)
	case MessageTypeCandidate:
		return h.handleCandidate(peer, msg)
	case MessageTypeKeepAlive:
		return h.handleKeepAlive(peer, msg)
	default:
		return peer.SendError(ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleJoin(peer *Peer, msg *Message) error {
	roomID := msg.RoomID
	if roomID == "" {
		return peer.SendError(ErrorCodeInvalidMessage, "room_id is required")
	}

	var payload JoinPayload
	if len(msg.Payload) > 0 {
		if err := msg.ParsePayload(&payload); err != nil {
			return peer.SendError(ErrorCodeInvalidMessage, err.Error())
		}
	}
	if !validEndpoint(payload.Endpoint) {
		return peer.SendError(ErrorCodeInvalidEndpoint, fmt.Sprintf("invalid endpoint %q", payload.Endpoint))
	}

	if peer.GetRoomID() == roomID {
		return peer.SendError(ErrorCodeAlreadyInRoom, "already in this room")
	}
	if payload.DisplayName != "" {
		peer.SetDisplayName(payload.DisplayName)
	}
	if payload.Endpoint != "" {
		peer.SetEndpoint(payload.Endpoint)
	}

	h.leaveRoom(peer)
	room, err := h.rooms.JoinRoom(peer, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			return peer.SendError(ErrorCodeRoomFull, err.Error())
		}
		return errors.Wrapf(err, "join room %s", roomID)
	}
	h.Logger.Info("peer joined room", "peer", peer.ID, "room", roomID, "endpoint", payload.Endpoint)

	peer.Send(NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithRequestID(msg.RequestID).
		WithPayload(PeerListPayload{
			RoomID: roomID,
			Peers:  room.PeerInfos(peer.ID),
		}))

	room.Broadcast(NewMessage(MessageTypePeerJoined).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithPayload(peer.Info()), peer.ID)
	return nil
}

func (h *Handler) handleLeave(peer *Peer, msg *Message) error {
	roomID := h.leaveRoom(peer)
	if roomID == "" {
		return peer.SendError(ErrorCodeNotInRoom, "not in any room")
	}
	h.Logger.Info("peer left room", "peer", peer.ID, "room", roomID)

	return peer.Send(NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithRequestID(msg.RequestID).
		WithPayload(AckPayload{RequestID: msg.RequestID, Message: "left room"}))
}

func (h *Handler) handleDiscover(peer *Peer, msg *Message) error {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = peer.GetRoomID()
	}
	if roomID == "" {
		return peer.SendError(ErrorCodeNotInRoom, "no room specified and not in any room")
	}

	room := h.rooms.Get(roomID)
	if room == nil {
		return peer.SendError(ErrorCodeRoomNotFound, "room not found")
	}

	return peer.Send(NewMessage(MessageTypePeerList).
		WithPeerID(peer.ID).
		WithRoomID(roomID).
		WithRequestID(msg.RequestID).
		WithPayload(PeerListPayload{
			RoomID: roomID,
			Peers:  room.PeerInfos(peer.ID),
		}))
}

// handleCandidate records the sender's new endpoint and forwards it to the
// target, or to the sender's whole room when there is no target.
func (h *Handler) handleCandidate(peer *Peer, msg *Message) error {
	var payload CandidatePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return peer.SendError(ErrorCodeInvalidMessage, err.Error())
	}
	if payload.Endpoint == "" || !validEndpoint(payload.Endpoint) {
		return peer.SendError(ErrorCodeInvalidEndpoint, fmt.Sprintf("invalid endpoint %q", payload.Endpoint))
	}
	peer.SetEndpoint(payload.Endpoint)

	forward := NewMessage(MessageTypeCandidate).
		WithPeerID(peer.ID).
		WithTargetID(msg.TargetID).
		WithRequestID(msg.RequestID).
		WithPayload(payload)

	if msg.TargetID != "" {
		target := h.registry.Get(msg.TargetID)
		if target == nil {
			return peer.SendError(ErrorCodePeerNotFound, "target peer not found")
		}
		return target.Send(forward)
	}

	roomID := peer.GetRoomID()
	room := h.rooms.Get(roomID)
	if room == nil {
		return peer.SendError(ErrorCodeNotInRoom, "candidate without target requires a room")
	}
	forward.WithRoomID(roomID)
	room.Broadcast(forward, peer.ID)
	h.Logger.Debug("candidate broadcast", "peer", peer.ID, "room", roomID, "endpoint", payload.Endpoint)
	return nil
}

func (h *Handler) handleKeepAlive(peer *Peer, msg *Message) error {
	return peer.Send(NewMessage(MessageTypeAck).
		WithPeerID(peer.ID).
		WithRequestID(msg.RequestID))
}
