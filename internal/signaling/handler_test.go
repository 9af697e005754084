package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestHandler() (*Handler, *Registry, *RoomManager) {
	registry := NewRegistry()
	rooms := NewRoomManager()
	handler := NewHandler(registry, rooms)
	handler.Logger = slog.New(slog.DiscardHandler)
	return handler, registry, rooms
}

func payloadOf(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandlerServeHTTPWithoutUpgrader(t *testing.T) {
	handler, _, _ := newTestHandler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestHandlerServeHTTPUpgradeError(t *testing.T) {
	handler, registry, _ := newTestHandler()
	handler.SetUpgrader(&mockUpgrader{err: errors.New("bad handshake")})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	if registry.Count() != 0 {
		t.Error("failed upgrade should not register a peer")
	}
}

func TestHandlerErrors(t *testing.T) {
	tests := []struct {
		name    string
		msg     *Message
		setup   func(peer *Peer, rooms *RoomManager)
		errCode string
	}{
		{
			name:    "join without room_id",
			msg:     &Message{Type: MessageTypeJoin},
			errCode: ErrorCodeInvalidMessage,
		},
		{
			name: "join with invalid endpoint",
			msg: &Message{Type: MessageTypeJoin, RoomID: "r",
				Payload: json.RawMessage(`{"endpoint":"1.2.3.4"}`)},
			errCode: ErrorCodeInvalidEndpoint,
		},
		{
			name:    "join already in same room",
			msg:     &Message{Type: MessageTypeJoin, RoomID: "r"},
			setup:   func(peer *Peer, rooms *RoomManager) { rooms.JoinRoom(peer, "r") },
			errCode: ErrorCodeAlreadyInRoom,
		},
		{
			name: "join full room",
			msg:  &Message{Type: MessageTypeJoin, RoomID: "full"},
			setup: func(peer *Peer, rooms *RoomManager) {
				rooms.GetOrCreate("full").MaxPeers = 1
				rooms.JoinRoom(&Peer{ID: "other"}, "full")
			},
			errCode: ErrorCodeRoomFull,
		},
		{
			name:    "leave without room",
			msg:     &Message{Type: MessageTypeLeave},
			errCode: ErrorCodeNotInRoom,
		},
		{
			name:    "discover without room",
			msg:     &Message{Type: MessageTypeDiscover},
			errCode: ErrorCodeNotInRoom,
		},
		{
			name:    "discover unknown room",
			msg:     &Message{Type: MessageTypeDiscover, RoomID: "nowhere"},
			errCode: ErrorCodeRoomNotFound,
		},
		{
			name:    "candidate without payload",
			msg:     &Message{Type: MessageTypeCandidate},
			errCode: ErrorCodeInvalidMessage,
		},
		{
			name: "candidate with invalid endpoint",
			msg: &Message{Type: MessageTypeCandidate,
				Payload: json.RawMessage(`{"endpoint":"300.1.1.1:80"}`)},
			errCode: ErrorCodeInvalidEndpoint,
		},
		{
			name: "candidate to unknown target",
			msg: &Message{Type: MessageTypeCandidate, TargetID: "ghost",
				Payload: json.RawMessage(`{"endpoint":"203.0.113.1:4000"}`)},
			errCode: ErrorCodePeerNotFound,
		},
		{
			name: "candidate outside a room",
			msg: &Message{Type: MessageTypeCandidate,
				Payload: json.RawMessage(`{"endpoint":"203.0.113.1:4000"}`)},
			errCode: ErrorCodeNotInRoom,
		},
		{
			name:    "unknown message type",
			msg:     &Message{Type: "OFFER"},
			errCode: ErrorCodeInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, registry, rooms := newTestHandler()
			conn := newMockConn()
			peer := registry.Register(NewPeer("p1", conn))
			if tt.setup != nil {
				tt.setup(peer, rooms)
			}

			if err := handler.handleMessage(peer, tt.msg); err != nil {
				t.Fatalf("handleMessage: %v", err)
			}

			response := conn.last(t)
			if response.Type != MessageTypeError {
				t.Fatalf("expected ERROR, got %s", response.Type)
			}
			var payload ErrorPayload
			if err := response.ParsePayload(&payload); err != nil {
				t.Fatalf("parse error payload: %v", err)
			}
			if payload.Code != tt.errCode {
				t.Errorf("expected code %s, got %s", tt.errCode, payload.Code)
			}
		})
	}
}

func TestHandlerJoin(t *testing.T) {
	handler, registry, rooms := newTestHandler()

	c1 := newMockConn()
	p1 := registry.Register(NewPeer("p1", c1))
	rooms.JoinRoom(p1, "lobby")
	p1.SetEndpoint("203.0.113.1:4000")

	c2 := newMockConn()
	p2 := registry.Register(NewPeer("p2", c2))
	msg := &Message{
		Type:      MessageTypeJoin,
		RoomID:    "lobby",
		RequestID: "req-1",
		Payload:   payloadOf(t, JoinPayload{DisplayName: "bob", Endpoint: "198.51.100.7:5000"}),
	}
	if err := handler.handleMessage(p2, msg); err != nil {
		t.Fatalf("join: %v", err)
	}

	ack := c2.last(t)
	if ack.Type != MessageTypeAck || ack.RequestID != "req-1" {
		t.Fatalf("expected ACK for req-1, got %+v", ack)
	}
	var list PeerListPayload
	if err := ack.ParsePayload(&list); err != nil {
		t.Fatalf("parse peer list: %v", err)
	}
	if len(list.Peers) != 1 || list.Peers[0].PeerID != "p1" || list.Peers[0].Endpoint != "203.0.113.1:4000" {
		t.Errorf("expected only p1 in peer list, got %+v", list.Peers)
	}

	joined := c1.waitFor(t, MessageTypePeerJoined)
	var info PeerInfo
	if err := joined.ParsePayload(&info); err != nil {
		t.Fatalf("parse peer info: %v", err)
	}
	if info.PeerID != "p2" || info.DisplayName != "bob" || info.Endpoint != "198.51.100.7:5000" {
		t.Errorf("unexpected PEER_JOINED payload %+v", info)
	}
}

func TestHandlerJoinMovesRooms(t *testing.T) {
	handler, registry, rooms := newTestHandler()

	c1 := newMockConn()
	p1 := registry.Register(NewPeer("p1", c1))
	rooms.JoinRoom(p1, "old")

	c2 := newMockConn()
	p2 := registry.Register(NewPeer("p2", c2))
	rooms.JoinRoom(p2, "old")

	if err := handler.handleMessage(p2, &Message{Type: MessageTypeJoin, RoomID: "new"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if left := c1.waitFor(t, MessageTypePeerLeft); left.PeerID != "p2" {
		t.Errorf("expected PEER_LEFT for p2, got %+v", left)
	}
	if rooms.Get("old").Contains("p2") {
		t.Error("p2 should have left the old room")
	}
}

func TestHandlerLeave(t *testing.T) {
	handler, registry, rooms := newTestHandler()

	c1 := newMockConn()
	p1 := registry.Register(NewPeer("p1", c1))
	rooms.JoinRoom(p1, "lobby")

	c2 := newMockConn()
	p2 := registry.Register(NewPeer("p2", c2))
	rooms.JoinRoom(p2, "lobby")

	if err := handler.handleMessage(p2, &Message{Type: MessageTypeLeave, RequestID: "bye"}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if ack := c2.last(t); ack.Type != MessageTypeAck || ack.RequestID != "bye" {
		t.Errorf("expected ACK, got %+v", ack)
	}
	if p2.GetRoomID() != "" {
		t.Error("p2 should be in no room")
	}
	c1.waitFor(t, MessageTypePeerLeft)
}

func TestHandlerDiscover(t *testing.T) {
	handler, registry, rooms := newTestHandler()

	conn := newMockConn()
	peer := registry.Register(NewPeer("me", conn))
	rooms.JoinRoom(peer, "lobby")
	for _, id := range []string{"a", "b"} {
		rooms.JoinRoom(&Peer{ID: id}, "lobby")
	}

	if err := handler.handleMessage(peer, &Message{Type: MessageTypeDiscover}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	response := conn.last(t)
	if response.Type != MessageTypePeerList || response.RoomID != "lobby" {
		t.Fatalf("expected PEER_LIST for lobby, got %+v", response)
	}
	var list PeerListPayload
	response.ParsePayload(&list)
	if len(list.Peers) != 2 {
		t.Errorf("expected 2 other peers, got %d", len(list.Peers))
	}
}

func TestHandlerCandidate(t *testing.T) {
	handler, registry, rooms := newTestHandler()

	c1, c2, c3 := newMockConn(), newMockConn(), newMockConn()
	p1 := registry.Register(NewPeer("p1", c1))
	p2 := registry.Register(NewPeer("p2", c2))
	p3 := registry.Register(NewPeer("p3", c3))
	for _, p := range []*Peer{p1, p2, p3} {
		rooms.JoinRoom(p, "lobby")
	}

	t.Run("broadcast", func(t *testing.T) {
		msg := &Message{
			Type:    MessageTypeCandidate,
			Payload: payloadOf(t, CandidatePayload{SessionID: "s1", Endpoint: "203.0.113.9:7000"}),
		}
		if err := handler.handleMessage(p1, msg); err != nil {
			t.Fatalf("candidate: %v", err)
		}
		if p1.Info().Endpoint != "203.0.113.9:7000" {
			t.Error("sender endpoint not updated")
		}

		for _, conn := range []*mockConn{c2, c3} {
			got := conn.waitFor(t, MessageTypeCandidate)
			var payload CandidatePayload
			got.ParsePayload(&payload)
			if got.PeerID != "p1" || payload.Endpoint != "203.0.113.9:7000" || payload.SessionID != "s1" {
				t.Errorf("unexpected forwarded candidate %+v %+v", got, payload)
			}
		}
	})

	t.Run("targeted", func(t *testing.T) {
		c2.reset()
		c3.reset()
		msg := &Message{
			Type:     MessageTypeCandidate,
			TargetID: "p3",
			Payload:  payloadOf(t, CandidatePayload{Endpoint: "203.0.113.9:7001"}),
		}
		if err := handler.handleMessage(p1, msg); err != nil {
			t.Fatalf("candidate: %v", err)
		}
		if got := c3.last(t); got.Type != MessageTypeCandidate || got.TargetID != "p3" {
			t.Errorf("target did not receive candidate: %+v", got)
		}
		if len(c2.messages(t)) != 0 {
			t.Error("non-target received a targeted candidate")
		}
	})
}

func TestHandlerKeepAlive(t *testing.T) {
	handler, registry, _ := newTestHandler()
	conn := newMockConn()
	peer := registry.Register(NewPeer("p1", conn))

	if err := handler.handleMessage(peer, &Message{Type: MessageTypeKeepAlive, RequestID: "k"}); err != nil {
		t.Fatalf("keep alive: %v", err)
	}
	if ack := conn.last(t); ack.Type != MessageTypeAck || ack.RequestID != "k" {
		t.Errorf("expected ACK, got %+v", ack)
	}
}

func TestHandlerServeHTTPSession(t *testing.T) {
	handler, registry, rooms := newTestHandler()
	conn := newMockConn()
	handler.SetUpgrader(&mockUpgrader{conn: conn})

	conn.enqueue(t, NewMessage(MessageTypeJoin).WithRoomID("lobby").
		WithPayload(JoinPayload{Endpoint: "203.0.113.1:4000"}))
	conn.readQueue = append(conn.readQueue, []byte("not json"))

	// returns once the queued reads are exhausted
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	msgs := conn.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("expected welcome, join ACK and ERROR, got %d messages", len(msgs))
	}
	if msgs[0].Type != MessageTypeAck || msgs[0].PeerID == "" {
		t.Errorf("expected welcome ACK carrying the peer ID, got %+v", msgs[0])
	}
	if msgs[1].Type != MessageTypeAck || msgs[1].RoomID != "lobby" {
		t.Errorf("expected join ACK, got %+v", msgs[1])
	}
	if msgs[2].Type != MessageTypeError {
		t.Errorf("expected ERROR for malformed JSON, got %+v", msgs[2])
	}

	if !conn.isClosed() {
		t.Error("connection should be closed after disconnect")
	}
	if registry.Count() != 0 {
		t.Error("peer should be unregistered after disconnect")
	}
	if room := rooms.Get("lobby"); room != nil && room.Contains(msgs[0].PeerID) {
		t.Error("peer should have left the room")
	}
}
