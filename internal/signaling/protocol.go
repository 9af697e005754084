// Package signaling implements the WebSocket rendezvous peers use to swap
// their public sockets before the direct UDP link is set up. Peers join a
// room, announce the address STUN discovered for them and learn the
// addresses of everybody else in the room.
package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/pkg/types"
)

// MessageType identifies the type of signaling message
type MessageType string

const (
	// Client -> Server messages
	MessageTypeJoin      MessageType = "JOIN"       // Join a room, optionally with an endpoint
	MessageTypeLeave     MessageType = "LEAVE"      // Leave current room
	MessageTypeCandidate MessageType = "CANDIDATE"  // Announce a new endpoint
	MessageTypeDiscover  MessageType = "DISCOVER"   // Request list of peers in room
	MessageTypeKeepAlive MessageType = "KEEP_ALIVE" // Keep connection alive

	// Server -> Client messages
	MessageTypePeerJoined MessageType = "PEER_JOINED"
	MessageTypePeerLeft   MessageType = "PEER_LEFT"
	MessageTypePeerList   MessageType = "PEER_LIST"
	MessageTypeError      MessageType = "ERROR"
	MessageTypeAck        MessageType = "ACK"
)

// Message is the envelope every signaling frame uses
type Message struct {
	Type      MessageType     `json:"type"`
	PeerID    string          `json:"peer_id,omitempty"`    // Sender's peer ID
	TargetID  string          `json:"target_id,omitempty"`  // Target peer for directed messages
	RoomID    string          `json:"room_id,omitempty"`    // Room identifier
	Payload   json.RawMessage `json:"payload,omitempty"`    // Type-specific payload
	Timestamp int64           `json:"timestamp,omitempty"`  // Unix milliseconds
	RequestID string          `json:"request_id,omitempty"` // For request/response correlation
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType) *Message {
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m *Message) WithPeerID(id string) *Message {
	m.PeerID = id
	return m
}

func (m *Message) WithTargetID(id string) *Message {
	m.TargetID = id
	return m
}

func (m *Message) WithRoomID(id string) *Message {
	m.RoomID = id
	return m
}

func (m *Message) WithRequestID(id string) *Message {
	m.RequestID = id
	return m
}

// WithPayload sets the payload from any serializable value
func (m *Message) WithPayload(v any) *Message {
	data, err := json.Marshal(v)
	if err != nil {
		m.Payload = json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error()))
		return m
	}
	m.Payload = data
	return m
}

// ParsePayload unmarshals the message payload into v
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	return errors.Wrapf(json.Unmarshal(m.Payload, v), "parse %s payload", m.Type)
}

// --- Payload Types ---

// JoinPayload is sent with JOIN messages
type JoinPayload struct {
	DisplayName string `json:"display_name,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`   // ip:port, if already discovered
	SessionID   string `json:"session_id,omitempty"` // the sender's local session
}

// CandidatePayload announces an endpoint. Without a target it goes to the
// whole room.
type CandidatePayload struct {
	SessionID string `json:"session_id,omitempty"`
	Endpoint  string `json:"endpoint"`
}

// PeerInfo describes a peer for PEER_LIST and PEER_JOINED messages
type PeerInfo struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
}

// Socket returns the peer's endpoint as a socket, if it has a valid one
func (p PeerInfo) Socket() (types.Socket, bool) {
	return types.ParseSocket(p.Endpoint)
}

// PeerListPayload is sent in response to DISCOVER and JOIN
type PeerListPayload struct {
	RoomID string     `json:"room_id"`
	Peers  []PeerInfo `json:"peers"`
}

// ErrorPayload provides error details
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes for ErrorPayload
const (
	ErrorCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrorCodeInvalidEndpoint = "INVALID_ENDPOINT"
	ErrorCodeRoomNotFound    = "ROOM_NOT_FOUND"
	ErrorCodePeerNotFound    = "PEER_NOT_FOUND"
	ErrorCodeNotInRoom       = "NOT_IN_ROOM"
	ErrorCodeAlreadyInRoom   = "ALREADY_IN_ROOM"
	ErrorCodeRoomFull        = "ROOM_FULL"
)

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) *Message {
	return NewMessage(MessageTypeError).WithPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})
}

// AckPayload confirms successful processing of a request
type AckPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// validEndpoint reports whether s is empty or a well-formed socket
func validEndpoint(s string) bool {
	if s == "" {
		return true
	}
	_, ok := types.ParseSocket(s)
	return ok
}
