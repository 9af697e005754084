package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Conn is the part of a WebSocket connection the server needs.
// *websocket.Conn from gorilla/websocket satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocket message types, equal to the gorilla/websocket constants
const (
	TextMessage   = 1
	BinaryMessage = 2
	CloseMessage  = 8
	PingMessage   = 9
	PongMessage   = 10
)

const writeWait = 10 * time.Second

// Peer is one connected signaling client
type Peer struct {
	ID          string
	DisplayName string
	Endpoint    string
	RoomID      string
	JoinedAt    time.Time
	LastSeen    time.Time

	conn   Conn
	mu     sync.Mutex // guards the fields above and conn writes
	closed bool
}

// NewPeer wraps conn
func NewPeer(id string, conn Conn) *Peer {
	now := time.Now()
	return &Peer{
		ID:       id,
		conn:     conn,
		JoinedAt: now,
		LastSeen: now,
	}
}

// Send writes msg as one text frame. Safe for concurrent use.
func (p *Peer) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Errorf("peer %s connection is closed", p.ID)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return errors.Wrap(p.conn.WriteMessage(TextMessage, data), "write message")
}

// SendError sends an ERROR message
func (p *Peer) SendError(code, message string) error {
	return p.Send(NewErrorMessage(code, message))
}

// Ping writes a WebSocket ping control frame
func (p *Peer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.Errorf("peer %s connection is closed", p.ID)
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(PingMessage, nil)
}

// Close closes the connection once
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) UpdateLastSeen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeen = time.Now()
}

func (p *Peer) lastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LastSeen
}

// Info returns a snapshot for protocol messages
func (p *Peer) Info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		PeerID:      p.ID,
		DisplayName: p.DisplayName,
		Endpoint:    p.Endpoint,
		JoinedAt:    p.JoinedAt.UnixMilli(),
	}
}

func (p *Peer) SetEndpoint(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Endpoint = endpoint
}

func (p *Peer) SetDisplayName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DisplayName = name
}

func (p *Peer) SetRoomID(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RoomID = roomID
}

func (p *Peer) GetRoomID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.RoomID
}

// Connection returns the underlying connection for reads
func (p *Peer) Connection() Conn {
	return p.conn
}
