package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/pkg/types"
)

// PeerEndpoint is a room member that has announced a usable socket
type PeerEndpoint struct {
	PeerID      string
	DisplayName string
	Socket      types.Socket
}

// Client keeps a connection to a signaling server, stays joined to one room
// and reports the sockets other members announce. It reconnects with
// exponential backoff until Run's context is cancelled.
type Client struct {
	URL         string
	Room        string
	DisplayName string
	SessionID   string

	Dialer  *websocket.Dialer
	Backoff *backoff.Backoff

	// Callbacks run on the read goroutine
	OnPeer     func(PeerEndpoint)
	OnPeerLeft func(peerID string)

	Logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	peerID   string
	endpoint string
	names    map[string]string

	writeMu sync.Mutex
}

// NewClient creates a client for the server at url joining room
func NewClient(url, room string) *Client {
	return &Client{
		URL:  url,
		Room: room,
		Dialer: &websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		Backoff: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		Logger: slog.Default(),
		names:  make(map[string]string),
	}
}

// PeerID returns the ID the server assigned on the current connection
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Announce publishes sock to the room. Before the first connection it is
// remembered and sent with JOIN.
func (c *Client) Announce(sock types.Socket) error {
	c.mu.Lock()
	c.endpoint = sock.String()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := NewMessage(MessageTypeCandidate).
		WithRoomID(c.Room).
		WithRequestID(uuid.NewString()).
		WithPayload(CandidatePayload{SessionID: c.SessionID, Endpoint: sock.String()})
	return c.write(conn, msg)
}

// Run connects and serves until ctx is cancelled. Connection failures are
// retried after a backoff delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := c.Backoff.Duration()
		c.Logger.Warn("signaling connection lost", "url", c.URL, "error", err.Error(),
			"attempt", int(c.Backoff.Attempt()), "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// serve runs one connection until it fails or ctx is cancelled
func (c *Client) serve(ctx context.Context) error {
	conn, _, err := c.Dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.URL)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.peerID = ""
		c.mu.Unlock()
		conn.Close()
	}()

	joined := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Logger.Debug("ignoring malformed message", "error", err.Error())
			continue
		}

		// the first ACK carries our peer ID; answer it with JOIN
		if !joined && msg.Type == MessageTypeAck && msg.RoomID == "" {
			if err := c.join(conn, msg.PeerID); err != nil {
				return err
			}
			joined = true
			continue
		}
		c.handle(&msg)
	}
}

func (c *Client) join(conn *websocket.Conn, peerID string) error {
	c.mu.Lock()
	c.conn = conn
	c.peerID = peerID
	endpoint := c.endpoint
	c.mu.Unlock()

	msg := NewMessage(MessageTypeJoin).
		WithRoomID(c.Room).
		WithRequestID(uuid.NewString()).
		WithPayload(JoinPayload{
			DisplayName: c.DisplayName,
			Endpoint:    endpoint,
			SessionID:   c.SessionID,
		})
	if err := c.write(conn, msg); err != nil {
		return errors.Wrap(err, "join")
	}
	c.Backoff.Reset()
	c.Logger.Info("joined signaling room", "room", c.Room, "peer", peerID, "endpoint", endpoint)
	return nil
}

func (c *Client) handle(msg *Message) {
	switch msg.Type {
	case MessageTypeAck:
		var list PeerListPayload
		if msg.ParsePayload(&list) == nil {
			for _, info := range list.Peers {
				c.report(info.PeerID, info.DisplayName, info.Endpoint)
			}
		}
	case MessageTypePeerJoined:
		var info PeerInfo
		if msg.ParsePayload(&info) == nil {
			c.report(info.PeerID, info.DisplayName, info.Endpoint)
		}
	case MessageTypeCandidate:
		var candidate CandidatePayload
		if msg.ParsePayload(&candidate) == nil {
			c.report(msg.PeerID, "", candidate.Endpoint)
		}
	case MessageTypePeerLeft:
		c.mu.Lock()
		delete(c.names, msg.PeerID)
		c.mu.Unlock()
		if c.OnPeerLeft != nil {
			c.OnPeerLeft(msg.PeerID)
		}
	case MessageTypeError:
		var e ErrorPayload
		msg.ParsePayload(&e)
		c.Logger.Warn("signaling error", "code", e.Code, "message", e.Message)
	}
}

// report remembers a peer's name and passes its socket on when valid
func (c *Client) report(peerID, name, endpoint string) {
	c.mu.Lock()
	if name != "" {
		c.names[peerID] = name
	} else {
		name = c.names[peerID]
	}
	self := peerID == c.peerID
	c.mu.Unlock()

	if self || endpoint == "" {
		return
	}
	sock, ok := types.ParseSocket(endpoint)
	if !ok {
		c.Logger.Debug("ignoring invalid endpoint", "peer", peerID, "endpoint", endpoint)
		return
	}
	if c.OnPeer != nil {
		c.OnPeer(PeerEndpoint{PeerID: peerID, DisplayName: name, Socket: sock})
	}
}

func (c *Client) write(conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
