package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// mockConn records writes and serves queued reads
type mockConn struct {
	mu          sync.Mutex
	closed      bool
	readQueue   [][]byte
	written     [][]byte
	pings       int
	pongHandler func(string) error
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if messageType == PingMessage {
		m.pings++
		return nil
	}
	m.written = append(m.written, append([]byte(nil), data...))
	return nil
}

// ReadMessage drains the queue, then fails like a closed socket
func (m *mockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || len(m.readQueue) == 0 {
		return 0, nil, errors.New("connection closed")
	}
	data := m.readQueue[0]
	m.readQueue = m.readQueue[1:]
	return TextMessage, data, nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadLimit(int64)               {}

func (m *mockConn) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *mockConn) enqueue(t *testing.T, msg *Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readQueue = append(m.readQueue, data)
}

// messages decodes everything written so far
func (m *mockConn) messages(t *testing.T) []Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Message, 0, len(m.written))
	for _, data := range m.written {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("written frame is not a message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func (m *mockConn) last(t *testing.T) Message {
	t.Helper()
	msgs := m.messages(t)
	if len(msgs) == 0 {
		t.Fatal("nothing written")
	}
	return msgs[len(msgs)-1]
}

func (m *mockConn) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// waitFor polls m until it has written a message of type typ
func (m *mockConn) waitFor(t *testing.T, typ MessageType) Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range m.messages(t) {
			if msg.Type == typ {
				return msg
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s message written", typ)
	return Message{}
}

// mockUpgrader hands out a prepared connection
type mockUpgrader struct {
	conn *mockConn
	err  error
}

func (u *mockUpgrader) Upgrade(http.ResponseWriter, *http.Request, http.Header) (Conn, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.conn, nil
}
