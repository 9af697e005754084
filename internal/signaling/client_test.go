package signaling

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/saintparish4/peerlink/pkg/types"
)

type peerLog struct {
	mu    sync.Mutex
	seen  []PeerEndpoint
	left  []string
	added chan struct{}
}

func newPeerLog() *peerLog {
	return &peerLog{added: make(chan struct{}, 16)}
}

func (l *peerLog) onPeer(p PeerEndpoint) {
	l.mu.Lock()
	l.seen = append(l.seen, p)
	l.mu.Unlock()
	l.added <- struct{}{}
}

func (l *peerLog) onLeft(id string) {
	l.mu.Lock()
	l.left = append(l.left, id)
	l.mu.Unlock()
	l.added <- struct{}{}
}

func (l *peerLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.added:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a peer callback")
	}
}

func (l *peerLog) last() PeerEndpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[len(l.seen)-1]
}

func startSignaling(t *testing.T) (*Server, string) {
	t.Helper()
	s := newTestServer()
	ts := httptest.NewServer(s.HTTPHandler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func runClient(t *testing.T, c *Client) context.CancelFunc {
	t.Helper()
	c.Logger = slog.New(slog.DiscardHandler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitRoomSize(t *testing.T, s *Server, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r := s.Rooms().Get(room); r != nil && r.Count() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d peers", room, n)
}

func TestClientExchangesEndpoints(t *testing.T) {
	server, url := startSignaling(t)

	alice := NewClient(url, "lobby")
	alice.DisplayName = "alice"
	alice.Announce(types.Socket{IP: "203.0.113.1", Port: 4000})
	cancelAlice := runClient(t, alice)
	waitRoomSize(t, server, "lobby", 1)

	bobLog := newPeerLog()
	bob := NewClient(url, "lobby")
	bob.OnPeer = bobLog.onPeer
	bob.OnPeerLeft = bobLog.onLeft
	runClient(t, bob)

	bobLog.wait(t)
	got := bobLog.last()
	if got.PeerID != alice.PeerID() || got.DisplayName != "alice" || got.Socket.String() != "203.0.113.1:4000" {
		t.Errorf("unexpected peer from join list %+v", got)
	}

	waitRoomSize(t, server, "lobby", 2)
	if err := alice.Announce(types.Socket{IP: "203.0.113.1", Port: 4001}); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	bobLog.wait(t)
	got = bobLog.last()
	if got.Socket.Port != 4001 || got.DisplayName != "alice" {
		t.Errorf("unexpected candidate %+v", got)
	}

	aliceID := alice.PeerID()
	cancelAlice()
	bobLog.wait(t)
	bobLog.mu.Lock()
	defer bobLog.mu.Unlock()
	if len(bobLog.left) != 1 || bobLog.left[0] != aliceID {
		t.Errorf("expected PEER_LEFT for %s, got %v", aliceID, bobLog.left)
	}
}

func TestClientReconnects(t *testing.T) {
	s := newTestServer()
	ts := httptest.NewServer(s.HTTPHandler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	c := NewClient(url, "lobby")
	c.Backoff.Min = 10 * time.Millisecond
	c.Backoff.Max = 50 * time.Millisecond
	runClient(t, c)
	waitRoomSize(t, s, "lobby", 1)

	oldID := c.PeerID()
	s.Registry().ForEach(func(p *Peer) { p.Close() })

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Registry().Count() == 1 && s.Rooms().Get("lobby").Count() == 1 {
			if id := c.PeerID(); id != "" && id != oldID && s.Registry().Exists(id) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client did not rejoin after the connection dropped")
}
