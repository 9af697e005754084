package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/internal/session"
	"github.com/saintparish4/peerlink/internal/signaling"
	"github.com/saintparish4/peerlink/pkg/types"
)

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	submitted []string
	requested int
	answers   []bool
	submitErr error
}

func (f *fakeSession) ID() string { return "test-session" }

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Start() error { return nil }

func (f *fakeSession) SubmitPeerAddress(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	return f.submitErr
}

func (f *fakeSession) RequestStream(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	return nil
}

func (f *fakeSession) AnswerStreamRequest(_ context.Context, accept bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, accept)
	return nil
}

type fakeAnnouncer struct {
	announced []types.Socket
}

func (a *fakeAnnouncer) Announce(sock types.Socket) error {
	a.announced = append(a.announced, sock)
	return nil
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "ctrl+r":
		return tea.KeyMsg{Type: tea.KeyCtrlR}
	case "ctrl+y":
		return tea.KeyMsg{Type: tea.KeyCtrlY}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// update applies msg and runs the returned command once, feeding its
// result back into the model
func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, cmd := m.Update(msg)
	m = next.(Model)
	if cmd == nil {
		return m
	}
	if out := cmd(); out != nil {
		switch out.(type) {
		case opDoneMsg, copiedMsg:
			next, _ = m.Update(out)
			m = next.(Model)
		}
	}
	return m
}

func event(kind session.EventKind, state session.State, text string) eventMsg {
	return eventMsg(session.Event{Kind: kind, State: state, Text: text})
}

func TestSubmitPeerAddress(t *testing.T) {
	sess := &fakeSession{}
	m := New(sess, nil, "")
	m.input.SetValue("203.0.113.5:40000")

	m = update(t, m, key("enter"))

	if len(sess.submitted) != 1 || sess.submitted[0] != "203.0.113.5:40000" {
		t.Fatalf("expected address to be submitted, got %v", sess.submitted)
	}
	if m.busy {
		t.Error("model should not be busy after the operation finished")
	}
}

func TestSubmitKeepsSurroundingSpace(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		submit bool
	}{
		{"padded", " 10.0.0.1:5000 ", true},
		{"trailing", "10.0.0.1:5000 ", true},
		{"blank", "   ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{}
			m := New(sess, nil, "")
			m.input.SetValue(tt.input)

			update(t, m, key("enter"))

			if !tt.submit {
				if len(sess.submitted) != 0 {
					t.Errorf("blank input submitted: %q", sess.submitted)
				}
				return
			}
			if len(sess.submitted) != 1 || sess.submitted[0] != tt.input {
				t.Errorf("expected %q to reach the session unchanged, got %q", tt.input, sess.submitted)
			}
		})
	}
}

func TestInvalidInputShown(t *testing.T) {
	sess := &fakeSession{submitErr: errors.Wrap(session.ErrInvalidPeerAddress, "bogus")}
	m := New(sess, nil, "")
	m.input.SetValue("bogus")

	m = update(t, m, key("enter"))
	m = update(t, m, event(session.EventInvalidInput, session.StateDiscovering, "bogus"))

	if !strings.Contains(m.errMsg, "not a valid address") {
		t.Errorf("expected invalid address message, got %q", m.errMsg)
	}
	if !strings.Contains(m.View(), "not a valid address") {
		t.Error("view should show the invalid address message")
	}
}

func TestStreamRequestNeedsHandshake(t *testing.T) {
	sess := &fakeSession{}
	m := New(sess, nil, "")

	m = update(t, m, key("ctrl+r"))
	if sess.requested != 0 {
		t.Fatal("request sent outside PeerHandshaking")
	}
	if m.errMsg == "" {
		t.Error("expected a hint to connect first")
	}

	m = update(t, m, event(session.EventStateChanged, session.StatePeerHandshaking, ""))
	m = update(t, m, key("ctrl+r"))
	if sess.requested != 1 {
		t.Errorf("expected one stream request, got %d", sess.requested)
	}
}

func TestAnswerStreamRequest(t *testing.T) {
	tests := []struct {
		key    string
		accept bool
	}{
		{"y", true},
		{"n", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			sess := &fakeSession{}
			m := New(sess, nil, "")
			m = update(t, m, event(session.EventStreamRequested, session.StateAwaitingStreamDecision, ""))

			if !strings.Contains(m.View(), "Accept? [y/n]") {
				t.Error("view should prompt for a decision")
			}

			m = update(t, m, key(tt.key))
			if len(sess.answers) != 1 || sess.answers[0] != tt.accept {
				t.Errorf("expected answer %v, got %v", tt.accept, sess.answers)
			}
			if m.input.Value() != "" {
				t.Errorf("answer key should not reach the input, got %q", m.input.Value())
			}
		})
	}
}

func TestYTypesOutsideDecision(t *testing.T) {
	sess := &fakeSession{}
	m := New(sess, nil, "")

	m = update(t, m, key("y"))
	if len(sess.answers) != 0 {
		t.Error("y answered without a pending request")
	}
	if m.input.Value() != "y" {
		t.Errorf("expected y in the input, got %q", m.input.Value())
	}
}

func TestPublicSocketAnnounced(t *testing.T) {
	announcer := &fakeAnnouncer{}
	m := New(&fakeSession{}, announcer, "lobby")

	m = update(t, m, event(session.EventPublicSocket, session.StateAwaitingPeerInput, "198.51.100.4:5000"))

	if m.public != "198.51.100.4:5000" {
		t.Errorf("expected public address, got %q", m.public)
	}
	if len(announcer.announced) != 1 || announcer.announced[0].Port != 5000 {
		t.Errorf("expected address to be announced, got %v", announcer.announced)
	}
	if !strings.Contains(m.View(), "198.51.100.4:5000") {
		t.Error("view should show the discovered address")
	}
}

func TestCopyAddress(t *testing.T) {
	m := New(&fakeSession{}, nil, "")
	var copied string
	m.copy = func(s string) error {
		copied = s
		return nil
	}

	m = update(t, m, key("ctrl+y"))
	if copied != "" || m.errMsg == "" {
		t.Error("copy before discovery should only show a hint")
	}

	m = update(t, m, event(session.EventPublicSocket, session.StateAwaitingPeerInput, "198.51.100.4:5000"))
	m = update(t, m, key("ctrl+y"))
	if copied != "198.51.100.4:5000" {
		t.Errorf("expected address on clipboard, got %q", copied)
	}
}

func TestSignaledPeers(t *testing.T) {
	m := New(&fakeSession{}, &fakeAnnouncer{}, "lobby")
	sock, _ := types.ParseSocket("203.0.113.9:7000")

	m = update(t, m, peerMsg(signaling.PeerEndpoint{PeerID: "a1", DisplayName: "alice", Socket: sock}))
	if !strings.Contains(m.View(), "alice") {
		t.Error("view should list alice")
	}

	m = update(t, m, key("tab"))
	if m.input.Value() != "203.0.113.9:7000" {
		t.Errorf("tab should fill the peer address, got %q", m.input.Value())
	}

	moved, _ := types.ParseSocket("203.0.113.9:7001")
	m = update(t, m, peerMsg(signaling.PeerEndpoint{PeerID: "a1", Socket: moved}))
	if len(m.peers) != 1 || m.peers[0].DisplayName != "alice" || m.peers[0].Socket.Port != 7001 {
		t.Errorf("expected updated alice entry, got %+v", m.peers)
	}

	m = update(t, m, peerLeftMsg("a1"))
	if len(m.peers) != 0 {
		t.Errorf("expected no peers after leave, got %+v", m.peers)
	}
}

func TestQuit(t *testing.T) {
	m := New(&fakeSession{}, nil, "")

	next, cmd := m.Update(key("esc"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("esc should quit")
	}
	if next.(Model).View() != "" {
		t.Error("view should be empty after quitting")
	}
}

func TestLogBounded(t *testing.T) {
	m := New(&fakeSession{}, nil, "")
	for i := 0; i < maxLogLines+5; i++ {
		m = update(t, m, event(session.EventStatus, session.StatePeerHandshaking, "line"))
	}
	if len(m.log) != maxLogLines {
		t.Errorf("expected %d log lines, got %d", maxLogLines, len(m.log))
	}
}
