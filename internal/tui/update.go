package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/internal/session"
	"github.com/saintparish4/peerlink/internal/signaling"
	"github.com/saintparish4/peerlink/pkg/types"
)

type eventMsg session.Event

type peerMsg signaling.PeerEndpoint

type peerLeftMsg string

// opDoneMsg reports the result of a session operation run off the UI loop
type opDoneMsg struct {
	op  string
	err error
}

type copiedMsg struct {
	text string
	err  error
}

func writeClipboard(text string) error {
	return clipboard.WriteAll(text)
}

func startCmd(sess Session) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "discovery", err: sess.Start()}
	}
}

func submitCmd(sess Session, text string) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "connect", err: sess.SubmitPeerAddress(text)}
	}
}

func requestCmd(sess Session) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "stream request", err: sess.RequestStream(context.Background())}
	}
}

func answerCmd(sess Session, accept bool) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: "stream answer", err: sess.AnswerStreamRequest(context.Background(), accept)}
	}
}

func announceCmd(a Announcer, sock types.Socket) tea.Cmd {
	return func() tea.Msg {
		if err := a.Announce(sock); err != nil {
			return opDoneMsg{op: "announce", err: err}
		}
		return nil
	}
}

func copyCmd(write func(string) error, text string) tea.Cmd {
	return func() tea.Msg {
		return copiedMsg{text: text, err: write(text)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case eventMsg:
		return m.handleEvent(session.Event(msg))

	case opDoneMsg:
		m.busy = false
		if msg.err != nil && !errors.Is(msg.err, session.ErrInvalidPeerAddress) &&
			!errors.Is(msg.err, session.ErrStreamDenied) && !errors.Is(msg.err, session.ErrClosed) {
			m.errMsg = fmt.Sprintf("%s failed: %v", msg.op, msg.err)
		}
		return m, nil

	case peerMsg:
		m.upsertPeer(signaling.PeerEndpoint(msg))
		return m, nil

	case peerLeftMsg:
		m.removePeer(string(msg))
		return m, nil

	case copiedMsg:
		if msg.err != nil {
			m.errMsg = fmt.Sprintf("copy failed: %v", msg.err)
		} else {
			m.appendLog("copied " + msg.text + " to clipboard")
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.quitting = true
		return m, tea.Quit

	case "ctrl+y":
		if m.public == "" {
			m.errMsg = "no address discovered yet"
			return m, nil
		}
		return m, copyCmd(m.copy, m.public)

	case "ctrl+r":
		if m.busy {
			return m, nil
		}
		if m.state != session.StatePeerHandshaking {
			m.errMsg = "connect to a peer before requesting a stream"
			return m, nil
		}
		m.busy = true
		m.errMsg = ""
		m.appendLog("stream requested, waiting for the peer")
		return m, requestCmd(m.sess)

	case "tab":
		if len(m.peers) > 0 {
			m.input.SetValue(m.peers[len(m.peers)-1].Socket.String())
			m.input.CursorEnd()
		}
		return m, nil

	case "enter":
		if m.busy {
			return m, nil
		}
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.busy = true
		m.errMsg = ""
		return m, submitCmd(m.sess, text)
	}

	if m.state == session.StateAwaitingStreamDecision && !m.busy {
		switch msg.String() {
		case "y", "n":
			accept := msg.String() == "y"
			m.busy = true
			if accept {
				m.appendLog("stream accepted")
			} else {
				m.appendLog("stream rejected")
			}
			return m, answerCmd(m.sess, accept)
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleEvent(ev session.Event) (tea.Model, tea.Cmd) {
	m.state = ev.State

	switch ev.Kind {
	case session.EventPublicSocket:
		m.public = ev.Text
		if sock, ok := types.ParseSocket(ev.Text); ok && m.announcer != nil {
			return m, announceCmd(m.announcer, sock)
		}
	case session.EventStatus:
		m.appendLog(ev.Text)
	case session.EventInvalidInput:
		m.errMsg = fmt.Sprintf("%q is not a valid address (expected A.B.C.D:PORT)", ev.Text)
	case session.EventStreamRequested:
		m.appendLog("peer requests a stream")
	case session.EventStreamDenied:
		m.appendLog("stream denied")
	case session.EventStreamStarted:
		m.input.SetValue("")
		m.appendLog("streaming as " + ev.Text)
	case session.EventError:
		if ev.Err != nil {
			m.errMsg = ev.Err.Error()
		}
	case session.EventStateChanged:
		if ev.State == session.StatePeerHandshaking {
			m.errMsg = ""
		}
	}
	return m, nil
}

func (m *Model) appendLog(line string) {
	m.log = append(m.log, line)
	if len(m.log) > maxLogLines {
		m.log = m.log[len(m.log)-maxLogLines:]
	}
}

func (m *Model) upsertPeer(p signaling.PeerEndpoint) {
	for i := range m.peers {
		if m.peers[i].PeerID == p.PeerID {
			if p.DisplayName == "" {
				p.DisplayName = m.peers[i].DisplayName
			}
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			break
		}
	}
	m.peers = append(m.peers, p)
}

func (m *Model) removePeer(id string) {
	for i := range m.peers {
		if m.peers[i].PeerID == id {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return
		}
	}
}
