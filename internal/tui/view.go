package tui

import (
	"fmt"
	"strings"

	"github.com/saintparish4/peerlink/internal/session"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("peerlink"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(m.stateText()))
	b.WriteString("\n\n")

	b.WriteString(labelStyle.Render("Your address: "))
	if m.public == "" {
		b.WriteString(m.spinner.View() + " discovering")
	} else {
		b.WriteString(addressStyle.Render(m.public))
	}
	b.WriteString("\n")

	if m.room != "" {
		b.WriteString(labelStyle.Render(fmt.Sprintf("Room %s: ", m.room)))
		if len(m.peers) == 0 {
			b.WriteString("no peers yet")
		}
		b.WriteString("\n")
		for _, p := range m.peers {
			name := p.DisplayName
			if name == "" {
				name = p.PeerID
			}
			fmt.Fprintf(&b, "  %s  %s\n", name, addressStyle.Render(p.Socket.String()))
		}
	}
	b.WriteString("\n")

	b.WriteString(m.input.View())
	b.WriteString("\n")

	if m.state == session.StateAwaitingStreamDecision {
		b.WriteString(confirmStyle.Render("Peer wants to start a stream. Accept? [y/n]"))
		b.WriteString("\n")
	}
	if m.errMsg != "" {
		b.WriteString(errorStyle.Render(m.errMsg))
		b.WriteString("\n")
	}

	if len(m.log) > 0 {
		b.WriteString("\n")
		for _, line := range m.log {
			b.WriteString(labelStyle.Render("· ") + line + "\n")
		}
	}

	footer := footerStyle
	if m.width > 0 {
		footer = footer.Width(m.width)
	}
	b.WriteString(footer.Render(m.help()))
	return b.String()
}

func (m Model) stateText() string {
	text := strings.ReplaceAll(m.state.String(), "_", " ")
	if m.busy || m.state == session.StateAwaitingStreamResponse {
		return m.spinner.View() + " " + text
	}
	return text
}

func (m Model) help() string {
	keys := []string{"enter connect"}
	if len(m.peers) > 0 {
		keys = append(keys, "tab use peer")
	}
	if m.state == session.StatePeerHandshaking {
		keys = append(keys, "ctrl+r request stream")
	}
	keys = append(keys, "ctrl+y copy address", "esc quit")
	return strings.Join(keys, " • ")
}
