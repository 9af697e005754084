// Package tui is the interactive terminal front end of a peerlink session.
package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/internal/session"
	"github.com/saintparish4/peerlink/internal/signaling"
	"github.com/saintparish4/peerlink/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#767676"))

	addressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#22aa22")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#5f5fd7")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ff5f5f")).
			Bold(true)

	confirmStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffaf5f")).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#767676")).
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(lipgloss.Color("#585858")).
			Padding(0, 1)
)

// maxLogLines bounds the activity log shown under the input
const maxLogLines = 8

// Session is the part of *session.Session the terminal drives
type Session interface {
	ID() string
	State() session.State
	Start() error
	SubmitPeerAddress(text string) error
	RequestStream(ctx context.Context) error
	AnswerStreamRequest(ctx context.Context, accept bool) error
}

// Announcer publishes the discovered address; *signaling.Client implements it
type Announcer interface {
	Announce(sock types.Socket) error
}

// Model is the bubbletea model for one session
type Model struct {
	sess      Session
	announcer Announcer
	room      string

	input   textinput.Model
	spinner spinner.Model

	state    session.State
	public   string
	peers    []signaling.PeerEndpoint
	log      []string
	errMsg   string
	busy     bool
	width    int
	quitting bool

	// copy replaces the clipboard in tests
	copy func(string) error
}

// New builds the model. announcer may be nil when no signaling server is
// used; room is only displayed.
func New(sess Session, announcer Announcer, room string) Model {
	ti := textinput.New()
	ti.Placeholder = "peer address, e.g. 203.0.113.5:40000"
	ti.CharLimit = 21
	ti.Width = 30
	ti.Prompt = "> "
	ti.PromptStyle = promptStyle
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		sess:      sess,
		announcer: announcer,
		room:      room,
		input:     ti,
		spinner:   sp,
		state:     sess.State(),
		copy:      writeClipboard,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		startCmd(m.sess),
	)
}

// Options configures Run
type Options struct {
	Session session.Config

	// Signaling, when set, is run alongside the session: the discovered
	// address is announced and peers found in the room are listed.
	Signaling *signaling.Client
}

// Run drives a new session over ctrl until the user quits or ctx is
// cancelled. The session is closed before Run returns.
func Run(ctx context.Context, ctrl session.Controller, opts Options) error {
	var p *tea.Program

	cfg := opts.Session
	cfg.Notify = func(ev session.Event) { p.Send(eventMsg(ev)) }
	sess := session.New(ctrl, cfg)
	defer sess.Close()

	var announcer Announcer
	var room string
	if sig := opts.Signaling; sig != nil {
		announcer = sig
		room = sig.Room
		sig.SessionID = sess.ID()
	}

	p = tea.NewProgram(New(sess, announcer, room), tea.WithAltScreen(), tea.WithContext(ctx))

	if sig := opts.Signaling; sig != nil {
		sig.OnPeer = func(pe signaling.PeerEndpoint) { p.Send(peerMsg(pe)) }
		sig.OnPeerLeft = func(id string) { p.Send(peerLeftMsg(id)) }

		sigCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go sig.Run(sigCtx)
	}

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "run terminal ui")
	}
	return nil
}
