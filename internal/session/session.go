// Package session drives one peerlink session through STUN discovery, the
// peer handshake and the stream role decision.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/internal/worker"
	"github.com/saintparish4/peerlink/pkg/ipc"
	"github.com/saintparish4/peerlink/pkg/types"
)

var (
	ErrInvalidPeerAddress = errors.New("invalid peer address")
	ErrNoPeerLink         = errors.New("no peer link running")
	ErrStreamDenied       = errors.New("stream denied")
	ErrWrongState         = errors.New("operation not allowed in current state")
	ErrClosed             = errors.New("session closed")
)

// Controller is the lifecycle bookkeeping a session sequences.
// controller.NetworkController implements it.
type Controller interface {
	LocalPort() int
	StartStun(network types.Network, onOutput worker.OutputFunc) error
	StopStun()
	StartUDPPeer(network types.Network, onOutput worker.OutputFunc) error
	StopUDPPeer()
	StartUDPServer(network types.Network, onOutput worker.OutputFunc) error
	StopUDPServer()
	StartUDPClient(network types.Network, onOutput worker.OutputFunc) error
	StopUDPClient()
	TerminateAll()
	Worker(role worker.Role) *worker.Worker
}

// Config holds the negotiation timeouts and hooks
type Config struct {
	// AckTimeout bounds the wait for the peer's acknowledgement of an answer
	AckTimeout time.Duration

	// ResponseTimeout bounds the wait for the peer's stream decision
	ResponseTimeout time.Duration

	// Notify receives every event; nil drops them
	Notify func(Event)

	Logger *slog.Logger
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		AckTimeout:      10 * time.Second,
		ResponseTimeout: 30 * time.Second,
	}
}

// Session sequences a Controller for one peer connection at a time.
//
// Operations are serialized; a stream request holds the operation lock for up
// to ResponseTimeout. Close cancels any operation in flight.
type Session struct {
	id     string
	ctrl   Controller
	config Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes operations, mu guards the fields below it
	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	closed bool
	own    types.Network
	peer   types.Network
	// link is the worker the session currently depends on; its exit moves
	// the session back to AwaitingPeerInput
	link *worker.Worker
}

// New creates an idle session over ctrl. Call Start to begin discovery.
func New(ctrl Controller, config Config) *Session {
	defaults := DefaultConfig()
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaults.AckTimeout
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = defaults.ResponseTimeout
	}

	id := uuid.NewString()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:     id,
		ctrl:   ctrl,
		config: config,
		logger: logger.With("session", id),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		own:    types.NewNetwork(ctrl.LocalPort()),
		peer:   types.NewNetwork(ctrl.LocalPort()),
	}
}

// ID returns the session's unique id
func (s *Session) ID() string { return s.id }

// State returns the current phase
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PublicSocket returns the own address discovered so far
func (s *Session) PublicSocket() types.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.own.PublicSocket
}

// PeerSocket returns the last accepted peer address
func (s *Session) PeerSocket() types.Socket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer.PublicSocket
}

// Start begins STUN discovery. Discovery keeps running until a peer address
// is submitted.
func (s *Session) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	own := s.own.Clone()
	s.mu.Unlock()

	s.setState(StateDiscovering)
	if err := s.ctrl.StartStun(own, s.onStunOutput); err != nil {
		err = errors.Wrap(err, "start discovery")
		s.fail(err)
		s.setState(StateAwaitingPeerInput)
		return err
	}
	s.logger.Info("discovery started", "local_port", own.LocalPort)
	return nil
}

func (s *Session) onStunOutput(line string) {
	sock, ok := types.ParseSocket(line)
	if !ok {
		return
	}

	s.mu.Lock()
	s.own.PublicSocket = sock
	advance := s.state == StateDiscovering
	s.mu.Unlock()

	s.emit(Event{Kind: EventPublicSocket, Text: sock.String()})
	if advance {
		s.setStateIf(StateDiscovering, StateAwaitingPeerInput)
	}
}

// SubmitPeerAddress validates text as the peer's socket. Invalid input is
// reported and nothing else changes. Valid input stops discovery and any
// running link, then starts the peer link against the new address.
func (s *Session) SubmitPeerAddress(text string) error {
	sock, ok := types.ParseSocket(text)
	if !ok {
		s.emit(Event{Kind: EventInvalidInput, Text: text})
		return errors.Wrapf(ErrInvalidPeerAddress, "%q", text)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.peer.PublicSocket = sock
	peer := s.peer.Clone()
	s.link = nil
	s.mu.Unlock()

	s.ctrl.StopStun()
	s.ctrl.StopUDPServer()
	s.ctrl.StopUDPClient()
	s.ctrl.StopUDPPeer()

	// the peer may ask for a stream as soon as the link is up
	s.setState(StatePeerHandshaking)
	if err := s.ctrl.StartUDPPeer(peer, s.onPeerOutput); err != nil {
		err = errors.Wrapf(err, "connect to %s", sock)
		s.fail(err)
		s.setState(StateAwaitingPeerInput)
		return err
	}
	s.watch(worker.RoleUDPPeer)

	s.logger.Info("peer link started", "peer", sock.String())
	s.emit(Event{Kind: EventStatus, Text: "connecting to " + sock.String()})
	return nil
}

func (s *Session) onPeerOutput(line string) {
	if line == string(ipc.StreamRequest) && s.setStateIf(StatePeerHandshaking, StateAwaitingStreamDecision) {
		s.logger.Info("stream requested by peer")
		s.emit(Event{Kind: EventStreamRequested})
		return
	}
	s.emit(Event{Kind: EventStatus, Text: line})
}

func (s *Session) onStreamOutput(line string) {
	s.emit(Event{Kind: EventStatus, Text: line})
}

// RequestStream asks the peer for a stream and waits up to ResponseTimeout for
// its decision. On accept this side becomes the stream client. A rejection
// keeps the peer link; no answer stops it and returns the session to
// AwaitingPeerInput. Both return ErrStreamDenied.
func (s *Session) RequestStream(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.setStateIf(StatePeerHandshaking, StateAwaitingStreamResponse) {
		return errors.Wrapf(ErrWrongState, "request stream in %s", s.State())
	}

	w := s.ctrl.Worker(worker.RoleUDPPeer)
	if w == nil || !w.Listening() {
		s.setState(StatePeerHandshaking)
		return ErrNoPeerLink
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	reply, err := w.Request(ctx, ipc.StreamRequest, s.config.ResponseTimeout, ipc.StreamAccept, ipc.StreamReject)
	switch {
	case errors.Is(err, worker.ErrAckTimeout):
		s.logger.Warn("stream request unanswered", "timeout", s.config.ResponseTimeout)
		s.dropLink()
		s.ctrl.StopUDPPeer()
		s.setState(StateAwaitingPeerInput)
		s.emit(Event{Kind: EventStreamDenied, Text: "no response from peer"})
		return errors.Wrap(ErrStreamDenied, "no response from peer")
	case err != nil:
		if s.ctx.Err() == nil {
			s.setState(StatePeerHandshaking)
			s.fail(err)
		}
		return err
	case reply == ipc.StreamReject:
		s.setState(StatePeerHandshaking)
		s.emit(Event{Kind: EventStreamDenied, Text: "peer rejected the stream"})
		return errors.Wrap(ErrStreamDenied, "peer rejected the stream")
	}

	return s.switchRole(worker.RoleUDPClient)
}

// AnswerStreamRequest answers a pending request from the peer. Accepting sends
// stream_accept and waits for its acknowledgement before this side becomes the
// stream server, so both sides leave the peer link in the same order.
// Rejecting sends stream_reject and keeps the peer link.
func (s *Session) AnswerStreamRequest(ctx context.Context, accept bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != StateAwaitingStreamDecision {
		return errors.Wrapf(ErrWrongState, "answer stream request in %s", s.State())
	}

	w := s.ctrl.Worker(worker.RoleUDPPeer)
	if w == nil || !w.Listening() {
		return ErrNoPeerLink
	}

	ctx, stop := s.bind(ctx)
	defer stop()

	if !accept {
		err := w.SendMessage(ctx, ipc.StreamReject, true, s.config.AckTimeout)
		switch {
		case errors.Is(err, worker.ErrAckTimeout):
			s.logger.Warn("stream reject not acknowledged", "timeout", s.config.AckTimeout)
		case err != nil:
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return err
		}
		s.setState(StatePeerHandshaking)
		s.emit(Event{Kind: EventStatus, Text: "stream request rejected"})
		return nil
	}

	err := w.SendMessage(ctx, ipc.StreamAccept, true, s.config.AckTimeout)
	switch {
	case errors.Is(err, worker.ErrAckTimeout):
		s.dropLink()
		s.ctrl.StopUDPPeer()
		s.setState(StateAwaitingPeerInput)
		err = errors.Wrap(err, "stream accept")
		s.fail(err)
		return err
	case err != nil:
		if s.ctx.Err() == nil {
			s.fail(err)
		}
		return err
	}

	return s.switchRole(worker.RoleUDPServer)
}

// switchRole replaces the peer link with the stream server or client
func (s *Session) switchRole(role worker.Role) error {
	s.dropLink()
	s.ctrl.StopUDPPeer()

	s.mu.Lock()
	peer := s.peer.Clone()
	s.mu.Unlock()

	start, name := s.ctrl.StartUDPClient, "client"
	if role == worker.RoleUDPServer {
		start, name = s.ctrl.StartUDPServer, "server"
	}

	if err := start(peer, s.onStreamOutput); err != nil {
		err = errors.Wrapf(err, "start stream %s", name)
		s.fail(err)
		s.setState(StateAwaitingPeerInput)
		return err
	}
	s.watch(role)

	s.setState(StateStreaming)
	s.logger.Info("stream started", "role", name)
	s.emit(Event{Kind: EventStreamStarted, Text: name})
	return nil
}

// Close terminates every helper and returns the session to Idle. It cancels
// any operation in flight and is safe to call more than once.
func (s *Session) Close() {
	s.cancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.link = nil
	s.mu.Unlock()

	s.ctrl.TerminateAll()
	s.setState(StateIdle)
}

// watch makes the current worker of role the session's link. When its
// process ends on its own, the session goes back to AwaitingPeerInput.
func (s *Session) watch(role worker.Role) {
	w := s.ctrl.Worker(role)
	if w == nil {
		return
	}
	done := w.Done()

	s.mu.Lock()
	s.link = w
	s.mu.Unlock()

	go func() {
		<-done

		s.mu.Lock()
		if s.link != w {
			s.mu.Unlock()
			return
		}
		s.link = nil
		s.mu.Unlock()

		s.logger.Info("link closed", "role", role.String())
		s.emit(Event{Kind: EventStatus, Text: role.String() + " exited"})
		s.setState(StateAwaitingPeerInput)
	}()
}

func (s *Session) dropLink() {
	s.mu.Lock()
	s.link = nil
	s.mu.Unlock()
}

// bind returns a context that is also cancelled by Close
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev != next {
		s.logger.Debug("state changed", "from", prev.String(), "to", next.String())
		s.emit(Event{Kind: EventStateChanged, State: next})
	}
}

// setStateIf moves from want to next and reports whether it did
func (s *Session) setStateIf(want, next State) bool {
	s.mu.Lock()
	if s.state != want {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()

	s.logger.Debug("state changed", "from", want.String(), "to", next.String())
	s.emit(Event{Kind: EventStateChanged, State: next})
	return true
}

func (s *Session) fail(err error) {
	s.logger.Error("negotiation step failed", "err", err.Error())
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) emit(ev Event) {
	if ev.Kind != EventStateChanged {
		ev.State = s.State()
	}
	if s.config.Notify != nil {
		s.config.Notify(ev)
	}
}
