package session

// State is the negotiation phase of a session
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateAwaitingPeerInput
	StatePeerHandshaking
	StateAwaitingStreamDecision
	StateAwaitingStreamResponse
	StateStreaming
)

var stateNames = [...]string{
	"idle",
	"discovering",
	"awaiting_peer_input",
	"peer_handshaking",
	"awaiting_stream_decision",
	"awaiting_stream_response",
	"streaming",
}

func (s State) String() string {
	if s < StateIdle || s > StateStreaming {
		return "unknown"
	}
	return stateNames[s]
}

// EventKind classifies what a session reports to its Notify hook
type EventKind int

const (
	// EventPublicSocket carries a newly discovered own address in Text
	EventPublicSocket EventKind = iota
	// EventStatus carries a line from a helper or a progress note
	EventStatus
	// EventInvalidInput reports a rejected peer address in Text
	EventInvalidInput
	// EventStreamRequested asks the user to accept or reject a stream
	EventStreamRequested
	// EventStreamDenied reports a rejected or unanswered stream request
	EventStreamDenied
	// EventStreamStarted reports the stream role ("server" or "client") in Text
	EventStreamStarted
	// EventError reports a failed step in Err
	EventError
	// EventStateChanged reports the new State
	EventStateChanged
)

var eventNames = [...]string{
	"public_socket",
	"status",
	"invalid_input",
	"stream_requested",
	"stream_denied",
	"stream_started",
	"error",
	"state_changed",
}

func (k EventKind) String() string {
	if k < EventPublicSocket || k > EventStateChanged {
		return "unknown"
	}
	return eventNames[k]
}

// Event is delivered to Config.Notify. It may be delivered from a helper's
// read loop, so handlers must not block or call back into the session
// synchronously.
type Event struct {
	Kind  EventKind
	State State
	Text  string
	Err   error
}
