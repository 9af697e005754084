// Package ipc defines the line protocol exchanged with helper processes over
// their standard input and output.
package ipc

import "fmt"

// Message is one interprocess command or notification. Its value is the exact
// wire string, without the trailing newline.
type Message string

const (
	StreamRequest    Message = "stream_request"
	AckStreamRequest Message = "ack_stream_request"
	StreamAccept     Message = "stream_accept"
	AckStreamAccept  Message = "ack_stream_accept"
	StreamReject     Message = "stream_reject"
	AckStreamReject  Message = "ack_stream_reject"
)

// All lists every message of the vocabulary
var All = []Message{
	StreamRequest,
	AckStreamRequest,
	StreamAccept,
	AckStreamAccept,
	StreamReject,
	AckStreamReject,
}

var ackOf = map[Message]Message{
	StreamRequest: AckStreamRequest,
	StreamAccept:  AckStreamAccept,
	StreamReject:  AckStreamReject,
}

// Parse maps a wire string to its Message
func Parse(s string) (Message, bool) {
	for _, m := range All {
		if string(m) == s {
			return m, true
		}
	}
	return "", false
}

// HasAck reports whether m is a request-class message with an acknowledgement
func (m Message) HasAck() bool {
	_, ok := ackOf[m]
	return ok
}

// Ack returns the acknowledgement paired with m.
// It panics when m is itself an ack or not part of the vocabulary; asking for
// such an ack is a caller bug.
func (m Message) Ack() Message {
	ack, ok := ackOf[m]
	if !ok {
		panic(fmt.Sprintf("ipc: message %q has no acknowledgement", string(m)))
	}
	return ack
}

// Wire returns the newline-terminated form written to a helper's stdin
func (m Message) Wire() []byte {
	return []byte(string(m) + "\n")
}

func (m Message) String() string {
	return string(m)
}
