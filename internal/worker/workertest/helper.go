// Package workertest turns the running test binary into fake helper
// executables. BinDir links the binary under each helper name; when a child is
// started through one of those links, Run takes over and behaves like the
// helper, scripted by PEERLINK_HELPER_* environment variables.
package workertest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/saintparish4/peerlink/pkg/ipc"
)

// Helper executable names
const (
	StunClient    = "stun_client"
	UDPConnection = "udp_connection"
	UDPServer     = "udp_server"
	UDPClient     = "udp_client"
)

const (
	// EnvStunReplies is a comma separated list of lines the STUN helper prints
	EnvStunReplies = "PEERLINK_HELPER_STUN_REPLIES"

	// EnvPeerScript selects how udp_connection answers, see the Script values
	EnvPeerScript = "PEERLINK_HELPER_PEER_SCRIPT"

	// EnvExitNow makes every helper exit at once without output
	EnvExitNow = "PEERLINK_HELPER_EXIT_NOW"

	// EnvArgsFile names a file each helper appends "<name> <args...>" to
	EnvArgsFile = "PEERLINK_HELPER_ARGS_FILE"

	// EnvReplyDelay delays every scripted reply, as a time.Duration string
	EnvReplyDelay = "PEERLINK_HELPER_REPLY_DELAY"
)

// DefaultStunReply is printed by the STUN helper when EnvStunReplies is unset
const DefaultStunReply = "203.0.113.5:40000"

// Script values for EnvPeerScript
const (
	ScriptAck     = "ack"     // acknowledge requests, never decide
	ScriptNoAck   = "noack"   // read input, print nothing
	ScriptAccept  = "accept"  // acknowledge and accept stream requests
	ScriptReject  = "reject"  // acknowledge and reject stream requests
	ScriptRequest = "request" // ask for a stream on startup, then acknowledge
	ScriptDeaf    = "deaf"    // close stdin, print StdinClosed, keep running
)

// StdinClosed is printed by the deaf script once its input is gone
const StdinClosed = "stdin_closed"

var names = []string{StunClient, UDPConnection, UDPServer, UDPClient}

// BinDir creates a directory holding a link to the test binary for every
// helper name and returns its path.
func BinDir(t testing.TB) string {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}

	dir := t.TempDir()
	for _, name := range names {
		if err := os.Symlink(exe, filepath.Join(dir, name)); err != nil {
			t.Fatalf("link %s: %v", name, err)
		}
	}
	return dir
}

// Path returns the path of the named helper inside dir
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

// Run behaves as a helper and exits when the binary was started under a helper
// name. Call it first thing in TestMain.
func Run() {
	name := filepath.Base(os.Args[0])
	if !isHelper(name) {
		return
	}

	recordArgs(name)
	if os.Getenv(EnvExitNow) != "" {
		os.Exit(0)
	}

	switch name {
	case StunClient:
		runStun()
	case UDPConnection:
		runPeer(os.Getenv(EnvPeerScript))
	default:
		say("streaming")
		runPeer(ScriptAck)
	}
	os.Exit(0)
}

func isHelper(name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func recordArgs(name string) {
	path := os.Getenv(EnvArgsFile)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "args file:", err)
		return
	}
	defer f.Close()
	fmt.Fprintln(f, strings.Join(append([]string{name}, os.Args[1:]...), " "))
}

func runStun() {
	replies := os.Getenv(EnvStunReplies)
	if replies == "" {
		replies = DefaultStunReply
	}
	for _, r := range strings.Split(replies, ",") {
		say(r)
	}
	drain()
}

func runPeer(script string) {
	if script == "" {
		script = ScriptAck
	}
	switch script {
	case ScriptRequest:
		say(string(ipc.StreamRequest))
	case ScriptDeaf:
		os.Stdin.Close()
		say(StdinClosed)
		for {
			time.Sleep(time.Hour)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, ok := ipc.Parse(strings.TrimSpace(scanner.Text()))
		if !ok || !msg.HasAck() || script == ScriptNoAck {
			continue
		}
		say(string(msg.Ack()))

		if msg != ipc.StreamRequest {
			continue
		}
		switch script {
		case ScriptAccept:
			say(string(ipc.StreamAccept))
		case ScriptReject:
			say(string(ipc.StreamReject))
		}
	}
}

func say(line string) {
	if d, err := time.ParseDuration(os.Getenv(EnvReplyDelay)); err == nil {
		time.Sleep(d)
	}
	fmt.Println(line)
}

// drain blocks until stdin closes
func drain() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
	}
}
