package worker

import (
	"strconv"

	"github.com/saintparish4/peerlink/pkg/types"
)

// Role identifies which helper executable a Worker drives and how its output
// is interpreted.
type Role int

const (
	RoleStunQuery Role = iota
	RoleUDPPeer
	RoleUDPServer
	RoleUDPClient
)

// Roles lists every role in a stable order
var Roles = []Role{RoleStunQuery, RoleUDPPeer, RoleUDPServer, RoleUDPClient}

var roleNames = [...]string{"stun_query", "udp_peer", "udp_server", "udp_client"}

func (r Role) String() string {
	if r < RoleStunQuery || r > RoleUDPClient {
		return "unknown"
	}
	return roleNames[r]
}

// Args builds the argument vector for the role's executable.
// The peer link needs the remote socket; the stream roles only need the local
// port because the peer was fixed during the handshake.
func (r Role) Args(n types.Network) []string {
	port := strconv.Itoa(n.LocalPort)
	switch r {
	case RoleUDPPeer:
		return []string{"-p", port, n.PublicSocket.String()}
	default:
		return []string{port}
	}
}

// Interpret turns one raw output line into the string emitted to the output
// callback. The STUN role only emits lines that parse as a socket and records
// them as the network's public socket; other roles pass lines through.
func (r Role) Interpret(n *types.Network, line string) (string, bool) {
	switch r {
	case RoleStunQuery:
		if !n.PublicSocket.UpdateFromString(line) {
			return "", false
		}
		return n.PublicSocket.String(), true
	default:
		return line, true
	}
}
