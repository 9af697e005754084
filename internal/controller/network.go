package controller

import (
	"log/slog"

	"github.com/saintparish4/peerlink/internal/config"
	"github.com/saintparish4/peerlink/internal/worker"
	"github.com/saintparish4/peerlink/pkg/types"
)

// NetworkController composes one WorkerController per role. It does no
// cross-role sequencing; callers stop the peer worker before starting the
// server or client worker.
type NetworkController struct {
	localPort int

	stun   *WorkerController
	peer   *WorkerController
	server *WorkerController
	client *WorkerController
}

// NewNetworkController builds the four role controllers from cfg. A nil
// logger means slog.Default().
func NewNetworkController(cfg config.Config, logger *slog.Logger) *NetworkController {
	if logger == nil {
		logger = slog.Default()
	}

	build := func(role worker.Role, path string) *WorkerController {
		c := NewWorkerController(role, path)
		c.AckTimeout = cfg.AckTimeout
		c.KillTimeout = cfg.KillTimeout
		c.Logger = logger
		return c
	}

	n := &NetworkController{
		localPort: cfg.LocalPort,
		stun:      build(worker.RoleStunQuery, cfg.StunClientPath()),
		peer:      build(worker.RoleUDPPeer, cfg.UDPConnectionPath()),
		server:    build(worker.RoleUDPServer, cfg.UDPServerPath()),
		client:    build(worker.RoleUDPClient, cfg.UDPClientPath()),
	}
	if cfg.StunServer != "" {
		n.stun.Env = []string{"STUN_SERVER=" + cfg.StunServer}
	}
	return n
}

// LocalPort is the port every helper binds
func (n *NetworkController) LocalPort() int { return n.localPort }

// Controller returns the controller for role, or nil for an unknown role
func (n *NetworkController) Controller(role worker.Role) *WorkerController {
	switch role {
	case worker.RoleStunQuery:
		return n.stun
	case worker.RoleUDPPeer:
		return n.peer
	case worker.RoleUDPServer:
		return n.server
	case worker.RoleUDPClient:
		return n.client
	}
	return nil
}

func (n *NetworkController) all() []*WorkerController {
	return []*WorkerController{n.stun, n.peer, n.server, n.client}
}

func (n *NetworkController) StartStun(network types.Network, onOutput worker.OutputFunc) error {
	return n.stun.Start(network, onOutput)
}
func (n *NetworkController) StopStun()      { n.stun.Stop() }
func (n *NetworkController) TerminateStun() { n.stun.Terminate() }

func (n *NetworkController) StartUDPPeer(network types.Network, onOutput worker.OutputFunc) error {
	return n.peer.Start(network, onOutput)
}
func (n *NetworkController) StopUDPPeer()      { n.peer.Stop() }
func (n *NetworkController) TerminateUDPPeer() { n.peer.Terminate() }

func (n *NetworkController) StartUDPServer(network types.Network, onOutput worker.OutputFunc) error {
	return n.server.Start(network, onOutput)
}
func (n *NetworkController) StopUDPServer()      { n.server.Stop() }
func (n *NetworkController) TerminateUDPServer() { n.server.Terminate() }

func (n *NetworkController) StartUDPClient(network types.Network, onOutput worker.OutputFunc) error {
	return n.client.Start(network, onOutput)
}
func (n *NetworkController) StopUDPClient()      { n.client.Stop() }
func (n *NetworkController) TerminateUDPClient() { n.client.Terminate() }

// Worker returns the current worker of role, or nil
func (n *NetworkController) Worker(role worker.Role) *worker.Worker {
	if c := n.Controller(role); c != nil {
		return c.Worker()
	}
	return nil
}

// StopAll stops every role's process
func (n *NetworkController) StopAll() {
	for _, c := range n.all() {
		c.Stop()
	}
}

// TerminateAll stops and releases every role's worker. It is safe in any state.
func (n *NetworkController) TerminateAll() {
	for _, c := range n.all() {
		c.Terminate()
	}
}
