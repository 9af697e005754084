// Package controller keeps the lifecycle bookkeeping for the helper processes
// of a session: at most one live worker per role, with idempotent start, stop
// and terminate.
package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/saintparish4/peerlink/internal/worker"
	"github.com/saintparish4/peerlink/pkg/types"
)

// WorkerController owns at most one worker of a fixed role.
type WorkerController struct {
	role    worker.Role
	exePath string

	// Applied to every worker created by Start
	AckTimeout  time.Duration
	KillTimeout time.Duration
	Env         []string
	Logger      *slog.Logger

	mu sync.Mutex
	w  *worker.Worker
}

// NewWorkerController creates a controller that runs exePath for role
func NewWorkerController(role worker.Role, exePath string) *WorkerController {
	return &WorkerController{
		role:        role,
		exePath:     exePath,
		AckTimeout:  worker.DefaultAckTimeout,
		KillTimeout: worker.DefaultKillTimeout,
	}
}

// Role returns the controlled role
func (c *WorkerController) Role() worker.Role { return c.role }

// Start runs a fresh worker for network unless the current one is listening.
// A stopped worker left over from the previous Start is released first.
func (c *WorkerController) Start(network types.Network, onOutput worker.OutputFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w != nil {
		if c.w.Listening() {
			return nil
		}
		c.w.Shutdown()
		c.w = nil
	}

	w := worker.New(c.role, network, c.exePath)
	w.AckTimeout = c.AckTimeout
	w.KillTimeout = c.KillTimeout
	w.Logger = c.Logger
	if len(c.Env) > 0 {
		w.SetEnv(c.Env...)
	}
	w.OnOutput(onOutput)

	if err := w.Start(); err != nil {
		return err
	}
	c.w = w
	return nil
}

// Stop terminates the running process but keeps the worker for inspection
// until the next Start or Terminate.
func (c *WorkerController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w == nil || !c.w.Listening() {
		return
	}
	c.w.TerminateProcess()
}

// Terminate stops the process if needed and releases the worker
func (c *WorkerController) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.w == nil {
		return
	}
	c.w.Shutdown()
	c.w = nil
}

// Worker returns the current worker, or nil
func (c *WorkerController) Worker() *worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w
}

// Listening reports whether the current worker's process is running
func (c *WorkerController) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w != nil && c.w.Listening()
}
