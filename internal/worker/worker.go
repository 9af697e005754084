// Package worker runs helper executables as long-lived line-oriented network
// endpoints. A Worker owns exactly one child process: it reads the child's
// stdout line by line on a dedicated goroutine, hands each line to the role's
// interpretation rule and the registered output callback, and writes
// interprocess messages to the child's stdin.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/saintparish4/peerlink/pkg/ipc"
	"github.com/saintparish4/peerlink/pkg/types"
)

const (
	// DefaultAckTimeout bounds SendMessage when an acknowledgement is expected
	DefaultAckTimeout = 10 * time.Second

	// DefaultKillTimeout is how long a terminated child may take to exit
	// before it is killed
	DefaultKillTimeout = 5 * time.Second
)

var (
	ErrNotConfigured = errors.New("worker has no executable configured")
	ErrClosed        = errors.New("worker is shut down")
	ErrNoInput       = errors.New("worker has no open input pipe")
	ErrAckTimeout    = errors.New("timed out waiting for reply")
)

// OutputFunc receives the strings a Worker emits
type OutputFunc func(output string)

// Worker manages one helper process.
type Worker struct {
	role Role

	// AckTimeout is used by SendMessage when the caller passes no timeout
	AckTimeout time.Duration

	// KillTimeout bounds the wait after the terminate signal
	KillTimeout time.Duration

	Logger *slog.Logger

	mu        sync.Mutex
	exePath   string
	args      []string
	env       []string
	network   types.Network
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	listening bool
	closed    bool
	onOutput  OutputFunc
	done      chan struct{}
	exited    chan struct{}

	writeMu sync.Mutex

	// outMu guards the last received line and the pending awaiters. It is
	// written by the read loop and read by waiting callers.
	outMu      sync.Mutex
	lastOutput string
	awaiters   map[*awaiter]struct{}
}

// New creates a Worker for role, configured to run exePath with the role's
// arguments for network. The worker keeps its own clone of network.
func New(role Role, network types.Network, exePath string) *Worker {
	w := &Worker{
		role:        role,
		AckTimeout:  DefaultAckTimeout,
		KillTimeout: DefaultKillTimeout,
		network:     network.Clone(),
		awaiters:    make(map[*awaiter]struct{}),
	}
	w.Configure(exePath, role.Args(w.network))
	return w
}

// Configure sets the executable and arguments used by the next Start
func (w *Worker) Configure(exePath string, args []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exePath = exePath
	w.args = append([]string(nil), args...)
}

// SetEnv adds KEY=value entries to the child's environment
func (w *Worker) SetEnv(env ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.env = append(w.env, env...)
}

// OnOutput registers the single consumer of emitted strings. The last
// registration wins. The callback runs on the read-loop goroutine and must not
// call Shutdown on this worker synchronously.
func (w *Worker) OnOutput(fn OutputFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOutput = fn
}

// Role returns the role the worker was created for
func (w *Worker) Role() Role { return w.role }

// Path returns the configured executable
func (w *Worker) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exePath
}

// Args returns a copy of the configured arguments
func (w *Worker) Args() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.args...)
}

// Network returns a copy of the worker's network view
func (w *Worker) Network() types.Network {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.network.Clone()
}

// Listening reports whether the child process is running under this worker
func (w *Worker) Listening() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.listening
}

// Pid returns the child's process id, or 0 when no child was started
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Done returns a channel closed when the current read loop exits. It is nil
// before the first Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// LastOutput returns the most recent non-empty line read from the child
func (w *Worker) LastOutput() string {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	return w.lastOutput
}

func (w *Worker) log() *slog.Logger {
	if w.Logger != nil {
		return w.Logger.With("role", w.role.String())
	}
	return slog.Default().With("role", w.role.String())
}

// Start spawns the child and begins reading its output. It is a no-op while
// the worker is listening.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.listening {
		return nil
	}
	if w.closed {
		return ErrClosed
	}
	if w.exePath == "" {
		return ErrNotConfigured
	}

	cmd := exec.Command(w.exePath, w.args...)
	if len(w.env) > 0 {
		cmd.Env = append(os.Environ(), w.env...)
	}
	cmd.Stderr = &stderrLogger{logger: w.log()}
	cmd.WaitDelay = w.KillTimeout

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "stdin pipe for %s", w.role)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "stdout pipe for %s", w.role)
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", w.role)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.listening = true
	w.done = make(chan struct{})
	w.exited = make(chan struct{})

	w.log().Info("worker started", "path", w.exePath, "args", w.args, "pid", cmd.Process.Pid)
	go w.readLoop(cmd, stdout, w.done)
	return nil
}

// readLoop blocks on the child's stdout. End of stream runs the same cleanup
// as an explicit TerminateProcess.
func (w *Worker) readLoop(cmd *exec.Cmd, stdout io.Reader, done chan struct{}) {
	defer close(done)

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			w.receive(cmd.Process.Pid, line)
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				w.log().Warn("read output failed", "pid", cmd.Process.Pid, "err", err.Error())
			}
			break
		}
	}

	w.log().Debug("output closed", "pid", cmd.Process.Pid)
	w.stopIfCurrent(cmd)
}

func (w *Worker) receive(pid int, line string) {
	w.outMu.Lock()
	w.lastOutput = line
	for a := range w.awaiters {
		if a.matches(line) {
			a.reply <- line
			delete(w.awaiters, a)
		}
	}
	w.outMu.Unlock()

	w.log().Debug("worker output", "pid", pid, "line", line)

	w.mu.Lock()
	out, ok := w.role.Interpret(&w.network, line)
	fn := w.onOutput
	w.mu.Unlock()

	if ok && fn != nil {
		fn(out)
	}
}

// TerminateProcess signals the child, waits for it to exit and releases its
// pipes. It is a no-op when the worker is not listening. Concurrent callers all
// return only after the child has been reaped.
func (w *Worker) TerminateProcess() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd != nil {
		w.stopIfCurrent(cmd)
	}
}

// stopIfCurrent stops cmd only if it is still the worker's live process, so a
// read loop from an earlier lifecycle cannot stop a newer child.
func (w *Worker) stopIfCurrent(cmd *exec.Cmd) {
	w.mu.Lock()
	if w.cmd != cmd {
		w.mu.Unlock()
		return
	}
	exited := w.exited
	if !w.listening {
		w.mu.Unlock()
		<-exited
		return
	}
	w.listening = false
	stdin := w.stdin
	w.stdin = nil
	w.mu.Unlock()
	defer close(exited)

	logger := w.log().With("pid", cmd.Process.Pid)

	if err := terminate(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Debug("terminate signal failed", "err", err.Error())
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(w.KillTimeout):
		logger.Warn("worker did not exit, killing")
		cmd.Process.Kill()
		err = <-waitErr
	}

	// Wait already closed the parent ends of the pipes
	stdin.Close()

	logger.Info("worker stopped", "exit", exitDescription(err))
}

// Shutdown terminates the child if needed and waits for the read loop to
// finish. The worker cannot be started again afterwards.
func (w *Worker) Shutdown() {
	w.TerminateProcess()

	w.mu.Lock()
	w.closed = true
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
}

// SendMessage writes msg to the child. With expectAck it then waits until the
// child reports msg's acknowledgement or timeout elapses; timeout <= 0 uses
// AckTimeout. Asking for the ack of an ack-class message panics.
func (w *Worker) SendMessage(ctx context.Context, msg ipc.Message, expectAck bool, timeout time.Duration) error {
	if !expectAck {
		return w.write(msg)
	}
	if timeout <= 0 {
		timeout = w.AckTimeout
	}
	_, err := w.Request(ctx, msg, timeout, msg.Ack())
	return err
}

// Request writes msg and waits up to timeout for the child to print one of
// replies. Only lines read after the request was issued are considered, so a
// stale reply from an earlier exchange cannot satisfy it.
func (w *Worker) Request(ctx context.Context, msg ipc.Message, timeout time.Duration, replies ...ipc.Message) (ipc.Message, error) {
	want := make([]string, len(replies))
	for i, r := range replies {
		want[i] = string(r)
	}

	a := w.addAwaiter(want)
	defer w.removeAwaiter(a)

	if err := w.write(msg); err != nil {
		return "", err
	}

	line, err := w.wait(ctx, a, timeout)
	if err != nil {
		return "", errors.Wrapf(err, "%s reply to %s", w.role, msg)
	}
	reply, _ := ipc.Parse(line)
	return reply, nil
}

// AwaitOutput waits up to timeout for the next line equal to one of want
func (w *Worker) AwaitOutput(ctx context.Context, timeout time.Duration, want ...string) (string, error) {
	a := w.addAwaiter(want)
	defer w.removeAwaiter(a)
	return w.wait(ctx, a, timeout)
}

func (w *Worker) write(msg ipc.Message) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()

	if stdin == nil {
		return ErrNoInput
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if _, err := stdin.Write(msg.Wire()); err != nil {
		return errors.Wrapf(err, "write %s to %s", msg, w.role)
	}
	w.log().Debug("worker input", "message", msg.String())
	return nil
}

// awaiter is a single-slot signal fulfilled by the read loop
type awaiter struct {
	want  []string
	reply chan string
}

func (a *awaiter) matches(line string) bool {
	for _, s := range a.want {
		if s == line {
			return true
		}
	}
	return false
}

func (w *Worker) addAwaiter(want []string) *awaiter {
	a := &awaiter{want: want, reply: make(chan string, 1)}
	w.outMu.Lock()
	w.awaiters[a] = struct{}{}
	w.outMu.Unlock()
	return a
}

func (w *Worker) removeAwaiter(a *awaiter) {
	w.outMu.Lock()
	delete(w.awaiters, a)
	w.outMu.Unlock()
}

func (w *Worker) wait(ctx context.Context, a *awaiter, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line := <-a.reply:
		return line, nil
	case <-timer.C:
		return "", ErrAckTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// stderrLogger forwards child stderr to the log one line at a time
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (s *stderrLogger) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(s.buf[:i])); line != "" {
			s.logger.Info("worker stderr", "line", line)
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}
