package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/support-bridge/internal/audit"
	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
	"github.com/openclaw/support-bridge/internal/tunnel"
)

const (
	DefaultShell     = "sh"
	DefaultKillGrace = 3 * time.Second
)

// FrameSender delivers frames to the console side of the tunnel.
type FrameSender interface {
	WriteFrame(f tunnel.Frame) error
}

type Authorizer interface {
	Authorize(role model.Role, command string) error
}

type Options struct {
	Shell string
	// Dir is used when an execute frame names no working directory.
	Dir string
	// Timeout bounds a single command; zero means no limit.
	Timeout   time.Duration
	KillGrace time.Duration
}

// Engine runs at most one shell command at a time for a session and
// streams its output as frames. Every started command ends with exactly
// one exit or cancelled frame.
type Engine struct {
	authz Authorizer
	send  FrameSender
	opts  Options

	mu      sync.Mutex
	current *execution
	closed  bool
	wg      sync.WaitGroup
}

type execution struct {
	commandID string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func NewEngine(authz Authorizer, send FrameSender, opts Options) *Engine {
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &Engine{authz: authz, send: send, opts: opts}
}

// Execute authorizes and starts the command in f. Rejections are reported
// to the console as error frames and returned; the session stays usable.
func (e *Engine) Execute(f tunnel.Frame) error {
	commandID := f.CommandID
	if commandID == "" {
		commandID = uuid.NewString()
	}

	if err := e.authz.Authorize(f.Role, f.Command); err != nil {
		audit.Log(context.Background(), audit.Event{
			Type:      audit.EventCommandRejected,
			SessionID: f.SessionID,
			Role:      string(f.Role),
			Details:   map[string]interface{}{"command_id": commandID},
		})
		return e.reject(commandID, err)
	}

	dir := f.Cwd
	if dir == "" {
		dir = e.opts.Dir
	}
	if dir != "" {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return e.reject(commandID, apperrors.ProcessSpawnFailed(fmt.Errorf("working directory %q is not usable", dir)))
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.reject(commandID, apperrors.Protocol("session is closing"))
	}
	if e.current != nil {
		e.mu.Unlock()
		return e.reject(commandID, apperrors.AlreadyExecuting())
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if e.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), e.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(ctx, e.opts.Shell, "-c", f.Command)
	cmd.Dir = dir
	stdout := &frameWriter{send: e.send, commandID: commandID, frame: tunnel.OutputFrame}
	stderr := &frameWriter{send: e.send, commandID: commandID, frame: tunnel.StderrFrame}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd, e.opts.KillGrace)
	// Bounds how long output copying may outlive the process, e.g. when a
	// backgrounded child keeps the pipes open.
	cmd.WaitDelay = 2 * e.opts.KillGrace

	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		cancel()
		log.Error().Err(err).Str("commandId", commandID).Msg("failed to start command")
		return e.reject(commandID, apperrors.ProcessSpawnFailed(err))
	}

	run := &execution{commandID: commandID, cancel: cancel}
	e.current = run
	e.wg.Add(1)
	e.mu.Unlock()

	log.Info().
		Str("commandId", commandID).
		Str("role", string(f.Role)).
		Int("pid", cmd.Process.Pid).
		Msg("command started")

	go e.wait(ctx, cmd, run, stdout, stderr)
	return nil
}

func (e *Engine) wait(ctx context.Context, cmd *exec.Cmd, run *execution, outputs ...*frameWriter) {
	defer e.wg.Done()

	err := cmd.Wait()
	for _, w := range outputs {
		w.flush()
	}
	code := exitCode(err)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	run.cancel()

	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()

	var terminal tunnel.Frame
	if run.cancelled.Load() || timedOut {
		terminal = tunnel.CancelledFrame(run.commandID, code)
	} else {
		terminal = tunnel.ExitFrame(run.commandID, code)
	}

	log.Info().
		Str("commandId", run.commandID).
		Int("code", code).
		Bool("cancelled", terminal.Type == tunnel.FrameCancelled).
		Bool("timedOut", timedOut).
		Msg("command finished")

	if err := e.send.WriteFrame(terminal); err != nil {
		log.Debug().Err(err).Str("commandId", run.commandID).Msg("terminal frame not delivered")
	}
}

// Cancel terminates the running command if its id matches. An empty id
// matches whatever is running. It is a no-op when nothing runs.
func (e *Engine) Cancel(commandID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	run := e.current
	if run == nil || (commandID != "" && commandID != run.commandID) {
		return false
	}
	if run.cancelled.CompareAndSwap(false, true) {
		log.Info().Str("commandId", run.commandID).Msg("cancelling command")
		run.cancel()
	}
	return true
}

// Running reports the id of the command in flight, if any.
func (e *Engine) Running() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", false
	}
	return e.current.commandID, true
}

// Close cancels any running command, waits for it to finish and refuses
// further work.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if run := e.current; run != nil && run.cancelled.CompareAndSwap(false, true) {
		run.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) reject(commandID string, err error) error {
	if sendErr := e.send.WriteFrame(tunnel.ErrorFrame(commandID, err)); sendErr != nil {
		log.Debug().Err(sendErr).Str("commandId", commandID).Msg("error frame not delivered")
	}
	return err
}

// frameWriter turns process output into frames as it is produced. A UTF-8
// sequence split across reads is held back until its remaining bytes arrive.
// exec.Cmd calls Write from a single copying goroutine per stream.
type frameWriter struct {
	send      FrameSender
	commandID string
	frame     func(commandID, data string) tunnel.Frame
	pending   []byte
}

func (w *frameWriter) Write(p []byte) (int, error) {
	buf := append(w.pending, p...)
	cut := completePrefix(buf)
	w.pending = append([]byte(nil), buf[cut:]...)
	if cut == 0 {
		return len(p), nil
	}
	if err := w.send.WriteFrame(w.frame(w.commandID, string(buf[:cut]))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush sends bytes still held back once the process has exited.
func (w *frameWriter) flush() {
	if len(w.pending) == 0 {
		return
	}
	data := string(w.pending)
	w.pending = nil
	if err := w.send.WriteFrame(w.frame(w.commandID, data)); err != nil {
		log.Debug().Err(err).Str("commandId", w.commandID).Msg("trailing output not delivered")
	}
}

// completePrefix returns the length of b without an unfinished trailing rune.
// Invalid bytes count as complete so they are never held indefinitely.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
