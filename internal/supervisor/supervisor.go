// Package supervisor spawns and terminates the agent subprocesses and answers
// liveness probes for them. It owns the process table; everything above it
// talks to a Child through pipes and the Done channel.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sentinel errors.
var (
	// ErrNoPID is returned when the OS started the process but assigned no pid.
	ErrNoPID = errors.New("spawn succeeded but no pid assigned")

	// ErrUnknownPID is returned by Terminate for pids the supervisor never spawned.
	ErrUnknownPID = errors.New("unknown pid")
)

// SpawnConfig describes one subprocess launch.
type SpawnConfig struct {
	JobID            string
	SessionName      string
	WorkingDirectory string
	Interpreter      string
	Script           string
	Args             []string
	Env              []string
	CorrelationID    string
}

func (c *SpawnConfig) validate() error {
	if strings.TrimSpace(c.JobID) == "" {
		return errors.New("missing job id")
	}
	if strings.TrimSpace(c.SessionName) == "" {
		return errors.New("missing session name")
	}
	if strings.TrimSpace(c.WorkingDirectory) == "" {
		return errors.New("missing working directory")
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		return errors.New("missing interpreter")
	}
	if strings.TrimSpace(c.Script) == "" {
		return errors.New("missing script path")
	}
	return nil
}

// Child is one spawned subprocess with fully piped stdio.
type Child struct {
	PID           int
	JobID         string
	SessionName   string
	CorrelationID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	startedAt time.Time

	closeOnce sync.Once

	done     chan struct{}
	exitCode int
	exitErr  error
}

// Stdin is the subprocess input stream. Nil only on a half-built Child.
func (c *Child) Stdin() io.Writer { return c.stdin }

// Stdout is the subprocess output stream. It reaches EOF when the process
// exits regardless of Wait ordering because the parent holds its own pipe end.
func (c *Child) Stdout() io.Reader { return c.stdout }

// Done is closed once the process has been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitCode is valid only after Done is closed. Kills by signal report -1.
func (c *Child) ExitCode() int { return c.exitCode }

// ExitErr is the error from reaping, valid only after Done is closed.
func (c *Child) ExitErr() error { return c.exitErr }

// StartedAt is the spawn timestamp.
func (c *Child) StartedAt() time.Time { return c.startedAt }

func (c *Child) closePipes() {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.stdout != nil {
			_ = c.stdout.Close()
		}
		if c.stderr != nil {
			_ = c.stderr.Close()
		}
	})
}

// Supervisor tracks spawned children by pid. Safe for concurrent use.
type Supervisor struct {
	log   *slog.Logger
	grace time.Duration

	mu       sync.Mutex
	children map[int]*Child
}

// New builds a Supervisor. grace bounds the SIGTERM-to-SIGKILL wait.
func New(log *slog.Logger, grace time.Duration) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{
		log:      log,
		grace:    grace,
		children: make(map[int]*Child),
	}
}

// Spawn validates cfg, launches interpreter+script with fully piped stdio and
// registers the child. The argument list is always a vector; nothing here
// passes through a shell.
func (s *Supervisor) Spawn(ctx context.Context, cfg SpawnConfig) (*Child, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid spawn config: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	args := make([]string, 0, 1+len(cfg.Args))
	args = append(args, cfg.Script)
	args = append(args, cfg.Args...)

	cmd := exec.CommandContext(ctx, cfg.Interpreter, args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
	)
	cmd.Env = append(cmd.Env, cfg.Env...)

	// Pipes are created by hand instead of StdinPipe/StdoutPipe so the
	// parent keeps its own descriptor ends: Wait can then reap the child
	// immediately while readers still drain to a clean EOF.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		_ = stderrR.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("spawn %s: %w", cfg.Interpreter, err)
	}

	// The child owns the far pipe ends now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, ErrNoPID
	}

	child := &Child{
		PID:           cmd.Process.Pid,
		JobID:         cfg.JobID,
		SessionName:   cfg.SessionName,
		CorrelationID: cfg.CorrelationID,
		cmd:           cmd,
		stdin:         stdinW,
		stdout:        stdoutR,
		stderr:        stderrR,
		startedAt:     time.Now(),
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	s.children[child.PID] = child
	s.mu.Unlock()

	go s.drainStderr(child)
	go s.reap(child)

	s.log.Info("subprocess spawned",
		"component", "supervisor",
		"job_id", cfg.JobID,
		"pid", child.PID,
		"corr_id", cfg.CorrelationID,
	)
	return child, nil
}

func (s *Supervisor) reap(child *Child) {
	err := child.cmd.Wait()
	child.exitErr = err
	child.exitCode = 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		child.exitCode = exitErr.ExitCode()
	} else if err != nil {
		child.exitCode = -1
	}
	close(child.done)
	s.log.Debug("subprocess reaped",
		"component", "supervisor",
		"pid", child.PID,
		"exit_code", child.exitCode,
	)
}

// Subprocess logs go to stderr only; stdout is reserved for protocol frames.
func (s *Supervisor) drainStderr(child *Child) {
	r := bufio.NewScanner(child.stderr)
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" {
			continue
		}
		attrs := []any{"component", "subprocess", "pid", child.PID, "line", line}
		if runID := parseRunIDFromLog(line); runID != "" {
			attrs = append(attrs, "run_id", runID)
		}
		s.log.Debug("subprocess stderr", attrs...)
	}
	if err := r.Err(); err != nil {
		s.log.Warn("subprocess stderr scan failed", "component", "supervisor", "pid", child.PID, "error", err)
	}
}

// Terminate sends SIGTERM to pid and races process exit against the grace
// period; if the process is still alive when it expires, SIGKILL follows.
// Bookkeeping is released on every path.
func (s *Supervisor) Terminate(ctx context.Context, pid int) error {
	s.mu.Lock()
	child, ok := s.children[pid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate %d: %w", pid, ErrUnknownPID)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	defer func() {
		child.closePipes()
		s.mu.Lock()
		delete(s.children, pid)
		s.mu.Unlock()
	}()

	select {
	case <-child.done:
		return nil
	default:
	}

	if err := child.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("graceful signal failed", "component", "supervisor", "pid", pid, "error", err)
	}

	select {
	case <-child.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.grace):
	}

	if !s.IsAlive(pid) {
		return nil
	}

	s.log.Warn("grace period expired, killing", "component", "supervisor", "pid", pid)
	if err := child.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	<-child.done
	return nil
}

// IsAlive is a zero-signal existence probe. Any probe error counts as not
// alive; that over-approximates for processes we may not signal (EPERM),
// which is acceptable because the supervisor only probes its own children.
func (s *Supervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	if !exists {
		return false
	}
	// A reaped child still has a /proc entry until Wait completes; treat a
	// closed done channel as authoritative for our own children.
	s.mu.Lock()
	child, ok := s.children[pid]
	s.mu.Unlock()
	if ok {
		select {
		case <-child.done:
			return false
		default:
		}
	}
	return true
}

// Child returns the registered child for pid, or nil.
func (s *Supervisor) Child(pid int) *Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.children[pid]
}

// ActivePIDs lists pids with live bookkeeping.
func (s *Supervisor) ActivePIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.children))
	for pid := range s.children {
		out = append(out, pid)
	}
	return out
}

// CleanupOrphaned drops bookkeeping for pids that fail the liveness probe.
// Returns the number of entries removed.
func (s *Supervisor) CleanupOrphaned() int {
	s.mu.Lock()
	pids := make([]int, 0, len(s.children))
	for pid := range s.children {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	removed := 0
	for _, pid := range pids {
		if s.IsAlive(pid) {
			continue
		}
		s.mu.Lock()
		child, ok := s.children[pid]
		if ok {
			delete(s.children, pid)
		}
		s.mu.Unlock()
		if ok {
			child.closePipes()
			removed++
			s.log.Info("orphaned bookkeeping dropped", "component", "supervisor", "pid", pid)
		}
	}
	return removed
}

func parseRunIDFromLog(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	const key = "run_id="
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	rest := line[idx+len(key):]
	end := strings.IndexAny(rest, " \t,;\"']")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end])
}
