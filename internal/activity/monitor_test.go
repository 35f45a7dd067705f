package activity

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskherd/taskherd/internal/task"
)

type fakeProber struct {
	alive atomic.Bool
}

func (p *fakeProber) IsAlive(int) bool { return p.alive.Load() }

type recordingObserver struct {
	mu          sync.Mutex
	transitions []Transition
	files       []FileEvent
}

func (o *recordingObserver) StateTransition(t Transition) {
	o.mu.Lock()
	o.transitions = append(o.transitions, t)
	o.mu.Unlock()
}

func (o *recordingObserver) FileActivity(e FileEvent) {
	o.mu.Lock()
	o.files = append(o.files, e)
	o.mu.Unlock()
}

func (o *recordingObserver) lastTransition() (Transition, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.transitions) == 0 {
		return Transition{}, false
	}
	return o.transitions[len(o.transitions)-1], true
}

func (o *recordingObserver) fileCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.files)
}

func newTestMonitor(t *testing.T, opts Options) *Monitor {
	t.Helper()
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = time.Hour // quiet unless the test wants polling
	}
	if opts.WatchSettle == 0 {
		opts.WatchSettle = 20 * time.Millisecond
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = time.Hour
	}
	if opts.TeardownDelay == 0 {
		opts.TeardownDelay = 20 * time.Millisecond
	}
	m := New(opts)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestActivityFlipsRunningToActive(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m := newTestMonitor(t, Options{Observer: obs})

	if err := m.StartMonitoring("t1", 101, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if st, _ := m.StateOf(101); st != task.StateRunning {
		t.Fatalf("initial state = %q, want running", st)
	}

	m.RecordActivity(101)
	if st, _ := m.StateOf(101); st != task.StateActive {
		t.Fatalf("state after activity = %q, want active", st)
	}

	tr, ok := obs.lastTransition()
	if !ok {
		t.Fatal("no transition emitted")
	}
	if tr.From != task.StateRunning || tr.To != task.StateActive || tr.TaskID != "t1" || tr.PID != 101 {
		t.Fatalf("transition = %+v, want running->active for t1/101", tr)
	}
	if tr.CorrelationID != "corr-1" {
		t.Fatalf("transition corr id = %q, want corr-1", tr.CorrelationID)
	}
}

func TestInactivityIdlesThenActivityResumes(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, Options{InactivityTimeout: 60 * time.Millisecond})

	if err := m.StartMonitoring("t1", 102, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	m.RecordActivity(102)

	waitFor(t, 2*time.Second, func() bool {
		st, _ := m.StateOf(102)
		return st == task.StateIdle
	})

	m.RecordActivity(102)
	if st, _ := m.StateOf(102); st != task.StateActive {
		t.Fatalf("state after renewed activity = %q, want active", st)
	}
}

func TestInactivityDoesNotIdleRunning(t *testing.T) {
	t.Parallel()

	// Without any observed activity the pid stays RUNNING; only ACTIVE
	// pids idle out.
	m := newTestMonitor(t, Options{InactivityTimeout: 40 * time.Millisecond})
	if err := m.StartMonitoring("t1", 103, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if st, _ := m.StateOf(103); st != task.StateRunning {
		t.Fatalf("state = %q, want running", st)
	}
}

func TestTerminalTransitionSchedulesTeardown(t *testing.T) {
	t.Parallel()

	obs := &recordingObserver{}
	m := newTestMonitor(t, Options{Observer: obs})

	if err := m.StartMonitoring("t1", 104, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if err := m.TransitionState(104, task.StateCompleted, "done"); err != nil {
		t.Fatalf("TransitionState() error = %v", err)
	}

	// The record survives just long enough for in-flight notifications.
	if _, ok := m.StateOf(104); !ok {
		t.Fatal("record torn down synchronously, want deferred")
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := m.StateOf(104)
		return !ok
	})

	// No transitions after terminal.
	if err := m.TransitionState(104, task.StateFailed, "late"); err == nil {
		t.Fatal("TransitionState() after teardown expected error, got nil")
	}
}

func TestTransitionStateRefusesLeavingTerminal(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, Options{TeardownDelay: time.Hour})
	if err := m.StartMonitoring("t1", 105, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	if err := m.TransitionState(105, task.StateCancelled, "cancel"); err != nil {
		t.Fatalf("TransitionState() error = %v", err)
	}
	if err := m.TransitionState(105, task.StateActive, "revive"); err == nil {
		t.Fatal("transition out of terminal state accepted")
	}
}

func TestStopMonitoringIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(t, Options{})
	if err := m.StartMonitoring("t1", 106, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}
	m.StopMonitoring(106)
	m.StopMonitoring(106) // safe no-op
	m.StopMonitoring(424242)
	if _, ok := m.StateOf(106); ok {
		t.Fatal("record still present after StopMonitoring")
	}
}

func TestHealthFailuresForceFailed(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{}
	prober.alive.Store(false)
	obs := &recordingObserver{}
	m := newTestMonitor(t, Options{
		Prober:              prober,
		Observer:            obs,
		HealthCheckInterval: 20 * time.Millisecond,
		MaxHealthFailures:   3,
	})

	if err := m.StartMonitoring("t1", 107, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		tr, ok := obs.lastTransition()
		return ok && tr.To == task.StateFailed
	})
	tr, _ := obs.lastTransition()
	if tr.Reason != "liveness probe failed" {
		t.Fatalf("reason = %q, want liveness probe failed", tr.Reason)
	}
}

func TestHealthRecoveryResetsCounter(t *testing.T) {
	t.Parallel()

	prober := &fakeProber{}
	prober.alive.Store(false)
	m := newTestMonitor(t, Options{
		Prober:              prober,
		HealthCheckInterval: 15 * time.Millisecond,
		MaxHealthFailures:   50, // far away so recovery happens first
	})

	if err := m.StartMonitoring("t1", 108, "", "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}

	time.Sleep(60 * time.Millisecond) // accumulate a few failures
	prober.alive.Store(true)
	time.Sleep(60 * time.Millisecond) // recover

	if st, ok := m.StateOf(108); !ok || st != task.StateRunning {
		t.Fatalf("state = %q ok=%v, want running after recovery", st, ok)
	}
}

func TestFileActivityDebounced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	obs := &recordingObserver{}
	m := newTestMonitor(t, Options{
		Observer:    obs,
		WatchSettle: 30 * time.Millisecond,
	})

	if err := m.StartMonitoring("t1", 109, dir, "corr-1"); err != nil {
		t.Fatalf("StartMonitoring() error = %v", err)
	}

	// A burst of writes to the same file settles into one activity signal.
	path := filepath.Join(dir, "agent.log")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("chunk"), 0o600); err != nil {
			t.Fatalf("write log: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return obs.fileCount() >= 1 })
	if st, _ := m.StateOf(109); st != task.StateActive {
		t.Fatalf("state after file activity = %q, want active", st)
	}

	time.Sleep(100 * time.Millisecond)
	if got := obs.fileCount(); got > 2 {
		t.Fatalf("burst produced %d activity notifications, want it debounced", got)
	}
}
