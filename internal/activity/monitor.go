// Package activity tracks per-subprocess liveness and progress. Each
// monitored pid runs a small state machine (RUNNING -> ACTIVE <-> IDLE ->
// terminal) driven by file-system activity, protocol traffic and a shared
// liveness poller.
package activity

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskherd/taskherd/internal/task"
)

// Transition is emitted on every state change of a monitored pid.
type Transition struct {
	TaskID        string     `json:"task_id"`
	PID           int        `json:"pid"`
	From          task.State `json:"from"`
	To            task.State `json:"to"`
	At            time.Time  `json:"at"`
	Reason        string     `json:"reason,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// FileEvent is emitted when watched log output settles after a write burst.
type FileEvent struct {
	TaskID        string    `json:"task_id"`
	PID           int       `json:"pid"`
	Path          string    `json:"path"`
	At            time.Time `json:"at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Observer receives monitor notifications. Implementations must not block;
// the monitor calls them inline from its event paths.
type Observer interface {
	StateTransition(t Transition)
	FileActivity(e FileEvent)
}

// Prober answers liveness probes. The supervisor satisfies it.
type Prober interface {
	IsAlive(pid int) bool
}

// Options configures a Monitor.
type Options struct {
	Log      *slog.Logger
	Prober   Prober
	Observer Observer

	HealthCheckInterval time.Duration
	WatchSettle         time.Duration
	InactivityTimeout   time.Duration

	// MaxHealthFailures is how many consecutive probe failures force a
	// non-terminal pid to FAILED.
	MaxHealthFailures int

	// TeardownDelay postpones bookkeeping removal after a terminal
	// transition so in-flight notifications remain observable.
	TeardownDelay time.Duration
}

type record struct {
	taskID        string
	pid           int
	correlationID string
	state         task.State
	logDir        string

	lastActivity    time.Time
	healthFailures  int
	lastHealthCheck time.Time

	inactivity *time.Timer
}

// Monitor is the per-pid activity and health tracker. Safe for concurrent use.
type Monitor struct {
	log      *slog.Logger
	prober   Prober
	observer Observer

	healthInterval    time.Duration
	watchSettle       time.Duration
	inactivityTimeout time.Duration
	maxHealthFailures int
	teardownDelay     time.Duration

	mu        sync.Mutex
	records   map[int]*record
	watchRefs map[string]int
	settlers  map[string]*time.Timer

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	stopped sync.Once
	started bool
}

// New builds a Monitor. Start must be called before monitoring begins.
func New(opts Options) *Monitor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		log:               log,
		prober:            opts.Prober,
		observer:          opts.Observer,
		healthInterval:    opts.HealthCheckInterval,
		watchSettle:       opts.WatchSettle,
		inactivityTimeout: opts.InactivityTimeout,
		maxHealthFailures: opts.MaxHealthFailures,
		teardownDelay:     opts.TeardownDelay,
		records:           make(map[int]*record),
		watchRefs:         make(map[string]int),
		settlers:          make(map[string]*time.Timer),
		stopCh:            make(chan struct{}),
	}
	if m.healthInterval <= 0 {
		m.healthInterval = 10 * time.Second
	}
	if m.watchSettle <= 0 {
		m.watchSettle = 300 * time.Millisecond
	}
	if m.inactivityTimeout <= 0 {
		m.inactivityTimeout = 2 * time.Minute
	}
	if m.maxHealthFailures <= 0 {
		m.maxHealthFailures = 3
	}
	if m.teardownDelay <= 0 {
		m.teardownDelay = 100 * time.Millisecond
	}
	return m
}

// Start creates the shared file watcher and the liveness polling loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("monitor already started")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	m.watcher = w
	m.started = true
	go m.watchLoop()
	go m.healthLoop()
	return nil
}

// Stop tears the monitor down. Idempotent.
func (m *Monitor) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.watcher != nil {
			_ = m.watcher.Close()
		}
		for _, rec := range m.records {
			if rec.inactivity != nil {
				rec.inactivity.Stop()
			}
		}
		for _, t := range m.settlers {
			t.Stop()
		}
		m.records = make(map[int]*record)
		m.settlers = make(map[string]*time.Timer)
		m.watchRefs = make(map[string]int)
		m.mu.Unlock()
	})
}

// StartMonitoring registers pid in state RUNNING, watches logDir when given
// and arms the inactivity timer.
func (m *Monitor) StartMonitoring(taskID string, pid int, logDir, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return errors.New("monitor not started")
	}
	if _, exists := m.records[pid]; exists {
		return fmt.Errorf("pid %d already monitored", pid)
	}

	rec := &record{
		taskID:        taskID,
		pid:           pid,
		correlationID: correlationID,
		state:         task.StateRunning,
		logDir:        strings.TrimSpace(logDir),
		lastActivity:  time.Now(),
	}

	if rec.logDir != "" {
		if m.watchRefs[rec.logDir] == 0 {
			if err := m.watcher.Add(rec.logDir); err != nil {
				m.log.Warn("log dir watch failed, activity from protocol only",
					"component", "activity", "task_id", taskID, "dir", rec.logDir, "error", err)
				rec.logDir = ""
			}
		}
		if rec.logDir != "" {
			m.watchRefs[rec.logDir]++
		}
	}

	rec.inactivity = time.AfterFunc(m.inactivityTimeout, func() { m.inactivityFired(pid) })
	m.records[pid] = rec

	m.log.Debug("monitoring started", "component", "activity", "task_id", taskID, "pid", pid, "log_dir", rec.logDir)
	return nil
}

// StopMonitoring cancels timers and watches for pid and drops its record.
// Unknown pids are a safe no-op.
func (m *Monitor) StopMonitoring(pid int) {
	m.mu.Lock()
	rec, ok := m.records[pid]
	if ok {
		delete(m.records, pid)
		if rec.inactivity != nil {
			rec.inactivity.Stop()
		}
		if rec.logDir != "" {
			m.watchRefs[rec.logDir]--
			if m.watchRefs[rec.logDir] <= 0 {
				delete(m.watchRefs, rec.logDir)
				if m.watcher != nil {
					_ = m.watcher.Remove(rec.logDir)
				}
			}
		}
	}
	m.mu.Unlock()
	if ok {
		m.log.Debug("monitoring stopped", "component", "activity", "pid", pid)
	}
}

// StateOf returns the current state for pid.
func (m *Monitor) StateOf(pid int) (task.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pid]
	if !ok {
		return "", false
	}
	return rec.state, true
}

// MonitoredPIDs lists the pids with live records.
func (m *Monitor) MonitoredPIDs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.records))
	for pid := range m.records {
		out = append(out, pid)
	}
	return out
}

// RecordActivity notes a progress signal for pid (a received protocol line
// counts the same as a log write) and re-arms the inactivity timer.
func (m *Monitor) RecordActivity(pid int) {
	m.mu.Lock()
	rec, ok := m.records[pid]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.noteActivityLocked(rec)
	m.mu.Unlock()
}

// noteActivityLocked updates lastActivity, re-arms the timer and flips
// RUNNING/IDLE records to ACTIVE. Caller holds m.mu.
func (m *Monitor) noteActivityLocked(rec *record) {
	rec.lastActivity = time.Now()
	if rec.inactivity != nil {
		rec.inactivity.Reset(m.inactivityTimeout)
	}
	switch rec.state {
	case task.StateRunning:
		m.transitionLocked(rec, task.StateActive, "activity detected")
	case task.StateIdle:
		m.transitionLocked(rec, task.StateActive, "activity resumed")
	}
}

// TransitionState moves pid to newState and emits a transition notification.
// Transitions out of a terminal state are refused.
func (m *Monitor) TransitionState(pid int, newState task.State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pid]
	if !ok {
		return fmt.Errorf("pid %d not monitored", pid)
	}
	if rec.state.IsTerminal() {
		return fmt.Errorf("pid %d already terminal (%s)", pid, rec.state)
	}
	m.transitionLocked(rec, newState, reason)
	return nil
}

func (m *Monitor) transitionLocked(rec *record, newState task.State, reason string) {
	if rec.state == newState {
		return
	}
	old := rec.state
	rec.state = newState

	t := Transition{
		TaskID:        rec.taskID,
		PID:           rec.pid,
		From:          old,
		To:            newState,
		At:            time.Now(),
		Reason:        reason,
		CorrelationID: rec.correlationID,
	}
	m.log.Info("state transition",
		"component", "activity",
		"task_id", rec.taskID,
		"pid", rec.pid,
		"from", string(old),
		"to", string(newState),
		"reason", reason,
		"corr_id", rec.correlationID,
	)
	if m.observer != nil {
		m.observer.StateTransition(t)
	}

	// Teardown is deferred so consumers still observe the notification
	// burst around the terminal transition.
	if newState.IsTerminal() {
		pid := rec.pid
		time.AfterFunc(m.teardownDelay, func() { m.StopMonitoring(pid) })
	}
}

func (m *Monitor) inactivityFired(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[pid]
	if !ok {
		return
	}
	// Only an ACTIVE pid idles out; RUNNING means no activity was ever
	// seen and terminal states stay put.
	if rec.state == task.StateActive {
		m.transitionLocked(rec, task.StateIdle, "inactivity timeout")
	}
}

// --- file watching ---

func (m *Monitor) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			m.debounce(ev.Name)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("watcher error", "component", "activity", "error", err)
		}
	}
}

// debounce arms (or re-arms) a trailing settle timer per path so a burst of
// partial writes lands as one activity signal.
func (m *Monitor) debounce(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.settlers[path]; ok {
		t.Reset(m.watchSettle)
		return
	}
	m.settlers[path] = time.AfterFunc(m.watchSettle, func() { m.settled(path) })
}

// settled delivers one debounced file event to every pid whose log dir
// prefixes the path.
func (m *Monitor) settled(path string) {
	m.mu.Lock()
	delete(m.settlers, path)

	var hits []FileEvent
	now := time.Now()
	for _, rec := range m.records {
		if rec.logDir == "" || !pathHasPrefix(path, rec.logDir) {
			continue
		}
		m.noteActivityLocked(rec)
		hits = append(hits, FileEvent{
			TaskID:        rec.taskID,
			PID:           rec.pid,
			Path:          path,
			At:            now,
			CorrelationID: rec.correlationID,
		})
	}
	m.mu.Unlock()

	for _, e := range hits {
		m.log.Debug("file activity", "component", "activity", "task_id", e.TaskID, "pid", e.PID, "path", e.Path)
		if m.observer != nil {
			m.observer.FileActivity(e)
		}
	}
}

func pathHasPrefix(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// --- liveness polling ---

// healthLoop probes every monitored pid on one shared, fixed-interval
// ticker. The interval rate-limits probing regardless of pid count.
func (m *Monitor) healthLoop() {
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

func (m *Monitor) checkHealth() {
	if m.prober == nil {
		return
	}
	m.mu.Lock()
	pids := make([]int, 0, len(m.records))
	for pid, rec := range m.records {
		if !rec.state.IsTerminal() {
			pids = append(pids, pid)
		}
	}
	m.mu.Unlock()

	for _, pid := range pids {
		alive := m.prober.IsAlive(pid)
		m.mu.Lock()
		rec, ok := m.records[pid]
		if !ok || rec.state.IsTerminal() {
			m.mu.Unlock()
			continue
		}
		rec.lastHealthCheck = time.Now()
		if alive {
			if rec.healthFailures > 0 {
				m.log.Info("liveness recovered",
					"component", "activity", "task_id", rec.taskID, "pid", pid,
					"failures", rec.healthFailures)
				rec.healthFailures = 0
			}
			m.mu.Unlock()
			continue
		}
		rec.healthFailures++
		failures := rec.healthFailures
		m.log.Warn("liveness probe failed",
			"component", "activity", "task_id", rec.taskID, "pid", pid, "failures", failures)
		// The monitor escalates on its own; the orchestrator learns about
		// it through the transition notification.
		if failures >= m.maxHealthFailures {
			m.transitionLocked(rec, task.StateFailed, "liveness probe failed")
		}
		m.mu.Unlock()
	}
}
