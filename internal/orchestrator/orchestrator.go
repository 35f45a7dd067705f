// Package orchestrator accepts task requests and drives each one through its
// full lifecycle: capacity check, spawn, monitoring, prompt, streaming
// resolution and teardown. Each task resolves to exactly one terminal result;
// everything arriving after that is discarded.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskherd/taskherd/internal/activity"
	"github.com/taskherd/taskherd/internal/auditlog"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/protocol"
	"github.com/taskherd/taskherd/internal/resultstore"
	"github.com/taskherd/taskherd/internal/supervisor"
	"github.com/taskherd/taskherd/internal/task"
)

// Observer receives the protocol-level notifications the host fans out to
// its own consumers. Implementations must not block.
type Observer interface {
	ProtocolEvent(ev protocol.NormalizedEvent)
	StructuredError(err *task.StructuredError)
}

// Options wires an Orchestrator. Supervisor, Monitor and Config are
// required; Store, Audit and Observer are optional.
type Options struct {
	Log        *slog.Logger
	Config     *config.Config
	Supervisor *supervisor.Supervisor
	Monitor    *activity.Monitor
	Store      *resultstore.Store
	Audit      *auditlog.Store
	Observer   Observer
}

// ExecOptions tune one ExecuteTask call.
type ExecOptions struct {
	// OnProgress is invoked for every non-terminal normalized event.
	OnProgress func(ev protocol.NormalizedEvent)
}

// execution is the mutable in-flight state of one task. It exists only
// between acceptance and terminal resolution.
type execution struct {
	req           task.ExecutionRequest
	correlationID string
	child         *supervisor.Child
	startedAt     time.Time
	logDir        string
	onProgress    func(ev protocol.NormalizedEvent)

	timeout *time.Timer

	mu           sync.Mutex
	lastTerminal *protocol.NormalizedEvent
	parseErr     *task.StructuredError

	resolveOnce sync.Once
	done        chan struct{}
	result      *task.ExecutionResult
	err         error
}

// cacheTerminalish keeps the most recent event carrying any terminal-ish
// signal; exit-driven resolutions use it to enrich the result.
func (e *execution) cacheTerminalish(ev protocol.NormalizedEvent) {
	e.mu.Lock()
	copied := ev
	e.lastTerminal = &copied
	e.mu.Unlock()
}

func (e *execution) terminalish() *protocol.NormalizedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTerminal
}

func (e *execution) recordParseErr(err *task.StructuredError) {
	e.mu.Lock()
	if e.parseErr == nil {
		e.parseErr = err
	}
	e.mu.Unlock()
}

func (e *execution) firstParseErr() *task.StructuredError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parseErr
}

// Orchestrator runs many tasks concurrently under one ceiling.
type Orchestrator struct {
	log   *slog.Logger
	cfg   *config.Config
	sup   *supervisor.Supervisor
	mon   *activity.Monitor
	store *resultstore.Store
	audit *auditlog.Store
	obs   Observer

	startedAt time.Time

	mu       sync.Mutex
	inflight map[string]*execution
	results  map[string]*task.ExecutionResult

	sweepStop chan struct{}
	sweepOnce sync.Once
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("missing config")
	}
	if opts.Supervisor == nil {
		return nil, fmt.Errorf("missing supervisor")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("missing monitor")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:       log,
		cfg:       opts.Config,
		sup:       opts.Supervisor,
		mon:       opts.Monitor,
		store:     opts.Store,
		audit:     opts.Audit,
		obs:       opts.Observer,
		startedAt: time.Now(),
		inflight:  make(map[string]*execution),
		results:   make(map[string]*task.ExecutionResult),
		sweepStop: make(chan struct{}),
	}, nil
}

// Start launches the periodic orphan sweep. The host calls it after the
// monitor is running.
func (o *Orchestrator) Start() {
	go o.sweepLoop()
}

// Stop cancels every in-flight task and halts the sweep. Bounded by the
// supervisor grace period per task.
func (o *Orchestrator) Stop() {
	o.sweepOnce.Do(func() { close(o.sweepStop) })
	o.mu.Lock()
	ids := make([]string, 0, len(o.inflight))
	for id := range o.inflight {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.CancelTask(id)
	}
}

func (o *Orchestrator) sweepLoop() {
	ticker := time.NewTicker(o.cfg.HealthCheckInterval() * 3)
	defer ticker.Stop()
	for {
		select {
		case <-o.sweepStop:
			return
		case <-ticker.C:
			if n := o.sup.CleanupOrphaned(); n > 0 {
				o.log.Info("orphan sweep", "component", "orchestrator", "removed", n)
			}
		}
	}
}

// ExecuteTask runs req to a terminal result. It blocks until the task
// resolves, the overall timeout cancels it, or ctx is cancelled. Validation
// and capacity failures reject synchronously before any spawn.
func (o *Orchestrator) ExecuteTask(ctx context.Context, req task.ExecutionRequest, opts ExecOptions) (*task.ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID := uuid.NewString()

	if err := req.Validate(); err != nil {
		return nil, task.NewError(task.ErrorCategoryValidation, task.CodeInvalidRequest, err.Error(), correlationID)
	}
	if err := protocol.ValidateOptions(req.Options); err != nil {
		return nil, task.NewError(task.ErrorCategoryValidation, task.CodeInvalidOptions, err.Error(), correlationID)
	}

	exec := &execution{
		req:           req,
		correlationID: correlationID,
		startedAt:     time.Now(),
		onProgress:    opts.OnProgress,
		done:          make(chan struct{}),
	}

	// The ceiling is enforced synchronously at acceptance; a rejection
	// never consumes a slot and nothing queues behind it.
	o.mu.Lock()
	if _, dup := o.inflight[req.ID]; dup {
		o.mu.Unlock()
		return nil, task.NewError(task.ErrorCategoryValidation, task.CodeInvalidRequest,
			fmt.Sprintf("task %s already in flight", req.ID), correlationID)
	}
	if len(o.inflight) >= o.cfg.MaxConcurrentTasks {
		o.mu.Unlock()
		return nil, task.NewError(task.ErrorCategoryValidation, task.CodeCapacityExceeded,
			fmt.Sprintf("concurrency ceiling reached (%d)", o.cfg.MaxConcurrentTasks), correlationID)
	}
	o.inflight[req.ID] = exec
	o.mu.Unlock()

	o.audit.Append(auditlog.Entry{
		Action:        "task_submitted",
		TaskID:        req.ID,
		SessionName:   req.SessionName,
		CorrelationID: correlationID,
	})

	workDir := strings.TrimSpace(req.WorkingDirectory)
	if workDir == "" {
		workDir = "."
	}

	if strings.TrimSpace(o.cfg.LogRoot) != "" {
		exec.logDir = filepath.Join(o.cfg.LogRoot, req.SessionName)
		if err := os.MkdirAll(exec.logDir, 0o700); err != nil {
			o.log.Warn("log dir unavailable", "component", "orchestrator", "task_id", req.ID, "error", err)
			exec.logDir = ""
		}
	}

	child, err := o.sup.Spawn(context.Background(), supervisor.SpawnConfig{
		JobID:            req.ID,
		SessionName:      req.SessionName,
		WorkingDirectory: workDir,
		Interpreter:      o.cfg.Interpreter,
		Script:           o.cfg.Script,
		CorrelationID:    correlationID,
	})
	if err != nil {
		o.mu.Lock()
		delete(o.inflight, req.ID)
		o.mu.Unlock()
		// A spawn failure is terminal and never auto-retried.
		serr := task.NewError(task.ErrorCategoryProcess, task.CodeProcessSpawnFailed, err.Error(), correlationID)
		o.emitError(serr)
		res := &task.ExecutionResult{
			TaskID:        req.ID,
			Success:       false,
			State:         task.StateFailed,
			Reason:        "spawn failed",
			Error:         serr,
			CorrelationID: correlationID,
			StartedAt:     exec.startedAt,
			FinishedAt:    time.Now(),
		}
		o.recordResult(res)
		o.audit.Append(auditlog.Entry{
			Action:        "task_resolved",
			Status:        "failure",
			Error:         serr.Message,
			TaskID:        req.ID,
			SessionName:   req.SessionName,
			CorrelationID: correlationID,
			State:         string(task.StateFailed),
			Reason:        res.Reason,
		})
		return res, nil
	}
	exec.child = child

	if err := o.mon.StartMonitoring(req.ID, child.PID, exec.logDir, correlationID); err != nil {
		o.log.Warn("monitoring unavailable", "component", "orchestrator", "task_id", req.ID, "error", err)
	}

	timeout := o.cfg.ProcessTimeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	exec.timeout = time.AfterFunc(timeout, func() { o.cancelInternal(req.ID, cancelTimeout) })

	// Initial prompt. A dead stdin here means the process never came up
	// as a protocol peer; reject rather than fabricate a result.
	request := protocol.NewRequest(req.Prompt, workDir, req.ID, req.Options)
	if err := protocol.WriteRequest(child.Stdin(), request); err != nil {
		serr := task.MarkRecoverable(task.NewError(task.ErrorCategoryProcess, task.CodeCommunicationFailure,
			err.Error(), correlationID))
		o.emitError(serr)
		exec.timeout.Stop()
		o.teardown(exec)
		o.mu.Lock()
		delete(o.inflight, req.ID)
		o.mu.Unlock()
		return nil, serr
	}

	go o.streamLoop(exec)

	select {
	case <-exec.done:
		return exec.result, exec.err
	case <-ctx.Done():
		o.cancelInternal(req.ID, cancelManual)
		<-exec.done
		return exec.result, exec.err
	}
}

// streamLoop reads subprocess stdout line by line, in arrival order, until
// EOF, then resolves from the exit code if nothing resolved earlier.
func (o *Orchestrator) streamLoop(exec *execution) {
	sc := bufio.NewScanner(exec.child.Stdout())
	// Allow reasonably large frames (tool results / model output).
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)

	for sc.Scan() {
		o.handleLine(exec, sc.Text())
	}
	if err := sc.Err(); err != nil {
		select {
		case <-exec.done:
			// Resolved already; a torn read during teardown is expected.
		default:
			serr := task.MarkRecoverable(task.NewError(task.ErrorCategoryProcess, task.CodeCommunicationFailure,
				"stdout read failed: "+err.Error(), exec.correlationID))
			o.emitError(serr)
		}
	}

	<-exec.child.Done()
	o.resolveFromExit(exec, exec.child.ExitCode())
}

func (o *Orchestrator) handleLine(exec *execution, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	// Once the task has resolved, anything still arriving on stdout is
	// discarded, including data racing the exit handler.
	select {
	case <-exec.done:
		return
	default:
	}

	// Protocol traffic counts as activity, same as a log write.
	o.mon.RecordActivity(exec.child.PID)

	pr := protocol.ParseLine(line, exec.correlationID)
	if !pr.Success {
		// Recorded, not fatal: a parse failure only fails the task when
		// it turns out to be the sole terminal signal.
		exec.recordParseErr(pr.Err)
		o.emitError(pr.Err)
		o.log.Warn("unparseable protocol line",
			"component", "orchestrator", "task_id", exec.req.ID, "corr_id", exec.correlationID)
		return
	}

	resp := pr.Response
	ev := protocol.ToNormalizedEvent(resp, exec.correlationID)
	o.emitEvent(ev)

	if ev.Status != "" || ev.Outcome != "" || ev.ReturnCode != nil {
		exec.cacheTerminalish(ev)
	}

	switch {
	case protocol.IsSuccess(resp):
		o.resolve(exec, o.resultFromEvent(exec, resp, ev, true))
	case protocol.IsFailure(resp):
		o.resolve(exec, o.resultFromEvent(exec, resp, ev, false))
	default:
		// Unknown statuses and events are ignored unless they carry a
		// nonzero return code.
		if ev.ReturnCode != nil && *ev.ReturnCode != 0 {
			o.resolve(exec, o.resultFromEvent(exec, resp, ev, false))
			return
		}
		if exec.onProgress != nil {
			exec.onProgress(ev)
		}
	}
}

func (o *Orchestrator) resultFromEvent(exec *execution, resp *protocol.Response, ev protocol.NormalizedEvent, success bool) *task.ExecutionResult {
	state := task.StateFailed
	if success {
		state = task.StateCompleted
	}
	res := &task.ExecutionResult{
		TaskID:        exec.req.ID,
		Success:       success,
		State:         state,
		Output:        ev.Message,
		Outcome:       ev.Outcome,
		Reason:        ev.Reason,
		Tags:          ev.Tags,
		CorrelationID: exec.correlationID,
		StartedAt:     exec.startedAt,
		FinishedAt:    time.Now(),
		PID:           exec.child.PID,
	}
	if !success {
		msg := protocol.ExtractErrorMessage(resp)
		if msg == "" {
			msg = fmt.Sprintf("subprocess reported %s", ev.Status)
		}
		code := task.CodeUnexpectedTermination
		if ev.Status == protocol.StatusTimeout {
			code = task.CodeExecutionTimeout
		}
		res.Error = protocol.ClassifyError(code, msg, exec.correlationID)
	}
	return res
}

// resolveFromExit resolves a task whose subprocess exited without an
// explicit terminal message winning first.
func (o *Orchestrator) resolveFromExit(exec *execution, exitCode int) {
	last := exec.terminalish()

	res := &task.ExecutionResult{
		TaskID:        exec.req.ID,
		Success:       exitCode == 0,
		State:         task.StateCompleted,
		CorrelationID: exec.correlationID,
		StartedAt:     exec.startedAt,
		FinishedAt:    time.Now(),
		PID:           exec.child.PID,
	}
	if last != nil {
		res.Output = last.Message
		res.Outcome = last.Outcome
		res.Reason = last.Reason
		res.Tags = last.Tags
	}

	if exitCode != 0 {
		res.Success = false
		res.State = task.StateFailed
		msg := fmt.Sprintf("subprocess exited with code %d", exitCode)
		res.Error = protocol.ClassifyError(task.CodeUnexpectedTermination, msg, exec.correlationID)
	} else if perr := exec.firstParseErr(); perr != nil && last == nil {
		// Clean exit, but the only terminal signal we ever saw was an
		// unparseable line.
		res.Success = false
		res.State = task.StateFailed
		res.Error = perr
		res.Reason = "protocol parse failure"
	}
	o.resolve(exec, res)
}

type cancelTrigger string

const (
	cancelManual  cancelTrigger = "manual"
	cancelTimeout cancelTrigger = "timeout"
)

// CancelTask terminates taskID if in flight. Returns false for unknown or
// already-resolved tasks; calling it twice is a safe no-op.
func (o *Orchestrator) CancelTask(taskID string) bool {
	return o.cancelInternal(taskID, cancelManual)
}

// cancelInternal is the single cancellation path shared by manual
// cancellation and the overall execution timeout. The trigger is preserved
// in the result's reason and error so the distinction stays visible.
func (o *Orchestrator) cancelInternal(taskID string, trigger cancelTrigger) bool {
	o.mu.Lock()
	exec, ok := o.inflight[taskID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	res := &task.ExecutionResult{
		TaskID:        taskID,
		Success:       false,
		State:         task.StateCancelled,
		CorrelationID: exec.correlationID,
		StartedAt:     exec.startedAt,
		FinishedAt:    time.Now(),
	}
	if exec.child != nil {
		res.PID = exec.child.PID
	}
	if last := exec.terminalish(); last != nil {
		res.Outcome = last.Outcome
		res.Tags = last.Tags
	}
	switch trigger {
	case cancelTimeout:
		// Timeout rides the cancellation path but keeps its own reason
		// and a timeout-category error, so callers can tell them apart.
		res.Reason = "timeout"
		res.Outcome = "timeout"
		res.Error = task.MarkRecoverable(task.NewError(task.ErrorCategoryTimeout, task.CodeExecutionTimeout,
			"overall execution timeout elapsed", exec.correlationID))
	default:
		res.Reason = "cancelled"
	}

	o.resolve(exec, res)
	return true
}

// resolve applies the first-resolution-wins rule: exactly one caller layers
// in the terminal result, everyone else becomes a no-op.
func (o *Orchestrator) resolve(exec *execution, res *task.ExecutionResult) {
	exec.resolveOnce.Do(func() {
		exec.result = res

		if exec.timeout != nil {
			exec.timeout.Stop()
		}

		if exec.child != nil {
			reason := string(res.State)
			if res.Reason != "" {
				reason = res.Reason
			}
			// Already-terminal monitor states are left alone.
			if err := o.mon.TransitionState(exec.child.PID, res.State, reason); err != nil {
				o.log.Debug("monitor transition skipped",
					"component", "orchestrator", "task_id", res.TaskID, "detail", err.Error())
			}
		}

		o.recordResult(res)

		o.mu.Lock()
		delete(o.inflight, res.TaskID)
		o.mu.Unlock()

		entry := auditlog.Entry{
			Action:        "task_resolved",
			TaskID:        res.TaskID,
			SessionName:   exec.req.SessionName,
			CorrelationID: res.CorrelationID,
			State:         string(res.State),
			Reason:        res.Reason,
			PID:           res.PID,
		}
		if !res.Success {
			entry.Status = "failure"
			if res.Error != nil {
				entry.Error = res.Error.Message
			}
		}
		o.audit.Append(entry)

		o.log.Info("task resolved",
			"component", "orchestrator",
			"task_id", res.TaskID,
			"state", string(res.State),
			"success", res.Success,
			"corr_id", res.CorrelationID,
		)

		// Teardown happens off the resolution path so the caller gets its
		// result without waiting out the grace period.
		go o.teardown(exec)

		close(exec.done)
	})
}

func (o *Orchestrator) teardown(exec *execution) {
	if exec.child == nil {
		return
	}
	pid := exec.child.PID
	if o.sup.IsAlive(pid) {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.GracePeriod()*2)
		defer cancel()
		if err := o.sup.Terminate(ctx, pid); err != nil {
			o.log.Warn("teardown terminate failed", "component", "orchestrator", "pid", pid, "error", err)
		}
	}
	o.mon.StopMonitoring(pid)
}

func (o *Orchestrator) recordResult(res *task.ExecutionResult) {
	o.mu.Lock()
	o.results[res.TaskID] = res
	o.mu.Unlock()
	if o.store != nil {
		if err := o.store.Save(res); err != nil {
			o.log.Warn("result persist failed", "component", "orchestrator", "task_id", res.TaskID, "error", err)
		}
	}
}

func (o *Orchestrator) emitEvent(ev protocol.NormalizedEvent) {
	if o.obs != nil {
		o.obs.ProtocolEvent(ev)
	}
}

func (o *Orchestrator) emitError(err *task.StructuredError) {
	if o.obs != nil {
		o.obs.StructuredError(err)
	}
}

// StatusSnapshot is the queryable view of one task.
type StatusSnapshot struct {
	TaskID        string                `json:"task_id"`
	State         task.State            `json:"state"`
	PID           int                   `json:"pid,omitempty"`
	InFlight      bool                  `json:"in_flight"`
	CorrelationID string                `json:"correlation_id,omitempty"`
	Result        *task.ExecutionResult `json:"result,omitempty"`
}

// TaskStatus returns a live snapshot for in-flight tasks, the stored result
// for finished ones, and nil for ids it has never seen.
func (o *Orchestrator) TaskStatus(taskID string) *StatusSnapshot {
	o.mu.Lock()
	exec, inflight := o.inflight[taskID]
	res, finished := o.results[taskID]
	o.mu.Unlock()

	if inflight {
		snap := &StatusSnapshot{
			TaskID:        taskID,
			State:         task.StateRunning,
			InFlight:      true,
			CorrelationID: exec.correlationID,
		}
		if exec.child != nil {
			snap.PID = exec.child.PID
			if st, ok := o.mon.StateOf(exec.child.PID); ok {
				snap.State = st
			}
		}
		return snap
	}
	if finished {
		return &StatusSnapshot{
			TaskID:        taskID,
			State:         res.State,
			PID:           res.PID,
			CorrelationID: res.CorrelationID,
			Result:        res,
		}
	}
	if o.store != nil {
		stored, err := o.store.Get(taskID)
		if err != nil {
			o.log.Warn("result lookup failed", "component", "orchestrator", "task_id", taskID, "error", err)
			return nil
		}
		if stored != nil {
			return &StatusSnapshot{
				TaskID:        taskID,
				State:         stored.State,
				PID:           stored.PID,
				CorrelationID: stored.CorrelationID,
				Result:        stored,
			}
		}
	}
	return nil
}

// HealthStatus is observability-only host state.
type HealthStatus struct {
	InFlight   int           `json:"in_flight"`
	Ceiling    int           `json:"ceiling"`
	ActivePIDs []int         `json:"active_pids"`
	Uptime     time.Duration `json:"uptime"`
}

func (o *Orchestrator) HealthStatus() HealthStatus {
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return HealthStatus{
		InFlight:   inflight,
		Ceiling:    o.cfg.MaxConcurrentTasks,
		ActivePIDs: o.sup.ActivePIDs(),
		Uptime:     time.Since(o.startedAt),
	}
}
