package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskherd/taskherd/internal/activity"
	"github.com/taskherd/taskherd/internal/config"
	"github.com/taskherd/taskherd/internal/protocol"
	"github.com/taskherd/taskherd/internal/supervisor"
	"github.com/taskherd/taskherd/internal/task"
)

// writeAgent drops a shell script that stands in for the agent subprocess.
// Every script first reads the request line the orchestrator writes.
func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	script := "#!/bin/sh\nIFS= read -r request\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

type countingObserver struct {
	events atomic.Int32
	errors atomic.Int32
}

func (o *countingObserver) ProtocolEvent(protocol.NormalizedEvent) { o.events.Add(1) }
func (o *countingObserver) StructuredError(*task.StructuredError)  { o.errors.Add(1) }

type harness struct {
	orch *Orchestrator
	sup  *supervisor.Supervisor
	mon  *activity.Monitor
	cfg  *config.Config
}

func newHarness(t *testing.T, script string, ceiling int) *harness {
	t.Helper()

	cfg := &config.Config{
		MaxConcurrentTasks: ceiling,
		ProcessTimeoutMs:   (10 * time.Second).Milliseconds(),
		GracePeriodMs:      200,
		Interpreter:        "/bin/sh",
		Script:             script,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	sup := supervisor.New(nil, cfg.GracePeriod())
	mon := activity.New(activity.Options{
		Prober:              sup,
		HealthCheckInterval: time.Hour,
		InactivityTimeout:   time.Hour,
	})
	if err := mon.Start(); err != nil {
		t.Fatalf("monitor start: %v", err)
	}
	t.Cleanup(mon.Stop)

	orch, err := New(Options{Config: cfg, Supervisor: sup, Monitor: mon})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(orch.Stop)
	return &harness{orch: orch, sup: sup, mon: mon, cfg: cfg}
}

func testRequest(id string) task.ExecutionRequest {
	return task.ExecutionRequest{
		ID:               id,
		Prompt:           "say hello",
		SessionName:      "sess-" + id,
		WorkingDirectory: "/tmp",
	}
}

func TestExecuteTaskCompleted(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, `echo '{"event":"run_started","run_id":"t1"}'
echo '{"event":"run_completed","run_id":"t1","outcome":"completed","message":"hello done"}'
exit 0
`)
	h := newHarness(t, script, 2)

	var mu sync.Mutex
	var progress []protocol.NormalizedEvent
	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{
		OnProgress: func(ev protocol.NormalizedEvent) {
			mu.Lock()
			progress = append(progress, ev)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if !res.Success || res.State != task.StateCompleted {
		t.Fatalf("result = success=%v state=%q, want completed success", res.Success, res.State)
	}
	if res.Output != "hello done" {
		t.Fatalf("output = %q, want hello done", res.Output)
	}
	if res.Error != nil {
		t.Fatalf("error = %+v, want nil", res.Error)
	}
	if res.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Fatal("finished before started")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 1 || progress[0].Event != "run_started" {
		t.Fatalf("progress events = %+v, want exactly the run_started event", progress)
	}
}

func TestExecuteTaskCleanExitWithoutTerminalEvent(t *testing.T) {
	t.Parallel()

	// No protocol output at all, clean exit: success by exit code.
	script := writeAgent(t, "exit 0\n")
	h := newHarness(t, script, 2)

	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if !res.Success || res.State != task.StateCompleted {
		t.Fatalf("result = success=%v state=%q, want completed", res.Success, res.State)
	}
}

func TestExecuteTaskGibberishOnlyOutputFails(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "echo 'this is not a protocol frame'\nexit 0\n")
	h := newHarness(t, script, 2)

	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if res.Success || res.State != task.StateFailed {
		t.Fatalf("result = success=%v state=%q, want failed", res.Success, res.State)
	}
	if res.Error == nil || res.Error.Message == "" {
		t.Fatalf("error = %+v, want non-empty parse error", res.Error)
	}
	if res.Reason != "protocol parse failure" {
		t.Fatalf("reason = %q, want protocol parse failure", res.Reason)
	}
}

func TestExecuteTaskParseErrorBeforeTerminalEventIsNotFatal(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, `echo 'garbage line'
echo '{"event":"run_completed","run_id":"t1","outcome":"completed"}'
exit 0
`)
	h := newHarness(t, script, 2)

	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if !res.Success || res.State != task.StateCompleted {
		t.Fatalf("result = success=%v state=%q, want completed despite garbage line", res.Success, res.State)
	}
}

func TestEventsAfterResolutionDiscarded(t *testing.T) {
	t.Parallel()

	// The subprocess keeps talking after its terminal event; nothing of it
	// may reach the progress callback or the observer.
	script := writeAgent(t, `echo '{"event":"run_completed","outcome":"completed","message":"done"}'
echo '{"event":"run_started"}'
echo '{"event":"run_progress"}'
sleep 0.2
exit 0
`)
	h := newHarness(t, script, 2)

	obs := &countingObserver{}
	orch, err := New(Options{Config: h.cfg, Supervisor: h.sup, Monitor: h.mon, Observer: obs})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(orch.Stop)

	var progress atomic.Int32
	res, err := orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{
		OnProgress: func(protocol.NormalizedEvent) { progress.Add(1) },
	})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	eventsAtResolution := obs.events.Load()

	// Let the stream drain the trailing lines past the terminal event.
	time.Sleep(400 * time.Millisecond)

	if got := progress.Load(); got != 0 {
		t.Fatalf("progress callback fired %d times after terminal resolution", got)
	}
	if got := obs.events.Load(); got != eventsAtResolution {
		t.Fatalf("observer saw %d events after resolution (had %d)", got, eventsAtResolution)
	}
}

func TestExecuteTaskFailureEvent(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, `echo '{"event":"run_failed","run_id":"t1","error":"tool crashed","tags":["crash"]}'
exit 1
`)
	h := newHarness(t, script, 2)

	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if res.Success || res.State != task.StateFailed {
		t.Fatalf("result = success=%v state=%q, want failed", res.Success, res.State)
	}
	if res.Error == nil {
		t.Fatal("missing structured error")
	}
	if res.Error.Message != "tool crashed" {
		t.Fatalf("error message = %q, want tool crashed", res.Error.Message)
	}
	if len(res.Tags) != 1 || res.Tags[0] != "crash" {
		t.Fatalf("tags = %v, want [crash]", res.Tags)
	}
}

func TestExecuteTaskNonzeroExit(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "exit 7\n")
	h := newHarness(t, script, 2)

	res, err := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if res.Success || res.State != task.StateFailed {
		t.Fatalf("result = success=%v state=%q, want failed", res.Success, res.State)
	}
	if res.Error == nil || res.Error.Code != task.CodeUnexpectedTermination {
		t.Fatalf("error = %+v, want %s", res.Error, task.CodeUnexpectedTermination)
	}
}

func TestExecuteTaskValidationRejection(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "exit 0\n")
	h := newHarness(t, script, 2)

	req := testRequest("t1")
	req.Prompt = "   "
	if _, err := h.orch.ExecuteTask(context.Background(), req, ExecOptions{}); err == nil {
		t.Fatal("ExecuteTask() expected validation error, got nil")
	}

	req = testRequest("t2")
	req.Options.PermissionMode = "yolo"
	_, err := h.orch.ExecuteTask(context.Background(), req, ExecOptions{})
	serr, ok := err.(*task.StructuredError)
	if !ok {
		t.Fatalf("error type = %T, want *task.StructuredError", err)
	}
	if serr.Code != task.CodeInvalidOptions {
		t.Fatalf("code = %s, want %s", serr.Code, task.CodeInvalidOptions)
	}
	if len(h.sup.ActivePIDs()) != 0 {
		t.Fatal("rejected request still spawned a subprocess")
	}
}

func TestCapacityCeilingRejectsWithoutSpawning(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 1)

	started := make(chan struct{})
	go func() {
		close(started)
		h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	}()
	<-started
	waitInFlight(t, h.orch, "t1")

	_, err := h.orch.ExecuteTask(context.Background(), testRequest("t2"), ExecOptions{})
	serr, ok := err.(*task.StructuredError)
	if !ok {
		t.Fatalf("error type = %T, want *task.StructuredError", err)
	}
	if serr.Code != task.CodeCapacityExceeded {
		t.Fatalf("code = %s, want %s", serr.Code, task.CodeCapacityExceeded)
	}
	if got := len(h.sup.ActivePIDs()); got != 1 {
		t.Fatalf("active pids = %d, want only the first task's", got)
	}

	if !h.orch.CancelTask("t1") {
		t.Fatal("CancelTask(t1) = false, want true")
	}
}

func TestCancelTaskIdempotent(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 2)

	done := make(chan *task.ExecutionResult, 1)
	go func() {
		res, _ := h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
		done <- res
	}()
	waitInFlight(t, h.orch, "t1")

	if !h.orch.CancelTask("t1") {
		t.Fatal("first CancelTask() = false, want true")
	}
	if h.orch.CancelTask("t1") {
		t.Fatal("second CancelTask() = true, want false")
	}
	if h.orch.CancelTask("never-seen") {
		t.Fatal("CancelTask(unknown) = true, want false")
	}

	res := <-done
	if res.State != task.StateCancelled {
		t.Fatalf("state = %q, want cancelled", res.State)
	}
	if res.Reason != "cancelled" {
		t.Fatalf("reason = %q, want cancelled", res.Reason)
	}
	if res.Error != nil {
		t.Fatalf("manual cancel error = %+v, want nil", res.Error)
	}
}

func TestOverallTimeoutCancels(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 2)

	req := testRequest("t1")
	req.TimeoutMs = 150

	start := time.Now()
	res, err := h.orch.ExecuteTask(context.Background(), req, ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteTask() error = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout did not fire promptly")
	}
	if res.State != task.StateCancelled {
		t.Fatalf("state = %q, want cancelled", res.State)
	}
	if res.Reason != "timeout" || res.Outcome != "timeout" {
		t.Fatalf("reason/outcome = %q/%q, want timeout/timeout", res.Reason, res.Outcome)
	}
	if res.Error == nil || res.Error.Code != task.CodeExecutionTimeout {
		t.Fatalf("error = %+v, want %s", res.Error, task.CodeExecutionTimeout)
	}
	if !res.Error.Recoverable {
		t.Fatal("timeout error should be recoverable")
	}
}

func TestContextCancellationMapsToManualCancel(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *task.ExecutionResult, 1)
	go func() {
		res, _ := h.orch.ExecuteTask(ctx, testRequest("t1"), ExecOptions{})
		done <- res
	}()
	waitInFlight(t, h.orch, "t1")
	cancel()

	res := <-done
	if res.State != task.StateCancelled || res.Reason != "cancelled" {
		t.Fatalf("state/reason = %q/%q, want cancelled/cancelled", res.State, res.Reason)
	}
}

func TestConcurrentTasksResolveIndependently(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, `echo "{\"event\":\"run_completed\",\"outcome\":\"completed\",\"message\":\"done\"}"
exit 0
`)
	h := newHarness(t, script, 4)

	var wg sync.WaitGroup
	results := make([]*task.ExecutionResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			res, err := h.orch.ExecuteTask(context.Background(), testRequest(id), ExecOptions{})
			if err != nil {
				t.Errorf("task %s: %v", id, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res == nil || !res.Success {
			t.Fatalf("task %d result = %+v, want success", i, res)
		}
	}
}

func TestTaskStatusLifecycle(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 2)

	if snap := h.orch.TaskStatus("t1"); snap != nil {
		t.Fatalf("status before submit = %+v, want nil", snap)
	}

	done := make(chan struct{})
	go func() {
		h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
		close(done)
	}()
	waitInFlight(t, h.orch, "t1")

	snap := h.orch.TaskStatus("t1")
	if snap == nil || !snap.InFlight {
		t.Fatalf("status = %+v, want in-flight", snap)
	}
	if snap.PID <= 0 {
		t.Fatalf("pid = %d, want > 0", snap.PID)
	}

	h.orch.CancelTask("t1")
	<-done

	snap = h.orch.TaskStatus("t1")
	if snap == nil || snap.InFlight {
		t.Fatalf("status after resolution = %+v, want finished", snap)
	}
	if snap.Result == nil || snap.Result.State != task.StateCancelled {
		t.Fatalf("stored result = %+v, want cancelled", snap.Result)
	}
}

func TestHealthStatus(t *testing.T) {
	t.Parallel()

	script := writeAgent(t, "sleep 30\n")
	h := newHarness(t, script, 3)

	hs := h.orch.HealthStatus()
	if hs.InFlight != 0 || hs.Ceiling != 3 {
		t.Fatalf("health = %+v, want 0 in flight under ceiling 3", hs)
	}

	go h.orch.ExecuteTask(context.Background(), testRequest("t1"), ExecOptions{})
	waitInFlight(t, h.orch, "t1")

	hs = h.orch.HealthStatus()
	if hs.InFlight != 1 {
		t.Fatalf("in flight = %d, want 1", hs.InFlight)
	}
	if hs.Uptime <= 0 {
		t.Fatal("uptime not tracked")
	}
	h.orch.CancelTask("t1")
}

func waitInFlight(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := o.TaskStatus(id); snap != nil && snap.InFlight && snap.PID > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never became in-flight", id)
}
