package protocol

import "strings"

// Status is the canonical per-message status derived from a Response.
type Status string

const (
	StatusRunning    Status = "running"
	StatusIdle       Status = "idle"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusShutdown   Status = "shutdown"
	StatusTerminated Status = "terminated"
)

type statusDecision struct {
	status     Status
	returnCode *int
}

// statusStrategy inspects one message shape and either has an opinion or
// declines. Strategies are pure and evaluated in fixed priority order.
type statusStrategy struct {
	name string
	fn   func(*Response) *statusDecision
}

func intPtr(v int) *int { return &v }

// eventStatusTable maps event names to a status and return code. It is the
// second-priority shape, after the explicit outcome field.
var eventStatusTable = map[string]statusDecision{
	"run_started":    {status: StatusRunning},
	"run_progress":   {status: StatusRunning},
	"run_log":        {status: StatusRunning},
	"run_completed":  {status: StatusCompleted, returnCode: intPtr(0)},
	"run_failed":     {status: StatusFailed, returnCode: intPtr(1)},
	"run_timeout":    {status: StatusTimeout, returnCode: intPtr(1)},
	"run_terminated": {status: StatusTerminated, returnCode: intPtr(1)},
	"shutdown":       {status: StatusShutdown, returnCode: intPtr(0)},
	"fatal_error":    {status: StatusFailed, returnCode: intPtr(1)},
}

// legacyStatusEnum is the closed set accepted for the legacy status field.
var legacyStatusEnum = map[string]Status{
	"running":   StatusRunning,
	"idle":      StatusIdle,
	"completed": StatusCompleted,
	"failed":    StatusFailed,
	"error":     StatusFailed,
	"timeout":   StatusTimeout,
	"shutdown":  StatusShutdown,
}

var statusStrategies = []statusStrategy{
	{name: "outcome", fn: statusFromOutcome},
	{name: "event_table", fn: statusFromEventTable},
	{name: "state_text", fn: statusFromStateText},
	{name: "legacy_status", fn: statusFromLegacyStatus},
	{name: "timeout_reason", fn: statusFromTimeoutReason},
}

// DeriveStatus runs the strategy chain over resp and stops at the first
// opinion. No opinion leaves the status empty; callers must not read that
// as completion.
func DeriveStatus(resp *Response) (Status, *int) {
	if resp == nil {
		return "", nil
	}
	for _, strat := range statusStrategies {
		if d := strat.fn(resp); d != nil {
			return d.status, d.returnCode
		}
	}
	return "", nil
}

func statusFromOutcome(resp *Response) *statusDecision {
	switch strings.ToLower(strings.TrimSpace(resp.Outcome)) {
	case "completed":
		return &statusDecision{status: StatusCompleted, returnCode: intPtr(0)}
	case "failed":
		return &statusDecision{status: StatusFailed, returnCode: intPtr(1)}
	case "timeout":
		return &statusDecision{status: StatusTimeout, returnCode: intPtr(1)}
	case "shutdown":
		return &statusDecision{status: StatusShutdown, returnCode: intPtr(0)}
	case "terminated":
		return &statusDecision{status: StatusTerminated, returnCode: intPtr(1)}
	case "running":
		return &statusDecision{status: StatusRunning}
	}
	return nil
}

func statusFromEventTable(resp *Response) *statusDecision {
	d, ok := eventStatusTable[strings.TrimSpace(resp.Event)]
	if !ok {
		return nil
	}
	// A failed event whose reason is literally "timeout" is a timeout.
	if d.status == StatusFailed && strings.EqualFold(strings.TrimSpace(resp.Reason), "timeout") {
		return &statusDecision{status: StatusTimeout, returnCode: d.returnCode}
	}
	out := d
	return &out
}

func statusFromStateText(resp *Response) *statusDecision {
	state := strings.ToLower(strings.TrimSpace(resp.State))
	if state == "" {
		return nil
	}
	switch state {
	case "idle":
		return &statusDecision{status: StatusIdle}
	case "completed":
		return &statusDecision{status: StatusCompleted}
	case "failed":
		return &statusDecision{status: StatusFailed}
	case "timeout":
		return &statusDecision{status: StatusTimeout}
	case "shutdown":
		return &statusDecision{status: StatusShutdown}
	}
	// Unrecognized free text means the run is still going.
	return &statusDecision{status: StatusRunning}
}

func statusFromLegacyStatus(resp *Response) *statusDecision {
	raw := strings.ToLower(strings.TrimSpace(resp.Status))
	if raw == "" && resp.Payload != nil {
		if v, ok := resp.Payload["status"].(string); ok {
			raw = strings.ToLower(strings.TrimSpace(v))
		}
	}
	if raw == "" {
		return nil
	}
	status, ok := legacyStatusEnum[raw]
	if !ok {
		return nil
	}
	d := &statusDecision{status: status}
	switch raw {
	case "completed":
		d.returnCode = intPtr(0)
	case "failed", "timeout", "error":
		d.returnCode = intPtr(1)
	}
	return d
}

func statusFromTimeoutReason(resp *Response) *statusDecision {
	if strings.EqualFold(strings.TrimSpace(resp.Reason), "timeout") {
		return &statusDecision{status: StatusTimeout, returnCode: intPtr(1)}
	}
	return nil
}
