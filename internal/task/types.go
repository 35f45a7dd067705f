// Package task holds the domain types shared by the supervisor, protocol,
// activity and orchestrator packages.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a task.
//
// COMPLETED, FAILED and CANCELLED are terminal: once entered, no further
// transition is allowed. ACTIVE and IDLE flip back and forth while the
// subprocess is alive.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether s allows no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Options are the per-task tunables forwarded to the subprocess.
type Options struct {
	Model          string  `json:"model,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	TimeoutMs      int64   `json:"timeout,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
}

// ExecutionRequest describes one task to run. It is immutable once accepted.
type ExecutionRequest struct {
	ID               string  `json:"id"`
	Prompt           string  `json:"prompt"`
	SessionName      string  `json:"session_name"`
	WorkingDirectory string  `json:"working_directory"`
	Options          Options `json:"options"`
	TimeoutMs        int64   `json:"timeout_ms"`
}

// Validate checks the fields that must be present before any spawn happens.
func (r *ExecutionRequest) Validate() error {
	if r == nil {
		return errors.New("nil request")
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("missing task id")
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("missing prompt")
	}
	if strings.TrimSpace(r.SessionName) == "" {
		return errors.New("missing session name")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("negative timeout: %d", r.TimeoutMs)
	}
	return nil
}

// ExecutionResult is the immutable terminal record of one task.
//
// Exactly one result exists per resolved task; while a task is in flight it
// has a context instead, never both.
type ExecutionResult struct {
	TaskID        string           `json:"task_id"`
	Success       bool             `json:"success"`
	State         State            `json:"state"`
	Output        string           `json:"output,omitempty"`
	Outcome       string           `json:"outcome,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
	Error         *StructuredError `json:"error,omitempty"`
	CorrelationID string           `json:"correlation_id"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	PID           int              `json:"pid,omitempty"`
}
