package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/taskherd/taskherd/internal/task"
)

// Response is one inbound subprocess message. Every field except Event is
// optional; unknown fields survive in Raw.
type Response struct {
	Event        string         `json:"event"`
	Timestamp    string         `json:"timestamp,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	State        string         `json:"state,omitempty"`
	Status       string         `json:"status,omitempty"`
	Message      string         `json:"message,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Outcome      string         `json:"outcome,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Version      string         `json:"version,omitempty"`
	ErrorText    string         `json:"error,omitempty"`
	ErrorOutput  string         `json:"error_output,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	ReturnCode   *int           `json:"return_code,omitempty"`
	ReturnCodeCC *int           `json:"returnCode,omitempty"`
	PID          int            `json:"pid,omitempty"`
	StdoutLength int            `json:"stdout_length,omitempty"`
	StderrLength int            `json:"stderr_length,omitempty"`
	Details      map[string]any `json:"details,omitempty"`

	// Raw is the full decoded object, preserving pass-through fields.
	Raw map[string]any `json:"-"`

	// Derived values filled by DeriveStatus.
	DerivedStatus     Status `json:"-"`
	DerivedReturnCode *int   `json:"-"`
}

// returnCode prefers the snake_case field over the legacy camelCase one.
func (r *Response) returnCode() *int {
	if r.ReturnCode != nil {
		return r.ReturnCode
	}
	return r.ReturnCodeCC
}

// ParseResult is the outcome of parsing one candidate line. Parsing never
// panics: malformed input yields Success=false with a structured error, and
// whatever fields did decode stay available on Response.
type ParseResult struct {
	Success  bool
	Response *Response
	Err      *task.StructuredError
}

// ParseLine parses one newline-delimited protocol message.
func ParseLine(line, correlationID string) ParseResult {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ParseResult{
			Err: task.NewError(task.ErrorCategorySDK, task.CodeSubprocessParse, "empty protocol line", correlationID),
		}
	}

	var resp Response
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return ParseResult{
			Err: task.NewError(task.ErrorCategorySDK, task.CodeSubprocessParse,
				"invalid protocol json: "+err.Error(), correlationID),
		}
	}
	_ = json.Unmarshal([]byte(trimmed), &resp.Raw)

	if strings.TrimSpace(resp.Event) == "" {
		return ParseResult{
			Response: &resp,
			Err: task.NewError(task.ErrorCategorySDK, task.CodeSubprocessParse,
				"protocol message missing event discriminator", correlationID),
		}
	}

	status, rc := DeriveStatus(&resp)
	resp.DerivedStatus = status
	resp.DerivedReturnCode = rc
	return ParseResult{Success: true, Response: &resp}
}

// NormalizedEvent is the canonical projection of one protocol message. It is
// the single shape handed downstream; nothing re-reads raw responses.
type NormalizedEvent struct {
	Event         string    `json:"event"`
	RunID         string    `json:"run_id,omitempty"`
	Outcome       string    `json:"outcome,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Message       string    `json:"message,omitempty"`
	Status        Status    `json:"status,omitempty"`
	ReturnCode    *int      `json:"return_code,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// ToNormalizedEvent projects resp, preferring already-derived status and
// return code over a fresh derivation.
func ToNormalizedEvent(resp *Response, correlationID string) NormalizedEvent {
	ev := NormalizedEvent{
		Event:         resp.Event,
		RunID:         resp.RunID,
		Outcome:       strings.ToLower(strings.TrimSpace(resp.Outcome)),
		Reason:        resp.Reason,
		Tags:          resp.Tags,
		Message:       resp.Message,
		CorrelationID: correlationID,
		ObservedAt:    time.Now(),
	}
	if resp.DerivedStatus != "" || resp.DerivedReturnCode != nil {
		ev.Status = resp.DerivedStatus
		ev.ReturnCode = resp.DerivedReturnCode
	} else {
		ev.Status, ev.ReturnCode = DeriveStatus(resp)
	}
	// The explicit wire field still counts when no strategy had an opinion.
	if ev.ReturnCode == nil {
		ev.ReturnCode = resp.returnCode()
	}
	return ev
}

// IsSuccess reports terminal success, built purely on outcome and derived
// status: outcome completed/shutdown, or status completed with a zero or
// absent return code.
func IsSuccess(resp *Response) bool {
	switch strings.ToLower(strings.TrimSpace(resp.Outcome)) {
	case "completed", "shutdown":
		return true
	}
	if wire := resp.returnCode(); wire != nil && *wire != 0 {
		return false
	}
	status, rc := resp.DerivedStatus, resp.DerivedReturnCode
	if status == "" && rc == nil {
		status, rc = DeriveStatus(resp)
	}
	if status == StatusCompleted && (rc == nil || *rc == 0) {
		return true
	}
	return false
}

// IsFailure reports terminal failure: outcome failed/timeout/terminated, a
// failed/error/timeout status, or any nonzero return code.
func IsFailure(resp *Response) bool {
	switch strings.ToLower(strings.TrimSpace(resp.Outcome)) {
	case "failed", "timeout", "terminated":
		return true
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "failed", "error", "timeout":
		return true
	}
	status, rc := resp.DerivedStatus, resp.DerivedReturnCode
	if status == "" && rc == nil {
		status, rc = DeriveStatus(resp)
	}
	switch status {
	case StatusFailed, StatusTimeout, StatusTerminated:
		return true
	}
	if rc == nil {
		rc = resp.returnCode()
	}
	return rc != nil && *rc != 0
}

// ExtractErrorMessage digs a human-readable error out of resp, searching
// direct fields, then the nested payload, then the payload content array.
func ExtractErrorMessage(resp *Response) string {
	for _, s := range []string{resp.ErrorText, resp.ErrorOutput, resp.Message, resp.Reason} {
		if v := strings.TrimSpace(s); v != "" {
			return v
		}
	}
	if resp.Payload != nil {
		for _, key := range []string{"error", "message", "description"} {
			if v, ok := resp.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if content, ok := resp.Payload["content"].([]any); ok {
			var parts []string
			for _, item := range content {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := m["text"].(string); ok && strings.TrimSpace(text) != "" {
					parts = append(parts, strings.TrimSpace(text))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " ")
			}
		}
	}
	return ""
}
