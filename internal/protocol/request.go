// Package protocol builds the JSON lines written to an agent subprocess and
// parses the lines it writes back. The subprocess reports status through
// several overlapping, independently optional shapes; DeriveStatus reduces
// them to one canonical opinion.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/taskherd/taskherd/internal/task"
)

// ActionPrompt is the fixed action discriminator on outbound requests.
const ActionPrompt = "prompt"

// Defaults filled into a request when the caller left them unset.
const (
	DefaultTimeoutMs      = 300_000
	DefaultPermissionMode = "default"
)

// permissionModes is the closed set accepted by ValidateOptions.
var permissionModes = map[string]struct{}{
	"":                   {},
	"default":            {},
	"plan":               {},
	"accept_edits":       {},
	"bypass_permissions": {},
}

// Request is one outbound prompt message, written as a single JSON line.
type Request struct {
	Action  string         `json:"action"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options"`
	RunID   string         `json:"run_id,omitempty"`
}

// NewRequest wraps prompt and options into a prompt-action request. Timeout
// and permission mode fall back to the package defaults when absent.
func NewRequest(prompt, cwd, runID string, opts task.Options) Request {
	options := map[string]any{
		"cwd": cwd,
	}
	if opts.TimeoutMs > 0 {
		options["timeout"] = opts.TimeoutMs
	} else {
		options["timeout"] = int64(DefaultTimeoutMs)
	}
	if mode := strings.TrimSpace(opts.PermissionMode); mode != "" {
		options["permission_mode"] = mode
	} else {
		options["permission_mode"] = DefaultPermissionMode
	}
	if strings.TrimSpace(opts.Model) != "" {
		options["model"] = opts.Model
	}
	if opts.MaxTokens > 0 {
		options["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	return Request{
		Action:  ActionPrompt,
		Prompt:  prompt,
		Options: options,
		RunID:   strings.TrimSpace(runID),
	}
}

// ValidateOptions rejects option values the subprocess would choke on.
func ValidateOptions(opts task.Options) error {
	mode := strings.ToLower(strings.TrimSpace(opts.PermissionMode))
	if _, ok := permissionModes[mode]; !ok {
		return fmt.Errorf("unknown permission mode: %q", opts.PermissionMode)
	}
	if opts.TimeoutMs < 0 {
		return fmt.Errorf("negative option timeout: %d", opts.TimeoutMs)
	}
	if opts.MaxTokens < 0 {
		return fmt.Errorf("negative max_tokens: %d", opts.MaxTokens)
	}
	if opts.Temperature < 0 || opts.Temperature > 2 {
		return fmt.Errorf("temperature out of range: %g", opts.Temperature)
	}
	return nil
}

// WriteRequest encodes req as one newline-terminated JSON line on w.
func WriteRequest(w io.Writer, req Request) error {
	if w == nil {
		return errors.New("request stream not writable")
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}
