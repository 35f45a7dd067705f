package protocol

import (
	"strings"

	"github.com/taskherd/taskherd/internal/task"
)

// codeCategories maps stable codes to their taxonomy bucket.
var codeCategories = map[string]task.ErrorCategory{
	task.CodeInvalidRequest:        task.ErrorCategoryValidation,
	task.CodeInvalidOptions:        task.ErrorCategoryValidation,
	task.CodeCapacityExceeded:      task.ErrorCategoryValidation,
	task.CodeProcessSpawnFailed:    task.ErrorCategoryProcess,
	task.CodeCommunicationFailure:  task.ErrorCategoryProcess,
	task.CodeUnexpectedTermination: task.ErrorCategoryProcess,
	task.CodePermissionDenied:      task.ErrorCategoryProcess,
	task.CodeExecutionTimeout:      task.ErrorCategoryTimeout,
	task.CodeShutdownTimeout:       task.ErrorCategoryTimeout,
	task.CodeInactivityTimeout:     task.ErrorCategoryTimeout,
	task.CodeSubprocessConfig:      task.ErrorCategorySDK,
	task.CodeSubprocessParse:       task.ErrorCategorySDK,
	task.CodeSubprocessConnection:  task.ErrorCategorySDK,
}

// keywordCodes are heuristics applied to message text when no explicit hint
// is available. Order matters: first hit wins.
var keywordCodes = []struct {
	needle string
	code   string
}{
	{needle: "inactivity", code: task.CodeInactivityTimeout},
	{needle: "timed out", code: task.CodeExecutionTimeout},
	{needle: "timeout", code: task.CodeExecutionTimeout},
	{needle: "permission denied", code: task.CodePermissionDenied},
	{needle: "operation not permitted", code: task.CodePermissionDenied},
	{needle: "spawn", code: task.CodeProcessSpawnFailed},
	{needle: "no such file", code: task.CodeProcessSpawnFailed},
	{needle: "connection", code: task.CodeSubprocessConnection},
	{needle: "connect", code: task.CodeSubprocessConnection},
	{needle: "parse", code: task.CodeSubprocessParse},
	{needle: "invalid json", code: task.CodeSubprocessParse},
	{needle: "unexpected eof", code: task.CodeUnexpectedTermination},
	{needle: "killed", code: task.CodeUnexpectedTermination},
	{needle: "terminated", code: task.CodeUnexpectedTermination},
	{needle: "broken pipe", code: task.CodeCommunicationFailure},
	{needle: "config", code: task.CodeSubprocessConfig},
	{needle: "invalid", code: task.CodeInvalidRequest},
	{needle: "validation", code: task.CodeInvalidRequest},
}

// ClassifyError assigns category and stable code to message. hintCode wins
// when it names a known code; otherwise keyword heuristics decide, falling
// back to the unknown bucket. The recoverable subset gets a retry hint.
func ClassifyError(hintCode, message, correlationID string) *task.StructuredError {
	code := strings.TrimSpace(hintCode)
	category, known := codeCategories[code]
	if !known {
		code = ""
		lower := strings.ToLower(message)
		for _, kw := range keywordCodes {
			if strings.Contains(lower, kw.needle) {
				code = kw.code
				category = codeCategories[kw.code]
				break
			}
		}
	}
	if code == "" {
		code = task.CodeUnknown
		category = task.ErrorCategoryUnknown
	}
	return task.MarkRecoverable(task.NewError(category, code, message, correlationID))
}
