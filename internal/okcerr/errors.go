// Package okcerr defines the kernel's error taxonomy as a set of distinct
// types, each carrying its own HTTP status mapping so the HTTP Surface
// never has to duplicate a switch over error strings.
package okcerr

import (
	"fmt"
	"net/http"
)

// HTTPStatusError is implemented by every sentinel error type below.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// PathEscapeError is returned when a tool or upload path resolves outside a
// workspace's internal root.
type PathEscapeError struct {
	Path     string
	Resolved string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("path %q escapes workspace (resolved to %q)", e.Path, e.Resolved)
}
func (e *PathEscapeError) HTTPStatus() int { return http.StatusBadRequest }

// WorkspaceIOError wraps a filesystem failure while serving a workspace
// operation (permission denied, disk full, disallowed dotfile write, ...).
type WorkspaceIOError struct {
	Op  string
	Err error
}

func (e *WorkspaceIOError) Error() string { return fmt.Sprintf("workspace io: %s: %v", e.Op, e.Err) }
func (e *WorkspaceIOError) Unwrap() error { return e.Err }
func (e *WorkspaceIOError) HTTPStatus() int {
	if e.Err == nil {
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// SnapshotDisabledError is returned by the Git Snapshot Engine when it is in
// the Disabled state (git binary absent, or startup probe timed out).
type SnapshotDisabledError struct{ Reason string }

func (e *SnapshotDisabledError) Error() string { return fmt.Sprintf("snapshots disabled: %s", e.Reason) }
func (e *SnapshotDisabledError) HTTPStatus() int { return http.StatusBadRequest }

// UnknownSnapshotError is returned when Restore is asked for a
// snapshot id the engine never produced.
type UnknownSnapshotError struct{ ID string }

func (e *UnknownSnapshotError) Error() string  { return fmt.Sprintf("unknown snapshot: %s", e.ID) }
func (e *UnknownSnapshotError) HTTPStatus() int { return http.StatusBadRequest }

// UnknownToolError is returned when a tool call names a tool absent from
// the registry's manifest.
type UnknownToolError struct{ Name string }

func (e *UnknownToolError) Error() string  { return fmt.Sprintf("unknown tool: %s", e.Name) }
func (e *UnknownToolError) HTTPStatus() int { return http.StatusBadRequest }

// ToolInputInvalidError is returned when a tool call's arguments fail the
// tool's JSON schema.
type ToolInputInvalidError struct {
	Tool   string
	Detail string
}

func (e *ToolInputInvalidError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %s", e.Tool, e.Detail)
}
func (e *ToolInputInvalidError) HTTPStatus() int { return http.StatusBadRequest }

// ToolExecError wraps a failure raised by a tool's own body. It is captured
// inline in the ToolInvocation record, not surfaced as an HTTP error — it
// has an HTTPStatus only so it can share the taxonomy's interface when
// logged.
type ToolExecError struct {
	Tool string
	Err  error
}

func (e *ToolExecError) Error() string  { return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err) }
func (e *ToolExecError) Unwrap() error  { return e.Err }
func (e *ToolExecError) HTTPStatus() int { return http.StatusInternalServerError }

// UploadTooLargeError is returned when a single upload exceeds the
// configured max upload size.
type UploadTooLargeError struct {
	Name      string
	SizeBytes int64
	LimitBytes int64
}

func (e *UploadTooLargeError) Error() string {
	return fmt.Sprintf("upload %s (%d bytes) exceeds limit of %d bytes", e.Name, e.SizeBytes, e.LimitBytes)
}
func (e *UploadTooLargeError) HTTPStatus() int { return http.StatusRequestEntityTooLarge }

// UploadLimitExceededError is returned when a batch of uploads collectively
// exceeds the per-request limit.
type UploadLimitExceededError struct{ Detail string }

func (e *UploadLimitExceededError) Error() string  { return fmt.Sprintf("upload limit exceeded: %s", e.Detail) }
func (e *UploadLimitExceededError) HTTPStatus() int { return http.StatusBadRequest }

// DuplicateUploadError is returned when an upload's name collides with an
// existing upload in the same batch/session.
type DuplicateUploadError struct{ Name string }

func (e *DuplicateUploadError) Error() string  { return fmt.Sprintf("duplicate upload: %s", e.Name) }
func (e *DuplicateUploadError) HTTPStatus() int { return http.StatusBadRequest }

// ClientMismatchError indicates a request's resolved client id does not
// match the owner recorded for a resource it is trying to access — treated
// as a possible corruption/tampering attempt and logged loudly.
type ClientMismatchError struct {
	Expected string
	Got      string
}

func (e *ClientMismatchError) Error() string {
	return fmt.Sprintf("client mismatch: expected %s, got %s", e.Expected, e.Got)
}
func (e *ClientMismatchError) HTTPStatus() int { return http.StatusInternalServerError }

// NotFoundError is the generic "no such resource" error for conversations,
// deployments, and sessions.
type NotFoundError struct{ Resource, ID string }

func (e *NotFoundError) Error() string  { return fmt.Sprintf("%s not found: %s", e.Resource, e.ID) }
func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// LLMError wraps a failure surfaced by the driver. It is carried in the
// ChatPayload, not raised as an HTTP error from Respond.
type LLMError struct{ Err error }

func (e *LLMError) Error() string  { return fmt.Sprintf("llm driver error: %v", e.Err) }
func (e *LLMError) Unwrap() error  { return e.Err }
func (e *LLMError) HTTPStatus() int { return http.StatusBadGateway }

// CancelledError marks a clean, caller-initiated termination (client
// disconnect, context cancellation) — never logged as a fault.
type CancelledError struct{}

func (e *CancelledError) Error() string  { return "cancelled" }
func (e *CancelledError) HTTPStatus() int { return 499 }

// StatusOf extracts the HTTP status for any error in the taxonomy, falling
// back to 500 for anything that doesn't implement HTTPStatusError.
func StatusOf(err error) int {
	if hs, ok := err.(HTTPStatusError); ok {
		return hs.HTTPStatus()
	}
	return http.StatusInternalServerError
}
