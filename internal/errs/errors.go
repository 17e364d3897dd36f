// Package errs provides the structured error taxonomy surfaced by the
// supervisor's control RPC and internal state-machine assertions.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies one of the error kinds named in the supervisor's
// error-handling design.
type ErrorCode string

const (
	// CodeSpawnFailed: fork/exec of a hook failed.
	CodeSpawnFailed ErrorCode = "SPAWN_FAILED"
	// CodeAlreadyStarted: goal-setting RPC on a job whose goal is already START.
	CodeAlreadyStarted ErrorCode = "ALREADY_STARTED"
	// CodeAlreadyStopped: goal-setting RPC on a job whose goal is already STOP.
	CodeAlreadyStopped ErrorCode = "ALREADY_STOPPED"
	// CodePermissionDenied: RPC from a session that does not own the target job.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// CodeUnknownJob: RPC names a class or instance that does not exist.
	CodeUnknownJob ErrorCode = "UNKNOWN_JOB"
	// CodeJobFailed: generic failure surface for wait=true RPCs whose target job died.
	CodeJobFailed ErrorCode = "JOB_FAILED"
	// CodeEventFailed: for wait=true emit RPCs whose event's failed flag became true.
	CodeEventFailed ErrorCode = "EVENT_FAILED"
	// CodeOutOfMemory: allocation failure.
	CodeOutOfMemory ErrorCode = "OUT_OF_MEMORY"
	// CodeInternal: catch-all for unexpected internal failures.
	CodeInternal ErrorCode = "INTERNAL"
)

// SupervisorError is a structured error with a stable code, an HTTP status
// for the control RPC's HTTP transport, and optional structured details.
type SupervisorError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *SupervisorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SupervisorError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *SupervisorError) WithDetails(key string, value interface{}) *SupervisorError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new SupervisorError.
func New(code ErrorCode, message string, httpStatus int) *SupervisorError {
	return &SupervisorError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error with a SupervisorError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *SupervisorError {
	return &SupervisorError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// SpawnFailed reports that running a job's process table entry for
// processType failed. The job's failed_process/exit_status fields are set
// by the caller in domain/job; this only wraps the spawner's error for
// callers outside the state machine (e.g. audit logging, RPC replies).
func SpawnFailed(class, processType string, err error) *SupervisorError {
	return Wrap(CodeSpawnFailed, "failed to spawn process", http.StatusInternalServerError, err).
		WithDetails("job", class).
		WithDetails("process", processType)
}

// AlreadyStarted reports a start RPC on a job whose goal is already START.
func AlreadyStarted(job string) *SupervisorError {
	return New(CodeAlreadyStarted, "job goal is already START", http.StatusConflict).
		WithDetails("job", job)
}

// AlreadyStopped reports a stop RPC on a job whose goal is already STOP.
func AlreadyStopped(job string) *SupervisorError {
	return New(CodeAlreadyStopped, "job goal is already STOP", http.StatusConflict).
		WithDetails("job", job)
}

// PermissionDenied reports an RPC from a session that does not own the
// target job.
func PermissionDenied(session, job string) *SupervisorError {
	return New(CodePermissionDenied, "session does not own target job", http.StatusForbidden).
		WithDetails("session", session).
		WithDetails("job", job)
}

// UnknownJob reports an RPC naming a class or instance that does not exist.
func UnknownJob(name string) *SupervisorError {
	return New(CodeUnknownJob, "no such job class or instance", http.StatusNotFound).
		WithDetails("name", name)
}

// JobFailed reports a wait=true RPC whose target job died before reaching
// the expected goal state.
func JobFailed(job string, exitStatus int) *SupervisorError {
	return New(CodeJobFailed, "job failed before reaching goal state", http.StatusInternalServerError).
		WithDetails("job", job).
		WithDetails("exit_status", exitStatus)
}

// EventFailed reports a wait=true emit RPC whose event's failed flag
// became true.
func EventFailed(event string) *SupervisorError {
	return New(CodeEventFailed, "event failed", http.StatusInternalServerError).
		WithDetails("event", event)
}

// OutOfMemory reports an allocation failure for request-scoped state.
// Structural allocations (event queue, class registry) use a
// must-succeed discipline instead and never return this error.
func OutOfMemory(context string) *SupervisorError {
	return New(CodeOutOfMemory, "allocation failed", http.StatusInsufficientStorage).
		WithDetails("context", context)
}

// Internal wraps an unexpected internal error.
func Internal(message string, err error) *SupervisorError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// IsSupervisorError checks if an error is a SupervisorError.
func IsSupervisorError(err error) bool {
	var supErr *SupervisorError
	return errors.As(err, &supErr)
}

// GetSupervisorError extracts a SupervisorError from an error chain.
func GetSupervisorError(err error) *SupervisorError {
	var supErr *SupervisorError
	if errors.As(err, &supErr) {
		return supErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if supErr := GetSupervisorError(err); supErr != nil {
		return supErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the ErrorCode for an error, or CodeInternal if it is not a
// SupervisorError.
func Code(err error) ErrorCode {
	if supErr := GetSupervisorError(err); supErr != nil {
		return supErr.Code
	}
	return CodeInternal
}
