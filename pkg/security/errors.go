package security

import (
	"errors"
	"fmt"
	"time"
)

// NotFoundError reports that a named principal, group, plugin or node does
// not exist. It is always recoverable.
type NotFoundError struct {
	Kind string // "user", "group", "plugin", "node"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.Name)
}

// DeniedError reports a missing permission, carrying the human-readable
// rendering of exactly what was required.
type DeniedError struct {
	Permission Permission
	Principal  string // nick or plugin name, may be empty
}

func (e *DeniedError) Error() string {
	if e.Principal != "" {
		return fmt.Sprintf("%s requires %s", e.Principal, e.Permission.Render())
	}
	return fmt.Sprintf("requires %s", e.Permission.Render())
}

// ConflictError reports an administrative precondition violation: the thing
// already exists, is already a member, is already granted, and so on.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// conflictf builds a ConflictError from a format string.
func conflictf(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// StoreError wraps a backing-store failure. The full cause is logged at the
// data-access boundary; the rendered message deliberately carries no
// internal detail.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("an internal error occurred while %s; please ask the bot administrator to check the logs", e.Op)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// StaleEventError reports a permission check against an event older than
// the staleness window. Such checks are rejected outright.
type StaleEventError struct {
	At  time.Time
	Age time.Duration
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("event from %s has expired", e.At.Format(time.RFC3339))
}

// NickAuthError reports a nick that failed nick-service authentication.
type NickAuthError struct {
	Nick string
}

func (e *NickAuthError) Error() string {
	return fmt.Sprintf("nick %s is not authenticated with the nick service", e.Nick)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsDenied reports whether err is a DeniedError.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
