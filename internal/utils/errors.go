package utils

import (
	"errors"
	"fmt"
)

// Error kinds shared across the toolkit. Match them with errors.Is.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrDuplicateMetric = errors.New("duplicate metric")
	ErrCheckTimeout    = errors.New("check timeout")
	ErrQueryFailure    = errors.New("query failure")
	ErrRemediation     = errors.New("remediation failure")
)

// AppError wraps an operation, human-facing message, error kind, and underlying error.
type AppError struct {
	Op   string
	Msg  string
	Kind error
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *AppError) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// NewAppError constructs an AppError without a kind.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// ConfigurationError reports an invalid definition rejected at registration time.
func ConfigurationError(op, msg string) error {
	return &AppError{Op: op, Msg: msg, Kind: ErrConfiguration}
}

// DuplicateMetricError reports a name already bound to another kind or label schema.
func DuplicateMetricError(op, msg string) error {
	return &AppError{Op: op, Msg: msg, Kind: ErrDuplicateMetric}
}

// CheckTimeoutError reports a health check that exceeded its bound.
func CheckTimeoutError(op string, err error) error {
	return &AppError{Op: op, Msg: "check timed out", Kind: ErrCheckTimeout, Err: err}
}

// QueryFailureError reports an SLI or history query that failed or timed out.
func QueryFailureError(op string, err error) error {
	return &AppError{Op: op, Msg: "query failed", Kind: ErrQueryFailure, Err: err}
}

// RemediationFailure reports a remediation action that did not complete.
func RemediationFailure(op string, err error) error {
	return &AppError{Op: op, Msg: "remediation failed", Kind: ErrRemediation, Err: err}
}
