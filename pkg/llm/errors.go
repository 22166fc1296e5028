package llm

import (
	"context"
	"errors"
	"fmt"
	"net"

	"inkreview/pkg/domain"
)

// ErrorKind classifies a failed provider call.
type ErrorKind string

const (
	// KindAuth means the endpoint rejected the configured credential.
	KindAuth ErrorKind = "auth"
	// KindTransient covers timeouts, connection failures, and 5xx responses.
	KindTransient ErrorKind = "transient"
	// KindProvider covers other non-2xx responses (malformed request, quota).
	KindProvider ErrorKind = "provider"
	// KindBadResponse means the call succeeded but the body was unusable
	// (e.g. the normalizer found no JSON in the model output).
	KindBadResponse ErrorKind = "bad_response"
)

// CallError is a classified failure from a single endpoint call. Every kind
// triggers the one-hop failover; the kind is kept for diagnostics and the
// admin connection test.
type CallError struct {
	Kind   ErrorKind
	Role   domain.EndpointRole
	Status int
	Err    error
}

func (e *CallError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s endpoint (%s, http %d): %v", e.Role, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s endpoint (%s): %v", e.Role, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// InvocationError means both the primary and the backup failed for a task.
// The surfaced cause is the backup's error; the primary's is retained for
// diagnostics only.
type InvocationError struct {
	TaskType   domain.TaskType
	PrimaryErr error
	BackupErr  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: primary and backup failed: %v", e.TaskType, e.BackupErr)
}

// Unwrap exposes the backup's error as the final cause.
func (e *InvocationError) Unwrap() error { return e.BackupErr }

func classify(role domain.EndpointRole, status int, err error) *CallError {
	kind := KindTransient
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status >= 500:
		kind = KindTransient
	case status >= 400:
		kind = KindProvider
	case status == 0:
		// No HTTP status: connection-level failure or timeout.
		kind = KindTransient
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			err = fmt.Errorf("timeout: %w", err)
		} else if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout: %w", err)
		}
	}
	return &CallError{Kind: kind, Role: role, Status: status, Err: err}
}
