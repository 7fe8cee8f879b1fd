package environment

import (
	"errors"
	"fmt"
	"strings"

	"basegraph.app/scheduler/internal/model"
)

var (
	// ErrInvariantViolation is returned when a mutation would break the cross-level
	// assignment backbone. The mutation is not applied.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrStaleAssignment is returned when a prerequisite assignment changed since the
	// caller last read it. Callers should re-query and retry.
	ErrStaleAssignment = errors.New("stale assignment")

	// ErrCapacityExceeded is returned when an insertion would push a bucket past its
	// capacity, or when the bucket does not exist at all.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrCrossAgentTimeout is returned when a blocking query to another agent did
	// not complete within its budget.
	ErrCrossAgentTimeout = errors.New("cross-agent timeout")

	// ErrConfiguration is fatal at start-up.
	ErrConfiguration = errors.New("configuration error")

	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest marks malformed or unsupported requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// ScheduleError ties a taxonomy error to the work order or activity it concerns.
type ScheduleError struct {
	Err       error
	WorkOrder *model.WorkOrderNumber
	Activity  *model.ActivityKey
	Detail    string
}

func (e *ScheduleError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	switch {
	case e.Activity != nil:
		fmt.Fprintf(&b, " (activity=%s)", e.Activity)
	case e.WorkOrder != nil:
		fmt.Fprintf(&b, " (work_order=%d)", *e.WorkOrder)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}

func activityError(kind error, key model.ActivityKey, format string, args ...any) error {
	return &ScheduleError{Err: kind, Activity: &key, Detail: fmt.Sprintf(format, args...)}
}

func workOrderError(kind error, n model.WorkOrderNumber, format string, args ...any) error {
	return &ScheduleError{Err: kind, WorkOrder: &n, Detail: fmt.Sprintf(format, args...)}
}

// Kind maps an error onto the name of its taxonomy entry.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrStaleAssignment):
		return "stale_assignment"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrCrossAgentTimeout):
		return "cross_agent_timeout"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "internal"
	}
}
