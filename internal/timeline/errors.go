package timeline

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnknownTimeline = errors.New("unknown timeline")
	ErrUnknownPlatform = errors.New("unknown platform")
	ErrNotImplemented  = errors.New("not implemented")
	ErrNetwork         = errors.New("network error")
	ErrPersistence     = errors.New("persistence error")
	ErrMonotonicity    = errors.New("monotonicity violation")
)

// FetchError wraps a failure reported by the fetch collaborator, including
// transport timeouts.
type FetchError struct {
	Timeline TimelineKey
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Timeline, e.Err)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrNetwork
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type PersistenceError struct {
	Timeline TimelineKey
	Op       string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (%s): %v", e.Timeline, e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// MonotonicityError describes a page that would move a cursor backwards.
// It never reaches the user; the page is dropped.
type MonotonicityError struct {
	Timeline  TimelineKey
	Direction Direction
	Committed Cursor
	Observed  Cursor
	Reason    string
}

func (e *MonotonicityError) Error() string {
	return fmt.Sprintf("monotonicity violation on %s (%s): committed=%q observed=%q: %s",
		e.Timeline, e.Direction, e.Committed, e.Observed, e.Reason)
}

func (e *MonotonicityError) Is(target error) bool {
	return target == ErrMonotonicity
}
