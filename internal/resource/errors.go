package resource

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrExhausted         = errors.New("resource exhausted")
	ErrPriorityTooLow    = errors.New("priority too low for current load")
	ErrQueueFull         = errors.New("queue full")
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid allocation transition")
	ErrInvalidMetrics    = errors.New("invalid metrics")
)

// RejectReason explains a refused admission. The zero value means accepted.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectUnknownWorker
	RejectExhausted
	RejectPriorityTooLow
	RejectQueueFull
)

func (r RejectReason) String() string {
	if err := r.sentinel(); err != nil {
		return err.Error()
	}
	return ""
}

func (r RejectReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r RejectReason) sentinel() error {
	switch r {
	case RejectUnknownWorker:
		return ErrUnknownWorker
	case RejectExhausted:
		return ErrExhausted
	case RejectPriorityTooLow:
		return ErrPriorityTooLow
	case RejectQueueFull:
		return ErrQueueFull
	default:
		return nil
	}
}

// RejectionError carries a rejection as an error. errors.Is matches the
// reason's sentinel.
type RejectionError struct {
	TaskID string
	Worker string
	Reason RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("admit %s on %s: %s", e.TaskID, e.Worker, e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Reason.sentinel()
}
