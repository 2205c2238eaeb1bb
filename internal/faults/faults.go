// Package faults classifies failures so the event processor can decide
// between retrying, giving up on one event, or stopping the worker.
package faults

import (
	"errors"
	"fmt"
)

// Kind buckets a failure by how the caller should react.
type Kind int

const (
	// KindRetryable failures are transient: timeouts, 5xx responses,
	// rate limits. The event goes back to the queue with backoff.
	KindRetryable Kind = iota
	// KindPermanent failures will not succeed on retry: validation
	// errors, unknown references after exhaustion, 4xx responses.
	KindPermanent
	// KindFatal failures mean the worker itself is broken (lost database,
	// broken config) and should stop claiming work.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Fault wraps an error with a Kind. It unwraps to the cause.
type Fault struct {
	kind Kind
	err  error
}

func (f *Fault) Error() string { return fmt.Sprintf("%s: %v", f.kind, f.err) }
func (f *Fault) Unwrap() error { return f.err }
func (f *Fault) Kind() Kind    { return f.kind }

// Retryable tags err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindRetryable, err: err}
}

// Retryablef builds a transient failure from a format string.
func Retryablef(format string, args ...interface{}) error {
	return &Fault{kind: KindRetryable, err: fmt.Errorf(format, args...)}
}

// Permanent tags err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindPermanent, err: err}
}

// Permanentf builds a permanent failure from a format string.
func Permanentf(format string, args ...interface{}) error {
	return &Fault{kind: KindPermanent, err: fmt.Errorf(format, args...)}
}

// Fatal tags err as a worker-level failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: KindFatal, err: err}
}

// KindOf returns the kind carried by err. Untagged errors default to
// retryable so an unclassified blip never burns an event permanently.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindRetryable
}

// IsRetryable reports whether err should go back to the queue.
func IsRetryable(err error) bool { return err != nil && KindOf(err) == KindRetryable }
