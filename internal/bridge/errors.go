package bridge

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies bridge errors.
type Kind int

const (
	// KindEngineFailure covers native construction, encode and decode failures.
	KindEngineFailure Kind = iota + 1
	// KindNotFound means the model directory is missing or invalid.
	KindNotFound
	// KindCancelled means cancellation was observed at a checked boundary.
	// It is not a failure.
	KindCancelled
	// KindBusy means another session is already active on the bridge.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindEngineFailure:
		return "engine failure"
	case KindNotFound:
		return "not found"
	case KindCancelled:
		return "cancelled"
	case KindBusy:
		return "busy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrStreamConsumed is yielded when a Stream is ranged over a second time.
	ErrStreamConsumed = errors.New("bridge: stream already consumed")
	// ErrDisposed is returned for work requested after Dispose.
	ErrDisposed = errors.New("bridge: disposed")
)

// Error is the error type returned by the bridge.
type Error struct {
	Kind Kind
	Op   string
	// Path is the model path involved, when relevant.
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify wraps err as a bridge error. Context errors and disposal become
// KindCancelled, existing bridge errors pass through, anything else is an
// engine failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrDisposed) {
		return newError(KindCancelled, op, err)
	}
	return newError(KindEngineFailure, op, err)
}

func kindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// IsNotFound reports whether err indicates a missing model directory.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsEngineFailure reports whether err came from the native engine.
func IsEngineFailure(err error) bool { return kindOf(err) == KindEngineFailure }

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool { return kindOf(err) == KindCancelled }

// IsBusy reports whether err was caused by a concurrent session.
func IsBusy(err error) bool { return kindOf(err) == KindBusy }
