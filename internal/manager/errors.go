package manager

import (
	"errors"

	"genbridge/internal/bridge"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string { return "too busy: " + e.reason }

// ErrTooBusy returns a backpressure error carrying reason.
func ErrTooBusy(reason string) error { return tooBusyError{reason: reason} }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// modelNotFoundError is returned when the configured model directory is missing.
type modelNotFoundError struct{ path string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.path }

// ErrModelNotFound returns an error for a missing model directory.
func ErrModelNotFound(path string) error { return modelNotFoundError{path: path} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var nf modelNotFoundError
	return errors.As(err, &nf)
}

// dependencyUnavailableError signals a missing runtime (e.g., llama.cpp not
// linked) so the HTTP layer can return 503 Service Unavailable instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du)
}

// translate maps bridge errors onto the manager's error vocabulary. Errors
// without a manager equivalent are returned unchanged.
func translate(err error) error {
	var be *bridge.Error
	if !errors.As(err, &be) {
		return err
	}
	switch be.Kind {
	case bridge.KindNotFound:
		return modelNotFoundError{path: be.Path}
	case bridge.KindBusy:
		return tooBusyError{reason: "generation in progress"}
	}
	return err
}
