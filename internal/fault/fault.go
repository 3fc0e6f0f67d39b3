// Package fault classifies errors into the recovery categories the sync
// core acts on: transient (retry with backoff), fatal (stop the source),
// and not-found (reroute to the delete path). Classification survives
// wrapping; use the Is* helpers rather than type assertions.
package fault

import "errors"

// ErrNotFound reports that a document no longer exists at the source.
// Detectors return it from Load when the item disappeared between the
// change event and the read.
var ErrNotFound = errors.New("fault: not found")

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Transient marks err as recoverable by retry. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// Fatal marks err as unrecoverable for the owning datasource. Returns
// nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &fatalError{err: err}
}

// IsTransient reports whether err carries a transient marker anywhere in
// its chain.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// IsFatal reports whether err carries a fatal marker anywhere in its
// chain.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
