// Package hints provides a mechanism for identifying "soft failures" or ignorable errors
// within the system.
//
// A sync run produces a few outcomes that are reported like errors but are
// not failures: the trees already agree, the user refused a deletion, or a
// conflict was left for later. They are labelled as hints so the command
// layer can print them and still exit with status 0.
package hints

import "errors"

// Soft outcomes of a sync run.
var (
	ErrNothingToSync   = New("nothing to synchronize")
	ErrDeletionDenied  = New("deletion denied by user")
	ErrConflictSkipped = New("conflict skipped by user")
)

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Wrap takes an existing error and "promotes" it to a hint.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is checks if the error is a hint AND matches the target error.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
