// Package syncerr classifies the failures a sync run can hit.
//
// Only Input and IO errors end a run as failed. Serialization errors are
// recovered where they happen (a corrupt baseline is treated as no baseline),
// and Channel errors are treated by the engine exactly like a Stop request.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind is the category of a sync error.
type Kind int

const (
	// InputError means a root is unset or unusable.
	InputError Kind = iota + 1
	// IoError is a read, write or metadata failure on either tree.
	IoError
	// SerializationError is an unreadable metadata file.
	SerializationError
	// ChannelError means the caller is unreachable.
	ChannelError
)

var kindToString = map[Kind]string{
	InputError:         "input",
	IoError:            "io",
	SerializationError: "serialization",
	ChannelError:       "channel",
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", k)
}

// Error carries the kind, the operation and the path that failed.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s %s", e.Op, e.Path)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Input returns an InputError.
func Input(op, path string, err error) error {
	return &Error{Kind: InputError, Op: op, Path: path, Err: err}
}

// IO returns an IoError. A nil err yields nil so call sites can wrap directly.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: IoError, Op: op, Path: path, Err: err}
}

// Serialization returns a SerializationError.
func Serialization(op, path string, err error) error {
	return &Error{Kind: SerializationError, Op: op, Path: path, Err: err}
}

// Channel returns a ChannelError.
func Channel(op string, err error) error {
	return &Error{Kind: ChannelError, Op: op, Err: err}
}

// ErrCallerGone is the cause used when the reply stream is closed or a reply times out.
var ErrCallerGone = errors.New("caller did not respond")

// Is reports whether any error in err's chain is a sync error of the given kind.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first sync error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
