package backlog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("backlog not found")
	ErrMalformed          = errors.New("backlog malformed")
	ErrInvariantViolation = errors.New("backlog invariant violation")
	ErrInvalid            = errors.New("backlog invalid")
)

// LoadError describes why a backlog could not be loaded or accepted.
// Kind is one of the package sentinel errors and is matched by errors.Is.
type LoadError struct {
	Path string
	Kind error
	Msg  string
	Err  error
}

func (e *LoadError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *LoadError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func loadErr(path string, kind, cause error, format string, args ...any) error {
	return &LoadError{Path: path, Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}
