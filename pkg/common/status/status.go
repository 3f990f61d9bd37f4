// Package status defines the error kinds shared by every regiondb component
// and their integer return codes.
package status

import (
	"errors"
)

// Error kinds. Component errors wrap one of these with %w so callers can
// classify with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrOutOfSpace      = errors.New("out of space")
	ErrCorruption      = errors.New("corruption")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIOFailure       = errors.New("i/o failure")
	ErrBusy            = errors.New("busy")
	ErrClosed          = errors.New("closed")
	ErrReleased        = errors.New("handle released")
)

// Return codes. Zero means success.
const (
	CodeOK = iota
	CodeNotFound
	CodeOutOfSpace
	CodeCorruption
	CodeInvalidArgument
	CodeIOFailure
	CodeBusy
	CodeClosed
	CodeReleased
	CodeUnknown
)

var kinds = []struct {
	err  error
	code int
}{
	{ErrNotFound, CodeNotFound},
	{ErrOutOfSpace, CodeOutOfSpace},
	{ErrCorruption, CodeCorruption},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrIOFailure, CodeIOFailure},
	{ErrBusy, CodeBusy},
	{ErrClosed, CodeClosed},
	{ErrReleased, CodeReleased},
}

// Code maps an error to its integer return code.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeUnknown
}

// Kind returns the error kind wrapped by err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// IOError wraps an operating system error as an IOFailure while keeping the
// original error reachable through errors.Is and errors.As.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string {
	return e.op + ": " + ErrIOFailure.Error() + ": " + e.err.Error()
}

func (e *ioError) Unwrap() []error {
	return []error{ErrIOFailure, e.err}
}
