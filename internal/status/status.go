// Package status defines the error taxonomy shared by every camera pipeline
// component. Callers compare with errors.Is against the sentinels, or collapse
// any wrapped error into a Code with CodeOf.
package status

import (
	"errors"
	"fmt"
)

var (
	ErrBadValue         = errors.New("bad value")
	ErrNotFound         = errors.New("not found")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNoMemory         = errors.New("no memory")
	ErrTimeout          = errors.New("timeout")
	ErrNotInitialized   = errors.New("not initialized")
	ErrUnknown          = errors.New("unknown error")
)

// Graph selection failures. Both wrap a taxonomy sentinel so CodeOf still
// reports BadValue and Unknown respectively.
var (
	ErrTooManyStreams = fmt.Errorf("too many streams: %w", ErrBadValue)
	ErrInvalidLink    = fmt.Errorf("invalid link: %w", ErrUnknown)
)

// Code is the status returned across the device surface.
type Code int

const (
	OK Code = iota
	BadValue
	NotFound
	InvalidOperation
	NoMemory
	Timeout
	NotInitialized
	Unknown
)

var codeNames = map[Code]string{
	OK:               "OK",
	BadValue:         "BAD_VALUE",
	NotFound:         "NOT_FOUND",
	InvalidOperation: "INVALID_OPERATION",
	NoMemory:         "NO_MEMORY",
	Timeout:          "TIMEOUT",
	NotInitialized:   "NOT_INITIALIZED",
	Unknown:          "UNKNOWN_ERROR",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// CodeOf maps err onto its status code. Errors outside the taxonomy are
// reported as Unknown.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrBadValue):
		return BadValue
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrInvalidOperation):
		return InvalidOperation
	case errors.Is(err, ErrNoMemory):
		return NoMemory
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrNotInitialized):
		return NotInitialized
	default:
		return Unknown
	}
}
