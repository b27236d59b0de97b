package sandbox

import (
	"errors"
	"fmt"

	"github.com/sameehj/gosandbox/internal/source"
)

var (
	// ErrParse matches every guest syntax error.
	ErrParse = source.ErrParse

	// ErrRuntimeFault matches faults raised while the guest program runs.
	ErrRuntimeFault = errors.New("sandbox: runtime fault")

	// ErrNotPrepared is returned when there is no prepared program to execute.
	ErrNotPrepared = errors.New("sandbox: no prepared program")

	// ErrClosed is returned by a sandbox after Close.
	ErrClosed = errors.New("sandbox: closed")

	// ErrToken is raised when a mediated call site presents a token that does not
	// belong to the sandbox executing it.
	ErrToken = errors.New("sandbox: invalid token")
)

// ParseError is a guest syntax error with its position.
type ParseError = source.ParseError

// Fault is a panic recovered from guest code.
type Fault struct {
	Value any
	Stack []byte
}

func (f *Fault) Error() string {
	if err, ok := f.Value.(error); ok {
		return fmt.Sprintf("%s: %v", ErrRuntimeFault, err)
	}
	return fmt.Sprintf("%s: panic: %v", ErrRuntimeFault, f.Value)
}

func (f *Fault) Unwrap() []error {
	if err, ok := f.Value.(error); ok {
		return []error{ErrRuntimeFault, err}
	}
	return []error{ErrRuntimeFault}
}
