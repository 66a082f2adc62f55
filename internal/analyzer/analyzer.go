// Package analyzer runs the external SQL analysis tool.
//
// The language server only depends on the Invoker interface: it hands over
// the document text and settings and gets back the raw output of the tool.
// SQLFluff is the production implementation; Pool bounds how many runs may
// happen at once.
package analyzer

import (
	"context"
	"errors"
	"fmt"
)

// Mode selects what the analyzer is asked to do.
type Mode int

const (
	// Lint reports violations.
	Lint Mode = iota
	// Format rewrites the document.
	Format
)

func (m Mode) String() string {
	switch m {
	case Lint:
		return "lint"
	case Format:
		return "format"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Request describes a single analyzer run.
type Request struct {
	Mode Mode
	// Text is passed to the analyzer on stdin.
	Text string
	// Filename is the path the text belongs to. It lets the analyzer find
	// project configuration next to the file.
	Filename string
	// Dir is the working directory for the run.
	Dir        string
	Dialect    string
	Templater  string
	ConfigPath string
}

// Output is the raw result of a run that completed.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Invoker runs the analyzer. Run blocks until the analyzer finishes, the
// timeout elapses, or ctx is cancelled.
type Invoker interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (Output, error)

func (f InvokerFunc) Run(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}

var (
	// ErrBinaryNotFound indicates the analyzer executable could not be found.
	ErrBinaryNotFound = errors.New("analyzer binary not found")

	// ErrNonZeroExit matches any *ExitError.
	ErrNonZeroExit = errors.New("analyzer exited with non-zero status")

	// ErrTimeout indicates the run exceeded its maximum duration and was
	// killed.
	ErrTimeout = errors.New("analyzer timed out")

	// ErrCancelled indicates the caller abandoned the run.
	ErrCancelled = errors.New("analyzer run cancelled")
)

// ExitError reports an exit status the analyzer does not use for success.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("analyzer exited with status %d", e.Code)
	}
	return fmt.Sprintf("analyzer exited with status %d: %s", e.Code, e.Stderr)
}

// Is makes errors.Is(err, ErrNonZeroExit) true for every *ExitError.
func (e *ExitError) Is(target error) bool {
	return target == ErrNonZeroExit
}
