package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBinary is looked up on PATH when no explicit path is configured.
	DefaultBinary = "sqlfluff"

	// DefaultTimeout bounds a single run.
	DefaultTimeout = 30 * time.Second

	// DefaultFormatCommand is the sqlfluff subcommand used for formatting.
	DefaultFormatCommand = "fix"

	// waitDelay bounds how long we wait for output pipes after the process
	// has been killed.
	waitDelay = time.Second
)

// SQLFluff runs the sqlfluff command line tool. The zero value runs
// "sqlfluff" from PATH with DefaultTimeout.
type SQLFluff struct {
	// Path is the sqlfluff executable. Empty means DefaultBinary.
	Path string
	// FormatCommand is "fix" or "format". Empty means DefaultFormatCommand.
	FormatCommand string
	// Timeout bounds every run. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Run runs sqlfluff with the request text on stdin.
//
// Lint runs succeed only with exit status 0 (violations do not fail because
// of --nofail). Format runs also accept status 1, which sqlfluff uses when
// some violations could not be fixed; stdout still holds the fixed text.
func (s *SQLFluff) Run(ctx context.Context, req Request) (Output, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	binary := s.Path
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %s: %v", ErrBinaryNotFound, binary, err)
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, s.args(req)...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Text)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	logger.Debug("sqlfluff finished",
		zap.Stringer("mode", req.Mode),
		zap.String("file", req.Filename),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)

	switch {
	case ctx.Err() != nil:
		return out, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return out, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return out, fmt.Errorf("running %s: %w", path, runErr)
		}
		if !acceptedExitCode(req.Mode, out.ExitCode) {
			return out, &ExitError{Code: out.ExitCode, Stderr: strings.TrimSpace(stderr.String())}
		}
	}
	return out, nil
}

func (s *SQLFluff) args(req Request) []string {
	var args []string
	switch req.Mode {
	case Format:
		command := s.FormatCommand
		if command == "" {
			command = DefaultFormatCommand
		}
		args = []string{command, "--disable-progress-bar", "--nocolor", "--quiet"}
	default:
		args = []string{"lint", "--disable-progress-bar", "--nocolor", "--format=json", "--nofail"}
	}
	if req.Filename != "" {
		args = append(args, "--stdin-filename="+req.Filename)
	}
	if req.Dialect != "" {
		args = append(args, "--dialect="+req.Dialect)
	}
	if req.Templater != "" {
		args = append(args, "--templater="+req.Templater)
	}
	if req.ConfigPath != "" {
		args = append(args, "--config="+req.ConfigPath)
	}
	return append(args, "-")
}

func acceptedExitCode(mode Mode, code int) bool {
	switch mode {
	case Format:
		return code == 0 || code == 1
	default:
		return code == 0
	}
}
