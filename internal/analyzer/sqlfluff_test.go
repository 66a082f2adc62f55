package analyzer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
)

// fakeSQLFluff writes an executable shell script standing in for sqlfluff.
func fakeSQLFluff(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "sqlfluff")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSQLFluffLintArgs(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{Path: fakeSQLFluff(t, `printf '%s\n' "$@"`)}

	out, err := s.Run(t.Context(), analyzer.Request{
		Mode:       analyzer.Lint,
		Text:       "SELECT 1",
		Filename:   "/tmp/q.sql",
		Dialect:    "postgres",
		Templater:  "jinja",
		ConfigPath: "/tmp/.sqlfluff",
	})
	be.Err(t, err, nil)
	be.Equal(t, out.ExitCode, 0)
	be.Equal(t, strings.Fields(string(out.Stdout)), []string{
		"lint",
		"--disable-progress-bar",
		"--nocolor",
		"--format=json",
		"--nofail",
		"--stdin-filename=/tmp/q.sql",
		"--dialect=postgres",
		"--templater=jinja",
		"--config=/tmp/.sqlfluff",
		"-",
	})
}

func TestSQLFluffFormatArgs(t *testing.T) {
	t.Parallel()
	path := fakeSQLFluff(t, `printf '%s\n' "$@"`)

	tests := []struct {
		command string
		want    string
	}{
		{"", "fix"},
		{"format", "format"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			s := &analyzer.SQLFluff{Path: path, FormatCommand: tt.command}
			out, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Format})
			be.Err(t, err, nil)
			be.Equal(t, strings.Fields(string(out.Stdout)), []string{
				tt.want, "--disable-progress-bar", "--nocolor", "--quiet", "-",
			})
		})
	}
}

func TestSQLFluffStdin(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{Path: fakeSQLFluff(t, "cat\n")}

	text := "SELECT 'é'\nFROM t\n"
	out, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Format, Text: text})
	be.Err(t, err, nil)
	be.Equal(t, string(out.Stdout), text)
}

func TestSQLFluffWorkingDir(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{Path: fakeSQLFluff(t, "pwd\n")}
	dir := t.TempDir()

	out, err := s.Run(t.Context(), analyzer.Request{Dir: dir})
	be.Err(t, err, nil)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(out.Stdout)))
	be.Err(t, err, nil)
	want, err := filepath.EvalSymlinks(dir)
	be.Err(t, err, nil)
	be.Equal(t, got, want)
}

func TestSQLFluffExitCodes(t *testing.T) {
	t.Parallel()
	failing := fakeSQLFluff(t, "echo 'no dialect' >&2\nexit 2\n")
	partial := fakeSQLFluff(t, "cat\nexit 1\n")

	t.Run("lint failure", func(t *testing.T) {
		t.Parallel()
		s := &analyzer.SQLFluff{Path: failing}
		out, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Lint})
		be.Err(t, err, analyzer.ErrNonZeroExit)
		var exitErr *analyzer.ExitError
		be.True(t, errors.As(err, &exitErr))
		be.Equal(t, exitErr.Code, 2)
		be.Equal(t, exitErr.Stderr, "no dialect")
		be.Equal(t, out.ExitCode, 2)
	})

	t.Run("lint exit 1", func(t *testing.T) {
		t.Parallel()
		s := &analyzer.SQLFluff{Path: partial}
		_, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Lint})
		be.Err(t, err, analyzer.ErrNonZeroExit)
	})

	t.Run("format partially fixed", func(t *testing.T) {
		t.Parallel()
		s := &analyzer.SQLFluff{Path: partial}
		out, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Format, Text: "select 1\n"})
		be.Err(t, err, nil)
		be.Equal(t, out.ExitCode, 1)
		be.Equal(t, string(out.Stdout), "select 1\n")
	})

	t.Run("format failure", func(t *testing.T) {
		t.Parallel()
		s := &analyzer.SQLFluff{Path: failing}
		_, err := s.Run(t.Context(), analyzer.Request{Mode: analyzer.Format})
		be.Err(t, err, analyzer.ErrNonZeroExit)
	})
}

func TestSQLFluffNotFound(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{Path: filepath.Join(t.TempDir(), "missing", "sqlfluff")}
	_, err := s.Run(t.Context(), analyzer.Request{})
	be.Err(t, err, analyzer.ErrBinaryNotFound)
}

func TestSQLFluffTimeout(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{
		Path:    fakeSQLFluff(t, "exec sleep 10\n"),
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	_, err := s.Run(t.Context(), analyzer.Request{})
	be.Err(t, err, analyzer.ErrTimeout)
	be.True(t, time.Since(start) < 5*time.Second)
}

func TestSQLFluffCancel(t *testing.T) {
	t.Parallel()
	s := &analyzer.SQLFluff{Path: fakeSQLFluff(t, "exec sleep 10\n")}

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := s.Run(ctx, analyzer.Request{})
	be.Err(t, err, analyzer.ErrCancelled)
	be.True(t, time.Since(start) < 5*time.Second)
}
