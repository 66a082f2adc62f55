package lsp_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/config"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/lsp"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDiagnosticsFollowEdits(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{
		lint: func(_ context.Context, req analyzer.Request) (analyzer.Output, error) {
			if strings.Contains(req.Text, "  ") {
				return violations("LT01"), nil
			}
			return violations(), nil
		},
	}
	c := startServer(t, lsp.Options{Invoker: fake, Debounce: 50 * time.Millisecond})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	c.change(testURI, 1, "SELECT  1")

	p := c.waitForVersion(1)
	be.Equal(t, p.URI, testURI)
	be.Equal(t, len(p.Diagnostics), 1)

	d := p.Diagnostics[0]
	be.Equal(t, d.Code, any("LT01"))
	be.Equal(t, d.Source, "sqlfluff")
	be.Equal(t, d.Message, "violation LT01")
	be.Equal(t, d.Severity, protocol.DiagnosticSeverityWarning)
	be.Equal(t, d.Range, protocol.Range{
		Start: protocol.Position{Line: 0, Character: 0},
		End:   protocol.Position{Line: 0, Character: 1},
	})

	reqs := fake.requests(analyzer.Lint)
	last := reqs[len(reqs)-1]
	be.Equal(t, last.Text, "SELECT  1")
	be.Equal(t, last.Dialect, "ansi")
}

func TestDiagnosticsIncrementalChange(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT a\nFROM t\n", 3)
	c.waitForVersion(3)

	err := c.Notify(t.Context(), "textDocument/didChange", map[string]any{
		"textDocument": map[string]any{"uri": testURI, "version": 4},
		"contentChanges": []map[string]any{{
			"range": protocol.Range{
				Start: protocol.Position{Line: 1, Character: 5},
				End:   protocol.Position{Line: 1, Character: 6},
			},
			"text": "users",
		}},
	})
	be.Err(t, err, nil)

	p := c.waitForVersion(4)
	be.Equal(t, len(p.Diagnostics), 0)
	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, reqs[len(reqs)-1].Text, "SELECT a\nFROM users\n")

	// An out of date version is ignored.
	c.change(testURI, 2, "SELECT 2")
	c.expectQuiet(100 * time.Millisecond)
	reqs = fake.requests(analyzer.Lint)
	be.Equal(t, reqs[len(reqs)-1].Text, "SELECT a\nFROM users\n")
}

func TestDiagnosticsDebounce(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake, Debounce: 200 * time.Millisecond})
	c.initialize(nil)

	c.open(testURI, "", 0)
	for i := 1; i <= 10; i++ {
		c.change(testURI, int32(i), "SELECT "+strings.Repeat("1", i))
	}

	c.waitForVersion(10)
	c.expectQuiet(300 * time.Millisecond)

	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, len(reqs), 1)
	be.Equal(t, reqs[0].Text, "SELECT 1111111111")
}

func TestDiagnosticsDropStaleResults(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	var running, overlapped atomic.Int32
	fake := &fakeAnalyzer{
		lint: func(_ context.Context, req analyzer.Request) (analyzer.Output, error) {
			if running.Add(1) > 1 {
				overlapped.Add(1)
			}
			defer running.Add(-1)
			if req.Text == "SELECT 1" {
				// The first run ignores cancellation and finishes late.
				started <- struct{}{}
				time.Sleep(300 * time.Millisecond)
				return violations("LT01", "LT02"), nil
			}
			return violations("CP01"), nil
		},
	}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	<-started
	c.change(testURI, 1, "select 1")

	p := c.nextDiagnostics()
	be.Equal(t, *p.Version, int32(1))
	be.Equal(t, len(p.Diagnostics), 1)
	be.Equal(t, p.Diagnostics[0].Code, any("CP01"))
	c.expectQuiet(100 * time.Millisecond)
	be.Equal(t, overlapped.Load(), int32(0))
}

func TestDiagnosticsClose(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	fake := &fakeAnalyzer{
		lint: func(_ context.Context, _ analyzer.Request) (analyzer.Output, error) {
			started <- struct{}{}
			<-release
			return violations("LT01"), nil
		},
	}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	<-started
	c.close(testURI)

	p := c.nextDiagnostics()
	be.Equal(t, p.URI, testURI)
	be.True(t, p.Version == nil)
	be.Equal(t, len(p.Diagnostics), 0)

	close(release)
	c.expectQuiet(200 * time.Millisecond)

	// Changes to a closed document are ignored.
	c.change(testURI, 1, "SELECT 2")
	c.expectQuiet(100 * time.Millisecond)

	var edits []protocol.TextEdit
	err := c.Call(t.Context(), "textDocument/formatting", map[string]any{
		"textDocument": map[string]any{"uri": testURI},
	}, &edits)
	be.Err(t, err, nil)
	be.Equal(t, len(edits), 0)
}

func TestDiagnosticsReopen(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 5)
	c.waitForVersion(5)

	// Opening again replaces the document, including its version.
	c.open(testURI, "SELECT 2", 1)
	p := c.waitForVersion(1)
	be.Equal(t, len(p.Diagnostics), 0)

	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, reqs[len(reqs)-1].Text, "SELECT 2")
}

func TestDiagnosticsUnparseableOutput(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{
		lint: func(context.Context, analyzer.Request) (analyzer.Output, error) {
			return analyzer.Output{Stdout: []byte("Traceback (most recent call last):")}, nil
		},
	}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1\nFROM t\n", 0)
	p := c.waitForVersion(0)
	be.Equal(t, len(p.Diagnostics), 1)
	be.Equal(t, p.Diagnostics[0].Message, "analyzer output unparseable")
	be.Equal(t, p.Diagnostics[0].Severity, protocol.DiagnosticSeverityError)
	be.Equal(t, p.Diagnostics[0].Range, protocol.Range{})
}

func TestDiagnosticsAnalyzerFailure(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{
		lint: func(context.Context, analyzer.Request) (analyzer.Output, error) {
			return analyzer.Output{}, analyzer.ErrBinaryNotFound
		},
	}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	p := c.waitForVersion(0)
	be.Equal(t, len(p.Diagnostics), 1)
	be.Equal(t, p.Diagnostics[0].Severity, protocol.DiagnosticSeverityError)
	be.True(t, strings.Contains(p.Diagnostics[0].Message, "sqlfluff executable not found"))

	select {
	case msg := <-c.messages:
		be.Equal(t, msg.Type, protocol.MessageTypeError)
		be.True(t, strings.Contains(msg.Message, "sqlfluff executable not found"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestDiagnosticsMissingDialect(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{
		Invoker:  fake,
		Settings: config.Settings{Templater: "raw"},
	})
	c.initialize(map[string]any{"rootUri": uri.File(t.TempDir())})

	c.open(testURI, "SELECT 1", 0)
	p := c.waitForVersion(0)
	be.Equal(t, len(p.Diagnostics), 1)
	be.Equal(t, p.Diagnostics[0].Source, "sqlfluff-lsp")
	be.True(t, strings.Contains(p.Diagnostics[0].Message, "no SQL dialect configured"))
	be.Equal(t, len(fake.requests(analyzer.Lint)), 0)
}

func TestDiagnosticsPolicy(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{
		lint: func(context.Context, analyzer.Request) (analyzer.Output, error) {
			return violations("LT01", "LT02", "CP01"), nil
		},
	}
	c := startServer(t, lsp.Options{
		Invoker: fake,
		Settings: config.Settings{
			Dialect:  "ansi",
			Filter:   `code != "LT02"`,
			Severity: `code.startsWith("CP") ? "error" : severity`,
		},
	})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	p := c.waitForVersion(0)
	be.Equal(t, len(p.Diagnostics), 2)
	be.Equal(t, p.Diagnostics[0].Code, any("LT01"))
	be.Equal(t, p.Diagnostics[0].Severity, protocol.DiagnosticSeverityWarning)
	be.Equal(t, p.Diagnostics[1].Code, any("CP01"))
	be.Equal(t, p.Diagnostics[1].Severity, protocol.DiagnosticSeverityError)
}

func TestProjectConfiguration(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	project := filepath.Join(root, "project")
	be.Err(t, os.MkdirAll(filepath.Join(project, "models"), 0o755), nil)
	be.Err(t, os.WriteFile(filepath.Join(project, ".sqlfluff"), []byte("[sqlfluff]\ndialect = postgres\n"), 0o644), nil)

	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(map[string]any{"rootUri": uri.File(root)})

	inProject := protocol.DocumentURI(uri.File(filepath.Join(project, "models", "a.sql")))
	outside := protocol.DocumentURI(uri.File(filepath.Join(root, "b.sql")))

	c.open(inProject, "SELECT 1", 0)
	c.waitForVersion(0)
	c.open(outside, "SELECT 2", 7)
	c.waitForVersion(7)

	dialects := map[string]string{}
	dirs := map[string]string{}
	for _, req := range fake.requests(analyzer.Lint) {
		dialects[req.Text] = req.Dialect
		dirs[req.Text] = req.Dir
	}
	be.Equal(t, dialects["SELECT 1"], "postgres")
	be.Equal(t, dirs["SELECT 1"], filepath.Join(project, "models"))
	be.Equal(t, dialects["SELECT 2"], "ansi")
	be.Equal(t, dirs["SELECT 2"], root)
}

func TestDidChangeConfiguration(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 0)
	c.waitForVersion(0)

	err := c.Notify(t.Context(), "workspace/didChangeConfiguration", map[string]any{
		"settings": map[string]any{"sqlfluff": map[string]any{"dialect": "snowflake"}},
	})
	be.Err(t, err, nil)
	c.waitForVersion(0)

	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, reqs[len(reqs)-1].Dialect, "snowflake")

	err = c.Notify(t.Context(), "workspace/didChangeConfiguration", map[string]any{
		"settings": map[string]any{"sqlfluff": map[string]any{"filter": "code =="}},
	})
	be.Err(t, err, nil)

	select {
	case msg := <-c.messages:
		be.Equal(t, msg.Type, protocol.MessageTypeError)
		be.True(t, strings.Contains(msg.Message, "invalid settings"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	c.expectQuiet(100 * time.Millisecond)
}

func TestDidSave(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake})
	c.initialize(nil)

	c.open(testURI, "SELECT 1", 2)
	c.waitForVersion(2)

	err := c.Notify(t.Context(), "textDocument/didSave", map[string]any{
		"textDocument": map[string]any{"uri": testURI},
		"text":         "SELECT 99",
	})
	be.Err(t, err, nil)
	c.waitForVersion(2)

	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, len(reqs), 2)
	be.Equal(t, reqs[1].Text, "SELECT 1")
}

func TestExtraConfigFile(t *testing.T) {
	t.Parallel()
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{
		Invoker:  fake,
		Settings: config.Settings{Dialect: "ansi", ConfigPath: "/etc/sqlfluff/ci.cfg"},
	})
	c.initialize(nil)

	c.open(testURI, "select 1", 0)
	c.waitForVersion(0)
	err := c.Call(t.Context(), "textDocument/formatting", formattingParams(testURI), nil)
	be.Err(t, err, nil)

	lints := fake.requests(analyzer.Lint)
	be.Equal(t, lints[0].ConfigPath, "/etc/sqlfluff/ci.cfg")
	formats := fake.requests(analyzer.Format)
	be.Equal(t, len(formats), 1)
	be.Equal(t, formats[0].ConfigPath, "/etc/sqlfluff/ci.cfg")

	err = c.Notify(t.Context(), "workspace/didChangeConfiguration", map[string]any{
		"settings": map[string]any{"sqlfluff": map[string]any{"configPath": "/home/me/.sqlfluff-strict"}},
	})
	be.Err(t, err, nil)
	c.waitForVersion(0)

	lints = fake.requests(analyzer.Lint)
	last := lints[len(lints)-1]
	be.Equal(t, last.ConfigPath, "/home/me/.sqlfluff-strict")
	be.Equal(t, last.Dialect, "ansi")
}

func TestConfigWatchWithRepeatedInitialized(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cfg := filepath.Join(root, ".sqlfluff")
	be.Err(t, os.WriteFile(cfg, []byte("[sqlfluff]\ndialect = postgres\n"), 0o644), nil)

	core, logs := observer.New(zap.WarnLevel)
	fake := &fakeAnalyzer{}
	c := startServer(t, lsp.Options{Invoker: fake, WatchConfig: true, Logger: zap.New(core)})
	c.initialize(map[string]any{"rootUri": uri.File(root)})

	// Only the first initialized notification starts watching.
	err := c.Notify(t.Context(), "initialized", struct{}{})
	be.Err(t, err, nil)

	doc := protocol.DocumentURI(uri.File(filepath.Join(root, "a.sql")))
	c.open(doc, "SELECT 1", 0)
	c.waitForVersion(0)
	be.Equal(t, fake.requests(analyzer.Lint)[0].Dialect, "postgres")
	be.Equal(t, logs.FilterMessage("ignoring repeated initialized notification").Len(), 1)

	be.Err(t, os.WriteFile(cfg, []byte("[sqlfluff]\ndialect = mysql\n"), 0o644), nil)
	c.waitForVersion(0)

	reqs := fake.requests(analyzer.Lint)
	be.Equal(t, reqs[len(reqs)-1].Dialect, "mysql")
}
