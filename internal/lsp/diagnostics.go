package lsp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/jsonrpc2"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/translate"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// DefaultDebounce is how long edits must settle before a document is linted.
const DefaultDebounce = 250 * time.Millisecond

const missingDialectMessage = "no SQL dialect configured: pass --dialect, set the dialect setting, " +
	"or add a .sqlfluff file with a [sqlfluff] section setting dialect"

// publishDiagnosticsParams always carries a version when one is known, so
// clients can match diagnostics to the text they were computed against.
type publishDiagnosticsParams struct {
	URI         protocol.DocumentURI  `json:"uri"`
	Version     *int32                `json:"version,omitempty"`
	Diagnostics []protocol.Diagnostic `json:"diagnostics"`
}

// lintResult is the outcome of linting one snapshot of a document.
type lintResult struct {
	uri         protocol.DocumentURI
	version     int32
	generation  uint64
	diagnostics []protocol.Diagnostic
	// failure is set when the analyzer could not run.
	failure error
}

type pendingLint struct {
	timer *time.Timer
	seq   uint64
}

type lintTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// linter schedules lint runs. Bursts of edits to a document are debounced
// into one run, and at most one run per document talks to the analyzer at
// a time: starting a run cancels the previous one and waits for it to
// finish first.
type linter struct {
	docs     *document.Store
	run      func(context.Context, document.Snapshot) (lintResult, bool)
	debounce time.Duration
	results  chan lintResult

	ctx     context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	stopped bool
	pending map[protocol.DocumentURI]*pendingLint
	running map[protocol.DocumentURI]*lintTask
}

func newLinter(ctx context.Context, docs *document.Store, run func(context.Context, document.Snapshot) (lintResult, bool), debounce time.Duration) *linter {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(ctx)
	return &linter{
		docs:     docs,
		run:      run,
		debounce: debounce,
		results:  make(chan lintResult),
		ctx:      ctx,
		stopAll:  cancel,
		pending:  make(map[protocol.DocumentURI]*pendingLint),
		running:  make(map[protocol.DocumentURI]*lintTask),
	}
}

// schedule lints the document once it has not been scheduled again for the
// debounce period.
func (l *linter) schedule(uri protocol.DocumentURI) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if p := l.pending[uri]; p != nil {
		p.timer.Stop()
	}
	l.seq++
	seq := l.seq
	l.pending[uri] = &pendingLint{
		seq:   seq,
		timer: time.AfterFunc(l.debounce, func() { l.start(uri, seq) }),
	}
}

func (l *linter) start(uri protocol.DocumentURI, seq uint64) {
	l.mu.Lock()
	p := l.pending[uri]
	if l.stopped || p == nil || p.seq != seq {
		l.mu.Unlock()
		return
	}
	delete(l.pending, uri)

	snap, err := l.docs.Begin(uri)
	if err != nil {
		l.mu.Unlock()
		return
	}
	prev := l.running[uri]
	if prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(l.ctx)
	task := &lintTask{cancel: cancel, done: make(chan struct{})}
	l.running[uri] = task
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer close(task.done)
		defer func() {
			cancel()
			l.mu.Lock()
			if l.running[uri] == task {
				delete(l.running, uri)
			}
			l.mu.Unlock()
		}()

		if prev != nil {
			<-prev.done
		}
		if !l.docs.Current(uri, snap.Generation) {
			return
		}
		res, ok := l.run(ctx, snap)
		if !ok {
			return
		}
		select {
		case l.results <- res:
		case <-l.ctx.Done():
		}
	}()
}

// cancel drops any pending or running lint of the document.
func (l *linter) cancel(uri protocol.DocumentURI) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p := l.pending[uri]; p != nil {
		p.timer.Stop()
		delete(l.pending, uri)
	}
	if t := l.running[uri]; t != nil {
		t.cancel()
	}
}

// stop cancels all lint work and waits for running tasks to return.
func (l *linter) stop() {
	l.mu.Lock()
	l.stopped = true
	for uri, p := range l.pending {
		p.timer.Stop()
		delete(l.pending, uri)
	}
	l.mu.Unlock()
	l.stopAll()
	l.wg.Wait()
}

// publishLoop publishes lint results until the linter stops.
func (s *server) publishLoop(conn *jsonrpc2.Conn) {
	for {
		select {
		case res := <-s.linter.results:
			s.publish(conn, res)
		case <-s.linter.ctx.Done():
			return
		}
	}
}

func (s *server) publish(conn *jsonrpc2.Conn, res lintResult) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	if !s.docs.Current(res.uri, res.generation) {
		s.logger.Debug("dropping stale diagnostics", zap.String("uri", string(res.uri)), zap.Int32("version", res.version))
		return
	}
	ctx := s.linter.ctx
	version := res.version
	err := conn.Notify(ctx, "textDocument/publishDiagnostics", publishDiagnosticsParams{
		URI:         res.uri,
		Version:     &version,
		Diagnostics: res.diagnostics,
	})
	if err != nil {
		s.logger.Warn("publishing diagnostics", zap.String("uri", string(res.uri)), zap.Error(err))
		return
	}
	if res.failure != nil {
		s.showError(ctx, conn, translate.Failure(res.failure).Message)
	}
}

func (s *server) showError(ctx context.Context, conn *jsonrpc2.Conn, message string) {
	err := conn.Notify(ctx, "window/showMessage", protocol.ShowMessageParams{
		Type:    protocol.MessageTypeError,
		Message: message,
	})
	if err != nil {
		s.logger.Debug("showing message", zap.Error(err))
	}
}

// lint runs the analyzer over a snapshot. It reports false when the run
// was cancelled and there is nothing to publish.
func (s *server) lint(ctx context.Context, snap document.Snapshot) (lintResult, bool) {
	res := lintResult{
		uri:        snap.URI,
		version:    snap.ClientVersion,
		generation: snap.Generation,
	}
	if snap.Dialect == "" {
		res.diagnostics = []protocol.Diagnostic{{
			Severity: protocol.DiagnosticSeverityError,
			Source:   serverName,
			Message:  missingDialectMessage,
		}}
		return res, true
	}

	fs := s.fileSettings(snap.URI)
	s.mu.Lock()
	policy := s.policy
	s.mu.Unlock()

	start := time.Now()
	out, err := s.invoker.Run(ctx, analyzer.Request{
		Mode:       analyzer.Lint,
		Text:       snap.Text,
		Filename:   fs.filename,
		Dir:        fs.dir,
		Dialect:    snap.Dialect,
		Templater:  fs.templater,
		ConfigPath: fs.configPath,
	})
	if ctx.Err() != nil || errors.Is(err, analyzer.ErrCancelled) {
		return res, false
	}
	if err != nil {
		s.logger.Warn("lint failed", zap.String("uri", string(snap.URI)), zap.Error(err))
		res.diagnostics = []protocol.Diagnostic{translate.Failure(err)}
		res.failure = err
		return res, true
	}

	res.diagnostics, err = translate.Diagnostics(out.Stdout, snap.Text, policy)
	if err != nil {
		s.logger.Warn("parsing lint output",
			zap.String("uri", string(snap.URI)),
			zap.ByteString("stderr", out.Stderr),
			zap.Error(err),
		)
	}
	s.logger.Debug("linted",
		zap.String("uri", string(snap.URI)),
		zap.Int32("version", snap.ClientVersion),
		zap.Int("diagnostics", len(res.diagnostics)),
		zap.Duration("duration", time.Since(start)),
	)
	return res, true
}
