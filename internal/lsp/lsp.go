// Package lsp implements a language server exposing sqlfluff diagnostics and
// formatting for SQL files.
//
// The main entry-point is the Serve() function, which creates a new LSP server
// communicating over stdin/stdout.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/config"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/jsonrpc2"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/translate"
	"go.lsp.dev/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const serverName = "sqlfluff-lsp"

// ErrExitWithoutShutdown is returned by Serve when the client ends the
// session without a shutdown request first.
var ErrExitWithoutShutdown = errors.New("exit without shutdown")

// Options configure a server.
type Options struct {
	// Settings are the defaults from the command line. Client settings
	// override them.
	Settings config.Settings
	// Invoker runs the analyzer. Nil runs sqlfluff.
	Invoker analyzer.Invoker
	// Timeout bounds each sqlfluff run. Zero means analyzer.DefaultTimeout.
	Timeout time.Duration
	// MaxWorkers bounds concurrent analyzer runs across all documents.
	MaxWorkers int
	// Debounce is how long the server waits for edits to settle before
	// linting. Zero means DefaultDebounce.
	Debounce time.Duration
	// WatchConfig enables watching project configuration files.
	WatchConfig bool
	Logger      *zap.Logger
	Version     string
}

// Serve starts the LSP server, communicating over stdin/stdout.
// It blocks until the connection is closed.
func Serve(ctx context.Context, opts Options) error {
	return ServeStream(ctx, stdinout{}, opts)
}

// stdinout wraps stdin/stdout into a ReadWriteCloser.
type stdinout struct{}

func (stdinout) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdinout) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdinout) Close() error {
	return multierr.Combine(os.Stdin.Close(), os.Stdout.Close())
}

// ServeStream starts the LSP server over the given stream.
// Exposed for testing.
func ServeStream(ctx context.Context, rwc io.ReadWriteCloser, opts Options) error {
	s, err := newServer(ctx, opts)
	if err != nil {
		return err
	}

	conn := jsonrpc2.NewConn(ctx, rwc, jsonrpc2.HandlerFunc(s.handle), jsonrpc2.WithLogger(s.logger))
	go s.publishLoop(conn)
	<-conn.DisconnectNotify()
	s.stop()

	if err := conn.Err(); err != nil {
		return fmt.Errorf("reading from client: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.shutdownRequested {
		return ErrExitWithoutShutdown
	}
	return nil
}

type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateShuttingDown
	stateExited
)

// server holds all of the LSP server's mutable state.
type server struct {
	logger      *zap.Logger
	version     string
	timeout     time.Duration
	watchConfig bool
	docs        *document.Store
	invoker     analyzer.Invoker
	linter      *linter

	// publishMu orders publishing diagnostics against closing documents.
	publishMu sync.Mutex

	mu                sync.Mutex
	state             state
	shutdownRequested bool
	clientReady       bool
	root              string
	flags             config.Settings
	settings          config.Settings
	policy            *translate.Policy
	resolver          *config.Resolver
	watcher           *config.Watcher
}

func newServer(ctx context.Context, opts Options) (*server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	policy, err := translate.NewPolicy(opts.Settings.Filter, opts.Settings.Severity)
	if err != nil {
		return nil, fmt.Errorf("compiling diagnostic policy: %w", err)
	}

	s := &server{
		logger:      logger,
		version:     opts.Version,
		timeout:     opts.Timeout,
		watchConfig: opts.WatchConfig,
		docs:        document.NewStore(),
		flags:       opts.Settings,
		settings:    opts.Settings,
		policy:      policy,
		resolver:    config.NewResolver("", logger),
	}
	inv := opts.Invoker
	if inv == nil {
		inv = analyzer.InvokerFunc(s.runSQLFluff)
	}
	s.invoker = analyzer.NewPool(inv, opts.MaxWorkers)
	s.linter = newLinter(ctx, s.docs, s.lint, opts.Debounce)
	return s, nil
}

// stop cancels all lint work and stops watching configuration files.
func (s *server) stop() {
	s.linter.stop()
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if w != nil {
		if err := w.Close(); err != nil {
			s.logger.Warn("closing configuration watcher", zap.Error(err))
		}
	}
}

func (s *server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if err := s.checkState(req); err != nil {
		return nil, err
	}
	switch req.Method {
	case "initialize":
		return s.initialize(req)
	case "initialized":
		return nil, s.initialized()
	case "shutdown":
		return nil, s.shutdown()
	case "exit":
		return nil, s.exit(conn)
	case "workspace/didChangeConfiguration":
		return nil, s.didChangeConfiguration(ctx, conn, req)
	case "textDocument/didOpen":
		return nil, s.didOpen(req)
	case "textDocument/didChange":
		return nil, s.didChange(req)
	case "textDocument/didClose":
		return nil, s.didClose(ctx, conn, req)
	case "textDocument/didSave":
		return nil, s.didSave(req)
	case "textDocument/formatting":
		return s.formatting(req)
	}
	if req.Notif {
		// Unknown notifications, such as $/setTrace, are ignored.
		return nil, nil
	}
	return nil, jsonrpc2.Errorf(jsonrpc2.CodeMethodNotFound, "method not supported: %s", req.Method)
}

// checkState rejects messages that are not allowed in the current state of
// the session.
func (s *server) checkState(req *jsonrpc2.Request) error {
	if req.Method == "exit" {
		return nil
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case stateUninitialized:
		if req.Method != "initialize" {
			return jsonrpc2.Errorf(jsonrpc2.CodeServerNotInitialized, "server not initialized: %s", req.Method)
		}
	case stateInitialized:
		if req.Method == "initialize" {
			return jsonrpc2.Errorf(jsonrpc2.CodeInvalidRequest, "server already initialized")
		}
	default:
		return jsonrpc2.Errorf(jsonrpc2.CodeInvalidRequest, "server is shutting down: %s", req.Method)
	}
	return nil
}

type initializeParams struct {
	RootURI               protocol.DocumentURI       `json:"rootUri,omitempty"`
	RootPath              string                     `json:"rootPath,omitempty"`
	WorkspaceFolders      []protocol.WorkspaceFolder `json:"workspaceFolders,omitempty"`
	InitializationOptions json.RawMessage            `json:"initializationOptions,omitempty"`
	ClientInfo            *protocol.ClientInfo       `json:"clientInfo,omitempty"`
}

func (s *server) initialize(req *jsonrpc2.Request) (any, error) {
	var params initializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}

	root := workspaceRoot(params)
	client, err := config.ParseClientSettings(params.InitializationOptions)
	if err != nil {
		s.logger.Warn("ignoring initialization options", zap.Error(err))
	} else if err := s.applySettings(client); err != nil {
		s.logger.Warn("ignoring invalid client settings", zap.Error(err))
	}

	s.mu.Lock()
	s.state = stateInitialized
	s.root = root
	s.resolver = config.NewResolver(root, s.logger)
	s.mu.Unlock()

	fields := []zap.Field{zap.String("root", root)}
	if params.ClientInfo != nil {
		fields = append(fields, zap.String("client", params.ClientInfo.Name), zap.String("client_version", params.ClientInfo.Version))
	}
	s.logger.Info("initialized", fields...)

	return protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindIncremental,
				Save:      &protocol.SaveOptions{IncludeText: true},
			},
			DocumentFormattingProvider: true,
		},
		ServerInfo: &protocol.ServerInfo{
			Name:    serverName,
			Version: s.version,
		},
	}, nil
}

// initialized starts watching the workspace for configuration changes.
func (s *server) initialized() error {
	s.mu.Lock()
	repeated := s.clientReady
	s.clientReady = true
	s.mu.Unlock()
	if repeated {
		s.logger.Warn("ignoring repeated initialized notification")
		return nil
	}
	if !s.watchConfig {
		return nil
	}
	w, err := config.NewWatcher(s.configChanged, 0, s.logger)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.watcher = w
	root := s.root
	s.mu.Unlock()

	if root != "" {
		if err := w.Add(root); err != nil {
			s.logger.Warn("watching workspace root", zap.Error(err))
		}
	}
	for _, uri := range s.docs.URIs() {
		s.watchDir(uri)
	}
	return nil
}

func (s *server) shutdown() error {
	s.mu.Lock()
	s.state = stateShuttingDown
	s.shutdownRequested = true
	s.mu.Unlock()
	s.stop()
	s.logger.Info("shutting down")
	return nil
}

func (s *server) exit(conn *jsonrpc2.Conn) error {
	s.mu.Lock()
	s.state = stateExited
	s.mu.Unlock()
	return conn.Close()
}

func (s *server) didOpen(req *jsonrpc2.Request) error {
	var params protocol.DidOpenTextDocumentParams
	if err := req.UnmarshalParams(&params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	_, reopened := s.docs.Open(uri, params.TextDocument.Text, params.TextDocument.Version, s.resolveDialect(uri))
	if reopened {
		s.logger.Warn("document opened twice, resetting", zap.String("uri", string(uri)))
	}
	s.watchDir(uri)
	s.linter.schedule(uri)
	return nil
}

type contentChange struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}

type didChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []contentChange                          `json:"contentChanges"`
}

func (s *server) didChange(req *jsonrpc2.Request) error {
	var params didChangeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	changes := make([]document.Change, len(params.ContentChanges))
	for i, c := range params.ContentChanges {
		changes[i] = document.Change{Range: c.Range, Text: c.Text}
	}
	if _, err := s.docs.Change(uri, params.TextDocument.Version, changes); err != nil {
		s.logDocumentError("ignoring change", uri, err)
		return nil
	}
	s.linter.schedule(uri)
	return nil
}

func (s *server) didClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) error {
	var params protocol.DidCloseTextDocumentParams
	if err := req.UnmarshalParams(&params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	s.linter.cancel(uri)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := s.docs.Close(uri); err != nil {
		s.logDocumentError("ignoring close", uri, err)
		return nil
	}
	return conn.Notify(ctx, "textDocument/publishDiagnostics", publishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
}

type didSaveParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
	Text         *string                         `json:"text,omitempty"`
}

func (s *server) didSave(req *jsonrpc2.Request) error {
	var params didSaveParams
	if err := req.UnmarshalParams(&params); err != nil {
		return err
	}

	uri := params.TextDocument.URI
	snap, err := s.docs.Snapshot(uri)
	if err != nil {
		s.logDocumentError("ignoring save", uri, err)
		return nil
	}
	if params.Text != nil && *params.Text != snap.Text {
		// Saved text carries no version, so it cannot replace what the
		// change notifications built up.
		s.logger.Debug("saved text differs from document", zap.String("uri", string(uri)), zap.Int32("version", snap.ClientVersion))
	}
	s.linter.schedule(uri)
	return nil
}

// logDocumentError logs errors from the document store. They come from
// benign races between client notifications and never reach the client.
func (s *server) logDocumentError(msg string, uri protocol.DocumentURI, err error) {
	level := zap.WarnLevel
	if errors.Is(err, document.ErrUnknownDocument) {
		level = zap.DebugLevel
	}
	s.logger.Log(level, msg, zap.String("uri", string(uri)), zap.Error(err))
}
