package lsp

import (
	"context"
	"strings"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/jsonrpc2"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/translate"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

type formattingParams struct {
	TextDocument protocol.TextDocumentIdentifier `json:"textDocument"`
}

// formatting formats the current text of a document. The analyzer runs off
// the read loop, so the request can be cancelled while it is running.
func (s *server) formatting(req *jsonrpc2.Request) (any, error) {
	var params formattingParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}

	snap, err := s.docs.Snapshot(params.TextDocument.URI)
	if err != nil {
		s.logDocumentError("formatting unknown document", params.TextDocument.URI, err)
		return []protocol.TextEdit{}, nil
	}
	return jsonrpc2.Deferred(func(ctx context.Context) (any, error) {
		return s.format(ctx, snap)
	}), nil
}

func (s *server) format(ctx context.Context, snap document.Snapshot) (any, error) {
	if snap.Dialect == "" {
		return nil, jsonrpc2.Errorf(jsonrpc2.CodeRequestFailed, "%s", missingDialectMessage)
	}

	fs := s.fileSettings(snap.URI)
	out, err := s.invoker.Run(ctx, analyzer.Request{
		Mode:       analyzer.Format,
		Text:       snap.Text,
		Filename:   fs.filename,
		Dir:        fs.dir,
		Dialect:    snap.Dialect,
		Templater:  fs.templater,
		ConfigPath: fs.configPath,
	})
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		s.logger.Warn("formatting failed", zap.String("uri", string(snap.URI)), zap.Error(err))
		return nil, jsonrpc2.Errorf(jsonrpc2.CodeRequestFailed, "%s", translate.Failure(err).Message)
	}

	formatted := string(out.Stdout)
	if strings.TrimSpace(formatted) == "" && strings.TrimSpace(snap.Text) != "" {
		return nil, jsonrpc2.Errorf(jsonrpc2.CodeRequestFailed, "sqlfluff produced no output")
	}

	current, err := s.docs.Snapshot(snap.URI)
	if err != nil || current.Version != snap.Version || current.Text != snap.Text {
		return nil, jsonrpc2.Errorf(jsonrpc2.CodeContentModified, "document changed while formatting")
	}
	return translate.Edits(snap.Text, formatted), nil
}
