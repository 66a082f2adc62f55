package lsp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/config"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/jsonrpc2"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/translate"
	"go.uber.org/zap"
)

// applySettings merges client settings over the command line settings.
// Invalid settings leave the current ones in place.
func (s *server) applySettings(client config.Settings) error {
	s.mu.Lock()
	merged := s.flags.Merge(client)
	s.mu.Unlock()

	if err := merged.Validate(); err != nil {
		return err
	}
	policy, err := translate.NewPolicy(merged.Filter, merged.Severity)
	if err != nil {
		return fmt.Errorf("compiling diagnostic policy: %w", err)
	}

	s.mu.Lock()
	s.settings = merged
	s.policy = policy
	s.mu.Unlock()
	s.logger.Debug("settings updated",
		zap.String("dialect", merged.Dialect),
		zap.String("templater", merged.Templater),
		zap.String("sqlfluff_path", merged.SQLFluffPath),
	)
	return nil
}

func (s *server) didChangeConfiguration(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) error {
	var params struct {
		Settings json.RawMessage `json:"settings"`
	}
	if err := req.UnmarshalParams(&params); err != nil {
		return err
	}

	client, err := config.ParseClientSettings(params.Settings)
	if err == nil {
		err = s.applySettings(client)
	}
	if err != nil {
		s.logger.Warn("ignoring configuration", zap.Error(err))
		s.showError(ctx, conn, "sqlfluff-lsp: invalid settings: "+err.Error())
		return nil
	}
	s.relintAll()
	return nil
}

// configChanged runs when project configuration files change on disk.
func (s *server) configChanged(paths []string) {
	s.mu.Lock()
	resolver := s.resolver
	s.mu.Unlock()
	resolver.Invalidate(paths...)
	s.relintAll()
}

// relintAll resolves the dialect of every open document again and lints it.
func (s *server) relintAll() {
	for _, uri := range s.docs.URIs() {
		if err := s.docs.SetDialect(uri, s.resolveDialect(uri)); err != nil {
			s.logDocumentError("updating dialect", uri, err)
			continue
		}
		s.linter.schedule(uri)
	}
}

// runSQLFluff runs sqlfluff with the current settings.
func (s *server) runSQLFluff(ctx context.Context, req analyzer.Request) (analyzer.Output, error) {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()

	sqlfluff := &analyzer.SQLFluff{
		Path:          settings.SQLFluffPath,
		FormatCommand: settings.FormatCommand,
		Timeout:       s.timeout,
		Logger:        s.logger,
	}
	return sqlfluff.Run(ctx, req)
}
