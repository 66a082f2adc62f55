package lsp

import (
	"path/filepath"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// filePath returns the local path of a file URI. Other schemes, such as
// untitled buffers, have no path.
func filePath(u protocol.DocumentURI) (string, bool) {
	if !strings.HasPrefix(string(u), "file://") {
		return "", false
	}
	return uri.URI(u).Filename(), true
}

// workspaceRoot picks the directory project configuration is searched up
// to: the first workspace folder, then rootUri, then the deprecated
// rootPath.
func workspaceRoot(params initializeParams) string {
	for _, folder := range params.WorkspaceFolders {
		if path, ok := filePath(protocol.DocumentURI(folder.URI)); ok {
			return path
		}
	}
	if path, ok := filePath(params.RootURI); ok {
		return path
	}
	return params.RootPath
}

// fileSettings are the analyzer settings for a single document.
type fileSettings struct {
	filename   string
	dir        string
	dialect    string
	templater  string
	configPath string
}

// resolveDialect returns the dialect for a document. Project configuration
// wins over the client setting, which wins over the command line.
func (s *server) resolveDialect(u protocol.DocumentURI) string {
	return s.fileSettings(u).dialect
}

func (s *server) fileSettings(u protocol.DocumentURI) fileSettings {
	s.mu.Lock()
	settings, resolver, root := s.settings, s.resolver, s.root
	s.mu.Unlock()

	fs := fileSettings{
		dir:        root,
		dialect:    settings.Dialect,
		templater:  settings.Templater,
		configPath: settings.ConfigPath,
	}
	path, ok := filePath(u)
	if !ok {
		return fs
	}
	fs.filename = path
	fs.dir = filepath.Dir(path)

	project, err := resolver.Resolve(path)
	if err != nil {
		s.logger.Warn("resolving project configuration", zap.String("file", path), zap.Error(err))
	}
	if project.Dialect != "" {
		fs.dialect = project.Dialect
	}
	if project.Templater != "" {
		fs.templater = project.Templater
	}
	return fs
}

// watchDir watches the directory of a document for configuration changes.
func (s *server) watchDir(u protocol.DocumentURI) {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w == nil {
		return
	}
	path, ok := filePath(u)
	if !ok {
		return
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		s.logger.Debug("watching document directory", zap.String("file", path), zap.Error(err))
	}
}
