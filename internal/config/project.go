package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Files lists the project configuration files sqlfluff reads from every
// directory, in increasing order of precedence.
var Files = []string{"setup.cfg", "tox.ini", "pep8.ini", ".sqlfluff", "pyproject.toml"}

// IsConfigFile reports whether name is the base name of a project
// configuration file.
func IsConfigFile(name string) bool {
	return slices.Contains(Files, name)
}

// Project is the part of the project configuration the server needs.
type Project struct {
	Dialect   string
	Templater string
	// Source is the file Dialect was read from.
	Source string
}

// values holds the settings found in the configuration files of a single
// directory.
type values struct {
	dialect, templater string
	source             string
	err                error
}

// Resolver finds the project configuration for a SQL file by reading the
// configuration files in the file's directory and each parent directory up
// to the workspace root. Files closer to the SQL file take precedence.
//
// Results are cached per directory until invalidated.
type Resolver struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]values
}

// NewResolver returns a Resolver that stops walking up at root. An empty
// root walks up to the file system root.
func NewResolver(root string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if root != "" {
		root = filepath.Clean(root)
	}
	return &Resolver{
		root:   root,
		logger: logger,
		cache:  make(map[string]values),
	}
}

// Root returns the workspace root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the project configuration that applies to filename.
// Unreadable or malformed files are skipped; their errors are combined
// into the returned error while the remaining files still apply.
func (r *Resolver) Resolve(filename string) (Project, error) {
	dirs := r.dirs(filepath.Dir(filename))

	var (
		p    Project
		errs error
	)
	for _, dir := range slices.Backward(dirs) {
		v := r.load(dir)
		errs = multierr.Append(errs, v.err)
		if v.dialect != "" {
			p.Dialect = v.dialect
			p.Source = v.source
		}
		if v.templater != "" {
			p.Templater = v.templater
		}
	}
	return p, errs
}

// Invalidate drops cached results for the directories containing paths.
// With no paths, the whole cache is dropped.
func (r *Resolver) Invalidate(paths ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(paths) == 0 {
		clear(r.cache)
		return
	}
	for _, path := range paths {
		delete(r.cache, filepath.Dir(filepath.Clean(path)))
	}
}

// dirs returns dir and its parents, nearest first, stopping at the root.
func (r *Resolver) dirs(dir string) []string {
	dir = filepath.Clean(dir)
	var dirs []string
	for {
		dirs = append(dirs, dir)
		if dir == r.root {
			return dirs
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dirs
		}
		dir = parent
	}
}

func (r *Resolver) load(dir string) values {
	r.mu.Lock()
	v, ok := r.cache[dir]
	r.mu.Unlock()
	if ok {
		return v
	}

	v = readDir(dir)
	if v.err != nil {
		r.logger.Warn("reading project configuration", zap.String("dir", dir), zap.Error(v.err))
	} else if v.dialect != "" {
		r.logger.Debug("found project dialect", zap.String("dialect", v.dialect), zap.String("file", v.source))
	}

	r.mu.Lock()
	r.cache[dir] = v
	r.mu.Unlock()
	return v
}

func readDir(dir string) values {
	var v values
	for _, name := range Files {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				v.err = multierr.Append(v.err, fmt.Errorf("reading %s: %w", path, err))
			}
			continue
		}

		var dialect, templater string
		if name == "pyproject.toml" {
			dialect, templater, err = readPyproject(data)
			if err != nil {
				v.err = multierr.Append(v.err, fmt.Errorf("parsing %s: %w", path, err))
				continue
			}
		} else {
			section := iniSection(data, "sqlfluff")
			dialect, templater = section["dialect"], section["templater"]
		}

		if dialect != "" {
			v.dialect = dialect
			v.source = path
		}
		if templater != "" {
			v.templater = templater
		}
	}
	return v
}

type pyproject struct {
	Tool struct {
		SQLFluff struct {
			Core struct {
				Dialect   string `toml:"dialect"`
				Templater string `toml:"templater"`
			} `toml:"core"`
		} `toml:"sqlfluff"`
	} `toml:"tool"`
}

func readPyproject(data []byte) (dialect, templater string, err error) {
	var p pyproject
	if err := toml.Unmarshal(data, &p); err != nil {
		return "", "", err
	}
	return p.Tool.SQLFluff.Core.Dialect, p.Tool.SQLFluff.Core.Templater, nil
}
