package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDelay is how long the Watcher waits for a burst of file
// events to settle before reporting them.
const DefaultWatchDelay = 200 * time.Millisecond

// Watcher reports changes to project configuration files in a set of
// directories. Events arriving within the delay of each other are
// delivered together, once, on the Watcher's goroutine.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   *zap.Logger
	delay    time.Duration
	onChange func(paths []string)

	mu   sync.Mutex
	dirs map[string]bool

	wg sync.WaitGroup
}

// NewWatcher starts a Watcher calling onChange with the changed
// configuration files. It watches no directories until Add is called.
func NewWatcher(onChange func(paths []string), delay time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay <= 0 {
		delay = DefaultWatchDelay
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		logger:   logger,
		delay:    delay,
		onChange: onChange,
		dirs:     make(map[string]bool),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Add watches dir. Adding a directory twice is a no-op.
func (w *Watcher) Add(dir string) error {
	dir = filepath.Clean(dir)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.dirs[dir] = true
	w.logger.Debug("watching directory for configuration changes", zap.String("dir", dir))
	return nil
}

// Close stops the Watcher. No callbacks run after Close returns.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		pending = make(map[string]struct{})
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || !IsConfigFile(filepath.Base(event.Name)) {
				continue
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			paths := slices.Sorted(maps.Keys(pending))
			clear(pending)
			w.logger.Info("project configuration changed", zap.Strings("paths", paths))
			w.onChange(paths)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
