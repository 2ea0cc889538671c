package config

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher monitors a configuration file for changes.
type Watcher struct {
	path     string
	lastHash [16]byte
	logger   logrus.FieldLogger
	onChange func(*Config) error
	mu       sync.Mutex
	running  bool
	fsw      *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a new configuration file watcher.
func NewWatcher(path string, logger logrus.FieldLogger, onChange func(*Config) error) *Watcher {
	if logger == nil {
		logger = logrus.WithField("component", "config")
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
	}
}

// Start begins watching the configuration file. The parent directory is
// watched so that editors replacing the file by rename are noticed.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	// Get initial hash
	hash, err := w.fileHash()
	if err != nil {
		return fmt.Errorf("failed to get initial file hash: %w", err)
	}
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.running = true

	go w.watchLoop(fsw, w.done)
	return nil
}

// Stop stops watching the configuration file.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	fsw, done := w.fsw, w.done
	w.mu.Unlock()

	fsw.Close()
	<-done
}

func (w *Watcher) watchLoop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				w.checkForChanges()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *Watcher) checkForChanges() {
	hash, err := w.fileHash()
	if err != nil {
		// File might be temporarily unavailable during write
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	w.lastHash = hash
	w.mu.Unlock()

	// File changed, reload configuration
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to reload config")
		return
	}

	if err := cfg.Validate(); err != nil {
		w.logger.WithError(err).Warn("Invalid configuration detected")
		return
	}

	if w.onChange != nil {
		if err := w.onChange(cfg); err != nil {
			w.logger.WithError(err).Warn("Failed to apply reloaded config")
			return
		}
	}
	w.logger.WithField("path", w.path).Info("Configuration reloaded")
}

func (w *Watcher) fileHash() ([16]byte, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return [16]byte{}, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, err
	}

	var hash [16]byte
	copy(hash[:], h.Sum(nil))
	return hash, nil
}

// ForceReload triggers an immediate reload of the configuration.
func (w *Watcher) ForceReload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if w.onChange != nil {
		return w.onChange(cfg)
	}
	return nil
}
