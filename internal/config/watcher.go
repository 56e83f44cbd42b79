package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file when it changes on disk and hands
// the new configuration to a callback.
type Watcher struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	watcher    *fsnotify.Watcher
	onChange   func(*Config) error
	logger     *zap.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewWatcher creates a watcher for configPath. current is the configuration
// that is active right now and is restored if a reload is rejected.
func NewWatcher(configPath string, current *Config, logger *zap.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		configPath: configPath,
		config:     current,
		watcher:    watcher,
		logger:     logger.Named("config-watcher"),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched so editors that
// replace the file through a rename are still observed.
func (w *Watcher) Start(onChange func(*Config) error) error {
	w.mu.Lock()
	w.onChange = onChange
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.watchLoop()

	w.logger.Info("Started watching configuration file",
		zap.String("path", w.configPath))
	return nil
}

func (w *Watcher) watchLoop() {
	target := filepath.Clean(w.configPath)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleFileChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleFileChange() {
	w.logger.Info("Configuration file changed, reloading...")

	cfg, err := LoadFile(w.configPath)
	if err != nil {
		w.logger.Error("Failed to reload configuration",
			zap.String("path", w.configPath),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = cfg
	onChange := w.onChange
	w.mu.Unlock()

	if onChange != nil {
		if err := onChange(cfg); err != nil {
			w.logger.Error("Failed to apply configuration changes", zap.Error(err))

			w.mu.Lock()
			w.config = oldConfig
			w.mu.Unlock()
			return
		}
	}

	w.logger.Info("Configuration reloaded successfully")
}

// Config returns the most recently applied configuration.
func (w *Watcher) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config
}

// Stop stops the file watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
			return
		}
		w.logger.Info("Stopped configuration file watcher")
	})
	return err
}
