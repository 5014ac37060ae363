package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads one config file and, once Watch is called, reloads it on
// every write. Reloads that fail to parse or validate keep the previous
// config and are reported on Errors.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(Change)
	ctx      context.Context
	cancel   context.CancelFunc

	errMu     sync.Mutex
	errChan   chan error
	errClosed bool
}

// Change is passed to OnChange callbacks after a successful reload.
// Previous is nil when nothing had been loaded before.
type Change struct {
	Previous *Config
	Current  *Config
}

// HistoryChanged reports whether the history section differs. History
// settings can be applied to a running service.
func (c Change) HistoryChanged() bool {
	return c.Previous == nil || c.Previous.History != c.Current.History
}

// RestartRequired reports whether a section that is only read at startup
// (storage, logging, metrics) differs.
func (c Change) RestartRequired() bool {
	if c.Previous == nil {
		return false
	}
	return c.Previous.Storage != c.Current.Storage ||
		c.Previous.Logging != c.Current.Logging ||
		c.Previous.Metrics != c.Current.Metrics
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads the file, applies environment overrides and validates.
func (l *Loader) Load() (*Config, error) {
	cfg, err := readConfig(l.path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg.Clone(), nil
}

func readConfig(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns a copy of the current configuration, or nil before the
// first successful load.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config == nil {
		return nil
	}
	return l.config.Clone()
}

// Watch starts reloading the file on change.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		l.closeErrors()
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.reportError(err)
		}
	}
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}

	next, err := readConfig(l.path)
	if err != nil {
		l.reportError(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	change := Change{Previous: l.config, Current: next}
	l.config = next
	callbacks := append([]func(Change){}, l.onChange...)
	l.mu.Unlock()

	if change.Previous != nil {
		change.Previous = change.Previous.Clone()
	}
	change.Current = next.Clone()
	for _, cb := range callbacks {
		cb(change)
	}
}

// reportError drops err when the previous one has not been read yet or
// the loader is closed.
func (l *Loader) reportError(err error) {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.errClosed {
		return
	}
	select {
	case l.errChan <- err:
	default:
	}
}

func (l *Loader) closeErrors() {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if !l.errClosed {
		l.errClosed = true
		close(l.errChan)
	}
}

// OnChange registers a callback run after each successful reload.
func (l *Loader) OnChange(cb func(Change)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns reload and watch errors. It is closed by Close.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops watching and closes the Errors channel.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		l.closeErrors()
		return nil
	}
	err := l.watcher.Close()
	l.closeErrors()
	return err
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}

	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}

	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}
