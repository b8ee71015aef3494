package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads capability manifests from disk. Manifests are JSON or
// YAML documents with allow/deny arrays of tool URI patterns.
type Loader struct {
	logger   zerolog.Logger
	validate *validator.Validate
}

// NewLoader creates a manifest loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "manifest-loader").Logger(),
		validate: validator.New(),
	}
}

// Load reads and validates the manifest at path. A run must not start
// without a manifest, so every failure here is fatal to the caller.
func (l *Loader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse manifest yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse manifest json: %w", err)
		}
	}

	if err := l.Validate(&manifest); err != nil {
		return nil, err
	}

	l.logger.Info().
		Int("allow", len(manifest.Allow)).
		Int("deny", len(manifest.Deny)).
		Str("path", path).
		Msg("Capability manifest loaded")

	return &manifest, nil
}

// Validate checks manifest structure. An empty allow list is legal: it
// means every capability request is denied.
func (l *Loader) Validate(m *Manifest) error {
	for i := range m.Allow {
		if err := l.validate.Struct(&m.Allow[i]); err != nil {
			return fmt.Errorf("allow rule %d: %w", i, err)
		}
	}
	for i := range m.Deny {
		if err := l.validate.Struct(&m.Deny[i]); err != nil {
			return fmt.Errorf("deny rule %d: %w", i, err)
		}
	}
	return nil
}

// Watcher re-reads a manifest file when it changes on disk. Reloads
// apply between runs only; a Gate built from a previous load keeps its
// manifest for the lifetime of its run.
type Watcher struct {
	loader  *Loader
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
	path    string

	mu      sync.RWMutex
	current *Manifest

	done chan struct{}
}

// NewWatcher loads the manifest once and starts watching its directory.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	loader := NewLoader(logger)
	manifest, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch
	// on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch manifest dir: %w", err)
	}

	w := &Watcher{
		loader:  loader,
		logger:  logger.With().Str("component", "manifest-watcher").Logger(),
		watcher: fw,
		path:    path,
		current: manifest,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded manifest.
func (w *Watcher) Current() *Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			manifest, err := w.loader.Load(w.path)
			if err != nil {
				// Keep the previous manifest on a bad reload.
				w.logger.Error().Err(err).Msg("Manifest reload failed, keeping previous")
				continue
			}
			w.mu.Lock()
			w.current = manifest
			w.mu.Unlock()
			w.logger.Info().Msg("Capability manifest reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Manifest watcher error")
		}
	}
}
