// Package scripts holds the vehicle's command script library: the named Lua
// sources the cloud may invoke. Scripts load from a directory, optionally
// verified against a SHA256 manifest, and hot-reload on file changes.
package scripts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Library is a thread-safe name -> Lua source map.
type Library struct {
	mu              sync.RWMutex
	scripts         map[string]string
	dir             string
	verifyIntegrity bool
	logger          zerolog.Logger
}

// New creates a Library over dir. With verifyIntegrity set, every load checks
// the file against the directory's SHA256 manifest.
func New(dir string, verifyIntegrity bool, logger zerolog.Logger) *Library {
	return &Library{
		scripts:         make(map[string]string),
		dir:             dir,
		verifyIntegrity: verifyIntegrity,
		logger:          logger.With().Str("component", "scripts").Logger(),
	}
}

// LoadDir scans the script directory and loads all .lua files. Per-file
// failures are logged and skipped; one bad script never blocks the rest.
func (l *Library) LoadDir() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		if err := l.Load(name, filepath.Join(l.dir, entry.Name())); err != nil {
			l.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to load script")
		}
	}
	return nil
}

// Load reads (and optionally verifies) a single script file into the library.
func (l *Library) Load(name, path string) error {
	if l.verifyIntegrity {
		manifest, err := LoadManifest(l.dir)
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		if manifest == nil {
			return fmt.Errorf("integrity verification enabled but %s not found in %s", ManifestFilename, l.dir)
		}
		if err := manifest.Verify(filepath.Base(path), path); err != nil {
			return fmt.Errorf("integrity check failed: %w", err)
		}
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	l.mu.Lock()
	l.scripts[name] = string(source)
	l.mu.Unlock()

	l.logger.Info().Str("script", name).Int("bytes", len(source)).Msg("loaded script")
	return nil
}

// Remove drops a script from the library.
func (l *Library) Remove(name string) {
	l.mu.Lock()
	_, ok := l.scripts[name]
	delete(l.scripts, name)
	l.mu.Unlock()
	if ok {
		l.logger.Info().Str("script", name).Msg("removed script")
	}
}

// Get returns the source of a named script.
func (l *Library) Get(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.scripts[name]
	return src, ok
}

// Names returns the sorted script names currently loaded.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.scripts))
	for name := range l.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of loaded scripts.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.scripts)
}

// ReloadAll clears the library and reloads from disk.
func (l *Library) ReloadAll() error {
	l.mu.Lock()
	l.scripts = make(map[string]string)
	l.mu.Unlock()
	return l.LoadDir()
}
