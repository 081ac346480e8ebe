package scripts

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher starts an fsnotify watcher on the script directory. Changes
// are debounced and applied per file; the returned stop function closes the
// watcher.
func (l *Library) StartWatcher() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go l.watchLoop(watcher)

	l.logger.Info().Str("dir", l.dir).Msg("watching for script changes")
	return func() { watcher.Close() }, nil
}

func (l *Library) watchLoop(watcher *fsnotify.Watcher) {
	// Debounce: collect changed files over a 500ms window.
	var mu sync.Mutex
	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer

	flush := func() {
		mu.Lock()
		batch := pending
		pending = make(map[string]fsnotify.Op)
		mu.Unlock()

		l.processBatch(batch)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			mu.Lock()
			pending[event.Name] = event.Op
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, flush)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// processBatch applies a debounced batch of file change events.
func (l *Library) processBatch(batch map[string]fsnotify.Op) {
	// A manifest change invalidates every prior verification.
	manifestPath := filepath.Join(l.dir, ManifestFilename)
	for path := range batch {
		if path == manifestPath {
			l.logger.Info().Msg("manifest changed, reloading all scripts")
			if err := l.ReloadAll(); err != nil {
				l.logger.Error().Err(err).Msg("reload after manifest change")
			}
			return
		}
	}

	for path, op := range batch {
		base := filepath.Base(path)
		if !strings.HasSuffix(base, ".lua") {
			continue
		}
		name := strings.TrimSuffix(base, ".lua")

		if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			l.Remove(name)
			continue
		}
		if err := l.Load(name, path); err != nil {
			l.logger.Error().Err(err).Str("file", base).Msg("failed to reload script")
		}
	}
}
