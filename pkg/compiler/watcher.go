package compiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sceneforge/sceneforge/pkg/runtime"
)

// StartWatching implements runtime.CompilationService: watch the scripts
// tree and recompile touched sources after each burst settles. Starting an
// already-watching service is a no-op.
func (s *Service) StartWatching(ctx context.Context) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.scriptsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watchTree(watcher, s.scriptsDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch scripts directory: %w", err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.watching = true
	s.pending = make(map[runtime.ScriptID]fsnotify.Op)
	s.mu.Unlock()

	go s.processEvents(ctx, watcher)

	s.logger.Info().Str("dir", s.scriptsDir).Msg("Watching scripts")
	return nil
}

// StopWatching implements runtime.CompilationService. Safe to call when not
// watching.
func (s *Service) StopWatching() error {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.watching = false
	if s.flush != nil {
		s.flush.Stop()
		s.flush = nil
	}
	s.pending = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

// watchTree adds a directory and its subdirectories to the watcher.
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// processEvents consumes watcher events until the watcher closes or ctx is
// done. Events for one save burst are debounced: the settle timer restarts
// on every event, and only the settled set recompiles.
func (s *Service) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			_ = s.StopWatching()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// handleEvent files one fsnotify event into the pending set. New
// subdirectories join the watch; their contained creates follow as separate
// events.
func (s *Service) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watchTree(watcher, event.Name); err != nil {
				s.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}
	if !isSource(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	id, err := s.scriptID(event.Name)
	if err != nil {
		return
	}

	s.logger.Debug().
		Str("script", string(id)).
		Str("op", event.Op.String()).
		Msg("Source changed")
	s.metrics.RecordWatchEvent(event.Op.String())

	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.pending[id] |= event.Op
	if s.flush != nil {
		s.flush.Stop()
	}
	s.flush = time.AfterFunc(s.debounce, func() { s.flushPending(ctx) })
	s.mu.Unlock()
}

// flushPending recompiles or prunes every script in the settled burst, then
// runs the recompile hooks once.
func (s *Service) flushPending(ctx context.Context) {
	s.mu.Lock()
	pending := s.pending
	if len(pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.pending = make(map[runtime.ScriptID]fsnotify.Op)
	hooks := make([]func(), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	for id := range pending {
		if _, err := os.Stat(s.sourcePath(id)); err != nil {
			// Removed or renamed away: drop the artifact so the cache
			// evicts the module on its next refresh.
			s.removeScript(ctx, id, s.artifactPath(id))
			continue
		}
		if _, err := s.Compile(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("script", string(id)).Msg("Recompile failed")
		}
	}

	s.logger.Info().Int("scripts", len(pending)).Msg("Recompiled changed scripts")
	for _, fn := range hooks {
		fn()
	}
}
