package server

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceTime = 100 * time.Millisecond

// watchRefs notifies the hub when anything under refs/ or packed-refs
// changes, e.g. after a push from outside this process. Bursts of events
// are debounced into one refresh.
func (s *Server) watchRefs(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch refs: %w", err)
	}
	defer watcher.Close()

	gitDir := s.repo.GitDir
	if err := watcher.Add(gitDir); err != nil {
		return fmt.Errorf("watch %s: %w", gitDir, err)
	}
	if err := addTree(watcher, filepath.Join(gitDir, "refs")); err != nil {
		return fmt.Errorf("watch refs: %w", err)
	}
	s.logger.Info("watching repository refs", zap.String("git_dir", gitDir))

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				// New ref namespaces such as refs/heads/feature/ need their
				// own watch.
				if err := addTree(watcher, event.Name); err != nil {
					s.logger.Debug("watch new directory", zap.String("path", event.Name), zap.Error(err))
				}
			}
			if shouldIgnoreEvent(gitDir, event) {
				continue
			}
			s.logger.Debug("ref change detected", zap.String("path", event.Name), zap.Stringer("op", event.Op))

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceTime, s.hub.Notify)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// addTree watches root and every directory beneath it. A root that is not
// a directory is ignored.
func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return watcher.Add(path)
	})
}

// shouldIgnoreEvent keeps events that can move a branch: anything under
// refs/ and packed-refs itself. Lock files are ignored; the rename that
// commits them shows up as a Create of the real name.
func shouldIgnoreEvent(gitDir string, event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return true
	}
	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".lock") {
		return true
	}
	rel, err := filepath.Rel(gitDir, event.Name)
	if err != nil {
		return true
	}
	rel = filepath.ToSlash(rel)
	return rel != "packed-refs" && rel != "refs" && !strings.HasPrefix(rel, "refs/")
}
