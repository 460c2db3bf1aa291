package runtime

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 300 * time.Millisecond

// WatchFile calls onChange after path was written, created or replaced.
// The parent directory is watched so editors that rename over the file are
// seen too. It blocks until ctx is done.
func WatchFile(ctx context.Context, path, logPrefix string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var (
		reloadTimer *time.Timer
		reloadCh    <-chan time.Time
	)
	resetReload := func() {
		if reloadTimer == nil {
			reloadTimer = time.NewTimer(watchDebounce)
		} else {
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadTimer.Reset(watchDebounce)
		}
		reloadCh = reloadTimer.C
	}
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				resetReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("%s watcher error: %v", logPrefix, err)
		case <-reloadCh:
			reloadCh = nil
			onChange()
		}
	}
}
