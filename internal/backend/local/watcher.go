package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/assetid"
)

const watchDebounce = 200 * time.Millisecond

// Watch reports directories under the root whose contents changed on disk,
// batched over a short quiet period, until ctx is cancelled. Hidden
// directories are not watched.
func (b *Backend) Watch(ctx context.Context, changed func(dirs []assetid.ID)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := b.RootPath()
	if err := watchRecursive(w, root); err != nil {
		return err
	}
	b.log.Info("watching root directory", zap.String("root", root))

	pending := make(map[string]struct{})
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		dirs := make([]assetid.ID, 0, len(pending))
		for dir := range pending {
			dirs = append(dirs, assetid.LocalDirectory(dir))
		}
		clear(pending)
		changed(dirs)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			flush()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if hidden(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchRecursive(w, ev.Name); err != nil {
						b.log.Warn("watch new directory failed", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			pending[filepath.Dir(ev.Name)] = struct{}{}
			timer.Reset(watchDebounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			b.log.Error("watcher error", zap.Error(err))
		}
	}
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

func watchRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
