package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

type watcher interface {
	Watch(ctx context.Context, changed func(dirs []assetid.ID)) error
}

// WatchLocal refreshes local listings when their directories change on
// disk. It blocks until ctx is done.
func (d *Drive) WatchLocal(ctx context.Context) error {
	b, err := d.Backend(backend.TypeLocal)
	if err != nil {
		return err
	}
	w, ok := b.(watcher)
	if !ok {
		return fmt.Errorf("drive: local backend cannot watch its root")
	}
	return w.Watch(ctx, func(dirs []assetid.ID) {
		keys := make([]querycache.Key, 0, len(dirs))
		for _, dir := range dirs {
			keys = append(keys, querycache.DirectoryKey(backend.TypeLocal, dir))
		}
		if err := d.cache.Invalidate(ctx, keys, false); err != nil {
			d.log.Warn("invalidate changed directories", zap.Error(err))
		}
	})
}
