package drive

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/querycache"
)

// skipped marks a bulk item that needed no backend call.
type skipped struct{}

func (skipped) Error() string { return "nothing to do" }

// fanOut runs fn for every item with bounded parallelism. A failing item
// does not stop the others. When at least one item reached the backend
// successfully, op's queries are invalidated before returning. Item
// failures come back as one *apierr.AggregateError counting items only; a
// failed refresh is appended next to it.
func fanOut[T any](ctx context.Context, d *Drive, t backend.Type, op string, items []T, fn func(ctx context.Context, b backend.Backend, item T) error) error {
	b, err := d.Backend(t)
	if err != nil {
		return err
	}

	errs := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for i, item := range items {
		g.Go(func() error {
			errs[i] = fn(ctx, b, item)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	succeeded := 0
	total := 0
	for _, err := range errs {
		if _, ok := err.(skipped); ok {
			continue
		}
		total++
		metrics.RecordBulkItem(op, err)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		succeeded++
	}
	if len(failed) > 0 {
		d.log.Warn("bulk operation partially failed",
			zap.String("op", op), zap.Int("failed", len(failed)), zap.Int("total", total))
	}

	agg := apierr.Aggregate(op, failed, total)
	if succeeded == 0 {
		return agg
	}
	// A failed refresh is not an item failure; it rides along with the
	// aggregate so the counts keep describing the items.
	if err := d.invalidate(ctx, t, op, true); err != nil {
		d.log.Warn("refresh after bulk operation failed", zap.String("op", op), zap.Error(err))
		return multierr.Append(agg, err)
	}
	return agg
}

// DeleteAssets moves assets to the trash, or deletes them for good with
// force.
func (d *Drive) DeleteAssets(ctx context.Context, t backend.Type, ids []assetid.ID, force bool) error {
	return fanOut(ctx, d, t, "deleteAsset", ids, func(ctx context.Context, b backend.Backend, id assetid.ID) error {
		if err := b.DeleteAsset(ctx, id, force); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		return nil
	})
}

// RestoreAssets takes assets back out of the trash.
func (d *Drive) RestoreAssets(ctx context.Context, t backend.Type, ids []assetid.ID) error {
	return fanOut(ctx, d, t, "undoDeleteAsset", ids, func(ctx context.Context, b backend.Backend, id assetid.ID) error {
		if err := b.UndoDeleteAsset(ctx, id); err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
		return nil
	})
}

func (d *Drive) CopyAssets(ctx context.Context, t backend.Type, ids []assetid.ID, parentID assetid.ID) error {
	return fanOut(ctx, d, t, "copyAsset", ids, func(ctx context.Context, b backend.Backend, id assetid.ID) error {
		if _, err := b.CopyAsset(ctx, id, parentID); err != nil {
			return fmt.Errorf("copy %s: %w", id, err)
		}
		return nil
	})
}

func (d *Drive) MoveAssets(ctx context.Context, t backend.Type, ids []assetid.ID, parentID assetid.ID) error {
	return fanOut(ctx, d, t, "updateAsset", ids, func(ctx context.Context, b backend.Backend, id assetid.ID) error {
		newID, err := b.UpdateAsset(ctx, id, backend.UpdateAssetRequest{ParentDirectoryID: parentID})
		if err != nil {
			return fmt.Errorf("move %s: %w", id, err)
		}
		d.followMove(id, newID, parentID)
		return nil
	})
}

// AddLabels adds labels to each asset. Assets that already carry all of
// them are left alone.
func (d *Drive) AddLabels(ctx context.Context, t backend.Type, assets []backend.Asset, labels []string) error {
	return d.relabel(ctx, t, assets, func(current []string) []string {
		return lo.Uniq(append(slices.Clone(current), labels...))
	})
}

// RemoveLabels removes labels from each asset. Assets carrying none of them
// are left alone.
func (d *Drive) RemoveLabels(ctx context.Context, t backend.Type, assets []backend.Asset, labels []string) error {
	return d.relabel(ctx, t, assets, func(current []string) []string {
		return lo.Without(current, labels...)
	})
}

func (d *Drive) relabel(ctx context.Context, t backend.Type, assets []backend.Asset, next func([]string) []string) error {
	return fanOut(ctx, d, t, "associateTag", assets, func(ctx context.Context, b backend.Backend, a backend.Asset) error {
		labels := next(a.Labels)
		if sameSet(labels, a.Labels) {
			return skipped{}
		}
		if err := b.AssociateTag(ctx, a.ID, labels); err != nil {
			return fmt.Errorf("label %s: %w", a.ID, err)
		}
		return nil
	})
}

func sameSet(a, b []string) bool {
	a, b = lo.Uniq(a), lo.Uniq(b)
	return len(a) == len(b) && len(lo.Intersect(a, b)) == len(a)
}

// ClearTrash deletes everything in the trash for good.
func (d *Drive) ClearTrash(ctx context.Context, t backend.Type) error {
	root, err := d.RootDirectoryID(ctx, t)
	if err != nil {
		return err
	}
	b, err := d.Backend(t)
	if err != nil {
		return err
	}
	req := backend.ListDirectoryRequest{ParentID: root, FilterBy: backend.FilterTrashed}
	trashed, err := querycache.Load(ctx, d.cache, querycache.ListDirectoryKey(t, req), func(ctx context.Context) ([]backend.Asset, error) {
		return b.ListDirectory(ctx, req)
	})
	if err != nil {
		return err
	}
	ids := lo.Map(trashed, func(a backend.Asset, _ int) assetid.ID { return a.ID })
	return d.DeleteAssets(ctx, t, ids, true)
}
