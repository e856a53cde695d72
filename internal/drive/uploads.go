package drive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/upload"
)

// ErrNoConflict is returned when resolving an item that is not waiting on
// a conflict.
var ErrNoConflict = errors.New("no unresolved conflict for item")

// Resolution is how a name conflict is settled.
type Resolution string

const (
	// ResolutionUpdate uploads over the existing asset.
	ResolutionUpdate Resolution = "update"
	// ResolutionRename uploads under the next free name.
	ResolutionRename Resolution = "rename"
	// ResolutionSkip does not upload the item.
	ResolutionSkip Resolution = "skip"
)

// UploadItem is one file handed to UploadFiles.
type UploadItem struct {
	Name   string
	Source backend.UploadSource

	// FilePath is the item's path on this machine, when it has one.
	FilePath string
}

// Conflict is an item whose title is already taken in the target directory.
type Conflict struct {
	Index    int
	Item     UploadItem
	Kind     assetid.Kind
	Existing backend.Asset

	// Suggested is the title Rename would use now.
	Suggested string
}

// Result is the outcome of one item.
type Result struct {
	Index   int
	Name    string
	Asset   *backend.UploadedAsset
	Skipped bool
	Err     error
}

// Batch is a running multi-file upload. Items without a conflict start
// right away; conflicting items wait for Update, Rename or Skip.
type Batch struct {
	d        *Drive
	t        backend.Type
	parentID assetid.ID
	opts     []upload.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu        sync.Mutex
	conflicts map[int]*Conflict
	taken     map[assetid.Kind]map[string]bool
	results   []Result
}

// UploadFiles uploads items into parentID, the root when empty.
func (d *Drive) UploadFiles(ctx context.Context, t backend.Type, parentID assetid.ID, items []UploadItem, opts ...upload.Option) (*Batch, error) {
	parentID, err := d.resolveParent(ctx, t, parentID)
	if err != nil {
		return nil, err
	}
	siblings, err := d.ListDirectory(ctx, t, backend.ListDirectoryRequest{ParentID: parentID})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	batch := &Batch{
		d:         d,
		t:         t,
		parentID:  parentID,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		conflicts: make(map[int]*Conflict),
		taken: map[assetid.Kind]map[string]bool{
			assetid.File:    {},
			assetid.Project: {},
		},
		results: make([]Result, len(items)),
	}

	existing := map[assetid.Kind]map[string]backend.Asset{
		assetid.File:    {},
		assetid.Project: {},
	}
	for _, a := range siblings {
		if names, ok := existing[a.Type]; ok {
			names[a.Title] = a
			batch.taken[a.Type][a.Title] = true
		}
	}
	for _, item := range items {
		kind, title := itemTitle(item.Name)
		batch.taken[kind][title] = true
	}

	batch.wg.Add(len(items))
	for i, item := range items {
		batch.results[i] = Result{Index: i, Name: item.Name}
		kind, title := itemTitle(item.Name)
		if asset, clash := existing[kind][title]; clash {
			batch.conflicts[i] = &Conflict{Index: i, Item: item, Kind: kind, Existing: asset}
			continue
		}
		batch.start(i, backend.UploadFileRequest{
			FileName:          item.Name,
			ParentDirectoryID: parentID,
			FilePath:          item.FilePath,
		}, item.Source)
	}
	go func() {
		batch.wg.Wait()
		close(batch.done)
	}()
	return batch, nil
}

// itemTitle is the title a file gets once uploaded: projects lose their
// bundle extension.
func itemTitle(name string) (assetid.Kind, string) {
	if backend.IsProjectFileName(name) {
		return assetid.Project, backend.StripProjectExtension(name)
	}
	return assetid.File, name
}

func (b *Batch) start(i int, req backend.UploadFileRequest, src backend.UploadSource) {
	go func() {
		defer b.wg.Done()
		asset, err := Mutate(b.ctx, b.d, b.t, "uploadFileEnd", func(ctx context.Context, be backend.Backend) (*backend.UploadedAsset, error) {
			return b.d.uploader.Upload(ctx, be, req, src, b.opts...)
		})
		if err != nil {
			b.d.log.Warn("upload failed", zap.String("file", req.FileName), zap.Error(err))
		}
		b.mu.Lock()
		b.results[i].Name = req.FileName
		b.results[i].Asset = asset
		b.results[i].Err = err
		b.mu.Unlock()
	}()
}

// Conflicts lists the items still waiting for a resolution, in input order.
func (b *Batch) Conflicts() []Conflict {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Conflict, 0, len(b.conflicts))
	for _, c := range b.conflicts {
		cp := *c
		cp.Suggested = uniqueTitle(c.Kind, c.Existing.Title, b.taken[c.Kind])
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// take removes conflict i from the unresolved set.
func (b *Batch) take(i int) (*Conflict, error) {
	c, ok := b.conflicts[i]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", i, ErrNoConflict)
	}
	delete(b.conflicts, i)
	return c, nil
}

// Update uploads item i over the asset it conflicts with.
func (b *Batch) Update(i int) error {
	b.mu.Lock()
	c, err := b.take(i)
	b.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.RecordConflict(string(ResolutionUpdate))
	b.start(i, backend.UploadFileRequest{
		FileID:            c.Existing.ID,
		FileName:          c.Item.Name,
		ParentDirectoryID: b.parentID,
		FilePath:          c.Item.FilePath,
	}, c.Item.Source)
	return nil
}

// Rename uploads item i under the first free "<name> N" title and returns
// that title. The title is reserved for the rest of the batch.
func (b *Batch) Rename(i int) (string, error) {
	b.mu.Lock()
	c, err := b.take(i)
	if err != nil {
		b.mu.Unlock()
		return "", err
	}
	title := uniqueTitle(c.Kind, c.Existing.Title, b.taken[c.Kind])
	b.taken[c.Kind][title] = true
	b.mu.Unlock()

	name := title
	if c.Kind == assetid.Project {
		name += backend.ProjectExtension(c.Item.Name)
	}
	metrics.RecordConflict(string(ResolutionRename))
	b.start(i, backend.UploadFileRequest{
		FileName:          name,
		ParentDirectoryID: b.parentID,
		FilePath:          c.Item.FilePath,
	}, c.Item.Source)
	return title, nil
}

// Skip drops item i.
func (b *Batch) Skip(i int) error {
	b.mu.Lock()
	_, err := b.take(i)
	if err == nil {
		b.results[i].Skipped = true
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	metrics.RecordConflict(string(ResolutionSkip))
	b.wg.Done()
	return nil
}

// ResolveAll applies r to every unresolved conflict.
func (b *Batch) ResolveAll(r Resolution) error {
	for _, c := range b.Conflicts() {
		var err error
		switch r {
		case ResolutionUpdate:
			err = b.Update(c.Index)
		case ResolutionRename:
			_, err = b.Rename(c.Index)
		case ResolutionSkip:
			err = b.Skip(c.Index)
		default:
			return fmt.Errorf("unknown resolution %q", r)
		}
		if err != nil && !errors.Is(err, ErrNoConflict) {
			return err
		}
	}
	return nil
}

// Cancel skips every unresolved conflict and stops running uploads.
func (b *Batch) Cancel() {
	_ = b.ResolveAll(ResolutionSkip)
	b.cancel()
}

// Wait blocks until every item has been uploaded or skipped. It returns the
// per-item results and an aggregate of the failures.
func (b *Batch) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	results := make([]Result, len(b.results))
	copy(results, b.results)
	var errs []error
	total := 0
	for _, r := range results {
		if r.Skipped {
			continue
		}
		total++
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, apierr.Aggregate("uploadFiles", errs, total)
}
