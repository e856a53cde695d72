package querycache

import (
	"sync"

	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

// Pending is an optimistic asset inserted into a listing before the backend
// confirmed it. Exactly one of Reconcile or Rollback takes effect.
type Pending struct {
	cache  *Cache
	key    Key
	tempID assetid.ID
	once   sync.Once
}

// InsertPlaceholder adds asset to the listing under key, marked as a
// placeholder with a fresh temporary identifier of the asset's kind.
func (c *Cache) InsertPlaceholder(key Key, asset backend.Asset) *Pending {
	asset.ID = assetid.Placeholder(asset.Type)
	asset.Placeholder = true

	c.update(key, true, func(data any, ok bool) (any, bool) {
		var list []backend.Asset
		if ok {
			list, _ = data.([]backend.Asset)
		}
		next := make([]backend.Asset, 0, len(list)+1)
		next = append(next, list...)
		next = append(next, asset)
		backend.SortAssets(next)
		return next, true
	})
	return &Pending{cache: c, key: key, tempID: asset.ID}
}

// TempID is the placeholder's temporary identifier.
func (p *Pending) TempID() assetid.ID { return p.tempID }

// Reconcile replaces the placeholder's identifier with the server-assigned
// one and clears the placeholder mark. The title is left unchanged.
func (p *Pending) Reconcile(serverID assetid.ID) {
	p.once.Do(func() {
		p.cache.update(p.key, false, func(data any, ok bool) (any, bool) {
			list, _ := data.([]backend.Asset)
			next := make([]backend.Asset, 0, len(list))
			for _, a := range list {
				if a.ID == serverID {
					// A refetch already brought in the real asset.
					continue
				}
				if a.ID == p.tempID {
					a.ID = serverID
					a.Placeholder = false
				}
				next = append(next, a)
			}
			return next, ok
		})
	})
}

// Rollback removes the placeholder.
func (p *Pending) Rollback() {
	p.once.Do(func() {
		p.cache.update(p.key, false, func(data any, ok bool) (any, bool) {
			list, _ := data.([]backend.Asset)
			next := make([]backend.Asset, 0, len(list))
			for _, a := range list {
				if a.ID != p.tempID {
					next = append(next, a)
				}
			}
			return next, ok
		})
	})
}

// SetProjectState records an expected project state in every cached
// listing of the backend and in the project's details, ahead of the poll
// that will confirm it.
func (c *Cache) SetProjectState(t backend.Type, id assetid.ID, state backend.ProjectState) {
	for _, key := range c.Keys(KindKey(t, QueryListDirectory)) {
		c.update(key, false, func(data any, ok bool) (any, bool) {
			list, _ := data.([]backend.Asset)
			changed := false
			next := make([]backend.Asset, len(list))
			copy(next, list)
			for i := range next {
				if next[i].ID != id {
					continue
				}
				ps := backend.ProjectStateInfo{}
				if next[i].ProjectState != nil {
					ps = *next[i].ProjectState
				}
				ps.Type = state
				next[i].ProjectState = &ps
				changed = true
			}
			return next, changed
		})
	}

	c.update(ProjectKey(t, id), false, func(data any, ok bool) (any, bool) {
		p, _ := data.(*backend.Project)
		if p == nil {
			return nil, false
		}
		cp := *p
		cp.State.Type = state
		return &cp, true
	})
}
