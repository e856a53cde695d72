// Package drive keeps cached asset listings consistent with the backends.
// Every mutation goes through Mutate, which refreshes the listings the
// mutation can have changed. Creates show a placeholder at once, uploads
// stop on name conflicts until the caller picks a resolution, and bulk
// operations report every failure together.
package drive

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/querycache"
	"github.com/fruitsalade/assetsync/internal/upload"
)

// DefaultParallelism bounds bulk fan-out when Config leaves it unset.
const DefaultParallelism = 8

// Config wires a Drive to its collaborators. Tracker and Launched are
// optional; without them projects are created but not opened.
type Config struct {
	Backends    []backend.Backend
	Cache       *querycache.Cache
	Uploader    *upload.Uploader
	Tracker     *lifecycle.Tracker
	Launched    *lifecycle.LaunchedProjects
	Parallelism int
}

// Drive is the synchronization layer over one or more backends.
type Drive struct {
	backends    map[backend.Type]backend.Backend
	cache       *querycache.Cache
	uploader    *upload.Uploader
	tracker     *lifecycle.Tracker
	launched    *lifecycle.LaunchedProjects
	parallelism int
	log         *zap.Logger
}

func New(cfg Config) (*Drive, error) {
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("drive: at least one backend is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("drive: cache is required")
	}
	if cfg.Uploader == nil {
		cfg.Uploader = upload.New(upload.Config{})
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}

	d := &Drive{
		backends:    make(map[backend.Type]backend.Backend, len(cfg.Backends)),
		cache:       cfg.Cache,
		uploader:    cfg.Uploader,
		tracker:     cfg.Tracker,
		launched:    cfg.Launched,
		parallelism: cfg.Parallelism,
		log:         logging.Named("drive"),
	}
	for _, b := range cfg.Backends {
		d.backends[b.Type()] = b
	}
	return d, nil
}

// Backend returns the configured backend of type t.
func (d *Drive) Backend(t backend.Type) (backend.Backend, error) {
	b, ok := d.backends[t]
	if !ok {
		return nil, apierr.Unsupported(string(t), "drive")
	}
	return b, nil
}

// Cache is the query cache the drive keeps up to date.
func (d *Drive) Cache() *querycache.Cache { return d.cache }

type rootPather interface {
	RootPath() string
}

// RootDirectoryID resolves the root directory of backend t for the
// signed-in user.
func (d *Drive) RootDirectoryID(ctx context.Context, t backend.Type) (assetid.ID, error) {
	b, err := d.Backend(t)
	if err != nil {
		return "", err
	}
	if rp, ok := b.(rootPather); ok {
		return assetid.LocalDirectory(rp.RootPath()), nil
	}
	if t == backend.TypeLocal {
		return b.RootDirectoryID(nil, nil, ""), nil
	}

	user, err := d.UsersMe(ctx, t)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", apierr.NotAuthorized("rootDirectory", "user is not registered")
	}
	var org *backend.Organization
	if user.Plan == backend.PlanTeam || user.Plan == backend.PlanEnterprise {
		if org, err = d.Organization(ctx, t); err != nil {
			return "", err
		}
	}
	id := b.RootDirectoryID(user, org, "")
	if id == "" {
		return "", apierr.NotFound("rootDirectory", "organization has no root directory yet")
	}
	return id, nil
}

// resolveParent maps an empty parent to the backend root.
func (d *Drive) resolveParent(ctx context.Context, t backend.Type, parentID assetid.ID) (assetid.ID, error) {
	if parentID != "" {
		return parentID, nil
	}
	return d.RootDirectoryID(ctx, t)
}
