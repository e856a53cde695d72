package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/backend/local"
	"github.com/fruitsalade/assetsync/internal/backend/remote"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/drive"
	"github.com/fruitsalade/assetsync/internal/kvstore"
	"github.com/fruitsalade/assetsync/internal/lifecycle"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/projectmanager"
	"github.com/fruitsalade/assetsync/internal/querycache"
	"github.com/fruitsalade/assetsync/internal/upload"
)

// app is one configured client session.
type app struct {
	cfg     *config.Config
	drive   *drive.Drive
	tracker *lifecycle.Tracker
	closers []func() error
	metrics *http.Server
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &app{cfg: cfg}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	store, err := kvstore.OpenBolt(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	backends := []backend.Backend{remote.New(remote.Config{
		BaseURL:   cfg.RemoteAPIURL,
		Timeout:   cfg.RequestTimeout,
		Tokens:    auth.NewFileTokenSource(cfg.TokenFile),
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		ChunkSize: cfg.ChunkSize,
	})}

	pm := projectmanager.New(cfg.ProjectManagerURL)
	a.closers = append(a.closers, pm.Close)
	lb, err := local.New(local.Config{
		ProjectManager: pm,
		RootDirectory:  cfg.LocalRootDirectory,
		Store:          store,
		ServerURL:      cfg.LocalServerURL,
	})
	if err != nil {
		logging.Warn("local backend disabled", zap.Error(err))
	} else {
		backends = append(backends, lb)
		a.closers = append(a.closers, lb.Close)
	}

	cache := querycache.New(querycache.WithLogger(logging.Named("cache")))
	launched := lifecycle.NewLaunchedProjects(store)
	a.tracker, err = lifecycle.New(lifecycle.Config{
		Backends:     backends,
		Cache:        cache,
		Launched:     launched,
		MultiProject: cfg.MultiProject,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.drive, err = drive.New(drive.Config{
		Backends: backends,
		Cache:    cache,
		Uploader: upload.New(upload.Config{
			ChunkSize:        cfg.ChunkSize,
			Retries:          cfg.UploadRetries,
			ChunkConcurrency: cfg.ChunkConcurrency,
		}),
		Tracker:     a.tracker,
		Launched:    launched,
		Parallelism: cfg.BulkParallelism,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		a.metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	return a, nil
}

// close stops polling and releases the state store and connections.
func (a *app) close() error {
	var err error
	if a.tracker != nil {
		a.tracker.Stop()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, a.metrics.Shutdown(ctx))
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	_ = logging.Sync()
	return err
}
