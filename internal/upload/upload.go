// Package upload drives the three-phase upload protocol shared by both
// backends: start, one request per chunk, end.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/pkg/retry"
)

// Megabyte is the unit of progress reports.
const Megabyte = 1_000_000

// Event marks the checkpoint a progress report was taken at.
type Event string

const (
	EventBegin Event = "begin"
	EventChunk Event = "chunk"
	EventEnd   Event = "end"
)

// Progress is one report for the upload identified by Key.
type Progress struct {
	Key     string
	Event   Event
	SentMB  float64
	TotalMB float64
}

// Config holds the uploader defaults.
type Config struct {
	ChunkSize        int64
	Retries          int
	ChunkConcurrency int

	// Backoff builds the retry policy for a budget. Defaults to retry.Budget.
	Backoff func(retries int) retry.Config
}

// Uploader runs uploads against any backend.
type Uploader struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.ChunkConcurrency <= 0 {
		cfg.ChunkConcurrency = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Budget
	}
	return &Uploader{cfg: cfg, log: logging.Named("upload")}
}

type options struct {
	key                                    string
	startRetries, chunkRetries, endRetries int
	progress                               func(Progress)
}

// Option customizes one upload.
type Option func(*options)

// WithKey sets the identifier progress reports carry.
func WithKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithRetries sets the retry budget of each phase.
func WithRetries(start, chunk, end int) Option {
	return func(o *options) { o.startRetries, o.chunkRetries, o.endRetries = start, chunk, end }
}

// WithProgress receives progress reports. Reports are delivered one at a
// time and SentMB never decreases.
func WithProgress(fn func(Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// Upload sends src and returns the stored asset. A phase that exhausts its
// retries fails the whole upload with an ErrNetwork naming the phase.
// Parts already sent are left for the store to expire.
func (u *Uploader) Upload(ctx context.Context, b backend.Backend, req backend.UploadFileRequest, src backend.UploadSource, opts ...Option) (*backend.UploadedAsset, error) {
	o := options{
		key:          uuid.NewString(),
		startRetries: u.cfg.Retries,
		chunkRetries: u.cfg.Retries,
		endRetries:   u.cfg.Retries,
	}
	for _, opt := range opts {
		opt(&o)
	}

	asset, err := u.run(ctx, b, req, src, o)
	metrics.RecordUpload(string(b.Type()), err)
	if err != nil {
		u.log.Error("upload failed", zap.String("file", req.FileName), zap.String("key", o.key), zap.Error(err))
	}
	return asset, err
}

func (u *Uploader) run(ctx context.Context, b backend.Backend, req backend.UploadFileRequest, src backend.UploadSource, o options) (*backend.UploadedAsset, error) {
	size := src.Size()
	report := newReporter(o.key, size, o.progress)
	report.emit(EventBegin, 0)

	session, err := retry.DoWithResult(ctx, u.policy(o.startRetries, "start"), func() (*backend.UploadSession, error) {
		s, err := b.UploadFileStart(ctx, req, src)
		return s, retryable(ctx, err)
	})
	if err != nil {
		return nil, phaseError("start", err)
	}

	parts, err := u.sendChunks(ctx, b, session, src, o, report)
	if err != nil {
		return nil, phaseError("chunk", err)
	}

	end := backend.UploadFileEndRequest{
		UploadFileRequest: req,
		UploadID:          session.UploadID,
		SourcePath:        session.SourcePath,
		Parts:             parts,
	}
	asset, err := retry.DoWithResult(ctx, u.policy(o.endRetries, "end"), func() (*backend.UploadedAsset, error) {
		a, err := b.UploadFileEnd(ctx, end)
		return a, retryable(ctx, err)
	})
	if err != nil {
		return nil, phaseError("end", err)
	}

	report.emit(EventEnd, size)
	return asset, nil
}

// sendChunks uploads every presigned part, dispatched in index order, and
// returns the parts ordered by part number.
func (u *Uploader) sendChunks(ctx context.Context, b backend.Backend, session *backend.UploadSession, src backend.UploadSource, o options, report *reporter) ([]backend.UploadedPart, error) {
	n := len(session.PresignedURLs)
	parts := make([]backend.UploadedPart, n)
	if n == 0 {
		return parts, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.ChunkConcurrency)
	for i, url := range session.PresignedURLs {
		g.Go(func() error {
			bytes := u.chunkBytes(src.Size(), i)
			part, err := retry.DoWithResult(gctx, u.policy(o.chunkRetries, "chunk"), func() (*backend.UploadedPart, error) {
				p, err := b.UploadFileChunk(gctx, url, src, i)
				metrics.RecordChunk(err == nil, bytes)
				return p, retryable(gctx, err)
			})
			if err != nil {
				return fmt.Errorf("part %d of %d: %w", i+1, n, err)
			}
			parts[i] = *part
			report.add(bytes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

func (u *Uploader) chunkBytes(size int64, index int) int64 {
	start := int64(index) * u.cfg.ChunkSize
	return max(0, min(u.cfg.ChunkSize, size-start))
}

func (u *Uploader) policy(retries int, phase string) retry.Config {
	cfg := u.cfg.Backoff(retries)
	cfg.OnRetry = func(attempt int, err error) {
		metrics.RecordUploadRetry(phase)
		u.log.Warn("retrying upload phase", zap.String("phase", phase), zap.Int("attempt", attempt), zap.Error(err))
	}
	return cfg
}

var permanent = []error{
	apierr.ErrUnsupported,
	apierr.ErrInvalidIdentifierKind,
	apierr.ErrNotAuthorized,
	apierr.ErrForbidden,
	context.Canceled,
	context.DeadlineExceeded,
}

// retryable marks err for another attempt unless retrying cannot help.
func retryable(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return err
		}
	}
	return retry.Retryable(err)
}

func phaseError(phase string, err error) error {
	return &apierr.Error{Kind: apierr.ErrNetwork, Op: "upload " + phase, Err: err}
}

// reporter serializes progress reports and keeps them monotonic.
type reporter struct {
	mu    sync.Mutex
	key   string
	total int64
	sent  int64
	fn    func(Progress)
}

func newReporter(key string, total int64, fn func(Progress)) *reporter {
	return &reporter{key: key, total: total, fn: fn}
}

func (r *reporter) add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = min(r.total, r.sent+n)
	r.send(EventChunk)
}

func (r *reporter) emit(ev Event, sent int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = max(r.sent, sent)
	r.send(ev)
}

func (r *reporter) send(ev Event) {
	if r.fn == nil {
		return
	}
	r.fn(Progress{
		Key:     r.key,
		Event:   ev,
		SentMB:  float64(r.sent) / Megabyte,
		TotalMB: float64(r.total) / Megabyte,
	})
}
