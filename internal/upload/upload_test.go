package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/pkg/retry"
)

// fakeBackend implements the upload calls; anything else panics.
type fakeBackend struct {
	backend.Backend

	urls       int
	startErrs  []error
	chunkErrs  map[int][]error
	chunkDelay func(index int) time.Duration
	endErr     error

	mu          sync.Mutex
	startCalls  int
	chunkCalls  int
	endCalls    int
	endRequest  backend.UploadFileEndRequest
	chunkOrders []int
}

func (f *fakeBackend) Type() backend.Type { return backend.TypeRemote }

func (f *fakeBackend) UploadFileStart(_ context.Context, _ backend.UploadFileRequest, _ backend.UploadSource) (*backend.UploadSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		return nil, err
	}
	urls := make([]string, f.urls)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://bucket/part-%d", i+1)
	}
	return &backend.UploadSession{UploadID: "up-1", SourcePath: "s3://bucket/key", PresignedURLs: urls}, nil
}

func (f *fakeBackend) UploadFileChunk(ctx context.Context, _ string, _ backend.UploadSource, index int) (*backend.UploadedPart, error) {
	if f.chunkDelay != nil {
		select {
		case <-time.After(f.chunkDelay(index)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunkCalls++
	if errs := f.chunkErrs[index]; len(errs) > 0 {
		f.chunkErrs[index] = errs[1:]
		return nil, errs[0]
	}
	f.chunkOrders = append(f.chunkOrders, index)
	return &backend.UploadedPart{ETag: fmt.Sprintf("etag-%d", index), PartNumber: index + 1}, nil
}

func (f *fakeBackend) UploadFileEnd(_ context.Context, req backend.UploadFileEndRequest) (*backend.UploadedAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	f.endRequest = req
	if f.endErr != nil {
		return nil, f.endErr
	}
	return &backend.UploadedAsset{ID: "file-1"}, nil
}

func fastBackoff(retries int) retry.Config {
	cfg := retry.Budget(retries)
	cfg.InitialWait = time.Millisecond
	cfg.MaxWait = time.Millisecond
	return cfg
}

func newUploader(concurrency int) *Uploader {
	return New(Config{ChunkSize: 10, Retries: 3, ChunkConcurrency: concurrency, Backoff: fastBackoff})
}

var req = backend.UploadFileRequest{FileName: "data.csv", ParentDirectoryID: "directory-1"}

func TestUploadSendsEveryChunkInPartOrder(t *testing.T) {
	f := &fakeBackend{
		urls: 3,
		// Earlier chunks finish later.
		chunkDelay: func(i int) time.Duration { return time.Duration(3-i) * 15 * time.Millisecond },
	}
	var reports []Progress
	src := bytes.NewReader(make([]byte, 25))

	asset, err := newUploader(3).Upload(context.Background(), f, req, src,
		WithKey("upload-key"),
		WithProgress(func(p Progress) { reports = append(reports, p) }))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if asset.ID != "file-1" {
		t.Errorf("asset = %+v", asset)
	}
	if f.chunkCalls != 3 {
		t.Errorf("expected ceil(25/10) = 3 chunk calls, got %d", f.chunkCalls)
	}
	if f.chunkOrders[0] == 0 {
		t.Errorf("chunks should have completed out of order, got %v", f.chunkOrders)
	}
	for i, p := range f.endRequest.Parts {
		if p.PartNumber != i+1 || p.ETag != fmt.Sprintf("etag-%d", i) {
			t.Errorf("part %d = %+v", i, p)
		}
	}
	if f.endRequest.UploadID != "up-1" || f.endRequest.SourcePath != "s3://bucket/key" || f.endRequest.FileName != "data.csv" {
		t.Errorf("end request = %+v", f.endRequest)
	}

	if len(reports) != 5 {
		t.Fatalf("expected begin, 3 chunks and end, got %+v", reports)
	}
	if reports[0].Event != EventBegin || reports[0].SentMB != 0 || reports[4].Event != EventEnd {
		t.Errorf("unexpected checkpoints %+v", reports)
	}
	for i, p := range reports {
		if p.Key != "upload-key" || p.TotalMB != 25.0/Megabyte {
			t.Errorf("report %d = %+v", i, p)
		}
		if i > 0 && p.SentMB < reports[i-1].SentMB {
			t.Errorf("progress went backwards at %d: %+v", i, reports)
		}
	}
	if reports[4].SentMB != reports[4].TotalMB {
		t.Errorf("final report = %+v", reports[4])
	}
}

func TestChunkRetriedIndependently(t *testing.T) {
	f := &fakeBackend{
		urls:      2,
		chunkErrs: map[int][]error{1: {apierr.ErrServer, apierr.Network("chunk", errors.New("reset"))}},
	}
	if _, err := newUploader(1).Upload(context.Background(), f, req, bytes.NewReader(make([]byte, 20))); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if f.chunkCalls != 4 {
		t.Errorf("expected 4 chunk calls, got %d", f.chunkCalls)
	}
	if f.startCalls != 1 || f.endCalls != 1 {
		t.Errorf("start=%d end=%d", f.startCalls, f.endCalls)
	}
}

func TestPhaseFailureAfterBudget(t *testing.T) {
	f := &fakeBackend{urls: 1, endErr: apierr.ErrServer}
	_, err := newUploader(1).Upload(context.Background(), f, req, bytes.NewReader(make([]byte, 5)), WithRetries(0, 0, 2))
	if !errors.Is(err, apierr.ErrNetwork) || !errors.Is(err, apierr.ErrServer) {
		t.Fatalf("expected network error wrapping the cause, got %v", err)
	}
	var e *apierr.Error
	if !errors.As(err, &e) || e.Op != "upload end" {
		t.Errorf("error should name the end phase: %v", err)
	}
	if f.endCalls != 3 {
		t.Errorf("expected 3 end attempts, got %d", f.endCalls)
	}
}

func TestChunkFailureAbortsUpload(t *testing.T) {
	f := &fakeBackend{urls: 2, chunkErrs: map[int][]error{0: {apierr.ErrServer, apierr.ErrServer}}}
	_, err := newUploader(1).Upload(context.Background(), f, req, bytes.NewReader(make([]byte, 20)), WithRetries(3, 1, 3))
	var e *apierr.Error
	if !errors.As(err, &e) || e.Op != "upload chunk" {
		t.Fatalf("expected chunk phase failure, got %v", err)
	}
	if f.endCalls != 0 {
		t.Error("end must not run after a failed chunk")
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	f := &fakeBackend{urls: 1, startErrs: []error{apierr.NotAuthorized("uploadFileStart", "no session")}}
	_, err := newUploader(1).Upload(context.Background(), f, req, bytes.NewReader(make([]byte, 5)))
	if !errors.Is(err, apierr.ErrNotAuthorized) || !errors.Is(err, apierr.ErrNetwork) {
		t.Fatalf("unexpected error %v", err)
	}
	if f.startCalls != 1 {
		t.Errorf("expected a single start attempt, got %d", f.startCalls)
	}
}

func TestUploadWithoutChunks(t *testing.T) {
	f := &fakeBackend{urls: 0}
	var events []Event
	_, err := newUploader(1).Upload(context.Background(), f, req, bytes.NewReader(make([]byte, 5)),
		WithProgress(func(p Progress) { events = append(events, p.Event) }))
	if err != nil {
		t.Fatal(err)
	}
	if f.chunkCalls != 0 || len(f.endRequest.Parts) != 0 {
		t.Errorf("chunks=%d parts=%v", f.chunkCalls, f.endRequest.Parts)
	}
	if len(events) != 2 || events[0] != EventBegin || events[1] != EventEnd {
		t.Errorf("events = %v", events)
	}
}

func TestCancelledUploadStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	f := &fakeBackend{
		urls: 4,
		chunkDelay: func(int) time.Duration {
			if calls.Add(1) == 1 {
				cancel()
			}
			return time.Second
		},
	}
	_, err := newUploader(1).Upload(ctx, f, req, bytes.NewReader(make([]byte, 40)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
