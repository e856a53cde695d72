package cloudsim

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/storage"
)

// pendingUploads maps multipart upload ids to their object keys, so proxied
// part PUTs can find where they belong.
type pendingUploads struct {
	mu   sync.Mutex
	keys map[string]pending
}

type pending struct {
	key   string
	parts int
}

func (p *pendingUploads) add(uploadID, key string, parts int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.keys == nil {
		p.keys = make(map[string]pending)
	}
	p.keys[uploadID] = pending{key: key, parts: parts}
}

func (p *pendingUploads) get(uploadID string) (pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.keys[uploadID]
	return v, ok
}

func (p *pendingUploads) remove(uploadID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, uploadID)
}

// partCount is the number of parts a file of size bytes is split into. An
// empty file still takes one part.
func partCount(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func (s *Server) storageOp(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(s.cfg.Storage.Type(), op, time.Since(start), err == nil)
}

func (s *Server) handleUploadStart(w http.ResponseWriter, r *http.Request) {
	const op = "uploadFileStart"
	var req struct {
		backend.UploadFileRequest
		Size int64 `json:"size"`
	}
	if err := decode(r, op, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if req.FileName == "" {
		s.sendError(w, r, badRequest(op, "fileName is required"))
		return
	}
	if req.Size < 0 {
		s.sendError(w, r, badRequest(op, "size must not be negative"))
		return
	}

	key := path.Join("uploads", uuid.NewString(), path.Base(req.FileName))
	start := time.Now()
	uploadID, err := s.multipart.CreateMultipartUpload(r.Context(), key)
	s.storageOp("createMultipartUpload", start, err)
	if err != nil {
		s.sendError(w, r, &apierr.Error{Kind: apierr.ErrServer, Op: op, Err: err})
		return
	}

	n := partCount(req.Size, s.cfg.ChunkSize)
	s.pending.add(uploadID, key, n)
	urls := make([]string, n)
	for i := range urls {
		urls[i], err = s.partURL(r, key, uploadID, i+1)
		if err != nil {
			s.sendError(w, r, &apierr.Error{Kind: apierr.ErrServer, Op: op, Err: err})
			return
		}
	}

	logging.WithContext(r.Context()).Info("upload started",
		zap.String("upload_id", uploadID),
		zap.String("file", req.FileName),
		zap.Int64("size", req.Size),
		zap.Int("parts", n),
	)
	writeJSON(w, http.StatusOK, backend.UploadSession{UploadID: uploadID, SourcePath: key, PresignedURLs: urls})
}

// partURL returns where part partNumber is PUT: a presigned store URL when
// the store can issue one, otherwise a token-bearing URL on this server.
func (s *Server) partURL(r *http.Request, key, uploadID string, partNumber int) (string, error) {
	if p, ok := s.cfg.Storage.(storage.Presigner); ok {
		return p.PresignUploadPart(r.Context(), key, uploadID, partNumber)
	}
	token, err := s.cfg.Issuer.Issue(uploadID, "", "", "")
	if err != nil {
		return "", fmt.Errorf("sign part url: %w", err)
	}
	base := s.cfg.BaseURL
	if base == "" {
		base = "http://" + r.Host
	}
	return fmt.Sprintf("%s/parts/%s/%d?token=%s", base, url.PathEscape(uploadID), partNumber, url.QueryEscape(token)), nil
}

func (s *Server) handlePutPart(w http.ResponseWriter, r *http.Request) {
	const op = "uploadPart"
	uploadID := param(r, "uploadID")
	claims, err := s.cfg.Issuer.Verify(r.URL.Query().Get("token"))
	if err != nil || claims.Subject != uploadID {
		s.sendError(w, r, apierr.Forbidden(op, "invalid part signature"))
		return
	}
	up, ok := s.pending.get(uploadID)
	if !ok {
		s.sendError(w, r, apierr.NotFound(op, "unknown upload "+uploadID))
		return
	}
	partNumber, err := strconv.Atoi(param(r, "part"))
	if err != nil || partNumber < 1 || partNumber > up.parts {
		s.sendError(w, r, badRequest(op, "invalid part number"))
		return
	}

	start := time.Now()
	etag, err := s.multipart.UploadPart(r.Context(), up.key, uploadID, partNumber, r.Body, r.ContentLength)
	s.storageOp("uploadPart", start, err)
	if errors.Is(err, storage.ErrNotFound) {
		s.sendError(w, r, apierr.NotFound(op, "unknown upload "+uploadID))
		return
	}
	if err != nil {
		s.sendError(w, r, &apierr.Error{Kind: apierr.ErrServer, Op: op, Err: err})
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUploadEnd(w http.ResponseWriter, r *http.Request) {
	const op = "uploadFileEnd"
	var req struct {
		ParentDirectoryID assetid.ID             `json:"parentDirectoryId"`
		Parts             []backend.UploadedPart `json:"parts"`
		SourcePath        string                 `json:"sourcePath"`
		UploadID          string                 `json:"uploadId"`
		AssetID           assetid.ID             `json:"assetId"`
		FileName          string                 `json:"fileName"`
	}
	if err := decode(r, op, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	up, ok := s.pending.get(req.UploadID)
	if !ok || up.key != req.SourcePath {
		s.sendError(w, r, apierr.NotFound(op, "unknown upload "+req.UploadID))
		return
	}
	if len(req.Parts) != up.parts {
		s.sendError(w, r, badRequest(op, fmt.Sprintf("expected %d parts, got %d", up.parts, len(req.Parts))))
		return
	}

	parts := lo.Map(req.Parts, func(p backend.UploadedPart, _ int) storage.Part {
		return storage.Part{ETag: p.ETag, PartNumber: p.PartNumber}
	})
	start := time.Now()
	err := s.multipart.CompleteMultipartUpload(r.Context(), up.key, req.UploadID, parts)
	s.storageOp("completeMultipartUpload", start, err)
	if err != nil {
		s.sendError(w, r, &apierr.Error{Kind: apierr.ErrServer, Op: op, Err: err})
		return
	}
	s.pending.remove(req.UploadID)

	me := s.caller(r)
	if req.ParentDirectoryID == "" {
		req.ParentDirectoryID = me.RootDirectoryID
	}
	uploaded, err := s.state.commitUpload(req.ParentDirectoryID, req.AssetID, req.FileName, up.key, me.Info())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	logging.WithContext(r.Context()).Info("upload completed",
		zap.String("upload_id", req.UploadID),
		zap.String("asset_id", string(uploaded.ID)),
	)
	writeJSON(w, http.StatusOK, uploaded)
}

// handleDownload streams the latest content of a file or project bundle.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	key, err := s.state.latestObject(id)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	start := time.Now()
	body, size, err := s.cfg.Storage.GetObject(r.Context(), key)
	s.storageOp("getObject", start, err)
	if err != nil {
		s.sendError(w, r, &apierr.Error{Kind: apierr.ErrServer, Op: "getFile", Err: err})
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, body); err != nil {
		logging.WithContext(r.Context()).Warn("download interrupted", zap.String("asset_id", string(id)), zap.Error(err))
	}
}
