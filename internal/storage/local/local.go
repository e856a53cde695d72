// Package local provides a filesystem object store.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/fruitsalade/assetsync/internal/storage"
)

const tempPattern = ".assetsync-*.tmp"

// Config holds filesystem store settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// Backend stores objects as files under a root directory.
type Backend struct {
	rootPath   string
	createDirs bool
}

var (
	_ storage.Backend   = (*Backend)(nil)
	_ storage.Multipart = (*Backend)(nil)
)

// New creates a filesystem store, creating the root when CreateDirs is set.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath, createDirs: cfg.CreateDirs}, nil
}

func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

func (b *Backend) uploadDir(uploadID string) string {
	return filepath.Join(b.rootPath, ".uploads", uploadID)
}

func (b *Backend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(b.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// PutObject writes content atomically through a temporary file.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	return b.writeAtomic(b.fullPath(key), body)
}

// WriteFile writes body to path atomically. The parent directory must exist.
func WriteFile(path string, body io.Reader) error {
	return (&Backend{}).writeAtomic(path, body)
}

func (b *Backend) writeAtomic(path string, body io.Reader) error {
	dir := filepath.Dir(path)
	if b.createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", path, err)
		}
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

func (b *Backend) DeleteObject(_ context.Context, key string) error {
	err := os.Remove(b.fullPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	src, _, err := b.GetObject(ctx, srcKey)
	if err != nil {
		return err
	}
	defer src.Close()
	return b.writeAtomic(b.fullPath(dstKey), src)
}

func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.fullPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// CreateMultipartUpload stages parts in a hidden per-upload directory.
func (b *Backend) CreateMultipartUpload(_ context.Context, _ string) (string, error) {
	id := uuid.NewString()
	if err := os.MkdirAll(b.uploadDir(id), 0o755); err != nil {
		return "", fmt.Errorf("create upload %s: %w", id, err)
	}
	return id, nil
}

// UploadPart stores one part and returns its MD5 as the ETag.
func (b *Backend) UploadPart(_ context.Context, _ string, uploadID string, partNumber int, body io.Reader, _ int64) (string, error) {
	dir := b.uploadDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("upload %s: %w", uploadID, storage.ErrNotFound)
	}
	h := md5.New()
	if err := b.writeAtomic(filepath.Join(dir, strconv.Itoa(partNumber)), io.TeeReader(body, h)); err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// CompleteMultipartUpload concatenates the listed parts in part order.
func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.Part) error {
	dir := b.uploadDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("upload %s: %w", uploadID, storage.ErrNotFound)
	}
	sorted := append([]storage.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	pr, pw := io.Pipe()
	go func() {
		for _, p := range sorted {
			f, err := os.Open(filepath.Join(dir, strconv.Itoa(p.PartNumber)))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("part %d: %w", p.PartNumber, err))
				return
			}
			_, err = io.Copy(pw, f)
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	if err := b.writeAtomic(b.fullPath(key), pr); err != nil {
		pr.CloseWithError(err)
		return err
	}
	return b.AbortMultipartUpload(ctx, key, uploadID)
}

func (b *Backend) AbortMultipartUpload(_ context.Context, _ string, uploadID string) error {
	if err := os.RemoveAll(b.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("remove upload %s: %w", uploadID, err)
	}
	return nil
}

func (b *Backend) Type() string { return "local" }

func (b *Backend) Close() error { return nil }
