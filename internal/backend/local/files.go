package local

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	storagelocal "github.com/fruitsalade/assetsync/internal/storage/local"
)

// rename moves path to a sibling named title.
func (b *Backend) rename(ctx context.Context, path, title string) (string, error) {
	if err := checkFileName("rename", filepath.Dir(path), title); err != nil {
		return "", err
	}
	to := filepath.Join(filepath.Dir(path), title)
	if to == path {
		return path, nil
	}
	if err := b.pm.MoveFile(ctx, path, to); err != nil {
		return "", err
	}
	return to, nil
}

func (b *Backend) UpdateDirectory(ctx context.Context, id assetid.ID, req backend.UpdateDirectoryRequest) (*backend.UpdatedDirectory, error) {
	from, err := b.dirPath(id)
	if err != nil {
		return nil, err
	}
	to, err := b.rename(ctx, from, req.Title)
	if err != nil {
		return nil, err
	}
	return &backend.UpdatedDirectory{
		ID:       assetid.LocalDirectory(to),
		ParentID: assetid.LocalDirectory(filepath.Dir(to)),
		Title:    req.Title,
	}, nil
}

func (b *Backend) UpdateFile(ctx context.Context, id assetid.ID, req backend.UpdateFileRequest) (assetid.ID, error) {
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return "", err
	}
	if ref.Kind != assetid.File {
		return "", apierr.InvalidIdentifier(string(id), "not a file")
	}
	to, err := b.rename(ctx, ref.Path, req.Title)
	if err != nil {
		return "", err
	}
	return assetid.LocalFile(to), nil
}

// UpdateAsset moves an asset to another directory. Descriptions do not exist
// locally and are ignored.
func (b *Backend) UpdateAsset(ctx context.Context, id assetid.ID, req backend.UpdateAssetRequest) (assetid.ID, error) {
	if req.ParentDirectoryID == "" {
		return id, nil
	}
	ref, err := assetid.DecodeLocal(id)
	if err != nil {
		return "", err
	}
	if ref.Kind == assetid.Project {
		return b.moveProject(ctx, ref.ProjectID, req.ParentDirectoryID)
	}

	target, err := b.dirPath(req.ParentDirectoryID)
	if err != nil {
		return "", err
	}
	to := filepath.Join(target, filepath.Base(ref.Path))
	if to != ref.Path {
		if err := b.pm.MoveFile(ctx, ref.Path, to); err != nil {
			return "", err
		}
	}
	return assetid.Encode(ref.Kind, to), nil
}

// UploadFileStart performs the whole transfer. Files are written straight
// to disk; projects are handed to the local app server for import. The
// result is kept until UploadFileEnd collects it.
func (b *Backend) UploadFileStart(ctx context.Context, req backend.UploadFileRequest, src backend.UploadSource) (*backend.UploadSession, error) {
	parent, err := b.dirPath(req.ParentDirectoryID)
	if err != nil {
		return nil, err
	}
	if err := checkFileName("uploadFileStart", parent, req.FileName); err != nil {
		return nil, err
	}
	content := io.NewSectionReader(src, 0, src.Size())

	var result *backend.UploadedAsset
	if backend.IsProjectFileName(req.FileName) {
		result, err = b.importProject(ctx, parent, backend.StripProjectExtension(req.FileName), content)
	} else {
		result, err = b.writeFile(req, parent, content)
	}
	if err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	b.mu.Lock()
	b.uploads[uploadID] = result
	b.mu.Unlock()
	return &backend.UploadSession{UploadID: uploadID, PresignedURLs: []string{}}, nil
}

// checkFileName rejects names that would not land directly inside parent.
func checkFileName(op, parent, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return apierr.InvalidInput(op, fmt.Sprintf("invalid file name %q", name))
	}
	if filepath.Dir(filepath.Join(parent, name)) != filepath.Clean(parent) {
		return apierr.InvalidInput(op, fmt.Sprintf("file name %q leaves its directory", name))
	}
	return nil
}

func (b *Backend) writeFile(req backend.UploadFileRequest, parent string, content io.Reader) (*backend.UploadedAsset, error) {
	path := filepath.Join(parent, req.FileName)
	if req.FileID != "" {
		ref, err := assetid.DecodeLocal(req.FileID)
		if err != nil {
			return nil, err
		}
		path = ref.Path
	}
	if err := storagelocal.WriteFile(path, content); err != nil {
		return nil, fmt.Errorf("upload file %s: %w", req.FileName, err)
	}
	return &backend.UploadedAsset{ID: assetid.LocalFile(path)}, nil
}

func (b *Backend) importProject(ctx context.Context, parent, name string, content io.Reader) (*backend.UploadedAsset, error) {
	const op = "uploadProject"
	if b.serverURL == "" {
		return nil, backend.Unsupported(backend.TypeLocal, op)
	}
	query := url.Values{"directory": {parent}, "name": {name}}
	endpoint := strings.TrimRight(b.serverURL, "/") + "/api/upload-project?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, content)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Network(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if err != nil {
		return nil, apierr.Network(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apierr.Error{Kind: apierr.ErrServer, Op: op, Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	uid, err := uuid.Parse(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, &apierr.Error{Kind: apierr.ErrServer, Op: op, Status: resp.StatusCode, Message: "malformed project id", Err: err}
	}

	id := assetid.LocalProject(uid)
	p, err := b.GetProjectDetails(ctx, id, assetid.LocalDirectory(parent))
	if err != nil {
		return nil, err
	}
	return &backend.UploadedAsset{
		ID: id,
		Project: &backend.CreatedProject{
			ID:          id,
			Name:        p.Name,
			ParentID:    p.ParentID,
			PackageName: p.PackageName,
			State:       p.State,
		},
	}, nil
}

// UploadFileChunk has nothing to do; the content went up in UploadFileStart.
func (b *Backend) UploadFileChunk(context.Context, string, backend.UploadSource, int) (*backend.UploadedPart, error) {
	return &backend.UploadedPart{}, nil
}

func (b *Backend) UploadFileEnd(_ context.Context, req backend.UploadFileEndRequest) (*backend.UploadedAsset, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.uploads[req.UploadID]
	if !ok {
		return nil, apierr.NotFound("uploadFileEnd", fmt.Sprintf("upload %s not found", req.UploadID))
	}
	delete(b.uploads, req.UploadID)
	return result, nil
}
