// Package projectmanager is a JSON-RPC 2.0 client for the local project
// manager process, spoken over a WebSocket.
package projectmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
)

// RPC method names.
const (
	MethodListDirectory   = "filesystem/list"
	MethodExists          = "filesystem/exists"
	MethodCreateDirectory = "filesystem/createDirectory"
	MethodDeleteFile      = "filesystem/deleteFile"
	MethodMoveFile        = "filesystem/moveFile"
	MethodCreateProject   = "project/create"
	MethodOpenProject     = "project/open"
	MethodCloseProject    = "project/close"
	MethodDuplicate       = "project/duplicate"
	MethodRename          = "project/rename"
	MethodDeleteProject   = "project/delete"
	MethodListProjects    = "project/list"
)

// Error codes the project manager reports for missing targets.
const (
	CodeFileNotFound    = 1003
	CodeProjectNotFound = 4004
	CodeFileExists      = 1004
	CodeProjectExists   = 4003
)

const (
	dialTimeout  = 10 * time.Second
	readLimit    = 32 << 20
	pingInterval = 20 * time.Second
	pingTimeout  = 5 * time.Second
)

// Client is the project manager surface the local backend depends on.
type Client interface {
	ListDirectory(ctx context.Context, path string) ([]Entry, error)
	Exists(ctx context.Context, path string) (bool, error)
	CreateDirectory(ctx context.Context, path string) error
	DeleteFile(ctx context.Context, path string) error
	MoveFile(ctx context.Context, from, to string) error
	CreateProject(ctx context.Context, params CreateProjectParams) (*CreatedProject, error)
	OpenProject(ctx context.Context, params OpenProjectParams) (*OpenedProject, error)
	CloseProject(ctx context.Context, id uuid.UUID) error
	DuplicateProject(ctx context.Context, id uuid.UUID) (*CreatedProject, error)
	RenameProject(ctx context.Context, id uuid.UUID, name string) error
	DeleteProject(ctx context.Context, id uuid.UUID) error
	ListProjects(ctx context.Context) ([]ProjectMetadata, error)
}

// RPCError is an error object returned by the project manager.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("project manager error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// session is one live connection with its reader goroutine.
type session struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	pending map[int64]chan response
	err     error
}

// RPCClient dials lazily and redials after the connection drops.
type RPCClient struct {
	url    string
	log    *zap.Logger
	nextID atomic.Int64

	mu      sync.Mutex
	current *session
}

var _ Client = (*RPCClient)(nil)

// New creates a client for the project manager at url (ws:// or wss://).
func New(url string) *RPCClient {
	return &RPCClient{url: url, log: logging.Named("projectmanager")}
}

// Close drops the connection. Later calls dial again.
func (c *RPCClient) Close() error {
	c.mu.Lock()
	s := c.current
	c.current = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	<-s.done
	// Cancelling the reader already tears the connection down.
	if err := s.conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
		c.log.Debug("close", zap.Error(err))
	}
	return nil
}

func (c *RPCClient) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		select {
		case <-c.current.done:
			c.current = nil
		default:
			return c.current, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		return nil, apierr.Network("projectManager.dial", err)
	}
	conn.SetReadLimit(readLimit)

	lifetime, stop := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		cancel:  stop,
		done:    make(chan struct{}),
		pending: make(map[int64]chan response),
	}
	go c.readLoop(lifetime, s)
	go ping(lifetime, conn)
	c.current = s
	c.log.Debug("connected", zap.String("url", c.url))
	return s, nil
}

func (c *RPCClient) readLoop(ctx context.Context, s *session) {
	defer close(s.done)
	for {
		var resp response
		if err := wsjson.Read(ctx, s.conn, &resp); err != nil {
			s.fail(err)
			if ctx.Err() == nil {
				c.log.Warn("connection lost", zap.Error(err))
			}
			return
		}
		if resp.ID == nil {
			// Notifications are not used.
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		delete(s.pending, *resp.ID)
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func ping(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

// fail aborts every pending call.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func (s *session) register(id int64) (chan response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan response, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// call sends one request and decodes its result into out.
func (c *RPCClient) call(ctx context.Context, method string, params, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordBackendRequest("projectManager", method, err, time.Since(start))
	}()

	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	ch, err := s.register(id)
	if err != nil {
		return apierr.Network(method, err)
	}

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		s.forget(id)
		return apierr.Network(method, err)
	}

	select {
	case <-ctx.Done():
		s.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return apierr.Network(method, errors.New("connection closed"))
		}
		if resp.Error != nil {
			return mapError(method, resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func mapError(method string, e *RPCError) error {
	kind := apierr.ErrServer
	switch e.Code {
	case CodeFileNotFound, CodeProjectNotFound:
		kind = apierr.ErrNotFound
	case CodeFileExists, CodeProjectExists:
		kind = apierr.ErrConflict
	}
	return &apierr.Error{Kind: kind, Op: method, Code: fmt.Sprint(e.Code), Message: e.Message, Err: e}
}

func (c *RPCClient) ListDirectory(ctx context.Context, path string) ([]Entry, error) {
	var res listResult
	if err := c.call(ctx, MethodListDirectory, pathParams{Path: path}, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (c *RPCClient) Exists(ctx context.Context, path string) (bool, error) {
	var res existsResult
	if err := c.call(ctx, MethodExists, pathParams{Path: path}, &res); err != nil {
		return false, err
	}
	return res.Exists, nil
}

func (c *RPCClient) CreateDirectory(ctx context.Context, path string) error {
	return c.call(ctx, MethodCreateDirectory, pathParams{Path: path}, nil)
}

func (c *RPCClient) DeleteFile(ctx context.Context, path string) error {
	return c.call(ctx, MethodDeleteFile, pathParams{Path: path}, nil)
}

func (c *RPCClient) MoveFile(ctx context.Context, from, to string) error {
	return c.call(ctx, MethodMoveFile, moveParams{From: from, To: to}, nil)
}

func (c *RPCClient) CreateProject(ctx context.Context, params CreateProjectParams) (*CreatedProject, error) {
	var res CreatedProject
	if err := c.call(ctx, MethodCreateProject, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RPCClient) OpenProject(ctx context.Context, params OpenProjectParams) (*OpenedProject, error) {
	var res OpenedProject
	if err := c.call(ctx, MethodOpenProject, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RPCClient) CloseProject(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, MethodCloseProject, projectIDParams{ProjectID: id}, nil)
}

func (c *RPCClient) DuplicateProject(ctx context.Context, id uuid.UUID) (*CreatedProject, error) {
	var res CreatedProject
	if err := c.call(ctx, MethodDuplicate, projectIDParams{ProjectID: id}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RPCClient) RenameProject(ctx context.Context, id uuid.UUID, name string) error {
	return c.call(ctx, MethodRename, renameParams{ProjectID: id, Name: name}, nil)
}

func (c *RPCClient) DeleteProject(ctx context.Context, id uuid.UUID) error {
	return c.call(ctx, MethodDeleteProject, projectIDParams{ProjectID: id}, nil)
}

func (c *RPCClient) ListProjects(ctx context.Context) ([]ProjectMetadata, error) {
	var res listProjectsResult
	if err := c.call(ctx, MethodListProjects, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Projects, nil
}
