// Package cloudsim is an in-process stand-in for the cloud API: the same
// routes, JSON shapes and error envelope the remote backend speaks, backed
// by in-memory state and a pluggable object store.
package cloudsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/metrics"
	"github.com/fruitsalade/assetsync/internal/storage"
)

// Config holds simulator settings.
type Config struct {
	// Storage holds uploaded content. It must also implement
	// storage.Multipart.
	Storage storage.Backend
	Issuer  *auth.Issuer

	// BaseURL is the address clients reach the simulator at. Part URLs for
	// stores that cannot presign point back here.
	BaseURL string

	// ChunkSize is the multipart part size; clients must use the same.
	ChunkSize int64

	Plan             backend.Plan
	OrganizationName string

	// OpenDelay is how long a project stays OpenInProgress.
	OpenDelay time.Duration
}

// Server serves the simulated cloud API.
type Server struct {
	cfg       Config
	multipart storage.Multipart
	state     *state
	pending   pendingUploads
}

// New creates a simulator.
func New(cfg Config) (*Server, error) {
	if cfg.Storage == nil {
		return nil, errors.New("cloudsim: storage is required")
	}
	mp, ok := cfg.Storage.(storage.Multipart)
	if !ok {
		return nil, fmt.Errorf("cloudsim: %s storage does not support multipart uploads", cfg.Storage.Type())
	}
	if cfg.Issuer == nil {
		return nil, errors.New("cloudsim: token issuer is required")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = config.DefaultChunkSize
	}
	if cfg.Plan == "" {
		cfg.Plan = backend.PlanSolo
	}
	if cfg.OrganizationName == "" {
		cfg.OrganizationName = "Organization"
	}
	return &Server{
		cfg:       cfg,
		multipart: mp,
		state:     newState(cfg.Plan, cfg.OrganizationName, cfg.OpenDelay),
	}, nil
}

// SetBaseURL sets the address part URLs point at. Tests call it once the
// listener address is known.
func (s *Server) SetBaseURL(u string) {
	s.cfg.BaseURL = strings.TrimRight(u, "/")
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	// Part URLs carry their own token in the query string.
	r.Put("/parts/{uploadID}/{part}", s.handlePutPart)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/users/me", s.handleUsersMe)
		r.Put("/users/me", s.handleUpdateUser)
		r.Get("/users", s.handleListUsers)

		r.Get("/organizations/me", s.handleGetOrganization)
		r.Patch("/organizations/me", s.handleUpdateOrganization)

		r.Get("/usergroups", s.handleListUserGroups)
		r.Post("/usergroups", s.handleCreateUserGroup)
		r.Delete("/usergroups/{id}", s.handleDeleteUserGroup)

		r.Patch("/invitations/accept", s.handleNoContent)
		r.Delete("/invitations/{email}", s.handleNoContent)
		r.Post("/permissions", s.handleCreatePermission)

		r.Get("/directories", s.handleListDirectory)
		r.Post("/directories", s.handleCreateDirectory)
		r.Put("/directories/{id}", s.handleUpdateDirectory)

		r.Patch("/assets", s.handleUndoDelete)
		r.Patch("/assets/{id}", s.handleUpdateAsset)
		r.Delete("/assets/{id}", s.handleDeleteAsset)
		r.Post("/assets/{id}/copy", s.handleCopyAsset)
		r.Get("/assets/{id}/versions", s.handleListVersions)
		r.Patch("/assets/{id}/labels", s.handleSetLabels)

		r.Get("/projects", s.handleListProjects)
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Put("/projects/{id}", s.handleUpdateProject)
		r.Post("/projects/{id}/open", s.handleOpenProject)
		r.Post("/projects/{id}/close", s.handleCloseProject)
		r.Post("/projects/{id}/duplicate", s.handleDuplicateProject)
		r.Post("/projects/{id}/restore", s.handleRestoreProject)
		r.Get("/projects/{id}/executions", s.handleListExecutions)

		r.Post("/project-executions", s.handleCreateExecution)
		r.Put("/project-executions/{id}", s.handleUpdateExecution)
		r.Delete("/project-executions/{id}", s.handleDeleteExecution)

		r.Post("/files/upload/start", s.handleUploadStart)
		r.Post("/files/upload/end", s.handleUploadEnd)
		r.Get("/files/{id}", s.handleDownload)

		r.Get("/secrets", s.handleListSecrets)
		r.Post("/secrets", s.handleCreateSecret)
		r.Get("/secrets/{id}", s.handleGetSecret)
		r.Put("/secrets/{id}", s.handleUpdateSecret)

		r.Post("/datalinks", s.handleCreateDatalink)
		r.Get("/datalinks/{id}", s.handleGetDatalink)
		r.Delete("/datalinks/{id}", s.handleDeleteDatalink)

		r.Get("/tags", s.handleListTags)
		r.Post("/tags", s.handleCreateTag)
		r.Delete("/tags/{id}", s.handleDeleteTag)
	})
	return r
}

type ctxKey int

const claimsKey ctxKey = iota

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			s.sendError(w, r, apierr.NotAuthorized(r.URL.Path, "missing bearer token"))
			return
		}
		claims, err := s.cfg.Issuer.Verify(token)
		if err != nil {
			s.sendError(w, r, apierr.NotAuthorized(r.URL.Path, "invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = logging.WithFields(ctx, zap.String("subject", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// caller returns the account behind the request, creating it on first
// sight.
func (s *Server) caller(r *http.Request) *backend.User {
	c := r.Context().Value(claimsKey).(*auth.Claims)
	u := s.state.user(c.Subject, c.Name, c.Email)
	cp := *u
	return &cp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("json encode failed", zap.Error(err))
	}
}

// errorBody is the API's JSON error envelope.
type errorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func errorStatus(err error) int {
	var e *apierr.Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apierr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apierr.ErrNotAuthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apierr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apierr.ErrInvalidIdentifierKind), errors.Is(err, apierr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apierr.ErrNetwork):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	body := errorBody{Type: http.StatusText(status), Message: err.Error()}
	var e *apierr.Error
	if errors.As(err, &e) {
		body.Code, body.Param = e.Code, e.Param
		if e.Message != "" {
			body.Message = e.Message
		}
	}
	log := logging.WithContext(r.Context())
	if status >= 500 {
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, body)
}

func badRequest(op, msg string) error {
	return &apierr.Error{Kind: apierr.ErrNetwork, Op: op, Status: http.StatusBadRequest, Message: msg}
}

// decode reads a JSON request body into v.
func decode(r *http.Request, op string, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest(op, "invalid JSON body: "+err.Error())
	}
	return nil
}
