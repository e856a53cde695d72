package cloudsim

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
)

func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// assetParam returns the {id} path parameter, rejecting identifiers that do
// not decode.
func assetParam(r *http.Request) (assetid.ID, error) {
	id := assetid.ID(param(r, "id"))
	if _, err := assetid.KindOf(id); err != nil {
		return "", err
	}
	return id, nil
}

// respond writes v as JSON, or the error envelope when err is set.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleNoContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// Users and organizations.

func (s *Server) handleUsersMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caller(r))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateUserRequest
	if err := decode(r, "updateUser", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	me := s.caller(r)
	if req.Username != nil {
		s.state.renameUser(me.UserID, *req.Username)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.caller(r).OrganizationID == "" {
		s.sendError(w, r, apierr.Forbidden("listUsers", "user has no organization"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": s.state.listUsers()})
}

func (s *Server) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.state.organization()
	s.respond(w, r, org, err)
}

func (s *Server) handleUpdateOrganization(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateOrganizationRequest
	if err := decode(r, "updateOrganization", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	org, err := s.state.updateOrganization(req)
	s.respond(w, r, org, err)
}

func (s *Server) handleListUserGroups(w http.ResponseWriter, r *http.Request) {
	if s.caller(r).OrganizationID == "" {
		s.sendError(w, r, apierr.Forbidden("listUserGroups", "user has no organization"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userGroups": s.state.listGroups()})
}

func (s *Server) handleCreateUserGroup(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateUserGroupRequest
	if err := decode(r, "createUserGroup", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	g, err := s.state.createGroup(req.Name)
	s.respond(w, r, g, err)
}

func (s *Server) handleDeleteUserGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.state.deleteGroup(param(r, "id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	var req backend.CreatePermissionRequest
	if err := decode(r, "createPermission", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if len(req.ActorIDs) == 0 {
		s.sendError(w, r, badRequest("createPermission", "actorsIds is required"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Directories and assets.

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := backend.ListDirectoryRequest{
		ParentID:       assetid.ID(q.Get("parent_id")),
		FilterBy:       backend.Filter(q.Get("filter_by")),
		Labels:         q["labels"],
		RecentProjects: q.Get("recent_projects") == "true",
	}
	if req.ParentID == "" {
		req.ParentID = s.caller(r).RootDirectoryID
	}
	assets, err := s.state.list(req)
	if assets == nil {
		assets = []backend.Asset{}
	}
	s.respond(w, r, map[string]any{"assets": assets}, err)
}

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateDirectoryRequest
	if err := decode(r, "createDirectory", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	me := s.caller(r)
	if req.ParentID == "" {
		req.ParentID = me.RootDirectoryID
	}
	dir, err := s.state.createDirectory(req, me.Info())
	s.respond(w, r, dir, err)
}

func (s *Server) handleUpdateDirectory(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req backend.UpdateDirectoryRequest
	if err := decode(r, "updateDirectory", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	dir, err := s.state.updateDirectory(id, req.Title)
	s.respond(w, r, dir, err)
}

func (s *Server) handleUndoDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssetID assetid.ID `json:"assetId"`
	}
	if err := decode(r, "undoDeleteAsset", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.undoDelete(body.AssetID); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req backend.UpdateAssetRequest
	if err := decode(r, "updateAsset", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.updateAsset(id, req); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.state.deleteAsset(id, force); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCopyAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var body struct {
		ParentDirectoryID assetid.ID `json:"parentDirectoryId"`
	}
	if err := decode(r, "copyAsset", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	copied, err := s.state.copyAsset(id, body.ParentDirectoryID, s.caller(r).Info())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"asset": copied})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	versions, err := s.state.versions(id)
	s.respond(w, r, map[string]any{"versions": versions}, err)
}

func (s *Server) handleSetLabels(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var body struct {
		Labels []string `json:"labels"`
	}
	if err := decode(r, "associateTag", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.setLabels(id, body.Labels); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Projects.

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects := s.state.listProjects()
	if projects == nil {
		projects = []backend.ProjectSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateProjectRequest
	if err := decode(r, "createProject", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	me := s.caller(r)
	if req.ParentDirectoryID == "" {
		req.ParentDirectoryID = me.RootDirectoryID
	}
	p, err := s.state.createProject(req, me.Info())
	s.respond(w, r, p, err)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	p, err := s.state.projectDetails(id)
	s.respond(w, r, p, err)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req backend.UpdateProjectRequest
	if err := decode(r, "updateProject", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	p, err := s.state.renameProject(id, req.ProjectName)
	s.respond(w, r, p, err)
}

func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.setProjectState("openProject", id, backend.StateOpenInProgress, s.caller(r).Email); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCloseProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.setProjectState("closeProject", id, backend.StateClosed, ""); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type versionBody struct {
	VersionID string `json:"versionId"`
}

func (s *Server) handleDuplicateProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var body versionBody
	if err := decode(r, "duplicateProject", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	p, err := s.state.duplicateProject(id, body.VersionID, s.caller(r).Info())
	s.respond(w, r, p, err)
}

func (s *Server) handleRestoreProject(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var body versionBody
	if err := decode(r, "restoreProject", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.restoreProject(id, body.VersionID); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Scheduled executions.

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	executions := s.state.listExecutions(id)
	if executions == nil {
		executions = []backend.ProjectExecution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateProjectExecutionRequest
	if err := decode(r, "createProjectExecution", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	pe, err := s.state.createExecution(req)
	s.respond(w, r, pe, err)
}

func (s *Server) handleUpdateExecution(w http.ResponseWriter, r *http.Request) {
	var req backend.UpdateProjectExecutionRequest
	if err := decode(r, "updateProjectExecution", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	pe, err := s.state.updateExecution(param(r, "id"), req)
	s.respond(w, r, pe, err)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.state.deleteExecution(param(r, "id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Secrets, datalinks and tags.

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	secrets := s.state.listSecrets()
	if secrets == nil {
		secrets = []backend.SecretInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": secrets})
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateSecretRequest
	if err := decode(r, "createSecret", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	me := s.caller(r)
	if req.ParentDirectoryID == "" {
		req.ParentDirectoryID = me.RootDirectoryID
	}
	id, err := s.state.createSecret(req, me.Info())
	s.respond(w, r, map[string]assetid.ID{"id": id}, err)
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	secret, err := s.state.secret(id)
	s.respond(w, r, secret, err)
}

func (s *Server) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(r, "updateSecret", &body); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.updateSecret(id, body.Value); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateDatalink(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateDatalinkRequest
	if err := decode(r, "createDatalink", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	me := s.caller(r)
	if req.ParentDirectoryID == "" {
		req.ParentDirectoryID = me.RootDirectoryID
	}
	d, err := s.state.createDatalink(req, me.Info())
	s.respond(w, r, d, err)
}

func (s *Server) handleGetDatalink(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	raw, err := s.state.datalink(id)
	s.respond(w, r, json.RawMessage(raw), err)
}

func (s *Server) handleDeleteDatalink(w http.ResponseWriter, r *http.Request) {
	id, err := assetParam(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.state.deleteDatalink(id); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags := s.state.listTags()
	if tags == nil {
		tags = []backend.Label{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req backend.CreateTagRequest
	if err := decode(r, "createTag", &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if req.Value == "" {
		s.sendError(w, r, badRequest("createTag", "value is required"))
		return
	}
	writeJSON(w, http.StatusOK, s.state.createTag(req))
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	if err := s.state.deleteTag(param(r, "id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
