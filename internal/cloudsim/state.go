package cloudsim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/assetid"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/execution"
)

// recentLimit caps the recent-projects listing.
const recentLimit = 20

type version struct {
	backend.AssetVersion
	objectKey string
}

type node struct {
	asset    backend.Asset
	trashed  bool
	versions []version
	secret   string
	datalink json.RawMessage

	stateSince time.Time
}

// state is the simulated cloud: one organization, its users and their
// asset trees.
type state struct {
	mu         sync.Mutex
	plan       backend.Plan
	openDelay  time.Duration
	org        *backend.Organization
	users      map[string]*backend.User
	groups     map[string]backend.UserGroupInfo
	nodes      map[assetid.ID]*node
	tags       map[string]backend.Label
	executions map[string]backend.ProjectExecution
}

func newState(plan backend.Plan, orgName string, openDelay time.Duration) *state {
	s := &state{
		plan:       plan,
		openDelay:  openDelay,
		users:      make(map[string]*backend.User),
		groups:     make(map[string]backend.UserGroupInfo),
		nodes:      make(map[assetid.ID]*node),
		tags:       make(map[string]backend.Label),
		executions: make(map[string]backend.ProjectExecution),
	}
	if plan == backend.PlanTeam || plan == backend.PlanEnterprise {
		s.org = &backend.Organization{ID: "organization-" + uuid.NewString(), Name: orgName}
		root := assetid.OrganizationRootDirectory(s.org.ID)
		s.nodes[root] = &node{asset: backend.Asset{Type: assetid.Directory, ID: root, Title: orgName, ModifiedAt: time.Now()}}
	}
	return s
}

func newID(kind assetid.Kind) assetid.ID {
	return assetid.Encode(kind, uuid.NewString())
}

// user returns the account for subject, creating it with a personal root
// directory on first sight.
func (s *state) user(subject, name, email string) *backend.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[subject]; ok {
		return u
	}
	root := newID(assetid.Directory)
	u := &backend.User{
		UserID:          subject,
		Name:            name,
		Email:           email,
		RootDirectoryID: root,
		Plan:            s.plan,
		IsEnabled:       true,
	}
	if s.org != nil {
		u.OrganizationID = s.org.ID
	}
	s.users[subject] = u
	s.nodes[root] = &node{asset: backend.Asset{Type: assetid.Directory, ID: root, Title: name, ModifiedAt: time.Now()}}
	return u
}

func (s *state) renameUser(subject, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[subject]; ok {
		u.Name = name
	}
}

func (s *state) listUsers() []backend.UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.MapToSlice(s.users, func(_ string, u *backend.User) backend.UserInfo { return u.Info() })
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) organization() (*backend.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.org == nil {
		return nil, apierr.NotFound("getOrganization", "user has no organization")
	}
	org := *s.org
	return &org, nil
}

func (s *state) updateOrganization(req backend.UpdateOrganizationRequest) (*backend.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.org == nil {
		return nil, apierr.NotFound("updateOrganization", "user has no organization")
	}
	for dst, src := range map[*string]*string{
		&s.org.Name: req.Name, &s.org.Email: req.Email, &s.org.Website: req.Website, &s.org.Address: req.Address,
	} {
		if src != nil {
			*dst = *src
		}
	}
	org := *s.org
	return &org, nil
}

func (s *state) createGroup(name string) (*backend.UserGroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.org == nil {
		return nil, apierr.Forbidden("createUserGroup", "user groups need an organization")
	}
	g := backend.UserGroupInfo{ID: "usergroup-" + uuid.NewString(), Name: name, OrganizationID: s.org.ID}
	s.groups[g.ID] = g
	dir := assetid.Encode(assetid.Directory, strings.TrimPrefix(g.ID, "usergroup-"))
	s.nodes[dir] = &node{asset: backend.Asset{Type: assetid.Directory, ID: dir, Title: name, ModifiedAt: time.Now()}}
	return &g, nil
}

func (s *state) deleteGroup(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[id]; !ok {
		return apierr.NotFound("deleteUserGroup", id)
	}
	delete(s.groups, id)
	return nil
}

func (s *state) listGroups() []backend.UserGroupInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Values(s.groups)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Assets.

func (s *state) get(op string, id assetid.ID) (*node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, apierr.NotFound(op, fmt.Sprintf("asset %s not found", id))
	}
	return n, nil
}

func (s *state) dir(op string, id assetid.ID) (*node, error) {
	n, err := s.get(op, id)
	if err != nil {
		return nil, err
	}
	if n.asset.Type != assetid.Directory || n.trashed {
		return nil, apierr.NotFound(op, fmt.Sprintf("directory %s not found", id))
	}
	return n, nil
}

// inTrash reports whether n or one of its ancestors is trashed.
func (s *state) inTrash(n *node) bool {
	for n != nil {
		if n.trashed {
			return true
		}
		n = s.nodes[n.asset.ParentID]
	}
	return false
}

// add creates a node under parent owned by owner. s.mu must be held.
func (s *state) add(op string, kind assetid.Kind, parent assetid.ID, title string, owner backend.UserInfo) (*node, error) {
	if _, err := s.dir(op, parent); err != nil {
		return nil, err
	}
	n := &node{asset: backend.Asset{
		Type:        kind,
		ID:          newID(kind),
		ParentID:    parent,
		Title:       title,
		ModifiedAt:  time.Now(),
		Permissions: []backend.Permission{{Action: backend.ActionOwn, User: backend.StaticUser(owner)}},
	}}
	if kind == assetid.Project {
		n.asset.ProjectState = &backend.ProjectStateInfo{Type: backend.StateClosed}
		n.stateSince = time.Now()
	}
	s.nodes[n.asset.ID] = n
	return n, nil
}

// view returns the asset as clients see it, advancing project states that
// have finished opening. s.mu must be held.
func (s *state) view(n *node) backend.Asset {
	if ps := n.asset.ProjectState; ps != nil && ps.Type == backend.StateOpenInProgress && time.Since(n.stateSince) >= s.openDelay {
		ps.Type = backend.StateOpened
	}
	a := n.asset
	if a.ProjectState != nil {
		ps := *a.ProjectState
		a.ProjectState = &ps
	}
	return a
}

func (s *state) list(req backend.ListDirectoryRequest) ([]backend.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var match func(n *node) bool
	switch {
	case req.RecentProjects || req.FilterBy == backend.FilterRecent:
		match = func(n *node) bool { return n.asset.Type == assetid.Project && !s.inTrash(n) }
	case len(req.Labels) > 0:
		match = func(n *node) bool {
			return !s.inTrash(n) && len(lo.Intersect(n.asset.Labels, req.Labels)) > 0
		}
	case req.FilterBy == backend.FilterTrashed:
		// Only the top of each trashed subtree is listed.
		match = func(n *node) bool { return n.trashed && !s.inTrash(s.nodes[n.asset.ParentID]) }
	default:
		if _, err := s.dir("listDirectory", req.ParentID); err != nil {
			return nil, err
		}
		match = func(n *node) bool {
			return n.asset.ParentID == req.ParentID && (req.FilterBy == backend.FilterAll || !n.trashed)
		}
	}

	var out []backend.Asset
	for _, n := range s.nodes {
		if n.asset.ParentID == "" || !match(n) {
			continue
		}
		out = append(out, s.view(n))
	}
	if req.RecentProjects || req.FilterBy == backend.FilterRecent {
		sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
		if len(out) > recentLimit {
			out = out[:recentLimit]
		}
		return out, nil
	}
	backend.SortAssets(out)
	return out, nil
}

func (s *state) createDirectory(req backend.CreateDirectoryRequest, owner backend.UserInfo) (*backend.CreatedDirectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add("createDirectory", assetid.Directory, req.ParentID, req.Title, owner)
	if err != nil {
		return nil, err
	}
	return &backend.CreatedDirectory{ID: n.asset.ID, ParentID: n.asset.ParentID, Title: n.asset.Title}, nil
}

func (s *state) updateDirectory(id assetid.ID, title string) (*backend.UpdatedDirectory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.dir("updateDirectory", id)
	if err != nil {
		return nil, err
	}
	n.asset.Title = title
	n.asset.ModifiedAt = time.Now()
	return &backend.UpdatedDirectory{ID: id, ParentID: n.asset.ParentID, Title: title}, nil
}

func (s *state) updateAsset(id assetid.ID, req backend.UpdateAssetRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("updateAsset", id)
	if err != nil {
		return err
	}
	if req.ParentDirectoryID != "" {
		if _, err := s.dir("updateAsset", req.ParentDirectoryID); err != nil {
			return err
		}
		for p := s.nodes[req.ParentDirectoryID]; p != nil; p = s.nodes[p.asset.ParentID] {
			if p == n {
				return apierr.Conflict("updateAsset", "cannot move a directory into itself")
			}
		}
		n.asset.ParentID = req.ParentDirectoryID
	}
	if req.Description != nil {
		n.asset.Description = *req.Description
	}
	n.asset.ModifiedAt = time.Now()
	return nil
}

func (s *state) deleteAsset(id assetid.ID, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("deleteAsset", id)
	if err != nil {
		return err
	}
	if n.asset.ParentID == "" {
		return apierr.Forbidden("deleteAsset", "root directories cannot be deleted")
	}
	if !force {
		n.trashed = true
		return nil
	}
	s.remove(id)
	return nil
}

// remove deletes id and everything under it. s.mu must be held.
func (s *state) remove(id assetid.ID) {
	for childID, child := range s.nodes {
		if child.asset.ParentID == id {
			s.remove(childID)
		}
	}
	delete(s.nodes, id)
}

func (s *state) undoDelete(id assetid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("undoDeleteAsset", id)
	if err != nil {
		return err
	}
	if !n.trashed {
		return apierr.NotFound("undoDeleteAsset", fmt.Sprintf("asset %s is not in the trash", id))
	}
	n.trashed = false
	return nil
}

func (s *state) copyAsset(id, parentID assetid.ID, owner backend.UserInfo) (*backend.CopiedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.get("copyAsset", id)
	if err != nil {
		return nil, err
	}
	if src.asset.Type == assetid.Directory {
		return nil, apierr.Forbidden("copyAsset", "directories cannot be copied")
	}
	n, err := s.add("copyAsset", src.asset.Type, parentID, src.asset.Title, owner)
	if err != nil {
		return nil, err
	}
	n.asset.Labels = append([]string(nil), src.asset.Labels...)
	n.versions = append([]version(nil), src.versions...)
	n.secret, n.datalink = src.secret, src.datalink
	return &backend.CopiedAsset{ID: n.asset.ID, ParentID: parentID, Title: n.asset.Title}, nil
}

func (s *state) versions(id assetid.ID) ([]backend.AssetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("listAssetVersions", id)
	if err != nil {
		return nil, err
	}
	out := lo.Map(n.versions, func(v version, _ int) backend.AssetVersion { return v.AssetVersion })
	return lo.Reverse(out), nil
}

func (s *state) setLabels(id assetid.ID, labels []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("associateTag", id)
	if err != nil {
		return err
	}
	n.asset.Labels = lo.Uniq(labels)
	return nil
}

// Projects.

func (s *state) project(op string, id assetid.ID) (*node, error) {
	n, err := s.get(op, id)
	if err != nil {
		return nil, err
	}
	if n.asset.Type != assetid.Project {
		return nil, apierr.NotFound(op, fmt.Sprintf("project %s not found", id))
	}
	return n, nil
}

func (s *state) listProjects() []backend.ProjectSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.ProjectSummary
	for _, n := range s.nodes {
		if n.asset.Type != assetid.Project || s.inTrash(n) {
			continue
		}
		a := s.view(n)
		out = append(out, backend.ProjectSummary{ID: a.ID, Name: a.Title, ParentID: a.ParentID, State: *a.ProjectState})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) createProject(req backend.CreateProjectRequest, owner backend.UserInfo) (*backend.CreatedProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add("createProject", assetid.Project, req.ParentDirectoryID, req.ProjectName, owner)
	if err != nil {
		return nil, err
	}
	return s.created(n), nil
}

func (s *state) created(n *node) *backend.CreatedProject {
	a := s.view(n)
	return &backend.CreatedProject{
		ID:          a.ID,
		Name:        a.Title,
		ParentID:    a.ParentID,
		PackageName: packageName(a.Title),
		State:       *a.ProjectState,
	}
}

func packageName(title string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(title)), " ", "_")
}

func (s *state) projectDetails(id assetid.ID) (*backend.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.project("getProjectDetails", id)
	if err != nil {
		return nil, err
	}
	a := s.view(n)
	p := &backend.Project{
		ID:          id,
		Name:        a.Title,
		ParentID:    a.ParentID,
		PackageName: packageName(a.Title),
		State:       *a.ProjectState,
	}
	if p.State.Type == backend.StateOpened {
		p.JSONAddress = "ws://127.0.0.1:30616/" + string(id)
		p.BinaryAddress = "ws://127.0.0.1:30617/" + string(id)
	}
	return p, nil
}

func (s *state) setProjectState(op string, id assetid.ID, next backend.ProjectState, openedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.project(op, id)
	if err != nil {
		return err
	}
	current := s.view(n).ProjectState.Type
	if next == backend.StateOpenInProgress && (current == backend.StateOpened || current == backend.StateOpenInProgress) {
		return nil
	}
	n.asset.ProjectState = &backend.ProjectStateInfo{Type: next, OpenedBy: openedBy}
	n.stateSince = time.Now()
	n.asset.ModifiedAt = n.stateSince
	return nil
}

func (s *state) renameProject(id assetid.ID, name *string) (*backend.UpdatedProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.project("updateProject", id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		n.asset.Title = *name
		n.asset.ModifiedAt = time.Now()
	}
	a := s.view(n)
	return &backend.UpdatedProject{ID: id, Name: a.Title, State: *a.ProjectState}, nil
}

func (s *state) duplicateProject(id assetid.ID, versionID string, owner backend.UserInfo) (*backend.CreatedProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.project("duplicateProject", id)
	if err != nil {
		return nil, err
	}
	n, err := s.add("duplicateProject", assetid.Project, src.asset.ParentID, src.asset.Title+" (copy)", owner)
	if err != nil {
		return nil, err
	}
	for _, v := range src.versions {
		if versionID == "" || v.VersionID == versionID {
			n.versions = append(n.versions, v)
		}
	}
	return s.created(n), nil
}

func (s *state) restoreProject(id assetid.ID, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.project("restoreProject", id)
	if err != nil {
		return err
	}
	v, ok := lo.Find(n.versions, func(v version) bool { return v.VersionID == versionID })
	if !ok {
		return apierr.NotFound("restoreProject", fmt.Sprintf("version %s not found", versionID))
	}
	s.addVersion(n, v.objectKey)
	return nil
}

// addVersion records objectKey as the latest content of n. s.mu must be
// held.
func (s *state) addVersion(n *node, objectKey string) {
	for i := range n.versions {
		n.versions[i].IsLatest = false
	}
	now := time.Now()
	n.versions = append(n.versions, version{
		AssetVersion: backend.AssetVersion{VersionID: uuid.NewString(), LastModified: now, IsLatest: true},
		objectKey:    objectKey,
	})
	n.asset.ModifiedAt = now
}

// Executions.

func (s *state) listExecutions(projectID assetid.ID) []backend.ProjectExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Filter(lo.Values(s.executions), func(pe backend.ProjectExecution, _ int) bool {
		return pe.ProjectID == projectID
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) createExecution(req backend.CreateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	if err := execution.ValidateCreate(req); err != nil {
		return nil, badRequest("createProjectExecution", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.project("createProjectExecution", req.ProjectID); err != nil {
		return nil, err
	}
	pe := backend.ProjectExecution{
		ID:                 "projectexecution-" + uuid.NewString(),
		ProjectID:          req.ProjectID,
		Repeat:             req.Repeat,
		TimeZone:           req.TimeZone,
		MaxDurationMinutes: req.MaxDurationMinutes,
		ParallelMode:       req.ParallelMode,
		Enabled:            true,
	}
	s.executions[pe.ID] = pe
	return &pe, nil
}

func (s *state) updateExecution(id string, req backend.UpdateProjectExecutionRequest) (*backend.ProjectExecution, error) {
	if err := execution.ValidateUpdate(req); err != nil {
		return nil, badRequest("updateProjectExecution", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pe, ok := s.executions[id]
	if !ok {
		return nil, apierr.NotFound("updateProjectExecution", id)
	}
	if req.Enabled != nil {
		pe.Enabled = *req.Enabled
	}
	if req.Repeat != nil {
		pe.Repeat = *req.Repeat
	}
	if req.MaxDurationMinutes != nil {
		pe.MaxDurationMinutes = *req.MaxDurationMinutes
	}
	if req.ParallelMode != nil {
		pe.ParallelMode = *req.ParallelMode
	}
	s.executions[id] = pe
	return &pe, nil
}

func (s *state) deleteExecution(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[id]; !ok {
		return apierr.NotFound("deleteProjectExecution", id)
	}
	delete(s.executions, id)
	return nil
}

// Secrets, datalinks and tags.

func (s *state) createSecret(req backend.CreateSecretRequest, owner backend.UserInfo) (assetid.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add("createSecret", assetid.Secret, req.ParentDirectoryID, req.Name, owner)
	if err != nil {
		return "", err
	}
	n.secret = req.Value
	return n.asset.ID, nil
}

func (s *state) secret(id assetid.ID) (*backend.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("getSecret", id)
	if err != nil || n.asset.Type != assetid.Secret {
		return nil, apierr.NotFound("getSecret", fmt.Sprintf("secret %s not found", id))
	}
	return &backend.Secret{ID: id, Value: n.secret}, nil
}

func (s *state) updateSecret(id assetid.ID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("updateSecret", id)
	if err != nil || n.asset.Type != assetid.Secret {
		return apierr.NotFound("updateSecret", fmt.Sprintf("secret %s not found", id))
	}
	n.secret = value
	n.asset.ModifiedAt = time.Now()
	return nil
}

func (s *state) listSecrets() []backend.SecretInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backend.SecretInfo
	for _, n := range s.nodes {
		if n.asset.Type == assetid.Secret && !s.inTrash(n) {
			out = append(out, backend.SecretInfo{ID: n.asset.ID, Name: n.asset.Title})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *state) createDatalink(req backend.CreateDatalinkRequest, owner backend.UserInfo) (*backend.DatalinkInfo, error) {
	if !json.Valid(req.Value) {
		return nil, badRequest("createDatalink", "datalink value is not JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.add("createDatalink", assetid.Datalink, req.ParentDirectoryID, req.Name, owner)
	if err != nil {
		return nil, err
	}
	n.datalink = req.Value
	return &backend.DatalinkInfo{ID: n.asset.ID, Name: n.asset.Title}, nil
}

func (s *state) datalink(id assetid.ID) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("getDatalink", id)
	if err != nil || n.asset.Type != assetid.Datalink {
		return nil, apierr.NotFound("getDatalink", fmt.Sprintf("datalink %s not found", id))
	}
	return n.datalink, nil
}

func (s *state) deleteDatalink(id assetid.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("deleteDatalink", id)
	if err != nil || n.asset.Type != assetid.Datalink {
		return apierr.NotFound("deleteDatalink", fmt.Sprintf("datalink %s not found", id))
	}
	s.remove(id)
	return nil
}

func (s *state) createTag(req backend.CreateTagRequest) *backend.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := lo.FindKeyBy(s.tags, func(_ string, l backend.Label) bool { return l.Value == req.Value }); ok {
		existing := s.tags[l]
		return &existing
	}
	l := backend.Label{ID: "tag-" + uuid.NewString(), Value: req.Value, Color: req.Color}
	s.tags[l.ID] = l
	return &l
}

func (s *state) listTags() []backend.Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Values(s.tags)
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

func (s *state) deleteTag(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.tags[id]
	if !ok {
		return apierr.NotFound("deleteTag", id)
	}
	delete(s.tags, id)
	for _, n := range s.nodes {
		n.asset.Labels = lo.Without(n.asset.Labels, l.Value)
	}
	return nil
}

// Uploads.

// commitUpload records objectKey as new content: a new version of fileID
// when given, otherwise a new file or, for project bundles, a new project.
func (s *state) commitUpload(parentID, fileID assetid.ID, fileName, objectKey string, owner backend.UserInfo) (*backend.UploadedAsset, error) {
	const op = "uploadFileEnd"
	s.mu.Lock()
	defer s.mu.Unlock()

	if fileID != "" {
		n, err := s.get(op, fileID)
		if err != nil {
			return nil, err
		}
		s.addVersion(n, objectKey)
		out := &backend.UploadedAsset{ID: fileID}
		if n.asset.Type == assetid.Project {
			out.Project = s.created(n)
		}
		return out, nil
	}

	kind, title := assetid.File, fileName
	if backend.IsProjectFileName(fileName) {
		kind, title = assetid.Project, backend.StripProjectExtension(fileName)
	}
	n, err := s.add(op, kind, parentID, title, owner)
	if err != nil {
		return nil, err
	}
	if kind == assetid.File {
		_, n.asset.Extension = backend.SplitFileName(title)
	}
	s.addVersion(n, objectKey)
	out := &backend.UploadedAsset{ID: n.asset.ID}
	if kind == assetid.Project {
		out.Project = s.created(n)
	}
	return out, nil
}

// latestObject returns the storage key of id's current content.
func (s *state) latestObject(id assetid.ID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.get("getFile", id)
	if err != nil {
		return "", err
	}
	if len(n.versions) == 0 {
		return "", apierr.NotFound("getFile", fmt.Sprintf("asset %s has no content", id))
	}
	return n.versions[len(n.versions)-1].objectKey, nil
}
