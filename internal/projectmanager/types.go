package projectmanager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntryType distinguishes filesystem entries.
type EntryType string

const (
	DirectoryEntry EntryType = "DirectoryEntry"
	ProjectEntry   EntryType = "ProjectEntry"
	FileEntry      EntryType = "FileEntry"
)

type Attributes struct {
	CreationTime     time.Time `json:"creationTime"`
	LastModifiedTime time.Time `json:"lastModifiedTime"`
	ByteSize         int64     `json:"byteSize"`
}

// ProjectMetadata describes a project known to the project manager.
type ProjectMetadata struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Namespace     string     `json:"namespace"`
	EngineVersion string     `json:"engineVersion,omitempty"`
	Created       time.Time  `json:"created"`
	LastOpened    *time.Time `json:"lastOpened,omitempty"`
}

// Entry is one item of a directory listing. Metadata is set for projects,
// whose Path is the project's directory.
type Entry struct {
	Type       EntryType        `json:"type"`
	Path       string           `json:"path"`
	Attributes Attributes       `json:"attributes"`
	Metadata   *ProjectMetadata `json:"metadata,omitempty"`
}

// Address is a language server endpoint.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	if a.Host == "" {
		return ""
	}
	return fmt.Sprintf("ws://%s:%d", a.Host, a.Port)
}

type CreateProjectParams struct {
	Name              string `json:"name"`
	ProjectTemplate   string `json:"projectTemplate,omitempty"`
	ProjectsDirectory string `json:"projectsDirectory,omitempty"`
}

type CreatedProject struct {
	ProjectID             uuid.UUID `json:"projectId"`
	ProjectName           string    `json:"projectName"`
	ProjectNormalizedName string    `json:"projectNormalizedName"`
}

type OpenProjectParams struct {
	ProjectID         uuid.UUID `json:"projectId"`
	ProjectsDirectory string    `json:"projectsDirectory,omitempty"`
}

// OpenedProject is the running state of an opened project.
type OpenedProject struct {
	ProjectName                 string  `json:"projectName"`
	ProjectNormalizedName       string  `json:"projectNormalizedName"`
	ProjectNamespace            string  `json:"projectNamespace"`
	EngineVersion               string  `json:"engineVersion"`
	LanguageServerJSONAddress   Address `json:"languageServerJsonAddress"`
	LanguageServerBinaryAddress Address `json:"languageServerBinaryAddress"`
}

type projectIDParams struct {
	ProjectID uuid.UUID `json:"projectId"`
}

type renameParams struct {
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name"`
}

type pathParams struct {
	Path string `json:"path"`
}

type moveParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type listResult struct {
	Entries []Entry `json:"entries"`
}

type existsResult struct {
	Exists bool `json:"exists"`
}

type listProjectsResult struct {
	Projects []ProjectMetadata `json:"projects"`
}
