// Package assetid encodes and decodes composite asset identifiers of the
// form "<kind>-<payload>". Nothing outside this package splits identifier
// strings.
package assetid

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fruitsalade/assetsync/internal/apierr"
)

// Separator joins kind and payload.
const Separator = "-"

// Kind is the entity kind carried in an identifier's prefix.
type Kind string

const (
	Directory Kind = "directory"
	Project   Kind = "project"
	File      Kind = "file"
	Secret    Kind = "secret"
	Datalink  Kind = "datalink"

	SpecialLoading Kind = "specialLoading"
	SpecialEmpty   Kind = "specialEmpty"
	SpecialError   Kind = "specialError"
)

var knownKinds = map[Kind]bool{
	Directory: true, Project: true, File: true, Secret: true, Datalink: true,
	SpecialLoading: true, SpecialEmpty: true, SpecialError: true,
}

// Valid reports whether k is a recognized kind.
func (k Kind) Valid() bool { return knownKinds[k] }

// IsSpecial reports whether k is one of the loading/empty/error sentinels.
func (k Kind) IsSpecial() bool {
	return k == SpecialLoading || k == SpecialEmpty || k == SpecialError
}

// ID is a composite identifier.
type ID string

func (id ID) String() string { return string(id) }

// Encode builds an identifier.
func Encode(kind Kind, payload string) ID {
	return ID(string(kind) + Separator + payload)
}

// Decode splits id into kind and payload. Unknown kinds fail with
// apierr.ErrInvalidIdentifierKind.
func Decode(id ID) (Kind, string, error) {
	kind, payload, ok := strings.Cut(string(id), Separator)
	if !ok || payload == "" {
		return "", "", apierr.InvalidIdentifier(string(id), "missing payload")
	}
	k := Kind(kind)
	if !k.Valid() {
		return "", "", apierr.InvalidIdentifier(string(id), "unknown kind "+kind)
	}
	return k, payload, nil
}

// KindOf returns the kind of id.
func KindOf(id ID) (Kind, error) {
	k, _, err := Decode(id)
	return k, err
}

// MustKind is KindOf for identifiers produced by this process. It panics on
// an invalid identifier.
func MustKind(id ID) Kind {
	k, err := KindOf(id)
	if err != nil {
		panic(err)
	}
	return k
}

// LocalRef is a decoded local-backend identifier. Directories and files carry
// a filesystem path, projects a project-manager UUID.
type LocalRef struct {
	Kind      Kind
	Path      string
	ProjectID uuid.UUID
}

// DecodeLocal decodes an identifier issued by the local backend.
func DecodeLocal(id ID) (LocalRef, error) {
	kind, payload, err := Decode(id)
	if err != nil {
		return LocalRef{}, err
	}
	switch kind {
	case Directory, File:
		return LocalRef{Kind: kind, Path: filepath.Clean(payload)}, nil
	case Project:
		u, err := uuid.Parse(payload)
		if err != nil {
			return LocalRef{}, apierr.InvalidIdentifier(string(id), "project payload is not a UUID")
		}
		return LocalRef{Kind: kind, ProjectID: u}, nil
	default:
		return LocalRef{Kind: kind}, nil
	}
}

// LocalDirectory encodes a local directory path.
func LocalDirectory(path string) ID { return Encode(Directory, filepath.Clean(path)) }

// LocalFile encodes a local file path.
func LocalFile(path string) ID { return Encode(File, filepath.Clean(path)) }

// LocalProject encodes a project-manager UUID.
func LocalProject(id uuid.UUID) ID { return Encode(Project, id.String()) }

const organizationPrefix = "organization-"

// OrganizationRootDirectory is the root directory of a team organization.
func OrganizationRootDirectory(organizationID string) ID {
	return Encode(Directory, strings.TrimPrefix(organizationID, organizationPrefix))
}

// Placeholder returns a fresh client-side temporary identifier of kind.
func Placeholder(kind Kind) ID {
	return Encode(kind, "placeholder"+Separator+uuid.NewString())
}

// IsPlaceholder reports whether id was produced by Placeholder.
func IsPlaceholder(id ID) bool {
	_, p, err := Decode(id)
	return err == nil && strings.HasPrefix(p, "placeholder"+Separator)
}
