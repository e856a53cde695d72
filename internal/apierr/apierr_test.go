package apierr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NotFound("getProjectDetails", "no such project"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatal("did not expect ErrForbidden")
	}
	if KindOf(err) != ErrNotFound {
		t.Errorf("KindOf = %v", KindOf(err))
	}
}

func TestDirectoryDoesNotExistIsNotFound(t *testing.T) {
	err := DirectoryDoesNotExist("listDirectory", "/tmp/x")
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected NotFound")
	}
	if !errors.Is(err, ErrDirectoryDoesNotExist) {
		t.Error("expected DirectoryDoesNotExist")
	}
	if errors.Is(NotFound("x", ""), ErrDirectoryDoesNotExist) {
		t.Error("plain NotFound must not match DirectoryDoesNotExist")
	}
}

func TestAggregate(t *testing.T) {
	if Aggregate("deleteAssets", nil, 3) != nil {
		t.Fatal("expected nil for no failures")
	}

	err := Aggregate("deleteAssets", []error{NotFound("deleteAsset", "a"), Network("deleteAsset", errors.New("reset"))}, 5)
	var agg *AggregateError
	if !errors.As(err, &agg) {
		t.Fatalf("expected AggregateError, got %T", err)
	}
	if agg.Failed != 2 || agg.Total != 5 {
		t.Errorf("counts = %d/%d", agg.Failed, agg.Total)
	}
	if !errors.Is(err, ErrAggregate) || !errors.Is(err, ErrNetwork) {
		t.Error("aggregate should match itself and its members")
	}
	if !strings.Contains(err.Error(), "2 of 5 failed") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ErrServer, Op: "listUsers", Status: 502, Message: "bad gateway"}
	if got := err.Error(); got != "listUsers: server error (502): bad gateway" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOfAggregate(t *testing.T) {
	err := Aggregate("deleteAssets", []error{NotFound("deleteAsset", "a")}, 2)
	if KindOf(err) != ErrAggregate {
		t.Errorf("KindOf = %v, want the aggregate kind", KindOf(err))
	}
	if KindOf(InvalidInput("uploadFile", "bad name")) != ErrInvalidInput {
		t.Error("expected ErrInvalidInput")
	}
	if KindOf(Internal("listUsers", "build request", errors.New("bad url"))) != ErrInternal {
		t.Error("expected ErrInternal")
	}
}
