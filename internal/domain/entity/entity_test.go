package entity

import (
	"errors"
	"testing"

	platformerrors "github.com/stratumlabs/stratum/internal/platform/errors"
)

func TestNewKeyTrimsAndValidates(t *testing.T) {
	key, err := NewKey(" artifact ", " a-1 ")
	if err != nil {
		t.Fatalf("new key: %v", err)
	}
	if key.Kind != "artifact" || key.ID != "a-1" {
		t.Fatalf("unexpected key: %+v", key)
	}
}

func TestNewKeyRequiresKind(t *testing.T) {
	_, err := NewKey("  ", "a-1")
	if !errors.Is(err, platformerrors.New(platformerrors.CodeEntityKindEmpty, "")) {
		t.Fatalf("expected kind-empty error, got %v", err)
	}
}

func TestNewKeyRequiresID(t *testing.T) {
	_, err := NewKey("artifact", "")
	if !errors.Is(err, platformerrors.New(platformerrors.CodeEntityIDEmpty, "")) {
		t.Fatalf("expected id-empty error, got %v", err)
	}
}

func TestCacheKeyFormat(t *testing.T) {
	key := Key{Kind: "artifact", ID: "a-1"}
	if got := key.CacheKey(); got != "artifact:a-1" {
		t.Fatalf("cache key = %q, want %q", got, "artifact:a-1")
	}
}

func TestValidateVersion(t *testing.T) {
	if err := ValidateVersion(0); err != nil {
		t.Fatalf("version 0 should be valid: %v", err)
	}
	if err := ValidateVersion(42); err != nil {
		t.Fatalf("positive version should be valid: %v", err)
	}
	if err := ValidateVersion(-1); err == nil {
		t.Fatal("expected error for negative version")
	}
}
