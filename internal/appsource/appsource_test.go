package appsource

import (
	"context"
	"testing"
)

func TestNewGitSource_RejectsMalformedRepoSlug(t *testing.T) {
	if _, err := NewGitSource("", "not-a-slug"); err == nil {
		t.Fatal("expected error for repo slug without owner/repo form")
	}
}

func TestNewGitSource_AcceptsWellFormedSlug(t *testing.T) {
	src, err := NewGitSource("", "octocat/hello-world")
	if err != nil {
		t.Fatalf("NewGitSource: %v", err)
	}
	if src.owner != "octocat" || src.repo != "hello-world" {
		t.Errorf("owner/repo not split correctly: %+v", src)
	}
}

func TestProbeDatabase_EmptyEngineIsNoOp(t *testing.T) {
	if err := ProbeDatabase(context.Background(), "", "localhost", 5432, "u", "p", "db"); err != nil {
		t.Errorf("expected no-op for empty engine, got %v", err)
	}
}

func TestProbeDatabase_UnsupportedEngineErrors(t *testing.T) {
	if err := ProbeDatabase(context.Background(), "oracle", "localhost", 1521, "u", "p", "db"); err == nil {
		t.Fatal("expected error for unsupported engine")
	}
}
