package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestUpsertThenGet(t *testing.T) {
	reg := openTest(t)
	e := Entry{Name: "acme", Dir: "/tmp/acme", Provider: "aws", LastPhase: "infra", LockPID: 1234, LockHost: "laptop", LastSeenAt: time.Now()}
	if err := reg.Upsert(e); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, ok, err := reg.Get("acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected project to be found")
	}
	if got.LockPID != 1234 || got.LockHost != "laptop" {
		t.Errorf("lock fields not preserved: %+v", got)
	}
}

func TestClearLockRemovesHolder(t *testing.T) {
	reg := openTest(t)
	reg.Upsert(Entry{Name: "acme", Dir: "/tmp/acme", Provider: "aws", LastPhase: "infra", LockPID: 1234, LockHost: "laptop", LastSeenAt: time.Now()})

	if err := reg.ClearLock("acme"); err != nil {
		t.Fatalf("ClearLock: %v", err)
	}
	got, _, _ := reg.Get("acme")
	if got.LockPID != 0 || got.LockHost != "" {
		t.Errorf("expected lock cleared, got %+v", got)
	}
}

func TestListOrdersByLastSeenDescending(t *testing.T) {
	reg := openTest(t)
	reg.Upsert(Entry{Name: "older", Dir: "/tmp/older", Provider: "aws", LastPhase: "infra", LastSeenAt: time.Now().Add(-time.Hour)})
	reg.Upsert(Entry{Name: "newer", Dir: "/tmp/newer", Provider: "aws", LastPhase: "dns", LastSeenAt: time.Now()})

	entries, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "newer" {
		t.Fatalf("expected newer first, got %+v", entries)
	}
}

func TestGetUnknownProjectReturnsFalse(t *testing.T) {
	reg := openTest(t)
	_, ok, err := reg.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown project")
	}
}
