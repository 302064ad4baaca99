package ledger

import (
	"testing"
	"time"

	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	st := model.NewDeploymentState(model.Project{Name: "demo", Region: "us-east-1", OperatingSystem: model.OSUbuntu22})
	st.Ledger.Record(model.ResourceRecord{
		Kind:        model.KindKeyPair,
		ProviderID:  "key-123",
		CreatedAt:   time.Now(),
		WeCreatedIt: true,
	})
	st.Phase = model.PhaseInfra

	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.Exists() {
		t.Fatalf("expected state file to exist after Save")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Phase != model.PhaseInfra {
		t.Fatalf("expected phase infra, got %s", loaded.Phase)
	}
	rec, ok := loaded.Ledger.Lookup(model.KindKeyPair)
	if !ok || rec.ProviderID != "key-123" {
		t.Fatalf("expected key_pair record to round-trip, got %+v ok=%v", rec, ok)
	}
}

func TestLockExclusion(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}

	if err := a.Lock(); err != nil {
		t.Fatalf("first lock should succeed: %v", err)
	}
	if err := b.Lock(); err != ErrLocked {
		t.Fatalf("expected ErrLocked for concurrent lock, got %v", err)
	}
	if err := a.Unlock(); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if err := b.Lock(); err != nil {
		t.Fatalf("lock should succeed after release: %v", err)
	}
	b.Unlock()
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	store, _ := Open(dir)
	st := model.NewDeploymentState(model.Project{Name: "demo", Region: "us-east-1"})
	if err := store.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if store.Exists() {
		t.Fatalf("expected state file to be gone after Remove")
	}
	// Removing again must be a no-op, not an error.
	if err := store.Remove(); err != nil {
		t.Fatalf("second Remove should be idempotent, got %v", err)
	}
}
