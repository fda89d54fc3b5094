package storage

import (
	"context"
	"testing"
	"time"

	"github.com/super-hydro/superhydro/internal/models"
)

func TestMemoryStorage_Journal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	rec := &models.SessionRecord{
		Name:      "demo",
		Model:     "gpe.BEC",
		ServerID:  "server-1",
		CreatedAt: time.Now(),
		Status:    models.StateRunning,
	}
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateSession(ctx, rec); err != ErrSessionExists {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}

	// Callers cannot mutate the stored record through their pointer.
	rec.Status = "tampered"
	got, err := s.GetSession(ctx, "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.StateRunning {
		t.Errorf("expected %s, got %s", models.StateRunning, got.Status)
	}

	destroyed := time.Now()
	got.Status = models.StateDestroyed
	got.DestroyedAt = &destroyed
	got.StepCount = 400
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A destroyed name can be journaled again.
	again := &models.SessionRecord{Name: "demo", Model: "testing.Counter", Status: models.StateRunning}
	if err := s.CreateSession(ctx, again); err != nil {
		t.Errorf("expected re-creation after destroy, got %v", err)
	}

	if _, err := s.GetSession(ctx, "missing"); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := s.UpdateSession(ctx, &models.SessionRecord{Name: "missing"}); err != ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryStorage_ListSessions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	for _, name := range []string{"b", "c", "a"} {
		s.CreateSession(ctx, &models.SessionRecord{Name: name, Status: models.StateRunning})
	}

	recs, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 3 || recs[0].Name != "a" || recs[2].Name != "c" {
		t.Errorf("expected sorted records, got %v", recs)
	}
}

func TestMemoryDirectory_Expiry(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	entry := &models.DirectoryEntry{Name: "demo", ServerID: "server-1", Address: "10.0.0.1:9000"}
	if err := d.Announce(ctx, entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := d.Lookup(ctx, "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Address != "10.0.0.1:9000" {
		t.Errorf("expected address 10.0.0.1:9000, got %s", got.Address)
	}

	now = now.Add(2 * time.Minute)
	if _, err := d.Lookup(ctx, "demo"); err != ErrEntryNotFound {
		t.Errorf("expected expired entry, got %v", err)
	}
	if entries, _ := d.List(ctx); len(entries) != 0 {
		t.Errorf("expected no live entries, got %d", len(entries))
	}

	d.Announce(ctx, entry)
	if entries, _ := d.List(ctx); len(entries) != 1 {
		t.Errorf("expected re-announced entry, got %d", len(entries))
	}
	d.Withdraw(ctx, "demo")
	if _, err := d.Lookup(ctx, "demo"); err != ErrEntryNotFound {
		t.Errorf("expected withdrawn entry, got %v", err)
	}
}
