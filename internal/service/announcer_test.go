package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/pkg/logger"
)

func TestAnnouncer_AnnounceAndWithdraw(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	defer r.Shutdown(ctx)
	dir := storage.NewMemoryDirectory(time.Minute)
	a := NewAnnouncer(r, dir, "test-server", "10.0.0.1:9000", time.Second, logger.NewWithWriter(io.Discard, logger.LevelError))

	r.Attach(ctx, "demo", "", counterFactory(t, r))
	if err := a.AnnounceOnce(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entry, err := dir.Lookup(ctx, "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ServerID != "test-server" || entry.Address != "10.0.0.1:9000" || entry.ClientCount != 1 {
		t.Errorf("unexpected entry %+v", entry)
	}

	r.Release(ctx, "demo")
	if err := a.AnnounceOnce(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dir.Lookup(ctx, "demo"); err != storage.ErrEntryNotFound {
		t.Errorf("expected entry withdrawn, got %v", err)
	}
}

func TestAnnouncer_KeepsOtherServersEntries(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	defer r.Shutdown(ctx)
	dir := storage.NewMemoryDirectory(0)
	a := NewAnnouncer(r, dir, "test-server", "10.0.0.1:9000", time.Second, logger.NewWithWriter(io.Discard, logger.LevelError))

	r.Attach(ctx, "demo", "", counterFactory(t, r))
	a.AnnounceOnce(ctx)
	r.Release(ctx, "demo")

	// Another server took the name over before our next round.
	dir.Announce(ctx, &models.DirectoryEntry{Name: "demo", ServerID: "other-server"})
	a.AnnounceOnce(ctx)

	entry, err := dir.Lookup(ctx, "demo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ServerID != "other-server" {
		t.Errorf("expected other server's entry to survive, got %+v", entry)
	}
}

func TestAnnouncer_Resolve(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(nil)
	defer r.Shutdown(ctx)
	dir := storage.NewMemoryDirectory(0)
	a := NewAnnouncer(r, dir, "test-server", "10.0.0.1:9000", time.Second, logger.NewWithWriter(io.Discard, logger.LevelError))

	r.Attach(ctx, "local", "", counterFactory(t, r))
	dir.Announce(ctx, &models.DirectoryEntry{Name: "remote", ServerID: "other", Address: "10.0.0.2:9000"})

	tests := []struct {
		name     string
		wantAddr string
		wantErr  bool
	}{
		{"local", "10.0.0.1:9000", false},
		{"remote", "10.0.0.2:9000", false},
		{"missing", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := a.Resolve(ctx, tt.name)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if entry.Address != tt.wantAddr {
				t.Errorf("expected %s, got %s", tt.wantAddr, entry.Address)
			}
		})
	}
}
