// Package storage persists session lifecycle records and the cross-server
// session directory.
package storage

import (
	"context"

	"github.com/super-hydro/superhydro/internal/models"
)

// SessionRepository is the session journal, keyed by session name. Only
// the latest incarnation of a name is kept.
// This interface is implemented by both in-memory and Cassandra storage
type SessionRepository interface {
	CreateSession(ctx context.Context, rec *models.SessionRecord) error
	GetSession(ctx context.Context, name string) (*models.SessionRecord, error)
	UpdateSession(ctx context.Context, rec *models.SessionRecord) error
	ListSessions(ctx context.Context) ([]*models.SessionRecord, error)
}

// Directory announces which server hosts each live session. Entries
// expire unless re-announced.
// This interface is implemented by both in-memory and Redis storage
type Directory interface {
	Announce(ctx context.Context, entry *models.DirectoryEntry) error
	Lookup(ctx context.Context, name string) (*models.DirectoryEntry, error)
	Withdraw(ctx context.Context, name string) error
	List(ctx context.Context) ([]*models.DirectoryEntry, error)
}

// Errors
var (
	ErrSessionNotFound = &StorageError{Message: "session not found"}
	ErrSessionExists   = &StorageError{Message: "session already exists"}
	ErrEntryNotFound   = &StorageError{Message: "directory entry not found"}
)

// StorageError represents a storage error
type StorageError struct {
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}
