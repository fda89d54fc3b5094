package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/super-hydro/superhydro/internal/models"
)

// MemoryStorage provides in-memory storage for the session journal
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*models.SessionRecord
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*models.SessionRecord),
	}
}

// CreateSession journals a new session. A destroyed record under the same
// name is replaced.
func (s *MemoryStorage) CreateSession(ctx context.Context, rec *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.sessions[rec.Name]; exists && existing.Status != models.StateDestroyed {
		return ErrSessionExists
	}

	s.sessions[rec.Name] = copyRecord(rec)
	return nil
}

// GetSession retrieves a session record by name
func (s *MemoryStorage) GetSession(ctx context.Context, name string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.sessions[name]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return copyRecord(rec), nil
}

// UpdateSession overwrites an existing record
func (s *MemoryStorage) UpdateSession(ctx context.Context, rec *models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[rec.Name]; !exists {
		return ErrSessionNotFound
	}

	s.sessions[rec.Name] = copyRecord(rec)
	return nil
}

// ListSessions returns every record ordered by name
func (s *MemoryStorage) ListSessions(ctx context.Context) ([]*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*models.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, copyRecord(rec))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	return recs, nil
}

func copyRecord(rec *models.SessionRecord) *models.SessionRecord {
	c := *rec
	if rec.DestroyedAt != nil {
		t := *rec.DestroyedAt
		c.DestroyedAt = &t
	}
	return &c
}

// MemoryDirectory is an in-process Directory with per-entry expiry
type MemoryDirectory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	entry   models.DirectoryEntry
	expires time.Time
}

// NewMemoryDirectory creates a directory whose entries live for ttl
// (0 = no expiration)
func NewMemoryDirectory(ttl time.Duration) *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Announce registers or refreshes an entry
func (d *MemoryDirectory) Announce(ctx context.Context, entry *models.DirectoryEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := memoryEntry{entry: *entry}
	if d.ttl > 0 {
		e.expires = d.now().Add(d.ttl)
	}
	d.entries[entry.Name] = e
	return nil
}

// Lookup returns a live entry
func (d *MemoryDirectory) Lookup(ctx context.Context, name string) (*models.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, exists := d.entries[name]
	if !exists || d.expired(e) {
		return nil, ErrEntryNotFound
	}
	entry := e.entry
	return &entry, nil
}

// Withdraw removes an entry
func (d *MemoryDirectory) Withdraw(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.entries, name)
	return nil
}

// List returns every live entry ordered by name
func (d *MemoryDirectory) List(ctx context.Context) ([]*models.DirectoryEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]*models.DirectoryEntry, 0, len(d.entries))
	for _, e := range d.entries {
		if d.expired(e) {
			continue
		}
		entry := e.entry
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return entries, nil
}

func (d *MemoryDirectory) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && !d.now().Before(e.expires)
}
