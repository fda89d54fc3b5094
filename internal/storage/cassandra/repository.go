package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/pkg/logger"
)

const journalColumns = "name, model, server_id, created_at, destroyed_at, status, step_count, peak_clients"

// journalRow is the scan target for one journalColumns row. A null
// destroyed_at scans as the zero time.
type journalRow struct {
	rec         models.SessionRecord
	destroyedAt time.Time
}

// dest returns scan destinations in journalColumns order.
func (j *journalRow) dest() []interface{} {
	return []interface{}{
		&j.rec.Name,
		&j.rec.Model,
		&j.rec.ServerID,
		&j.rec.CreatedAt,
		&j.destroyedAt,
		&j.rec.Status,
		&j.rec.StepCount,
		&j.rec.PeakClients,
	}
}

// record copies the row out; the row can be scanned into again.
func (j *journalRow) record() *models.SessionRecord {
	rec := j.rec
	rec.DestroyedAt = nil
	if !j.destroyedAt.IsZero() {
		t := j.destroyedAt
		rec.DestroyedAt = &t
	}
	return &rec
}

// Repository implements storage.SessionRepository using Cassandra
type Repository struct {
	client  *Client
	logger  *logger.Logger
	timeout time.Duration
}

// NewRepository creates a new Cassandra-based session journal
func NewRepository(client *Client, log *logger.Logger, timeout time.Duration) *Repository {
	return &Repository{
		client:  client,
		logger:  log,
		timeout: timeout,
	}
}

// queryContext applies the configured timeout unless ctx already has a deadline
func (r *Repository) queryContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	queryCtx, cancel := ctx, context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		queryCtx, cancel = context.WithTimeout(ctx, r.timeout)
	}

	select {
	case <-queryCtx.Done():
		cancel()
		return nil, nil, fmt.Errorf("context cancelled: %w", queryCtx.Err())
	default:
	}
	return queryCtx, cancel, nil
}

// CreateSession journals a new session. A destroyed row under the same
// name is replaced with a conditional update.
func (r *Repository) CreateSession(ctx context.Context, rec *models.SessionRecord) error {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	insert := fmt.Sprintf(`
		INSERT INTO %s.session_journal (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		IF NOT EXISTS`, r.client.Keyspace(), journalColumns)

	applied, err := r.client.Session().Query(insert,
		rec.Name,
		rec.Model,
		rec.ServerID,
		rec.CreatedAt,
		rec.DestroyedAt,
		rec.Status,
		rec.StepCount,
		rec.PeakClients,
	).WithContext(queryCtx).ScanCAS(nil)
	if err != nil {
		r.logger.Error("Failed to journal session in Cassandra",
			logger.F("session", rec.Name),
			logger.Err(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	if applied {
		r.logger.Debug("Session journaled", logger.F("session", rec.Name))
		return nil
	}

	replace := fmt.Sprintf(`
		UPDATE %s.session_journal
		SET model = ?, server_id = ?, created_at = ?, destroyed_at = ?, status = ?, step_count = ?, peak_clients = ?
		WHERE name = ?
		IF status = ?`, r.client.Keyspace())

	applied, err = r.client.Session().Query(replace,
		rec.Model,
		rec.ServerID,
		rec.CreatedAt,
		rec.DestroyedAt,
		rec.Status,
		rec.StepCount,
		rec.PeakClients,
		rec.Name,
		models.StateDestroyed,
	).WithContext(queryCtx).ScanCAS(nil)
	if err != nil {
		return fmt.Errorf("failed to replace destroyed session: %w", err)
	}
	if !applied {
		return storage.ErrSessionExists
	}

	r.logger.Debug("Session journaled", logger.F("session", rec.Name), logger.F("replaced", "true"))
	return nil
}

// GetSession retrieves a session record by name
func (r *Repository) GetSession(ctx context.Context, name string) (*models.SessionRecord, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s.session_journal
		WHERE name = ?`, journalColumns, r.client.Keyspace())

	var row journalRow
	err = r.client.Session().Query(query, name).WithContext(queryCtx).Scan(row.dest()...)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, storage.ErrSessionNotFound
		}
		r.logger.Error("Failed to get session from Cassandra",
			logger.F("session", name),
			logger.Err(err))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.record(), nil
}

// UpdateSession overwrites the mutable columns of an existing record
func (r *Repository) UpdateSession(ctx context.Context, rec *models.SessionRecord) error {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s.session_journal
		SET model = ?, server_id = ?, destroyed_at = ?, status = ?, step_count = ?, peak_clients = ?
		WHERE name = ?
		IF EXISTS`, r.client.Keyspace())

	applied, err := r.client.Session().Query(query,
		rec.Model,
		rec.ServerID,
		rec.DestroyedAt,
		rec.Status,
		rec.StepCount,
		rec.PeakClients,
		rec.Name,
	).WithContext(queryCtx).ScanCAS(nil)
	if err != nil {
		r.logger.Error("Failed to update session in Cassandra",
			logger.F("session", rec.Name),
			logger.Err(err))
		return fmt.Errorf("failed to update session: %w", err)
	}

	if !applied {
		return storage.ErrSessionNotFound
	}

	r.logger.Debug("Session updated", logger.F("session", rec.Name), logger.F("status", rec.Status))
	return nil
}

// ListSessions returns every journaled session. The journal is small
// (one row per name) so a full scan is acceptable.
func (r *Repository) ListSessions(ctx context.Context) ([]*models.SessionRecord, error) {
	queryCtx, cancel, err := r.queryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s.session_journal`, journalColumns, r.client.Keyspace())
	iter := r.client.Session().Query(query).WithContext(queryCtx).Iter()

	var recs []*models.SessionRecord
	var row journalRow
	for iter.Scan(row.dest()...) {
		recs = append(recs, row.record())
		row = journalRow{}
	}

	if err := iter.Close(); err != nil {
		r.logger.Error("Failed to list sessions from Cassandra", logger.Err(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return recs, nil
}
