package cassandra

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/super-hydro/superhydro/internal/models"
)

func TestJournalRow_Record(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	destroyed := created.Add(time.Hour)

	tests := []struct {
		name          string
		destroyedAt   time.Time
		wantDestroyed bool
	}{
		{"live session", time.Time{}, false},
		{"destroyed session", destroyed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var row journalRow
			// Fill the destinations the way a scan would.
			dest := row.dest()
			*dest[0].(*string) = "demo"
			*dest[1].(*string) = "gpe"
			*dest[2].(*string) = "node-1"
			*dest[3].(*time.Time) = created
			*dest[4].(*time.Time) = tt.destroyedAt
			*dest[5].(*string) = models.StateRunning
			*dest[6].(*int64) = 42
			*dest[7].(*int) = 3

			rec := row.record()
			if rec.Name != "demo" || rec.Model != "gpe" || rec.ServerID != "node-1" {
				t.Errorf("unexpected identity columns: %+v", rec)
			}
			if !rec.CreatedAt.Equal(created) {
				t.Errorf("expected created_at %v, got %v", created, rec.CreatedAt)
			}
			if rec.Status != models.StateRunning || rec.StepCount != 42 || rec.PeakClients != 3 {
				t.Errorf("unexpected counters: %+v", rec)
			}
			if (rec.DestroyedAt != nil) != tt.wantDestroyed {
				t.Fatalf("expected destroyed %v, got %v", tt.wantDestroyed, rec.DestroyedAt)
			}
			if tt.wantDestroyed && !rec.DestroyedAt.Equal(destroyed) {
				t.Errorf("expected destroyed_at %v, got %v", destroyed, *rec.DestroyedAt)
			}
		})
	}
}

func TestJournalRow_DestMatchesColumns(t *testing.T) {
	var row journalRow
	if got, want := len(row.dest()), len(strings.Split(journalColumns, ",")); got != want {
		t.Errorf("expected %d scan destinations, got %d", want, got)
	}
}

func TestJournalRow_RecordIsCopied(t *testing.T) {
	var row journalRow
	row.rec.Name = "first"
	row.destroyedAt = time.Unix(100, 0)
	first := row.record()

	row.rec.Name = "second"
	row.destroyedAt = time.Unix(200, 0)
	second := row.record()

	if first.Name != "first" || first.DestroyedAt.Unix() != 100 {
		t.Errorf("first record changed after rescan: %+v", first)
	}
	if second.DestroyedAt == first.DestroyedAt {
		t.Errorf("records share a destroyed_at pointer")
	}
}

func TestRetryPolicy_Transient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gocql.RetryType
	}{
		{"timeout", gocql.ErrTimeoutNoResponse, gocql.Retry},
		{"wrapped closed connection", fmt.Errorf("query: %w", gocql.ErrConnectionClosed), gocql.Retry},
		{"unavailable", &gocql.RequestErrUnavailable{}, gocql.Retry},
		{"write timeout", &gocql.RequestErrWriteTimeout{}, gocql.Retry},
		{"not found", gocql.ErrNotFound, gocql.Rethrow},
		{"other", errors.New("syntax error"), gocql.Rethrow},
	}
	p := RetryPolicy(journalRetries)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.GetRetryType(tt.err); got != tt.want {
				t.Errorf("expected retry type %v, got %v", tt.want, got)
			}
		})
	}
}
