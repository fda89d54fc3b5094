package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/storage"
	"github.com/super-hydro/superhydro/pkg/logger"
)

// Announcer publishes this server's live sessions to the shared directory
// so clients can find which server hosts a session.
type Announcer struct {
	registry  *Registry
	directory storage.Directory
	serverID  string
	address   string
	interval  time.Duration
	logger    *logger.Logger

	announced map[string]bool
}

// NewAnnouncer creates a new announcer
func NewAnnouncer(
	registry *Registry,
	directory storage.Directory,
	serverID string,
	address string,
	interval time.Duration,
	log *logger.Logger,
) *Announcer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Announcer{
		registry:  registry,
		directory: directory,
		serverID:  serverID,
		address:   address,
		interval:  interval,
		logger:    log,
		announced: make(map[string]bool),
	}
}

// AnnounceOnce refreshes every live session and withdraws the ones that
// are gone. It is not safe for concurrent use.
func (a *Announcer) AnnounceOnce(ctx context.Context) error {
	live := make(map[string]bool)
	var firstErr error

	for _, sess := range a.registry.Sessions() {
		info := sess.Info()
		if info.State == models.StateDestroyed {
			continue
		}
		entry := &models.DirectoryEntry{
			Name:        info.Name,
			ServerID:    a.serverID,
			Address:     a.address,
			Model:       info.Model,
			ClientCount: info.ClientCount,
			LastSeen:    time.Now(),
		}
		if err := a.directory.Announce(ctx, entry); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to announce %s: %w", info.Name, err)
			}
			continue
		}
		live[info.Name] = true
	}

	for name := range a.announced {
		if live[name] {
			continue
		}
		if err := a.withdraw(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for name := range live {
		a.announced[name] = true
	}

	return firstErr
}

// withdraw removes name unless another server has taken it over.
func (a *Announcer) withdraw(ctx context.Context, name string) error {
	entry, err := a.directory.Lookup(ctx, name)
	if err == nil && entry.ServerID != a.serverID {
		delete(a.announced, name)
		return nil
	}
	if err := a.directory.Withdraw(ctx, name); err != nil {
		return fmt.Errorf("failed to withdraw %s: %w", name, err)
	}
	delete(a.announced, name)
	return nil
}

// Run announces every interval until ctx is done, then withdraws
// everything it announced.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("Directory announcer started",
		logger.F("server_id", a.serverID),
		logger.F("interval_s", strconv.FormatFloat(a.interval.Seconds(), 'g', -1, 64)))

	for {
		if err := a.AnnounceOnce(ctx); err != nil {
			a.logger.Warn("Directory announcement failed", logger.Err(err))
		}
		select {
		case <-ctx.Done():
			a.withdrawAll()
			return
		case <-ticker.C:
		}
	}
}

func (a *Announcer) withdrawAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name := range a.announced {
		if err := a.withdraw(ctx, name); err != nil {
			a.logger.Warn("Failed to withdraw session", logger.F("session", name), logger.Err(err))
		}
	}
}

// Resolve reports where name is served, preferring this server.
func (a *Announcer) Resolve(ctx context.Context, name string) (*models.DirectoryEntry, error) {
	if sess, err := a.registry.Lookup(name); err == nil {
		info := sess.Info()
		return &models.DirectoryEntry{
			Name:        info.Name,
			ServerID:    a.serverID,
			Address:     a.address,
			Model:       info.Model,
			ClientCount: info.ClientCount,
			LastSeen:    time.Now(),
		}, nil
	}
	return a.directory.Lookup(ctx, name)
}
