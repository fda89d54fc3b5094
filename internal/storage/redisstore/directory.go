// Package redisstore implements the session directory on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/super-hydro/superhydro/internal/config"
	"github.com/super-hydro/superhydro/internal/models"
	"github.com/super-hydro/superhydro/internal/storage"
)

const keyPrefix = "superhydro:session:"

// Directory implements storage.Directory using Redis.
// Entries are stored as JSON with a TTL so a crashed server's sessions
// disappear once it stops announcing them.
type Directory struct {
	client *redis.Client
	ttl    time.Duration // Time-to-live for entries (0 = no expiration)
}

// NewDirectory connects to Redis and verifies the connection.
func NewDirectory(cfg config.RedisConfig) (*Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Directory{
		client: client,
		ttl:    cfg.TTL,
	}, nil
}

// Announce stores the entry and refreshes its TTL.
func (d *Directory) Announce(ctx context.Context, entry *models.DirectoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal directory entry: %w", err)
	}

	if err := d.client.Set(ctx, entryKey(entry.Name), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("failed to announce session: %w", err)
	}
	return nil
}

// Lookup retrieves a live entry.
func (d *Directory) Lookup(ctx context.Context, name string) (*models.DirectoryEntry, error) {
	data, err := d.client.Get(ctx, entryKey(name)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, storage.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	var entry models.DirectoryEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal directory entry: %w", err)
	}
	return &entry, nil
}

// Withdraw removes an entry.
func (d *Directory) Withdraw(ctx context.Context, name string) error {
	if err := d.client.Del(ctx, entryKey(name)).Err(); err != nil {
		return fmt.Errorf("failed to withdraw session: %w", err)
	}
	return nil
}

// List scans every live entry. Keys that expire between the scan and the
// read are skipped.
func (d *Directory) List(ctx context.Context) ([]*models.DirectoryEntry, error) {
	var entries []*models.DirectoryEntry

	iter := d.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entry, err := d.Lookup(ctx, entryName(iter.Val()))
		if err == storage.ErrEntryNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Close closes the Redis client.
func (d *Directory) Close() error {
	return d.client.Close()
}

// entryKey generates a Redis key for a session.
func entryKey(name string) string {
	return keyPrefix + name
}

func entryName(key string) string {
	return strings.TrimPrefix(key, keyPrefix)
}
