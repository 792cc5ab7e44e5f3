// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority selects the conflict resolution policy
type Priority string

const (
	PriorityClientWins Priority = "client_wins"
	PriorityServerWins Priority = "server_wins"
	PriorityMerge      Priority = "merge"
	PriorityManual     Priority = "manual"
)

// ParsePriority accepts the canonical names plus the short forms client/server.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "client_wins", "client":
		return PriorityClientWins, nil
	case "server_wins", "server":
		return PriorityServerWins, nil
	case "merge":
		return PriorityMerge, nil
	case "manual":
		return PriorityManual, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidStrategy, s)
	}
}

// SyncStrategy controls sync behavior. A cycle uses the snapshot it started with.
type SyncStrategy struct {
	Priority       Priority `json:"priority"`
	BatchSize      int      `json:"batch_size"`
	RetryAttempts  int      `json:"retry_attempts"`
	SyncIntervalMs int64    `json:"sync_interval_ms"`
	BackgroundSync bool     `json:"background_sync"`
}

// DefaultStrategy returns the strategy used until one is persisted
func DefaultStrategy() SyncStrategy {
	return SyncStrategy{
		Priority:       PriorityMerge,
		BatchSize:      50,
		RetryAttempts:  3,
		SyncIntervalMs: 30_000,
		BackgroundSync: true,
	}
}

// SyncInterval returns SyncIntervalMs as a duration
func (s SyncStrategy) SyncInterval() time.Duration {
	return time.Duration(s.SyncIntervalMs) * time.Millisecond
}

// Validate checks ranges
func (s SyncStrategy) Validate() error {
	if _, err := ParsePriority(string(s.Priority)); err != nil {
		return err
	}
	if s.BatchSize < 1 || s.BatchSize > 1000 {
		return fmt.Errorf("%w: batch_size must be between 1 and 1000, got %d", ErrInvalidStrategy, s.BatchSize)
	}
	if s.RetryAttempts < 0 || s.RetryAttempts > 20 {
		return fmt.Errorf("%w: retry_attempts must be between 0 and 20, got %d", ErrInvalidStrategy, s.RetryAttempts)
	}
	if s.SyncIntervalMs < 1000 {
		return fmt.Errorf("%w: sync_interval_ms must be >= 1000, got %d", ErrInvalidStrategy, s.SyncIntervalMs)
	}
	return nil
}

// StrategyPatch is a partial strategy update; nil fields are left unchanged
type StrategyPatch struct {
	Priority       *Priority `json:"priority,omitempty"`
	BatchSize      *int      `json:"batch_size,omitempty"`
	RetryAttempts  *int      `json:"retry_attempts,omitempty"`
	SyncIntervalMs *int64    `json:"sync_interval_ms,omitempty"`
	BackgroundSync *bool     `json:"background_sync,omitempty"`
}

// Apply merges the patch into s
func (p StrategyPatch) Apply(s SyncStrategy) SyncStrategy {
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	if p.BatchSize != nil {
		s.BatchSize = *p.BatchSize
	}
	if p.RetryAttempts != nil {
		s.RetryAttempts = *p.RetryAttempts
	}
	if p.SyncIntervalMs != nil {
		s.SyncIntervalMs = *p.SyncIntervalMs
	}
	if p.BackgroundSync != nil {
		s.BackgroundSync = *p.BackgroundSync
	}
	return s
}

// strategyStore persists the singleton strategy row
type strategyStore struct {
	db *sql.DB
}

func (s *strategyStore) load(ctx context.Context, fallback SyncStrategy) (SyncStrategy, error) {
	var st SyncStrategy
	var priority string
	var background int
	err := s.db.QueryRowContext(ctx, `
		SELECT priority, batch_size, retry_attempts, sync_interval_ms, background_sync
		FROM _sync_strategy WHERE id = 1
	`).Scan(&priority, &st.BatchSize, &st.RetryAttempts, &st.SyncIntervalMs, &background)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.save(ctx, fallback); err != nil {
			return SyncStrategy{}, err
		}
		return fallback, nil
	}
	if err != nil {
		return SyncStrategy{}, fmt.Errorf("failed to load sync strategy: %w", err)
	}
	st.Priority = Priority(priority)
	st.BackgroundSync = background == 1
	return st, nil
}

func (s *strategyStore) save(ctx context.Context, st SyncStrategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO _sync_strategy (id, priority, batch_size, retry_attempts, sync_interval_ms, background_sync, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			batch_size = excluded.batch_size,
			retry_attempts = excluded.retry_attempts,
			sync_interval_ms = excluded.sync_interval_ms,
			background_sync = excluded.background_sync,
			updated_at = excluded.updated_at
	`, string(st.Priority), st.BatchSize, st.RetryAttempts, st.SyncIntervalMs, boolToInt(st.BackgroundSync))
	if err != nil {
		return fmt.Errorf("failed to save sync strategy: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
