// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	StageTotal    = "total"
	StageBaseline = "baseline"
	StageDrain    = "drain"
	StageDetect   = "detect"
	StageApply    = "apply"
	StageResolve  = "resolve"
)

// StageTiming is one observation of a sync cycle stage
type StageTiming struct {
	Stage    string
	Duration time.Duration
	Count    int
	Error    bool
}

// CycleObserver receives per-stage timings, e.g. to export them to a metrics backend.
type CycleObserver interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type CycleObserverFunc func(ctx context.Context, timing StageTiming)

func (f CycleObserverFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (e *Engine) stageStart() time.Time {
	if e.cfg.Observer == nil && !e.cfg.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (e *Engine) observeStage(ctx context.Context, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{Stage: stage, Duration: time.Since(start), Count: count, Error: hadError}
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveStage(ctx, timing)
	}
	if e.cfg.LogStageTimings {
		e.logger.Debug("sync_stage", "stage", stage, "duration_ms", timing.Duration.Milliseconds(), "count", count, "error", hadError)
	}
}

// cycleDelta accumulates counter increments over one cycle
type cycleDelta struct {
	synced   int64
	failed   int64
	resolved int64
	bytes    int64
}

// metricsStore persists the singleton metrics row. Counters only grow.
type metricsStore struct {
	db *sql.DB
}

func (m *metricsStore) load(ctx context.Context) (SyncMetrics, error) {
	var out SyncMetrics
	var last int64
	err := m.db.QueryRowContext(ctx, `
		SELECT total_synced, total_failed, average_time_ms, last_sync_time, conflicts_resolved,
			data_transferred_bytes, cycles_completed
		FROM _sync_metrics WHERE id = 1`).Scan(&out.TotalSynced, &out.TotalFailed, &out.AverageTimeMs, &last,
		&out.ConflictsResolved, &out.DataTransferredBytes, &out.CyclesCompleted)
	if err != nil {
		return SyncMetrics{}, fmt.Errorf("failed to load sync metrics: %w", err)
	}
	out.LastSyncTime = fromMillis(last)
	return out, nil
}

// completeCycle folds one finished cycle into the metrics row
func (m *metricsStore) completeCycle(ctx context.Context, d cycleDelta, elapsed time.Duration, finishedAt time.Time) error {
	ms := float64(elapsed.Microseconds()) / 1000
	_, err := m.db.ExecContext(ctx, `
		UPDATE _sync_metrics SET
			total_synced = total_synced + ?,
			total_failed = total_failed + ?,
			conflicts_resolved = conflicts_resolved + ?,
			data_transferred_bytes = data_transferred_bytes + ?,
			average_time_ms = (average_time_ms * cycles_completed + ?) / (cycles_completed + 1),
			cycles_completed = cycles_completed + 1,
			last_sync_time = MAX(last_sync_time, ?)
		WHERE id = 1`,
		d.synced, d.failed, d.resolved, d.bytes, ms, toMillis(finishedAt))
	if err != nil {
		return fmt.Errorf("failed to update sync metrics: %w", err)
	}
	return nil
}

func addConflictsResolvedTx(ctx context.Context, tx *sql.Tx, n int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_metrics SET conflicts_resolved = conflicts_resolved + ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("failed to update conflicts_resolved: %w", err)
	}
	return nil
}

// payloadSize estimates bytes on the wire for one record exchange
func payloadSize(sent, received []byte) int64 {
	return int64(len(sent) + len(received))
}
