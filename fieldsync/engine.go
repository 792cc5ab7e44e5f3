// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync is the offline-first synchronization engine of the field
// inspection client.
//
// Local mutations are recorded in a durable SQLite change queue and reconciled
// with a remote.Store once connectivity allows. Each sync cycle drains a batch,
// classifies every record against the remote revision, applies clean records,
// routes conflicting ones through the configured resolution policy and updates
// persisted metrics. At most one cycle runs at a time.
package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// Config holds engine configuration
type Config struct {
	BackoffMin      time.Duration // first retry delay, 1s
	BackoffMax      time.Duration // retry delay cap, 60s
	RemoteTimeout   time.Duration // per remote call, 15s
	Strategy        *SyncStrategy // persisted on first run when no strategy exists; nil means DefaultStrategy
	Logger          *slog.Logger  // nil means slog.Default()
	Observer        CycleObserver // optional per-stage timings
	LogStageTimings bool          // log stage timings at debug level
	Now             func() time.Time
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		BackoffMin:    1 * time.Second,
		BackoffMax:    60 * time.Second,
		RemoteTimeout: 15 * time.Second,
	}
}

// Engine is the sync engine facade. Construct one per local database and share it.
type Engine struct {
	db      *sql.DB
	store   remote.Store
	monitor NetworkMonitor
	cfg     *Config
	logger  *slog.Logger
	now     func() time.Time

	writeMu    sync.Mutex // serializes local writes to the sync tables
	queue      *ChangeQueue
	strategies *strategyStore
	conflicts  *conflictStore
	metrics    *metricsStore

	strategyMu sync.RWMutex
	strategy   SyncStrategy

	running   atomic.Bool // reentrancy guard, one cycle at a time
	closed    atomic.Bool
	resolveMu sync.Mutex // serializes manual resolutions

	trigger         chan struct{}
	strategyChanged chan struct{}

	statusMu sync.Mutex
	phase    Phase
	lastErr  string
	subs     map[int]chan Status
	nextSub  int

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine creates the sync tables if needed and loads the persisted strategy.
func NewEngine(db *sql.DB, store remote.Store, monitor NetworkMonitor, cfg *Config) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("network monitor cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = c.BackoffMin
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	fallback := DefaultStrategy()
	if c.Strategy != nil {
		fallback = *c.Strategy
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	e := &Engine{
		db:              db,
		store:           store,
		monitor:         monitor,
		cfg:             &c,
		logger:          c.Logger,
		now:             c.Now,
		strategies:      &strategyStore{db: db},
		conflicts:       &conflictStore{db: db},
		metrics:         &metricsStore{db: db},
		trigger:         make(chan struct{}, 1),
		strategyChanged: make(chan struct{}, 1),
		phase:           PhaseIdle,
		subs:            make(map[int]chan Status),
	}
	e.queue = newChangeQueue(db, &e.writeMu, c.Now)

	st, err := e.strategies.load(context.Background(), fallback)
	if err != nil {
		return nil, err
	}
	e.strategy = st

	e.logger.Debug("sync engine initialized",
		"priority", st.Priority, "batch_size", st.BatchSize, "retry_attempts", st.RetryAttempts,
		"sync_interval_ms", st.SyncIntervalMs, "background_sync", st.BackgroundSync)
	return e, nil
}

// Start subscribes to connectivity changes and runs the background loop until
// Close or ctx is done. Reconnects and manual triggers start a cycle; the
// interval timer does too while background_sync is enabled.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.startOnce.Do(func() {
		ctx, e.cancel = context.WithCancel(ctx)
		events, unsubscribe := e.monitor.Subscribe()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer unsubscribe()
			e.loop(ctx, events)
		}()
	})
	return nil
}

// Close stops the background loop and ends all subscriptions. Safe to call
// multiple times. The database is owned by the caller and stays open.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.closeSubscribers()
	})
	return nil
}

// Trigger requests a background cycle without waiting for it. Requests made
// while one is already queued are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Enqueue records a local mutation durably before returning
func (e *Engine) Enqueue(ctx context.Context, c Change) (*ChangeRecord, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	rec, err := e.queue.Enqueue(ctx, c)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		e.logger.Debug("local-only entity deleted, change dropped", "entity_type", c.EntityType, "entity_id", c.EntityLocalID)
	} else {
		e.logger.Debug("change enqueued", "id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityLocalID,
			"op", rec.Operation, "generation", rec.Generation)
	}
	return rec, nil
}

// SyncStrategy returns the current strategy
func (e *Engine) SyncStrategy() SyncStrategy {
	e.strategyMu.RLock()
	defer e.strategyMu.RUnlock()
	return e.strategy
}

// SetSyncStrategy validates and persists s. It does not start a cycle; a
// running cycle keeps the snapshot it started with.
func (e *Engine) SetSyncStrategy(ctx context.Context, s SyncStrategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p, _ := ParsePriority(string(s.Priority))
	s.Priority = p

	e.strategyMu.Lock()
	e.writeMu.Lock()
	err := e.strategies.save(ctx, s)
	e.writeMu.Unlock()
	if err != nil {
		e.strategyMu.Unlock()
		return err
	}
	e.strategy = s
	e.strategyMu.Unlock()

	select {
	case e.strategyChanged <- struct{}{}:
	default:
	}
	e.logger.Info("sync strategy updated", "priority", s.Priority, "batch_size", s.BatchSize,
		"retry_attempts", s.RetryAttempts, "sync_interval_ms", s.SyncIntervalMs, "background_sync", s.BackgroundSync)
	return nil
}

// UpdateStrategy merges a partial update into the persisted strategy
func (e *Engine) UpdateStrategy(ctx context.Context, patch StrategyPatch) (SyncStrategy, error) {
	next := patch.Apply(e.SyncStrategy())
	if err := e.SetSyncStrategy(ctx, next); err != nil {
		return SyncStrategy{}, err
	}
	return e.SyncStrategy(), nil
}

// Conflicts returns all pending conflicts, oldest first
func (e *Engine) Conflicts(ctx context.Context) ([]SyncConflict, error) {
	return e.conflicts.list(ctx, ConflictPending)
}

// ResolvedConflicts returns the resolved conflicts kept for audit
func (e *Engine) ResolvedConflicts(ctx context.Context) ([]SyncConflict, error) {
	return e.conflicts.list(ctx, ConflictResolved)
}

// Conflict loads one conflict by id
func (e *Engine) Conflict(ctx context.Context, id string) (*SyncConflict, error) {
	return e.conflicts.get(ctx, id)
}

// Metrics returns the persisted metrics snapshot
func (e *Engine) Metrics(ctx context.Context) (SyncMetrics, error) {
	return e.metrics.load(ctx)
}

// RefreshMetrics reloads metrics and publishes a fresh Status to subscribers
func (e *Engine) RefreshMetrics(ctx context.Context) (SyncMetrics, error) {
	m, err := e.metrics.load(ctx)
	if err != nil {
		return SyncMetrics{}, err
	}
	e.publish(ctx)
	return m, nil
}

// PendingCount returns the number of records waiting to be synced
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Count(ctx, StatePending)
}

// PendingChanges lists the records waiting to be synced, oldest first
func (e *Engine) PendingChanges(ctx context.Context) ([]*ChangeRecord, error) {
	return e.queue.List(ctx, StatePending)
}

// DeadLetters lists records held after exhausting retries or being rejected
func (e *Engine) DeadLetters(ctx context.Context) ([]*ChangeRecord, error) {
	return e.queue.List(ctx, StateDeadLetter)
}

// RequeueDeadLetter gives a dead-lettered record a fresh retry budget
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := e.queue.Requeue(ctx, id); err != nil {
		return err
	}
	e.logger.Info("dead letter requeued", "id", id)
	e.publish(ctx)
	return nil
}

// ManualResolution is the caller's decision for a pending conflict.
// Exactly one of KeepRemote, Delete or Payload applies, in that order.
type ManualResolution struct {
	Payload    json.RawMessage // merged payload to write
	Delete     bool            // resolve by deleting the entity
	KeepRemote bool            // discard the local change
}

// ResolveConflictManually applies payload to the remote at the revision the
// conflict was detected against, marks the conflict resolved, acks the
// originating record and counts the resolution.
func (e *Engine) ResolveConflictManually(ctx context.Context, id string, payload json.RawMessage) (*SyncConflict, error) {
	return e.ResolveConflict(ctx, id, ManualResolution{Payload: payload})
}

// ResolveConflict settles a pending conflict. When the write cannot reach the
// remote, the conflict stays resolved and the originating record is rewritten
// with the resolution and retried by the next cycle.
func (e *Engine) ResolveConflict(ctx context.Context, id string, mr ManualResolution) (*SyncConflict, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()

	c, err := e.conflicts.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == ConflictResolved {
		return nil, fmt.Errorf("%w: %s", ErrConflictResolved, id)
	}
	rec, err := e.queue.Get(ctx, c.ChangeID)
	if err != nil {
		return nil, err
	}

	rv := &remoteView{
		Exists:   c.RemoteVersion > 0,
		RemoteID: rec.RemoteID(),
		Revision: c.RemoteVersion,
		Payload:  c.RemotePayload,
		Deleted:  c.RemoteDeleted,
	}
	now := e.now()

	switch {
	case mr.KeepRemote:
		c.Status = ConflictResolved
		c.Resolution = newResolution(PriorityManual, DecisionKeepRemote, nil, rec.Payload, nil, now)
		if _, err := e.queue.settleConflict(ctx, rec, c, rv.applied(rec.RemoteID()), true); err != nil {
			return nil, err
		}
		e.logger.Info("conflict resolved manually", "conflict_id", id, "decision", DecisionKeepRemote)
		e.publish(ctx)
		return c, nil
	case mr.Delete:
		c.Status = ConflictResolved
		c.Resolution = newResolution(PriorityManual, DecisionManual, nil, nil, []string{"resolved by delete"}, now)
		return c, e.applyManual(ctx, rec, c, OpDelete, nil, rv)
	default:
		if _, err := parseObject(mr.Payload); err != nil || len(mr.Payload) == 0 {
			return nil, fmt.Errorf("%w: resolution payload must be a JSON object", ErrInvalidChange)
		}
		c.Status = ConflictResolved
		c.Resolution = newResolution(PriorityManual, DecisionManual, mr.Payload, nil, nil, now)
		return c, e.applyManual(ctx, rec, c, OpUpdate, mr.Payload, rv)
	}
}

func (e *Engine) applyManual(ctx context.Context, rec *ChangeRecord, c *SyncConflict, op Operation, payload json.RawMessage, rv *remoteView) error {
	var out *remote.Record
	var err error
	if e.monitor.IsOnline() {
		out, err = e.write(ctx, rec, rec.resolutionKey(rv.Revision), op, payload, rv.expectedRevision())
	} else {
		err = &NetworkError{Op: "resolve", Err: fmt.Errorf("offline")}
	}
	if err != nil {
		e.logger.Warn("manual resolution not applied, will retry", "conflict_id", c.ID, "change_id", rec.ID, "error", err)
		if rerr := e.queue.retryResolved(ctx, rec, c, op, payload, rv, err, true); rerr != nil {
			return rerr
		}
		e.publish(ctx)
		return nil
	}
	if _, err := e.queue.settleConflict(ctx, rec, c, viewOf(out).applied(rec.RemoteID()), true); err != nil {
		return err
	}
	e.logger.Info("conflict resolved manually", "conflict_id", c.ID, "change_id", rec.ID, "revision", out.Revision)
	e.publish(ctx)
	return nil
}

// write sends one record's write to the remote store with the per-call timeout.
// key is the idempotency key the store deduplicates on.
func (e *Engine) write(ctx context.Context, rec *ChangeRecord, key string, op Operation, payload json.RawMessage, expected int64) (*remote.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	w := remote.Write{
		EntityType:       rec.EntityType,
		ID:               rec.RemoteID(),
		ExpectedRevision: expected,
		Payload:          payload,
		FieldTimes:       rec.FieldTimes,
		ChangeKey:        key,
	}

	e.queue.beginApply(rec.ID)
	defer e.queue.endApply(rec.ID)

	var out *remote.Record
	var err error
	if op == OpDelete {
		w.Payload = nil
		w.FieldTimes = nil
		out, err = e.store.Delete(callCtx, w)
	} else {
		out, err = e.store.Upsert(callCtx, w)
	}
	if err == nil {
		err = remote.CheckRecord(out)
	}
	return out, classifyRemoteError("apply", rec.EntityType, rec.RemoteID(), err)
}

// fetch loads the remote state for a record. A missing record is not an error.
func (e *Engine) fetch(ctx context.Context, rec *ChangeRecord) (*remoteView, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
	defer cancel()

	out, err := e.store.Fetch(callCtx, rec.EntityType, rec.RemoteID())
	if err != nil {
		err = classifyRemoteError("fetch", rec.EntityType, rec.RemoteID(), err)
		if isNotFound(err) {
			return viewOf(nil), nil
		}
		return nil, err
	}
	if err := remote.CheckRecord(out); err != nil {
		return nil, classifyRemoteError("fetch", rec.EntityType, rec.RemoteID(), err)
	}
	return viewOf(out), nil
}

// backoff returns the delay before retry number attempt (1-based)
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax || d <= 0 {
			return e.cfg.BackoffMax
		}
	}
	if d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}
