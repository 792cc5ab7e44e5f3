// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"time"
)

// Phase is the engine's position in the sync state machine:
// Idle -> Syncing -> {Clean | Conflicted} -> Idle
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSyncing    Phase = "syncing"
	PhaseClean      Phase = "clean"
	PhaseConflicted Phase = "conflicted"
)

// Status is the observable engine state published to subscribers
type Status struct {
	Phase        Phase          `json:"phase"`
	IsOnline     bool           `json:"is_online"`
	IsSyncing    bool           `json:"is_syncing"`
	LastSyncTime time.Time      `json:"last_sync_time"`
	PendingItems int            `json:"pending_items"`
	DeadLetters  int            `json:"dead_letters"`
	Conflicts    []SyncConflict `json:"conflicts"`
	Metrics      SyncMetrics    `json:"metrics"`
	Error        string         `json:"error,omitempty"` // last exhausted or validation failure
}

// SyncResult summarizes one PerformSync/ForceFullSync call
type SyncResult struct {
	Success            bool        `json:"success"`
	InProgress         bool        `json:"in_progress"` // another cycle was running, nothing was done
	Offline            bool        `json:"offline"`     // offline at cycle start, nothing was done
	Paused             bool        `json:"paused"`      // went offline mid-cycle, unprocessed records stay pending
	Synced             int         `json:"synced"`
	Failed             int         `json:"failed"`
	Retrying           int         `json:"retrying"`
	Conflicts          int         `json:"conflicts"` // conflicts detected this cycle
	RemainingConflicts int         `json:"remaining_conflicts"`
	Metrics            SyncMetrics `json:"metrics"`
	Err                error       `json:"-"`
}

// Summary is a derived health snapshot
type Summary struct {
	IsHealthy    bool          `json:"is_healthy"`
	IsOnline     bool          `json:"is_online"`
	IsSyncing    bool          `json:"is_syncing"`
	PendingItems int           `json:"pending_items"`
	Conflicts    int           `json:"conflicts"`
	DeadLetters  int           `json:"dead_letters"`
	SuccessRate  float64       `json:"success_rate"`  // synced / (synced + failed), 1 when nothing was attempted
	LastSyncTime time.Time     `json:"last_sync_time"`
	LastSyncAgo  time.Duration `json:"last_sync_ago"` // zero when never synced
}

// Status builds a fresh snapshot from local state
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.Count(ctx, StatePending)
	if err != nil {
		return Status{}, err
	}
	dead, err := e.queue.Count(ctx, StateDeadLetter)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := e.conflicts.list(ctx, ConflictPending)
	if err != nil {
		return Status{}, err
	}
	m, err := e.metrics.load(ctx)
	if err != nil {
		return Status{}, err
	}

	e.statusMu.Lock()
	phase, lastErr := e.phase, e.lastErr
	e.statusMu.Unlock()

	return Status{
		Phase:        phase,
		IsOnline:     e.monitor.IsOnline(),
		IsSyncing:    phase == PhaseSyncing,
		LastSyncTime: m.LastSyncTime,
		PendingItems: pending,
		DeadLetters:  dead,
		Conflicts:    conflicts,
		Metrics:      m,
		Error:        lastErr,
	}, nil
}

// Summary derives the health snapshot
func (e *Engine) Summary(ctx context.Context) (Summary, error) {
	st, err := e.Status(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		IsOnline:     st.IsOnline,
		IsSyncing:    st.IsSyncing,
		PendingItems: st.PendingItems,
		Conflicts:    len(st.Conflicts),
		DeadLetters:  st.DeadLetters,
		SuccessRate:  1,
		LastSyncTime: st.LastSyncTime,
	}
	sum.IsHealthy = sum.IsOnline && !sum.IsSyncing && sum.Conflicts == 0
	if total := st.Metrics.TotalSynced + st.Metrics.TotalFailed; total > 0 {
		sum.SuccessRate = float64(st.Metrics.TotalSynced) / float64(total)
	}
	if !st.LastSyncTime.IsZero() {
		sum.LastSyncAgo = e.now().Sub(st.LastSyncTime)
	}
	return sum, nil
}

// Subscribe returns a channel receiving a Status on every phase transition and
// a function that ends the subscription. A subscriber that falls behind loses
// the oldest unread updates.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Status, 16)
	if e.subs == nil {
		e.subs = make(map[int]chan Status)
	}
	e.subs[id] = ch
	closed := false
	return ch, func() {
		e.statusMu.Lock()
		defer e.statusMu.Unlock()
		if closed {
			return
		}
		closed = true
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// setPhase moves the state machine and publishes the new Status
func (e *Engine) setPhase(ctx context.Context, p Phase) {
	e.statusMu.Lock()
	e.phase = p
	e.statusMu.Unlock()
	e.publish(ctx)
}

func (e *Engine) setError(err error) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if err == nil {
		e.lastErr = ""
		return
	}
	e.lastErr = err.Error()
}

func (e *Engine) publish(ctx context.Context) {
	e.statusMu.Lock()
	n := len(e.subs)
	e.statusMu.Unlock()
	if n == 0 {
		return
	}
	st, err := e.Status(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Warn("failed to build status", "error", err)
		return
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	for _, ch := range e.subs {
		sendLatest(ch, st)
	}
}

func (e *Engine) closeSubscribers() {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
