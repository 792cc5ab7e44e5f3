// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// PerformSync runs one cycle now. If a cycle is already running it returns
// immediately with InProgress set and Err = ErrSyncInProgress.
func (e *Engine) PerformSync(ctx context.Context) (*SyncResult, error) {
	return e.guardedCycle(ctx, false)
}

// ForceFullSync runs a baseline pass first, which applies every clean pending
// record regardless of backoff windows and leaves conflicting ones alone, then
// a normal cycle.
func (e *Engine) ForceFullSync(ctx context.Context) (*SyncResult, error) {
	return e.guardedCycle(ctx, true)
}

func (e *Engine) guardedCycle(ctx context.Context, baseline bool) (*SyncResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return &SyncResult{InProgress: true, Err: ErrSyncInProgress}, nil
	}
	defer e.running.Store(false)
	return e.runCycle(ctx, baseline)
}

// cycle carries the state of one running cycle
type cycle struct {
	strategy SyncStrategy
	delta    cycleDelta
	result   *SyncResult
	surfaced error // last exhausted or validation failure
}

func (e *Engine) runCycle(ctx context.Context, baseline bool) (*SyncResult, error) {
	cy := &cycle{strategy: e.SyncStrategy(), result: &SyncResult{}}

	if !e.monitor.IsOnline() {
		cy.result.Offline = true
		e.logger.Debug("sync skipped, offline")
		return cy.result, nil
	}

	started := time.Now()
	totalStart := e.stageStart()
	e.setError(nil)
	e.setPhase(ctx, PhaseSyncing)
	e.logger.Debug("sync cycle started", "priority", cy.strategy.Priority, "batch_size", cy.strategy.BatchSize, "baseline", baseline)

	var cycleErr error
	if baseline {
		stageStart := e.stageStart()
		cycleErr = e.baselinePass(ctx, cy)
		e.observeStage(ctx, StageBaseline, stageStart, cy.result.Synced, cycleErr != nil)
	}
	if cycleErr == nil && !cy.result.Paused {
		cycleErr = e.processBatch(ctx, cy)
	}

	elapsed := time.Since(started)
	e.writeMu.Lock()
	err := e.metrics.completeCycle(context.WithoutCancel(ctx), cy.delta, elapsed, e.now())
	e.writeMu.Unlock()
	if err != nil {
		e.logger.Error("failed to persist cycle metrics", "error", err)
		if cycleErr == nil {
			cycleErr = err
		}
	}

	if m, err := e.metrics.load(context.WithoutCancel(ctx)); err == nil {
		cy.result.Metrics = m
	}
	if n, err := e.conflicts.countPending(context.WithoutCancel(ctx)); err == nil {
		cy.result.RemainingConflicts = n
	}
	cy.result.Err = cycleErr
	if cy.surfaced != nil {
		e.setError(cy.surfaced)
		if cy.result.Err == nil {
			cy.result.Err = cy.surfaced
		}
	}
	cy.result.Success = cycleErr == nil && cy.result.Failed == 0 && !cy.result.Paused

	if cy.result.RemainingConflicts > 0 {
		e.setPhase(ctx, PhaseConflicted)
	} else {
		e.setPhase(ctx, PhaseClean)
	}
	e.setPhase(ctx, PhaseIdle)

	e.observeStage(ctx, StageTotal, totalStart, cy.result.Synced, cycleErr != nil)
	e.logger.Info("sync cycle finished",
		"synced", cy.result.Synced, "failed", cy.result.Failed, "retrying", cy.result.Retrying,
		"conflicts", cy.result.Conflicts, "remaining_conflicts", cy.result.RemainingConflicts,
		"paused", cy.result.Paused, "duration_ms", elapsed.Milliseconds())
	return cy.result, cycleErr
}

// baselinePass applies every clean pending record, ignoring backoff windows.
// Conflicting records are left for the normal pass.
func (e *Engine) baselinePass(ctx context.Context, cy *cycle) error {
	records, err := e.queue.Drain(ctx, math.MaxInt32, true)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if e.pause(ctx, cy) {
			return nil
		}
		rv, err := e.fetch(ctx, rec)
		if err != nil {
			e.handleFailure(ctx, cy, rec, err)
			continue
		}
		if classify(rec, rv).Class == ClassConflicting {
			continue
		}
		e.applyRecord(ctx, cy, rec, rv)
	}
	return nil
}

// processBatch drains one batch and processes it record by record, in enqueue order.
func (e *Engine) processBatch(ctx context.Context, cy *cycle) error {
	drainStart := e.stageStart()
	records, err := e.queue.Drain(ctx, cy.strategy.BatchSize, false)
	e.observeStage(ctx, StageDrain, drainStart, len(records), err != nil)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if e.pause(ctx, cy) {
			return nil
		}

		detectStart := e.stageStart()
		rv, err := e.fetch(ctx, rec)
		if err != nil {
			e.observeStage(ctx, StageDetect, detectStart, 1, true)
			e.handleFailure(ctx, cy, rec, err)
			continue
		}
		det := classify(rec, rv)
		e.observeStage(ctx, StageDetect, detectStart, 1, false)
		e.logger.Debug("change classified", "id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityLocalID,
			"class", det.Class, "reason", det.Reason, "base_version", rec.BaseVersion, "remote_revision", rv.Revision)

		if det.Class == ClassConflicting {
			resolveStart := e.stageStart()
			e.resolveRecord(ctx, cy, rec, rv, det)
			e.observeStage(ctx, StageResolve, resolveStart, 1, false)
			continue
		}
		e.applyRecord(ctx, cy, rec, rv)
	}
	return nil
}

// pause reports whether the cycle must stop before the next record.
// Unprocessed records stay pending without an attempt being counted.
func (e *Engine) pause(ctx context.Context, cy *cycle) bool {
	if ctx.Err() != nil || !e.monitor.IsOnline() {
		if !cy.result.Paused {
			e.logger.Info("sync paused", "offline", !e.monitor.IsOnline(), "canceled", ctx.Err() != nil)
		}
		cy.result.Paused = true
		return true
	}
	return false
}

// applyRecord handles a clean or already-applied record
func (e *Engine) applyRecord(ctx context.Context, cy *cycle, rec *ChangeRecord, rv *remoteView) {
	applyStart := e.stageStart()

	var applied *appliedState
	var sent []byte
	switch {
	case rv.LastChangeKey != "" && rv.LastChangeKey == rec.ApplyKey():
		applied = rv.applied(rec.RemoteID())
	case rec.Operation == OpDelete && !rv.live():
		// Nothing to delete remotely
		applied = rv.applied(rec.RemoteID())
		applied.Deleted = true
	default:
		out, err := e.write(ctx, rec, rec.ApplyKey(), rec.Operation, rec.Payload, rv.expectedRevision())
		if err != nil {
			e.observeStage(ctx, StageApply, applyStart, 1, true)
			e.handleFailure(ctx, cy, rec, err)
			return
		}
		applied = viewOf(out).applied(rec.RemoteID())
		sent = rec.Payload
	}

	removed, err := e.queue.Ack(ctx, rec, applied)
	e.observeStage(ctx, StageApply, applyStart, 1, err != nil)
	if err != nil {
		e.logger.Error("failed to ack change", "id", rec.ID, "error", err)
		return
	}
	cy.result.Synced++
	cy.delta.synced++
	cy.delta.bytes += payloadSize(sent, rv.Payload)
	e.logger.Debug("change synced", "id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityLocalID,
		"revision", applied.Revision, "removed", removed)
}

// resolveRecord routes a conflicting record through the strategy's policy
func (e *Engine) resolveRecord(ctx context.Context, cy *cycle, rec *ChangeRecord, rv *remoteView, det Detection) {
	now := e.now()
	c := &SyncConflict{
		ID:               uuid.NewString(),
		ChangeID:         rec.ID,
		EntityType:       rec.EntityType,
		EntityID:         rec.EntityLocalID,
		Operation:        rec.Operation,
		LocalPayload:     rec.Payload,
		RemotePayload:    rv.Payload,
		RemoteDeleted:    rv.Deleted,
		LocalBaseVersion: rec.BaseVersion,
		RemoteVersion:    rv.Revision,
		DetectedAt:       now.UTC().Truncate(time.Millisecond),
		Status:           ConflictPending,
	}
	cy.result.Conflicts++
	cy.delta.bytes += payloadSize(nil, rv.Payload)

	out := resolve(cy.strategy.Priority, rec, rv)
	reasons := append([]string{det.Reason}, out.Reasons...)

	switch out.Decision {
	case DecisionManual:
		parked, err := e.queue.parkConflict(ctx, rec, c)
		if err != nil {
			e.logger.Error("failed to park conflict", "id", rec.ID, "error", err)
			return
		}
		if parked {
			e.logger.Info("conflict requires manual resolution", "conflict_id", c.ID, "change_id", rec.ID,
				"entity_type", rec.EntityType, "entity_id", rec.EntityLocalID, "reasons", reasons)
		}

	case DecisionKeepRemote:
		c.Status = ConflictResolved
		c.Resolution = newResolution(cy.strategy.Priority, out.Decision, nil, rec.Payload, reasons, now)
		if _, err := e.queue.settleConflict(ctx, rec, c, rv.applied(rec.RemoteID()), false); err != nil {
			e.logger.Error("failed to settle conflict", "id", rec.ID, "error", err)
			return
		}
		cy.delta.resolved++
		e.logger.Info("conflict resolved, local change discarded", "conflict_id", c.ID, "change_id", rec.ID,
			"policy", cy.strategy.Priority)

	default: // keep_local, merge
		c.Status = ConflictResolved
		c.Resolution = newResolution(cy.strategy.Priority, out.Decision, out.Payload, nil, reasons, now)
		written, err := e.write(ctx, rec, rec.resolutionKey(rv.Revision), out.Operation, out.Payload, rv.expectedRevision())
		if errors.Is(err, remote.ErrRevisionMismatch) {
			// Remote moved again since the fetch; the next cycle re-detects.
			e.logger.Info("remote changed during resolution, will re-detect", "change_id", rec.ID)
			cy.result.Retrying++
			return
		}
		if err != nil {
			if rerr := e.queue.retryResolved(ctx, rec, c, out.Operation, out.Payload, rv, err, false); rerr != nil {
				e.logger.Error("failed to store resolution for retry", "id", rec.ID, "error", rerr)
				return
			}
			cy.delta.resolved++
			e.handleFailure(ctx, cy, rec, err)
			return
		}
		if _, err := e.queue.settleConflict(ctx, rec, c, viewOf(written).applied(rec.RemoteID()), false); err != nil {
			e.logger.Error("failed to settle conflict", "id", rec.ID, "error", err)
			return
		}
		cy.delta.resolved++
		cy.delta.synced++
		cy.delta.bytes += payloadSize(out.Payload, nil)
		cy.result.Synced++
		e.logger.Info("conflict resolved", "conflict_id", c.ID, "change_id", rec.ID, "policy", cy.strategy.Priority,
			"decision", out.Decision, "revision", written.Revision)
	}
}

// handleFailure applies the retry policy to a failed record
func (e *Engine) handleFailure(ctx context.Context, cy *cycle, rec *ChangeRecord, err error) {
	log := e.logger.With("id", rec.ID, "entity_type", rec.EntityType, "entity_id", rec.EntityLocalID)

	switch {
	case ctx.Err() != nil:
		cy.result.Paused = true
		return
	case errors.Is(err, remote.ErrRevisionMismatch):
		// Remote moved between fetch and write; the next cycle re-detects.
		log.Info("remote changed during apply, will re-detect")
		cy.result.Retrying++
		return
	case isValidationError(err):
		if dlErr := e.queue.DeadLetter(context.WithoutCancel(ctx), rec.ID, err); dlErr != nil {
			log.Error("failed to dead-letter change", "error", dlErr)
			return
		}
		cy.result.Failed++
		cy.delta.failed++
		cy.surfaced = err
		log.Warn("change rejected by remote, dead-lettered", "error", err)
		return
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) && !e.monitor.IsOnline() {
		// Connectivity dropped mid-call: pause without spending an attempt.
		cy.result.Paused = true
		log.Info("network error while offline, paused", "error", err)
		return
	}

	attempts, dead, fErr := e.queue.Fail(context.WithoutCancel(ctx), rec.ID, err, cy.strategy.RetryAttempts, e.backoff)
	if fErr != nil {
		log.Error("failed to record failure", "error", fErr)
		return
	}
	if dead {
		exhausted := &ExhaustedRetriesError{ChangeID: rec.ID, Attempts: attempts, Last: err}
		cy.result.Failed++
		cy.delta.failed++
		cy.surfaced = exhausted
		log.Warn("change exhausted retries, dead-lettered", "attempts", attempts, "error", err)
		return
	}
	cy.result.Retrying++
	log.Debug("change failed, will retry", "attempt", attempts, "backoff", e.backoff(attempts), "error", err)
}

// loop is the background worker: it serves triggers, reconnects and the interval timer.
func (e *Engine) loop(ctx context.Context, events <-chan NetworkEvent) {
	var timer *time.Timer
	var timerC <-chan time.Time
	arm := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		st := e.SyncStrategy()
		if !st.BackgroundSync {
			return
		}
		timer = time.NewTimer(st.SyncInterval())
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm()

	run := func(reason string) {
		e.logger.Debug("sync triggered", "reason", reason)
		if _, err := e.PerformSync(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("background sync failed", "reason", reason, "error", err)
		}
		arm()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.publish(ctx)
			if ev.Online {
				run("reconnect")
			}
		case <-e.trigger:
			run("manual")
		case <-timerC:
			timer, timerC = nil, nil
			run("interval")
		case <-e.strategyChanged:
			st := e.SyncStrategy()
			if st.BackgroundSync != (timerC != nil) {
				arm()
			}
		}
	}
}
