package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

// seedSynced creates an entity locally and syncs it so later edits carry a base.
func seedSynced(t *testing.T, env *testEnv, entityType, id string, payload map[string]any) {
	t.Helper()
	env.enqueue(t, OpCreate, entityType, id, payload)
	res := env.sync(t)
	require.Equal(t, 1, res.Synced)
}

func TestConflict_ClientWins(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityClientWins))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})

	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)

	res := env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.RemainingConflicts)

	got := env.remoteRecord(t, "inspection", "insp-1")
	require.Equal(t, int64(3), got.Revision)
	require.Equal(t, "B", decode(t, got.Payload)["title"])

	resolved, err := env.engine.ResolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, DecisionKeepLocal, resolved[0].Resolution.Decision)
	require.Equal(t, PriorityClientWins, resolved[0].Resolution.ResolvedBy)
	require.Equal(t, int64(2), resolved[0].RemoteVersion)
	require.Equal(t, int64(1), resolved[0].LocalBaseVersion)

	m, err := env.engine.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), m.ConflictsResolved)
}

func TestConflict_ClientWinsAfterLostAck(t *testing.T) {
	var fs *faultyStore
	env := newTestEnvWithStore(t, strategyWith(PriorityClientWins), func(s remote.Store) remote.Store {
		fs = &faultyStore{Store: s}
		return fs
	})
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})

	// The update lands but its response is lost
	fs.set(func(f *faultyStore) { f.loseAck = 1 })
	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	res := env.sync(t)
	require.Equal(t, 1, res.Retrying)
	require.Equal(t, "B", decode(t, env.remoteRecord(t, "inspection", "insp-1").Payload)["title"])

	// Another device overwrites it before the retry
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)

	env.clock.Advance(2 * time.Second)
	res = env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.Synced)

	got := env.remoteRecord(t, "inspection", "insp-1")
	require.Equal(t, int64(4), got.Revision, "the resolution is written, not taken for a replay")
	require.Equal(t, "B", decode(t, got.Payload)["title"])
	require.Equal(t, 3, fs.writes)

	n, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConflict_ServerWins(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityServerWins))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})

	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)

	res := env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Zero(t, res.RemainingConflicts)

	got := env.remoteRecord(t, "inspection", "insp-1")
	require.Equal(t, int64(2), got.Revision, "server_wins never writes")
	require.Equal(t, "C", decode(t, got.Payload)["title"])

	n, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	resolved, err := env.engine.ResolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, DecisionKeepRemote, resolved[0].Resolution.Decision)
	require.JSONEq(t, `{"title":"B"}`, string(resolved[0].Resolution.Discarded))

	// the next edit is based on the remote state that won
	rec := env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "D"})
	require.Equal(t, int64(2), rec.BaseVersion)
	require.Equal(t, 1, env.sync(t).Synced)
}

func TestConflict_ManualParksRecord(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})

	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)

	res := env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.RemainingConflicts)
	require.Zero(t, res.Synced)

	got := env.remoteRecord(t, "inspection", "insp-1")
	require.Equal(t, int64(2), got.Revision)
	require.Equal(t, "C", decode(t, got.Payload)["title"])

	n, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "a parked record is not pending")

	// a parked record is not picked up again and no duplicate conflict is recorded
	res = env.sync(t)
	require.Zero(t, res.Conflicts)
	require.Equal(t, 1, res.RemainingConflicts)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, ConflictPending, conflicts[0].Status)
	require.Nil(t, conflicts[0].Resolution)

	// further local edits keep the reviewer's local side current
	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"notes": "leak"})
	c, err := env.engine.Conflict(ctx, conflicts[0].ID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"title": "B", "notes": "leak"}, decode(t, c.LocalPayload))
}

func TestConflict_MergeDisjointFields(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityMerge))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A", "status": "draft"})

	rec := env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B", "status": "draft"})
	require.Equal(t, []string{"title"}, rec.ChangedFields)
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "A", "status": "done"}), nil)

	res := env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.RemainingConflicts)

	got := env.remoteRecord(t, "inspection", "insp-1")
	require.Equal(t, map[string]any{"title": "B", "status": "done"}, decode(t, got.Payload))

	resolved, err := env.engine.ResolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, DecisionMerge, resolved[0].Resolution.Decision)
}

func TestConflict_MergeUsesFieldTimes(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityMerge))
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})

	_, err := env.engine.Enqueue(context.Background(), Change{
		EntityType: "inspection", EntityLocalID: "insp-1", Operation: OpUpdate,
		Payload:    raw(t, map[string]any{"title": "B"}),
		FieldTimes: map[string]int64{"title": 2000},
	})
	require.NoError(t, err)
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), map[string]int64{"title": 1000})

	res := env.sync(t)
	require.Equal(t, 1, res.Synced)
	require.Equal(t, "B", decode(t, env.remoteRecord(t, "inspection", "insp-1").Payload)["title"])
}

// An inspection created offline, edited, and concurrently created remotely by
// another inspector is parked and then settled by hand.
func TestConflict_ManualResolutionOfOfflineEdit(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityMerge))
	ctx := context.Background()
	env.monitor.SetOnline(false)

	env.enqueue(t, OpCreate, "inspection", "insp-42", map[string]any{"title": "A"})
	env.enqueue(t, OpUpdate, "inspection", "insp-42", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-42", raw(t, map[string]any{"title": "C"}), nil)

	env.monitor.SetOnline(true)
	res := env.sync(t)
	require.Equal(t, 1, res.Conflicts)
	require.Equal(t, 1, res.RemainingConflicts)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	require.Equal(t, "insp-42", c.EntityID)
	require.Equal(t, "B", decode(t, c.LocalPayload)["title"])
	require.Equal(t, "C", decode(t, c.RemotePayload)["title"])
	require.Equal(t, int64(1), c.RemoteVersion)

	before, err := env.engine.Metrics(ctx)
	require.NoError(t, err)

	out, err := env.engine.ResolveConflictManually(ctx, c.ID, json.RawMessage(`{"title":"B"}`))
	require.NoError(t, err)
	require.Equal(t, ConflictResolved, out.Status)

	got := env.remoteRecord(t, "inspection", "insp-42")
	require.Equal(t, "B", decode(t, got.Payload)["title"])
	require.Equal(t, int64(2), got.Revision)

	n, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	conflicts, err = env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)

	after, err := env.engine.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, before.ConflictsResolved+1, after.ConflictsResolved)

	stored, err := env.engine.Conflict(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, ConflictResolved, stored.Status)
	require.Equal(t, PriorityManual, stored.Resolution.ResolvedBy)
	require.JSONEq(t, `{"title":"B"}`, string(stored.Resolution.Payload))
}

func TestResolveConflict_Errors(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ctx := context.Background()

	_, err := env.engine.ResolveConflictManually(ctx, "missing", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrConflictNotFound)

	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})
	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)
	env.sync(t)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	id := conflicts[0].ID

	_, err = env.engine.ResolveConflictManually(ctx, id, json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, ErrInvalidChange)

	_, err = env.engine.ResolveConflictManually(ctx, id, json.RawMessage(`{"title":"D"}`))
	require.NoError(t, err)

	_, err = env.engine.ResolveConflictManually(ctx, id, json.RawMessage(`{"title":"E"}`))
	require.ErrorIs(t, err, ErrConflictResolved)
	require.Equal(t, "D", decode(t, env.remoteRecord(t, "inspection", "insp-1").Payload)["title"])
}

func TestResolveConflict_KeepRemoteAndDelete(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})
	seedSynced(t, env, "inspection", "insp-2", map[string]any{"title": "A"})

	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.enqueue(t, OpUpdate, "inspection", "insp-2", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)
	env.store.Put("inspection", "insp-2", raw(t, map[string]any{"title": "C"}), nil)
	require.Equal(t, 2, env.sync(t).RemainingConflicts)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	byEntity := map[string]string{}
	for _, c := range conflicts {
		byEntity[c.EntityID] = c.ID
	}

	c, err := env.engine.ResolveConflict(ctx, byEntity["insp-1"], ManualResolution{KeepRemote: true})
	require.NoError(t, err)
	require.Equal(t, DecisionKeepRemote, c.Resolution.Decision)
	require.Equal(t, int64(2), env.remoteRecord(t, "inspection", "insp-1").Revision)

	_, err = env.engine.ResolveConflict(ctx, byEntity["insp-2"], ManualResolution{Delete: true})
	require.NoError(t, err)
	tomb := env.remoteRecord(t, "inspection", "insp-2")
	require.True(t, tomb.Deleted)
	require.Equal(t, int64(3), tomb.Revision)

	n, err := env.engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	m, err := env.engine.Metrics(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), m.ConflictsResolved)
}

func TestResolveConflict_OfflineIsRetriedByNextCycle(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ctx := context.Background()
	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})
	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)
	env.sync(t)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	env.monitor.SetOnline(false)
	c, err := env.engine.ResolveConflictManually(ctx, conflicts[0].ID, json.RawMessage(`{"title":"BC"}`))
	require.NoError(t, err)
	require.Equal(t, ConflictResolved, c.Status)
	require.Equal(t, "C", decode(t, env.remoteRecord(t, "inspection", "insp-1").Payload)["title"])

	pending, err := env.engine.PendingChanges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, int64(2), pending[0].BaseVersion)

	env.monitor.SetOnline(true)
	res := env.sync(t)
	require.Equal(t, 1, res.Synced)
	require.Zero(t, res.Conflicts)
	require.Equal(t, "BC", decode(t, env.remoteRecord(t, "inspection", "insp-1").Payload)["title"])
}

func collectPhases(ch <-chan Status, n int) []Phase {
	var out []Phase
	for len(out) < n {
		select {
		case st := <-ch:
			out = append(out, st.Phase)
		case <-time.After(time.Second):
			return out
		}
	}
	return out
}

func TestSubscribe_PublishesPhaseTransitions(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ch, unsubscribe := env.engine.Subscribe()
	defer unsubscribe()

	env.enqueue(t, OpCreate, "inspection", "insp-1", map[string]any{"title": "A"})
	env.sync(t)
	require.Equal(t, []Phase{PhaseSyncing, PhaseClean, PhaseIdle}, collectPhases(ch, 3))

	env.enqueue(t, OpCreate, "inspection", "insp-2", map[string]any{"title": "A"})
	env.store.Put("inspection", "insp-2", raw(t, map[string]any{"title": "X"}), nil)
	env.sync(t)

	var last Status
	var phases []Phase
	for i := 0; i < 3; i++ {
		last = <-ch
		phases = append(phases, last.Phase)
	}
	require.Equal(t, []Phase{PhaseSyncing, PhaseConflicted, PhaseIdle}, phases)
	require.False(t, last.IsSyncing)
	require.Len(t, last.Conflicts, 1)

	st, err := env.engine.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhaseIdle, st.Phase)
	require.True(t, st.IsOnline)
}

func TestStart_SyncsOnReconnectAndTrigger(t *testing.T) {
	s := DefaultStrategy()
	s.BackgroundSync = false
	env := newTestEnv(t, &s)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.monitor.SetOnline(false)
	require.NoError(t, env.engine.Start(ctx))

	env.enqueue(t, OpCreate, "inspection", "insp-1", map[string]any{"title": "A"})
	env.monitor.SetOnline(true)
	require.Eventually(t, func() bool { return env.store.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	env.enqueue(t, OpCreate, "inspection", "insp-2", map[string]any{"title": "A"})
	env.engine.Trigger()
	require.Eventually(t, func() bool { return env.store.Len() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestStart_IntervalTimer(t *testing.T) {
	s := DefaultStrategy()
	s.BackgroundSync = false
	s.SyncIntervalMs = 1000
	env := newTestEnv(t, &s)
	ctx := context.Background()
	require.NoError(t, env.engine.Start(ctx))

	env.enqueue(t, OpCreate, "inspection", "insp-1", map[string]any{"title": "A"})
	time.Sleep(1200 * time.Millisecond)
	require.Zero(t, env.store.Len(), "timer is off while background sync is disabled")

	enabled := true
	_, err := env.engine.UpdateStrategy(ctx, StrategyPatch{BackgroundSync: &enabled})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.store.Len() == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.engine.Start(ctx))
	ch, _ := env.engine.Subscribe()

	require.NoError(t, env.engine.Close())
	require.NoError(t, env.engine.Close())

	_, ok := <-ch
	require.False(t, ok, "subscriptions end on close")

	_, err := env.engine.PerformSync(ctx)
	require.ErrorIs(t, err, ErrClosed)
	_, err = env.engine.Enqueue(ctx, Change{EntityType: "inspection", EntityLocalID: "x", Operation: OpCreate, Payload: []byte(`{}`)})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, env.engine.Start(ctx), ErrClosed)
}

func TestStrategy_PersistsAcrossEngines(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.Equal(t, DefaultStrategy(), env.engine.SyncStrategy())

	require.NoError(t, env.engine.SetSyncStrategy(ctx, SyncStrategy{
		Priority: "client", BatchSize: 20, RetryAttempts: 5, SyncIntervalMs: 60_000, BackgroundSync: false,
	}))
	batch := 10
	got, err := env.engine.UpdateStrategy(ctx, StrategyPatch{BatchSize: &batch})
	require.NoError(t, err)
	require.Equal(t, PriorityClientWins, got.Priority)
	require.Equal(t, 10, got.BatchSize)
	require.Equal(t, 5, got.RetryAttempts)

	other, err := NewEngine(env.db, env.store, env.monitor, nil)
	require.NoError(t, err)
	defer other.Close()
	require.Equal(t, got, other.SyncStrategy())
}

func TestStrategy_RejectsInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	before := env.engine.SyncStrategy()

	zero := 0
	_, err := env.engine.UpdateStrategy(ctx, StrategyPatch{BatchSize: &zero})
	require.ErrorIs(t, err, ErrInvalidStrategy)

	bad := Priority("newest")
	_, err = env.engine.UpdateStrategy(ctx, StrategyPatch{Priority: &bad})
	require.ErrorIs(t, err, ErrInvalidStrategy)

	require.Equal(t, before, env.engine.SyncStrategy())

	s := DefaultStrategy()
	s.SyncIntervalMs = 10
	cfg := DefaultConfig()
	cfg.Strategy = &s
	_, err = NewEngine(openTestDB(t), env.store, env.monitor, cfg)
	require.True(t, errors.Is(err, ErrInvalidStrategy))
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t, strategyWith(PriorityManual))
	ctx := context.Background()

	sum, err := env.engine.Summary(ctx)
	require.NoError(t, err)
	require.True(t, sum.IsHealthy)
	require.Equal(t, float64(1), sum.SuccessRate)
	require.Zero(t, sum.LastSyncAgo)

	seedSynced(t, env, "inspection", "insp-1", map[string]any{"title": "A"})
	env.clock.Advance(5 * time.Second)
	sum, err = env.engine.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, sum.LastSyncAgo)

	env.enqueue(t, OpUpdate, "inspection", "insp-1", map[string]any{"title": "B"})
	env.store.Put("inspection", "insp-1", raw(t, map[string]any{"title": "C"}), nil)
	env.sync(t)
	sum, err = env.engine.Summary(ctx)
	require.NoError(t, err)
	require.False(t, sum.IsHealthy)
	require.Equal(t, 1, sum.Conflicts)

	env.monitor.SetOnline(false)
	sum, err = env.engine.Summary(ctx)
	require.NoError(t, err)
	require.False(t, sum.IsOnline)
}
