package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/remote"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldsync.db")
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type testEnv struct {
	db      *sql.DB
	engine  *Engine
	store   *remote.MemoryStore
	monitor *ManualMonitor
	clock   *testClock
}

func newTestEnv(t *testing.T, strategy *SyncStrategy) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, strategy, nil)
}

// newTestEnvWithStore wires the engine to wrap(store) when wrap is non-nil
func newTestEnvWithStore(t *testing.T, strategy *SyncStrategy, wrap func(remote.Store) remote.Store) *testEnv {
	t.Helper()
	db := openTestDB(t)
	store := remote.NewMemoryStore()
	monitor := NewManualMonitor(true)
	clock := newTestClock()

	var s remote.Store = store
	if wrap != nil {
		s = wrap(store)
	}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.Strategy = strategy
	cfg.RemoteTimeout = 2 * time.Second
	e, err := NewEngine(db, s, monitor, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &testEnv{db: db, engine: e, store: store, monitor: monitor, clock: clock}
}

func strategyWith(p Priority) *SyncStrategy {
	s := DefaultStrategy()
	s.Priority = p
	return &s
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decode(t *testing.T, b json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func (env *testEnv) enqueue(t *testing.T, op Operation, entityType, id string, payload any) *ChangeRecord {
	t.Helper()
	c := Change{EntityType: entityType, EntityLocalID: id, Operation: op}
	if payload != nil {
		c.Payload = raw(t, payload)
	}
	rec, err := env.engine.Enqueue(context.Background(), c)
	require.NoError(t, err)
	return rec
}

func (env *testEnv) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := env.engine.PerformSync(context.Background())
	require.NoError(t, err)
	return res
}

func (env *testEnv) remoteRecord(t *testing.T, entityType, id string) *remote.Record {
	t.Helper()
	rec, err := env.store.Fetch(context.Background(), entityType, id)
	require.NoError(t, err)
	return rec
}

// faultyStore wraps a Store with injectable failures
type faultyStore struct {
	remote.Store

	mu         sync.Mutex
	fetchErr   error
	writeErr   error
	loseAck    int // number of writes that apply but report an error
	writes     int
	fetchGate  chan struct{} // when set, Fetch blocks until it is closed
	fetchEnter chan struct{}
	onWrite    func()
}

func (f *faultyStore) Fetch(ctx context.Context, entityType, id string) (*remote.Record, error) {
	f.mu.Lock()
	gate, enter, err := f.fetchGate, f.fetchEnter, f.fetchErr
	f.mu.Unlock()
	if enter != nil {
		select {
		case enter <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return f.Store.Fetch(ctx, entityType, id)
}

func (f *faultyStore) beforeWrite() (lose bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.onWrite != nil {
		f.onWrite()
	}
	if f.writeErr != nil {
		return false, f.writeErr
	}
	if f.loseAck > 0 {
		f.loseAck--
		return true, nil
	}
	return false, nil
}

func (f *faultyStore) Upsert(ctx context.Context, w remote.Write) (*remote.Record, error) {
	lose, err := f.beforeWrite()
	if err != nil {
		return nil, err
	}
	rec, err := f.Store.Upsert(ctx, w)
	if lose && err == nil {
		return nil, remote.ErrUnavailable
	}
	return rec, err
}

func (f *faultyStore) Delete(ctx context.Context, w remote.Write) (*remote.Record, error) {
	lose, err := f.beforeWrite()
	if err != nil {
		return nil, err
	}
	rec, err := f.Store.Delete(ctx, w)
	if lose && err == nil {
		return nil, remote.ErrUnavailable
	}
	return rec, err
}

func (f *faultyStore) set(fn func(f *faultyStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
