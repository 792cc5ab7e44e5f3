package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Nathan-Paranhos/grifo-portal-backend-sub003/internal/auth"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("fieldsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStore(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	n := 0

	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(ctx, pool, nil, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		// a fresh tenant per subtest keeps subtests isolated on one database
		n++
		return &tenantStore{Store: s, tenant: fmt.Sprintf("tenant-%d", n)}
	})
}

func TestPostgresStore_TenantIsolationAndLimits(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, pool, &PostgresConfig{MaxPayloadSize: 64}, nil)
	require.NoError(t, err)

	acme := auth.SetTenantID(ctx, "acme")
	other := auth.SetTenantID(ctx, "other")

	_, err = s.Upsert(acme, Write{EntityType: "inspection", ID: "i1", ExpectedRevision: 0,
		Payload: json.RawMessage(`{"title":"A"}`), ChangeKey: "k1"})
	require.NoError(t, err)

	_, err = s.Fetch(other, "inspection", "i1")
	require.ErrorIs(t, err, ErrNotFound)

	// change keys are scoped per tenant too
	rec, err := s.Upsert(other, Write{EntityType: "inspection", ID: "i1", ExpectedRevision: 0,
		Payload: json.RawMessage(`{"title":"B"}`), ChangeKey: "k1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Revision)

	big := fmt.Sprintf(`{"notes":%q}`, strings.Repeat("x", 100))
	_, err = s.Upsert(acme, Write{EntityType: "inspection", ID: "i2", ExpectedRevision: 0,
		Payload: json.RawMessage(big), ChangeKey: "k2"})
	require.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())
	_, err = s.Fetch(acme, "inspection", "i1")
	require.Error(t, err)
}

type tenantStore struct {
	Store
	tenant string
}

func (s *tenantStore) Fetch(ctx context.Context, entityType, id string) (*Record, error) {
	return s.Store.Fetch(auth.SetTenantID(ctx, s.tenant), entityType, id)
}

func (s *tenantStore) Upsert(ctx context.Context, w Write) (*Record, error) {
	return s.Store.Upsert(auth.SetTenantID(ctx, s.tenant), w)
}

func (s *tenantStore) Delete(ctx context.Context, w Write) (*Record, error) {
	return s.Store.Delete(auth.SetTenantID(ctx, s.tenant), w)
}

func TestPostgresStore_WriteGivesUpOnHeldRowLock(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, pool, &PostgresConfig{MaxTxAttempts: 1}, nil)
	require.NoError(t, err)

	_, err = s.Upsert(ctx, Write{EntityType: "inspection", ID: "i1", ExpectedRevision: 0,
		Payload: json.RawMessage(`{"title":"A"}`), ChangeKey: "k1"})
	require.NoError(t, err)

	// another session holds the row
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `SELECT 1 FROM fieldsync_remote.records WHERE entity_id = 'i1' FOR UPDATE`)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Upsert(ctx, Write{EntityType: "inspection", ID: "i1", ExpectedRevision: 1,
		Payload: json.RawMessage(`{"title":"B"}`), ChangeKey: "k2"})
	require.ErrorIs(t, err, ErrUnavailable, "lock_timeout ends the wait")
	require.Less(t, time.Since(start), 10*time.Second)
}
