package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/premortem/internal/store"
	"github.com/kiranshivaraju/premortem/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("premortem_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func newIncident(tenantID, signature string) *models.Incident {
	return &models.Incident{
		IncidentID:     models.NewIncidentID(),
		TenantID:       tenantID,
		Service:        "checkout",
		ErrorSignature: signature,
		ErrorType:      "TypeError",
		ErrorValue:     "cannot read property 'id' of undefined",
	}
}

func setStatus(t *testing.T, pool *pgxpool.Pool, incidentID, status string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`UPDATE incidents SET status = $1, updated_at = NOW() WHERE incident_id = $2`, status, incidentID)
	require.NoError(t, err)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("premortem_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
}

// --- Incident Tests ---

func TestCreateIncidentIfNoneOpen_Inserts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	inc := newIncident("t1", "sig-a")
	created, err := s.CreateIncidentIfNoneOpen(ctx, inc)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, uuid.Nil, inc.ID)
	assert.False(t, inc.CreatedAt.IsZero())

	got, err := s.FindOpenIncident(ctx, "t1", "sig-a")
	require.NoError(t, err)
	assert.Equal(t, inc.IncidentID, got.IncidentID)
	assert.Equal(t, models.IncidentStatusDetected, got.Status)
	assert.Equal(t, "checkout", got.Service)
	assert.Equal(t, "TypeError", got.ErrorType)
}

func TestCreateIncidentIfNoneOpen_SkipsWhenOpen(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	first := newIncident("t1", "sig-a")
	created, err := s.CreateIncidentIfNoneOpen(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	// Any non-terminal status still counts as open.
	setStatus(t, pool, first.IncidentID, models.IncidentStatusRCAProposed)

	created, err = s.CreateIncidentIfNoneOpen(ctx, newIncident("t1", "sig-a"))
	require.NoError(t, err)
	assert.False(t, created)

	_, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCreateIncidentIfNoneOpen_AfterTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	for _, terminal := range models.TerminalStatuses {
		prev := newIncident("t1", "sig-"+terminal)
		created, err := s.CreateIncidentIfNoneOpen(ctx, prev)
		require.NoError(t, err)
		require.True(t, created)
		setStatus(t, pool, prev.IncidentID, terminal)

		next := newIncident("t1", "sig-"+terminal)
		created, err = s.CreateIncidentIfNoneOpen(ctx, next)
		require.NoError(t, err)
		assert.True(t, created, "a %s incident must not block a new one", terminal)

		open, err := s.FindOpenIncident(ctx, "t1", "sig-"+terminal)
		require.NoError(t, err)
		assert.Equal(t, next.IncidentID, open.IncidentID)
	}
}

func TestCreateIncidentIfNoneOpen_TenantsAreIndependent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	created, err := s.CreateIncidentIfNoneOpen(ctx, newIncident("t1", "sig-a"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateIncidentIfNoneOpen(ctx, newIncident("t2", "sig-a"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCreateIncidentIfNoneOpen_ConcurrentCallersYieldOneRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := s.CreateIncidentIfNoneOpen(ctx, newIncident("t1", "sig-race"))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	_, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "t1", Open: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCreateIncidentIfNoneOpen_DuplicateIncidentID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	first := newIncident("t1", "sig-a")
	_, err := s.CreateIncidentIfNoneOpen(ctx, first)
	require.NoError(t, err)

	clash := newIncident("t1", "sig-b")
	clash.IncidentID = first.IncidentID
	_, err = s.CreateIncidentIfNoneOpen(ctx, clash)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func TestFindOpenIncident_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.FindOpenIncident(context.Background(), "t1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetIncident(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	inc := newIncident("t1", "sig-a")
	_, err := s.CreateIncidentIfNoneOpen(ctx, inc)
	require.NoError(t, err)

	got, err := s.GetIncident(ctx, "t1", inc.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)

	// Scoped to the tenant.
	_, err = s.GetIncident(ctx, "t2", inc.IncidentID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListIncidents_FiltersAndPagination(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		inc := newIncident("t1", "sig-"+uuid.NewString()[:8])
		_, err := s.CreateIncidentIfNoneOpen(ctx, inc)
		require.NoError(t, err)
		ids = append(ids, inc.IncidentID)
	}
	setStatus(t, pool, ids[0], models.IncidentStatusResolved)

	all, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 2)

	open, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "t1", Open: true})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, open, 4)

	resolved, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "t1", Status: models.IncidentStatusResolved})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, resolved, 1)
	assert.Equal(t, ids[0], resolved[0].IncidentID)

	empty, total, err := s.ListIncidents(ctx, store.IncidentFilter{TenantID: "other"})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, empty)
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	key := &models.APIKey{
		TenantID:  "t1",
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "pm_abcde",
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.NotEqual(t, uuid.Nil, key.ID)

	keys, err := s.GetAPIKeyByPrefix(ctx, "pm_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "t1", keys[0].TenantID)
	assert.Nil(t, keys[0].LastUsedAt)
}

func TestAPIKey_UpdateLastUsed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	key := &models.APIKey{TenantID: "t1", Name: "usage-key", KeyHash: "hash", KeyPrefix: "pm_used0"}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

	keys, err := s.GetAPIKeyByPrefix(ctx, "pm_used0")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAPIKey_RevokedKeysAreHidden(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	key := &models.APIKey{TenantID: "t1", Name: "revoked", KeyHash: "hash", KeyPrefix: "pm_revk0"}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	_, err := pool.Exec(ctx, `UPDATE api_keys SET revoked_at = NOW() WHERE id = $1`, key.ID)
	require.NoError(t, err)

	keys, err := s.GetAPIKeyByPrefix(ctx, "pm_revk0")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAPIKey_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	id := uuid.New()
	require.NoError(t, s.CreateAPIKey(ctx, &models.APIKey{
		ID: id, TenantID: "t1", Name: "dup1", KeyHash: "h1", KeyPrefix: "pm_dup01",
	}))

	err := s.CreateAPIKey(ctx, &models.APIKey{
		ID: id, TenantID: "t1", Name: "dup2", KeyHash: "h2", KeyPrefix: "pm_dup02",
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}
