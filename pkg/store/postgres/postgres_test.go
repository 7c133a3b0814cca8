package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/transpo-project/transpo/pkg/store"
)

// setupTestStore spins up a PostgreSQL container and connects a Store
// to it. Skipped with -short since it needs a container runtime.
func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	container, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("transpo_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, &Config{DatabaseURL: connStr, MaxConnections: 5})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func int32p(v int32) *int32 { return &v }

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ctx)
	now := time.Now().UTC().Truncate(time.Second)

	limited := &store.Upload{
		ID:                 42,
		FileName:           "report.pdf",
		MimeType:           "application/pdf",
		PasswordHash:       []byte("$argon2id$v=19$m=4096,t=3,p=1$xxxxxxxxxxxxxxxxxxxxxx$yyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyyy"),
		RemainingDownloads: int32p(2),
		ExpireAfter:        now.Add(time.Hour),
	}
	require.NoError(t, s.Insert(ctx, limited))

	// Primary key collision is a distinct signal.
	assert.ErrorIs(t, s.Insert(ctx, limited), store.ErrDuplicateID)

	got, err := s.SelectByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", got.FileName)
	assert.Equal(t, limited.PasswordHash, got.PasswordHash)
	require.NotNil(t, got.RemainingDownloads)
	assert.Equal(t, int32(2), *got.RemainingDownloads)
	assert.False(t, got.IsCompleted)
	assert.Equal(t, limited.ExpireAfter, got.ExpireAfter)

	_, err = s.SelectByID(ctx, 4242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Decrement honours null counters.
	unlimited := &store.Upload{
		ID:          43,
		FileName:    "b.bin",
		MimeType:    "application/octet-stream",
		ExpireAfter: now.Add(time.Hour),
	}
	require.NoError(t, s.Insert(ctx, unlimited))
	require.NoError(t, s.DecrementRemainingDownloads(ctx, 42))
	require.NoError(t, s.DecrementRemainingDownloads(ctx, 43))

	got, err = s.SelectByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int32(1), *got.RemainingDownloads)

	got, err = s.SelectByID(ctx, 43)
	require.NoError(t, err)
	assert.Nil(t, got.RemainingDownloads)

	require.NoError(t, s.SetCompleted(ctx, 42, true))
	got, err = s.SelectByID(ctx, 42)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted)

	assert.ErrorIs(t, s.SetCompleted(ctx, 999, true), store.ErrNotFound)
}

func TestPostgresExpiry(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t, ctx)
	now := time.Now().UTC().Truncate(time.Second)

	rows := []*store.Upload{
		{ID: 1, FileName: "fresh", MimeType: "text/plain", ExpireAfter: now.Add(time.Hour)},
		{ID: 2, FileName: "old", MimeType: "text/plain", ExpireAfter: now.Add(-time.Minute)},
		{ID: 3, FileName: "depleted", MimeType: "text/plain", RemainingDownloads: int32p(0), ExpireAfter: now.Add(time.Hour)},
	}
	for _, u := range rows {
		require.NoError(t, s.Insert(ctx, u))
	}

	expired, err := s.SelectExpiredIDs(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, expired)

	all, err := s.ListAllIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, all)

	require.NoError(t, s.DeleteByID(ctx, 2))
	require.NoError(t, s.DeleteByID(ctx, 2), "deleting an absent row is not an error")

	all, err = s.ListAllIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, all)
}
