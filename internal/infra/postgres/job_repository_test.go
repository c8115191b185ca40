package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/job"
)

// startPostgres は dockertest で使い捨ての PostgreSQL を起動します
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16-alpine",
		Env: []string{
			"POSTGRES_USER=devci",
			"POSTGRES_PASSWORD=devci",
			"POSTGRES_DB=devci",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})
	_ = resource.Expire(120)

	dsn := fmt.Sprintf("postgres://devci:devci@%s/devci?sslmode=disable", resource.GetHostPort("5432/tcp"))

	var db *pgxpool.Pool
	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		var err error
		db, err = pgxpool.New(context.Background(), dsn)
		if err != nil {
			return err
		}
		return db.Ping(context.Background())
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestJobRepository(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	repo := NewJobRepository(db)
	require.NoError(t, repo.EnsureSchema(ctx))
	require.NoError(t, repo.EnsureSchema(ctx), "schema creation must be idempotent")

	first := job.NewResult(job.New("/app/input/Token.sol", job.FlavorEVM))
	first.StartedAt = time.Now().Add(-time.Minute).Truncate(time.Microsecond)
	require.NoError(t, repo.Save(ctx, first))

	// 終了時に上書き保存される
	first.Language = "Solidity"
	first.Manifests = []string{"package.json"}
	first.Stages = []job.StageResult{{Name: "forge-build", Kind: "build", Status: job.StatusFailed, ExitCode: 1, Attempts: 1, Duration: time.Second}}
	first.Finish()
	require.NoError(t, repo.Save(ctx, first))

	second := job.NewResult(job.New("/app/input/lib.rs", job.FlavorNonEVM))
	second.Finish()
	require.NoError(t, repo.Save(ctx, second))

	got, err := repo.Get(ctx, first.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "Solidity", got.Language)
	assert.Equal(t, first.Stages, got.Stages)
	assert.Equal(t, []string{"package.json"}, got.Manifests)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, first.StartedAt, got.StartedAt, time.Millisecond)

	list, err := repo.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.JobID, list[0].JobID)
	assert.Empty(t, list[0].Stages)

	_, err = repo.Get(ctx, uuid.New())
	require.ErrorIs(t, err, job.ErrNotFound)
}
