package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/infra/process"
	"github.com/jinford/dev-ci/internal/platform/config"
	"github.com/jinford/dev-ci/internal/platform/logger"
)

// missingTools はすべてのツールが未インストールの環境を再現する
type missingTools struct{}

func (missingTools) LookPath(name string) (string, error) {
	return "", process.ErrNotFound
}

func (missingTools) Run(context.Context, process.Command) (*process.Result, error) {
	return nil, process.ErrNotFound
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	t.Setenv("DEVCI_WATCH_DIR", filepath.Join(base, "input"))
	t.Setenv("DEVCI_WORK_DIR", filepath.Join(base, "jobs"))
	t.Setenv("DEVCI_LOG_DIR", filepath.Join(base, "logs"))
	t.Setenv("DEVCI_REPORT_DIR", filepath.Join(base, "logs", "reports"))
	t.Setenv("DEVCI_STATUS_DIR", filepath.Join(base, "logs"))
	t.Setenv("GIT_CLONE_DIR", filepath.Join(base, "repos"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNew_EndToEndWithoutTools(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	c, err := New(ctx, cfg, WithLoggers(logger.Discard()), WithExecutor(missingTools{}))
	require.NoError(t, err)
	defer c.Close()

	assert.Len(t, c.Toolchains, 2)

	src := filepath.Join(t.TempDir(), "Token.sol")
	require.NoError(t, os.WriteFile(src, []byte("pragma solidity 0.8.21;\ncontract Token {}\n"), 0o644))

	require.NoError(t, c.Service.SubmitPath(src))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, c.Dispatcher.Wait(waitCtx))

	results, err := c.History.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, job.StatusDegraded, res.Status)
	assert.Contains(t, res.Manifests, "hardhat.config.js")
	for _, st := range res.Stages {
		assert.Equal(t, job.StatusSkipped, st.Status, st.Name)
	}
	assert.FileExists(t, res.ReportPath)

	// 作業ディレクトリは削除されている
	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	stats := c.Dispatcher.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)

	require.NoError(t, c.Shutdown(ctx))
	require.Error(t, c.Service.SubmitPath(src))
}

func TestNew_HealthSnapshotIncludesDispatcher(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0o755))

	c, err := New(context.Background(), cfg, WithLoggers(logger.Discard()), WithExecutor(missingTools{}))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Monitor.Snapshot(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.StatusDir, "metrics.json"))
	assert.FileExists(t, filepath.Join(cfg.StatusDir, "health.json"))
}

func TestNew_InvalidToolchainFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.ToolchainFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, WithLoggers(logger.Discard()))
	require.Error(t, err)
}
