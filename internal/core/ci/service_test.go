package ci

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/dispatch"
	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/core/workspace"
)

type stubWorkspaces struct {
	base    string
	err     error
	removed []string
}

func (s *stubWorkspaces) Create(j job.Job, _ *detect.Profile) (*workspace.Workspace, error) {
	if s.err != nil {
		return nil, s.err
	}
	root := filepath.Join(s.base, j.ID.String())
	return &workspace.Workspace{Root: root, ProjectDir: root, LogDir: filepath.Join(root, "logs"), CrateName: "demo"}, nil
}

func (s *stubWorkspaces) Remove(ws *workspace.Workspace) error {
	s.removed = append(s.removed, ws.Root)
	return nil
}

type stubManifests struct {
	err error
}

func (s *stubManifests) Write(*workspace.Workspace, *detect.Profile) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []string{"package.json"}, nil
}

type stubPipeline struct {
	stages []job.StageResult
	err    error
	calls  int
}

func (s *stubPipeline) Run(context.Context, *workspace.Workspace, *detect.Profile) ([]job.StageResult, error) {
	s.calls++
	return s.stages, s.err
}

type stubReporter struct {
	profiles []*detect.Profile
}

func (s *stubReporter) Generate(r *job.Result, p *detect.Profile) (string, error) {
	s.profiles = append(s.profiles, p)
	return "/reports/" + r.Name + ".md", nil
}

type memoryHistory struct {
	mu      sync.Mutex
	results []*job.Result
}

func (m *memoryHistory) Save(_ context.Context, r *job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memoryHistory) Get(context.Context, uuid.UUID) (*job.Result, error) {
	return nil, job.ErrNotFound
}

func (m *memoryHistory) List(context.Context, int) ([]*job.Result, error) {
	return m.results, nil
}

type stubQueue struct {
	jobs []job.Job
	err  error
}

func (q *stubQueue) Submit(j job.Job) (dispatch.Ticket, error) {
	if q.err != nil {
		return dispatch.Ticket{}, q.err
	}
	q.jobs = append(q.jobs, j)
	return dispatch.Ticket{Seq: uint64(len(q.jobs))}, nil
}

type fixture struct {
	svc        *Service
	workspaces *stubWorkspaces
	manifests  *stubManifests
	evm        *stubPipeline
	reporter   *stubReporter
	history    *memoryHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		workspaces: &stubWorkspaces{base: t.TempDir()},
		manifests:  &stubManifests{},
		evm:        &stubPipeline{stages: []job.StageResult{{Name: "forge-build", Status: job.StatusSucceeded}}},
		reporter:   &stubReporter{},
		history:    &memoryHistory{},
	}
	f.svc = NewService(f.workspaces, f.manifests,
		WithPipeline(job.FlavorEVM, f.evm),
		WithReporter(f.reporter),
		WithHistory(f.history),
		WithServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return f
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const tokenSource = "pragma solidity ^0.8.20;\nimport \"@openzeppelin/contracts/token/ERC20/ERC20.sol\";\ncontract Token {}\n"

func TestHandle_Succeeded(t *testing.T) {
	f := newFixture(t)
	j, err := f.svc.NewJob(writeSource(t, "Token.sol", tokenSource))
	require.NoError(t, err)

	require.NoError(t, f.svc.Handle(context.Background(), j))

	require.Len(t, f.history.results, 1)
	res := f.history.results[0]
	assert.Equal(t, job.StatusSucceeded, res.Status)
	assert.Equal(t, "Solidity", res.Language)
	assert.Equal(t, []string{"package.json"}, res.Manifests)
	assert.Equal(t, "/reports/Token.md", res.ReportPath)
	assert.NotNil(t, res.EndedAt)
	assert.Len(t, f.workspaces.removed, 1)
	require.Len(t, f.reporter.profiles, 1)
	assert.Equal(t, "0.8.20", f.reporter.profiles[0].CompilerVersion)
}

func TestHandle_FailedStageReturnsError(t *testing.T) {
	f := newFixture(t)
	f.evm.stages = []job.StageResult{
		{Name: "hardhat-compile", Status: job.StatusFailed},
		{Name: "forge-build", Status: job.StatusSucceeded},
	}
	j, err := f.svc.NewJob(writeSource(t, "Token.sol", tokenSource))
	require.NoError(t, err)

	err = f.svc.Handle(context.Background(), j)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "hardhat-compile")
	assert.Equal(t, job.StatusFailed, f.history.results[0].Status)
}

func TestHandle_WorkspaceFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.workspaces.err = errors.New("disk full")
	j, err := f.svc.NewJob(writeSource(t, "Token.sol", tokenSource))
	require.NoError(t, err)

	err = f.svc.Handle(context.Background(), j)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, 0, f.evm.calls)
	assert.Equal(t, "disk full", f.history.results[0].Error)
	assert.Empty(t, f.workspaces.removed)
}

func TestHandle_ManifestFailureContinues(t *testing.T) {
	f := newFixture(t)
	f.manifests.err = errors.New("invalid compiler version")
	j, err := f.svc.NewJob(writeSource(t, "Token.sol", tokenSource))
	require.NoError(t, err)

	err = f.svc.Handle(context.Background(), j)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, 1, f.evm.calls)

	res := f.history.results[0]
	require.Len(t, res.Stages, 2)
	assert.Equal(t, "manifests", res.Stages[0].Name)
	assert.Equal(t, job.StatusFailed, res.Stages[0].Status)
	assert.Equal(t, "forge-build", res.Stages[1].Name)
}

func TestHandle_MissingSourceIsRecorded(t *testing.T) {
	f := newFixture(t)
	path := writeSource(t, "Gone.sol", tokenSource)
	j, err := f.svc.NewJob(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	err = f.svc.Handle(context.Background(), j)
	require.ErrorIs(t, err, ErrJobFailed)
	require.Len(t, f.history.results, 1)
	assert.Contains(t, f.history.results[0].Error, "failed to read source")
	assert.Nil(t, f.reporter.profiles[0])
}

func TestHandle_MissingToolchain(t *testing.T) {
	f := newFixture(t)
	j, err := f.svc.NewJob(writeSource(t, "lib.rs", "pub fn add(a: u64, b: u64) -> u64 { a + b }\n"))
	require.NoError(t, err)

	err = f.svc.Handle(context.Background(), j)
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, f.history.results[0].Error, "no toolchain")
	assert.Len(t, f.workspaces.removed, 1)
}

func TestHandle_CanceledPipelineStillSavesHistory(t *testing.T) {
	f := newFixture(t)
	f.evm.err = context.Canceled
	j, err := f.svc.NewJob(writeSource(t, "Token.sol", tokenSource))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.svc.Handle(ctx, j)
	require.ErrorIs(t, err, ErrJobFailed)
	require.Len(t, f.history.results, 1)
	assert.Equal(t, context.Canceled.Error(), f.history.results[0].Error)
}

func TestNewJob(t *testing.T) {
	svc := newFixture(t).svc

	evm, err := svc.NewJob("contracts/Token.sol")
	require.NoError(t, err)
	assert.Equal(t, job.FlavorEVM, evm.Flavor)
	assert.True(t, filepath.IsAbs(evm.Source))
	assert.Equal(t, "Token", evm.Name)

	rust, err := svc.NewJob("/in/lib.RS")
	require.NoError(t, err)
	assert.Equal(t, job.FlavorNonEVM, rust.Flavor)

	_, err = svc.NewJob("/in/readme.md")
	require.ErrorIs(t, err, ErrUnsupportedFile)
}

func TestSubmitPath(t *testing.T) {
	svc := newFixture(t).svc
	require.Error(t, svc.SubmitPath("/in/Token.sol"), "no queue bound")

	q := &stubQueue{}
	svc.Bind(q)
	require.NoError(t, svc.SubmitPath("/in/Token.sol"))
	require.Len(t, q.jobs, 1)
	assert.Equal(t, "/in/Token.sol", q.jobs[0].Source)

	require.ErrorIs(t, svc.SubmitPath("/in/notes.txt"), ErrUnsupportedFile)

	q.err = dispatch.ErrClosed
	require.ErrorIs(t, svc.SubmitPath("/in/Token.sol"), dispatch.ErrClosed)
}
