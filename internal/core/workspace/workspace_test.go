package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

func newTestManager(t *testing.T, keep bool) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(base, keep, logger), base
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCreate_SolidityLayout(t *testing.T) {
	m, base := newTestManager(t, false)
	src := writeSource(t, "Token.sol", "contract Token {}")
	j := job.New(src, job.FlavorEVM)

	ws, err := m.Create(j, &detect.Profile{Language: detect.LanguageSolidity})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, j.ID.String()), ws.Root)
	assert.Equal(t, filepath.Join("contracts", "Token.sol"), ws.Rel(ws.SourceFile))
	assert.DirExists(t, filepath.Join(ws.Root, "test"))
	assert.DirExists(t, ws.LogDir)
	assert.Equal(t, "token", ws.CrateName)

	data, err := os.ReadFile(ws.SourceFile)
	require.NoError(t, err)
	assert.Equal(t, "contract Token {}", string(data))
}

func TestCreate_RustLayouts(t *testing.T) {
	m, _ := newTestManager(t, false)
	src := writeSource(t, "my-program.rs", "fn main() {}")
	j := job.New(src, job.FlavorNonEVM)

	plain, err := m.Create(j, &detect.Profile{Language: detect.LanguageRust})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("src", "lib.rs"), plain.Rel(plain.SourceFile))
	assert.Equal(t, "my-program", plain.CrateName)

	j2 := job.New(src, job.FlavorNonEVM)
	anchor, err := m.Create(j2, &detect.Profile{Language: detect.LanguageRust, Anchor: true, ProgramName: "Escrow"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("programs", "escrow", "src", "lib.rs"), anchor.Rel(anchor.SourceFile))
}

func TestCreate_SameFileTwiceIsIsolated(t *testing.T) {
	m, _ := newTestManager(t, false)
	src := writeSource(t, "Token.sol", "contract Token {}")
	profile := &detect.Profile{Language: detect.LanguageSolidity}

	a, err := m.Create(job.New(src, job.FlavorEVM), profile)
	require.NoError(t, err)
	b, err := m.Create(job.New(src, job.FlavorEVM), profile)
	require.NoError(t, err)

	assert.NotEqual(t, a.Root, b.Root)
}

func TestCreate_FailureLeavesNothingBehind(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		flavor  job.Flavor
		profile *detect.Profile
	}{
		{"Solidity", "gone.sol", job.FlavorEVM, &detect.Profile{Language: detect.LanguageSolidity}},
		{"Cargo", "gone.rs", job.FlavorNonEVM, &detect.Profile{Language: detect.LanguageRust}},
		{"Anchor", "gone.rs", job.FlavorNonEVM, &detect.Profile{Language: detect.LanguageRust, Anchor: true, ProgramName: "escrow"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, base := newTestManager(t, false)
			j := job.New(filepath.Join(t.TempDir(), tt.file), tt.flavor)

			ws, err := m.Create(j, tt.profile)
			require.Error(t, err)
			assert.Nil(t, ws)
			assert.NoDirExists(t, filepath.Join(base, j.ID.String()))

			entries, err := os.ReadDir(base)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestRemove(t *testing.T) {
	src := writeSource(t, "a.rs", "fn a() {}")
	profile := &detect.Profile{Language: detect.LanguageRust}

	m, _ := newTestManager(t, false)
	ws, err := m.Create(job.New(src, job.FlavorNonEVM), profile)
	require.NoError(t, err)
	require.NoError(t, m.Remove(ws))
	assert.NoDirExists(t, ws.Root)

	keep, _ := newTestManager(t, true)
	kept, err := keep.Create(job.New(src, job.FlavorNonEVM), profile)
	require.NoError(t, err)
	require.NoError(t, keep.Remove(kept))
	assert.DirExists(t, kept.Root)
}

func TestCrateName(t *testing.T) {
	tests := map[string]string{
		"Token":         "token",
		"my program":    "my_program",
		"9lives":        "c_9lives",
		"__":            "contract",
		"Vault-V2":      "vault-v2",
		`"; rm -rf / #`: "rm_-rf",
	}
	for in, want := range tests {
		assert.Equal(t, want, CrateName(in), in)
	}
}
