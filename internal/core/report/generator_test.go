package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	logDir := t.TempDir()

	failedLog := filepath.Join(logDir, "02-hardhat-compile.log")
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line "+string(rune('a'+i%26)))
	}
	lines = append(lines, "Error HH600: Compilation failed")
	require.NoError(t, os.WriteFile(failedLog, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	okLog := filepath.Join(logDir, "01-npm-install.log")
	require.NoError(t, os.WriteFile(okLog, make([]byte, 2048), 0o644))

	j := job.New("/app/input/Token.sol", job.FlavorEVM)
	r := job.NewResult(j)
	r.Language = "Solidity"
	r.Manifests = []string{"package.json", "hardhat.config.js"}
	r.Stages = []job.StageResult{
		{Name: "npm-install", Kind: "deps", Status: job.StatusSucceeded, Attempts: 1, Duration: 1500 * time.Millisecond, LogFile: okLog},
		{Name: "hardhat-compile", Kind: "build", Status: job.StatusFailed, ExitCode: 1, Attempts: 1, LogFile: failedLog, Error: "exit status 1"},
		{Name: "forge-build", Kind: "build", Status: job.StatusSkipped, ExitCode: -1, Error: "executable not found: forge"},
	}
	r.Finish()

	profile := &detect.Profile{
		Language:        detect.LanguageSolidity,
		CompilerVersion: "0.8.20",
		Contracts:       []string{"Token"},
		Dependencies:    []detect.Dependency{{Name: "@openzeppelin/contracts", Version: "^5.0.2"}},
	}

	g := NewGenerator(dir)
	path, err := g.Generate(r, profile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Token-"+j.ID.String()+".md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	md := string(data)

	assert.Contains(t, md, "# CI Report: Token")
	assert.Contains(t, md, "**failed**")
	assert.Contains(t, md, "solc 0.8.20")
	assert.Contains(t, md, "- `Token`")
	assert.Contains(t, md, "@openzeppelin/contracts ^5.0.2")
	assert.Contains(t, md, "`hardhat.config.js`")
	assert.Contains(t, md, "| ✅ | npm-install | deps | succeeded | 0 | 1 | 1.5s | 2.0 kB |")
	assert.Contains(t, md, "| ⚠️ | forge-build | build | skipped | - | 0 |")
	assert.Contains(t, md, "Succeeded: 1, failed: 1, skipped: 1, degraded: 0")
	assert.Contains(t, md, "Error HH600: Compilation failed")
	assert.Contains(t, md, "executable not found: forge")
	assert.NotContains(t, md, "line a\nline b\nline c\nline d\nline e\nline f\nline g\nline h\nline i\nline j\nline k")
}

func TestGenerate_WithoutProfile(t *testing.T) {
	j := job.New("/app/input/lib.rs", job.FlavorNonEVM)
	r := job.NewResult(j)
	r.Error = "unsupported source file: lib.rs"
	r.Finish()

	path, err := NewGenerator(t.TempDir()).Generate(r, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "> Error: unsupported source file: lib.rs")
	assert.Contains(t, string(data), "| Language | unknown |")
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n3\n4\n"), 0o644))

	assert.Equal(t, "3\n4", tail(path, 2))
	assert.Equal(t, "1\n2\n3\n4", tail(path, 10))
	assert.Equal(t, "", tail(filepath.Join(t.TempDir(), "missing"), 2))
}
