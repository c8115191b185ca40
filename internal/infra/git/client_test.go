package git

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/job"
)

func TestURLToDirectoryName(t *testing.T) {
	c := NewClient("", "")

	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "git@github.com:user/repo.git", want: filepath.Join("github.com", "user/repo")},
		{url: "https://github.com:8080/user/repo.git", want: filepath.Join("github.com", "user/repo")},
		{url: "https://gitlab.example.com/group/sub/repo", want: filepath.Join("gitlab.example.com", "group/sub/repo")},
		{url: "https://github.com/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := c.URLToDirectoryName(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// initRepo はテスト用のローカルリポジトリを作成する
func initRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
	}

	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestProvider_FetchListsSources(t *testing.T) {
	origin, hash := initRepo(t, map[string]string{
		"contracts/Token.sol":         "contract Token {}",
		"contracts/Vault.sol":         "contract Vault {}",
		"node_modules/dep/Ignore.sol": "contract Ignore {}",
		"programs/p/src/lib.rs":       "fn main() {}",
		"README.md":                   "# demo",
	})

	cloneDir := t.TempDir()
	p := NewProvider(NewClient("", ""), cloneDir, slog.New(slog.NewTextHandler(io.Discard, nil)))

	co, err := p.Fetch(context.Background(), "file://"+origin, "", job.FlavorEVM)
	require.NoError(t, err)
	assert.Equal(t, hash, co.Commit.Hash)
	assert.Equal(t, []string{
		filepath.Join(co.Dir, "contracts", "Token.sol"),
		filepath.Join(co.Dir, "contracts", "Vault.sol"),
	}, co.Sources)

	// 2回目は fetch で更新される
	again, err := p.Fetch(context.Background(), "file://"+origin, hash, job.FlavorNonEVM)
	require.NoError(t, err)
	assert.Equal(t, co.Dir, again.Dir)
	assert.Equal(t, []string{filepath.Join(co.Dir, "programs", "p", "src", "lib.rs")}, again.Sources)
}

func TestClient_CheckoutUnknownRef(t *testing.T) {
	origin, _ := initRepo(t, map[string]string{"a.sol": "x"})
	_, err := NewClient("", "").Checkout(origin, "no-such-branch")
	require.Error(t, err)
}
