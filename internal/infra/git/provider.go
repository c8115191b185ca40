package git

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

// skipDirs はソース列挙で降りないディレクトリ
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"lib":          true,
	"out":          true,
	"cache":        true,
	"artifacts":    true,
}

// Checkout は取得済みリポジトリと、その中の投入対象ファイル
type Checkout struct {
	Dir     string
	Commit  *CommitInfo
	Sources []string
}

// Provider はリポジトリを取得し、系統に合うソースファイルを列挙する
type Provider struct {
	client   *Client
	cloneDir string
	logger   *slog.Logger
}

// NewProvider は新しい Git Provider を作成する
func NewProvider(client *Client, cloneDir string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{client: client, cloneDir: cloneDir, logger: logger}
}

// Fetch はリポジトリをクローン（または fetch）して ref をチェックアウトする
func (p *Provider) Fetch(ctx context.Context, url, ref string, flavor job.Flavor) (*Checkout, error) {
	dirName, err := p.client.URLToDirectoryName(url)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(p.cloneDir, dirName)

	p.logger.Info("リポジトリを取得します", "url", url, "ref", ref, "dir", dir)
	if err := p.client.CloneOrFetch(ctx, url, dir); err != nil {
		return nil, err
	}

	commit, err := p.client.Checkout(dir, ref)
	if err != nil {
		return nil, err
	}

	sources, err := ListSources(dir, flavor)
	if err != nil {
		return nil, err
	}

	p.logger.Info("リポジトリを取得しました", "commit", commit.Hash, "sources", len(sources))
	return &Checkout{Dir: dir, Commit: commit, Sources: sources}, nil
}

// ListSources は dir 配下から系統に合うソースファイルを列挙する
func ListSources(dir string, flavor job.Flavor) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if detect.Supports(flavor, path) {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	sort.Strings(sources)
	return sources, nil
}
