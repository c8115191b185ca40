package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	giturls "github.com/whilp/git-urls"
)

// Client は Git リポジトリ操作を提供する
type Client struct {
	sshKeyPath  string
	sshPassword string
}

// NewClient は新しい Client を作成する
func NewClient(sshKeyPath, sshPassword string) *Client {
	return &Client{
		sshKeyPath:  sshKeyPath,
		sshPassword: sshPassword,
	}
}

// CommitInfo はコミット情報を表す
type CommitInfo struct {
	Hash    string
	Date    time.Time
	Message string
	Author  string
}

// URLToDirectoryName はGit URLをディレクトリ名に変換する
//
//	git@github.com:user/repo.git -> github.com/user/repo
func (c *Client) URLToDirectoryName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse git URL: %w", err)
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = u.Host
	}

	path := strings.TrimPrefix(u.Path, "/")
	path = strings.TrimSuffix(path, ".git")
	if path == "" || strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid repository path in %q", gitURL)
	}

	return filepath.Join(hostname, path), nil
}

// Clone は Git リポジトリをクローンする
func (c *Client) Clone(ctx context.Context, url, destDir string) error {
	auth, err := c.getSSHAuth()
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	_, err = git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

// Fetch は origin から最新を取得する
func (c *Client) Fetch(ctx context.Context, repoPath string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	auth, err := c.getSSHAuth()
	if err != nil {
		return fmt.Errorf("failed to setup SSH auth: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch: %w", err)
	}

	return nil
}

// Checkout は ref（ブランチ・タグ・コミット）を作業ツリーに展開する
func (c *Client) Checkout(repoPath, ref string) (*CommitInfo, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}

	hash, err := c.resolveRef(repo, ref)
	if err != nil {
		return nil, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", ref, err)
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	return &CommitInfo{
		Hash:    commit.Hash.String(),
		Date:    commit.Author.When,
		Message: commit.Message,
		Author:  commit.Author.Name,
	}, nil
}

// CloneOrFetch はリポジトリが存在しない場合はクローン、存在する場合は fetch する
func (c *Client) CloneOrFetch(ctx context.Context, url, destDir string) error {
	gitDir := filepath.Join(destDir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
			return fmt.Errorf("failed to create clone directory: %w", err)
		}
		return c.Clone(ctx, url, destDir)
	}

	return c.Fetch(ctx, destDir)
}

func (c *Client) getSSHAuth() (transport.AuthMethod, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}

	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to load SSH key: %w", err)
	}

	return auth, nil
}

func (c *Client) resolveRef(repo *git.Repository, ref string) (plumbing.Hash, error) {
	if ref == "" || ref == "HEAD" {
		if remoteHead, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), true); err == nil {
			return remoteHead.Hash(), nil
		}
		headRef, err := repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		return headRef.Hash(), nil
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err == nil {
		return remoteRef.Hash(), nil
	}

	branchRef, err := repo.Reference(plumbing.NewBranchReferenceName(ref), true)
	if err == nil {
		return branchRef.Hash(), nil
	}

	tagRef, err := repo.Reference(plumbing.NewTagReferenceName(ref), true)
	if err == nil {
		if tag, err := repo.TagObject(tagRef.Hash()); err == nil {
			return tag.Target, nil
		}
		return tagRef.Hash(), nil
	}

	hash := plumbing.NewHash(ref)
	if !hash.IsZero() {
		if _, err := repo.CommitObject(hash); err == nil {
			return hash, nil
		}
	}

	return plumbing.ZeroHash, fmt.Errorf("failed to resolve ref: %s", ref)
}
