package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

// Workspace は1ジョブ専用の作業ディレクトリ。ジョブ間で共有されない。
type Workspace struct {
	// Root はジョブの作業ディレクトリ（<workDir>/<jobID>）
	Root string
	// ProjectDir はビルドツールを起動するディレクトリ
	ProjectDir string
	// SourceFile はコピーされたソースファイルのパス
	SourceFile string
	// CrateName はマニフェストに書き出すパッケージ名
	CrateName string
	// LogDir はステージごとの出力ログを置くディレクトリ
	LogDir string
}

// Manager はジョブごとの作業ディレクトリを管理します
type Manager struct {
	baseDir string
	keep    bool
	logger  *slog.Logger
}

// NewManager は新しい Manager を作成します
func NewManager(baseDir string, keep bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, keep: keep, logger: logger}
}

// Create はジョブ専用ディレクトリを作り、プロファイルに応じたレイアウトでソースをコピーします
//
//	EVM:           contracts/<Name>.sol, test/
//	Cargo:         src/lib.rs
//	Anchor:        programs/<crate>/src/lib.rs
func (m *Manager) Create(j job.Job, profile *detect.Profile) (ws *Workspace, err error) {
	root := filepath.Join(m.baseDir, j.ID.String())
	if _, statErr := os.Stat(root); statErr == nil {
		return nil, fmt.Errorf("workspace already exists: %s", root)
	}

	ws = &Workspace{
		Root:       root,
		ProjectDir: root,
		CrateName:  CrateName(j.Name),
		LogDir:     filepath.Join(root, "logs"),
	}

	// 失敗時は作りかけのディレクトリを残さない
	defer func() {
		if err != nil {
			_ = os.RemoveAll(root)
			ws = nil
		}
	}()

	if err := os.MkdirAll(ws.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	switch {
	case profile.Language == detect.LanguageSolidity:
		ws.SourceFile = filepath.Join(root, "contracts", filepath.Base(j.Source))
		if err := os.MkdirAll(filepath.Join(root, "test"), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create test directory: %w", err)
		}
	case profile.Anchor:
		if profile.ProgramName != "" {
			ws.CrateName = CrateName(profile.ProgramName)
		}
		ws.SourceFile = filepath.Join(root, "programs", ws.CrateName, "src", "lib.rs")
	default:
		ws.SourceFile = filepath.Join(root, "src", "lib.rs")
	}

	if err := copyFile(j.Source, ws.SourceFile); err != nil {
		return nil, fmt.Errorf("failed to copy source into workspace: %w", err)
	}

	m.logger.Debug("作業ディレクトリを作成", "job", j.ShortID(), "root", root, "source", ws.SourceFile)
	return ws, nil
}

// Remove は作業ディレクトリを削除します。keep 設定時は残します
func (m *Manager) Remove(ws *Workspace) error {
	if ws == nil || m.keep {
		return nil
	}
	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

// Rel はワークスペースルートからの相対パスを返します
func (ws *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(ws.Root, path)
	if err != nil {
		return path
	}
	return rel
}

var invalidCrateChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// CrateName はファイル名を Cargo / npm で使えるパッケージ名に変換します
func CrateName(name string) string {
	n := invalidCrateChars.ReplaceAllString(strings.ToLower(name), "_")
	n = strings.Trim(n, "_-")
	if n == "" {
		return "contract"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "c_" + n
	}
	return n
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
