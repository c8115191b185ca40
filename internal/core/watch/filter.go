package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName は監視ディレクトリ直下に置く除外パターンファイル
const IgnoreFileName = ".ciignore"

// IgnoreFilter は .ciignore とデフォルトパターンによる除外判定を提供します
type IgnoreFilter struct {
	patterns *gitignore.GitIgnore
}

// NewIgnoreFilter は dir 直下の .ciignore を読み込んで IgnoreFilter を作成します
func NewIgnoreFilter(dir string) (*IgnoreFilter, error) {
	patterns := defaultIgnorePatterns()

	path := filepath.Join(dir, IgnoreFileName)
	if _, err := os.Stat(path); err == nil {
		lines, err := readIgnoreFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
		}
		patterns = append(patterns, lines...)
	}

	return &IgnoreFilter{patterns: gitignore.CompileIgnoreLines(patterns...)}, nil
}

// ShouldIgnore は監視ディレクトリからの相対パスが除外対象かどうかを判定します
func (f *IgnoreFilter) ShouldIgnore(rel string) bool {
	if f == nil || f.patterns == nil {
		return false
	}
	return f.patterns.MatchesPath(rel)
}

func readIgnoreFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var patterns []string
	for _, line := range strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		// 空行とコメント行をスキップ
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}

// defaultIgnorePatterns はエディタや転送途中の一時ファイルを除外するパターン
func defaultIgnorePatterns() []string {
	return []string{
		IgnoreFileName,
		".*.swp",
		"*.swo",
		"*~",
		"*.tmp",
		"*.part",
		"*.crdownload",
		".#*",
	}
}
