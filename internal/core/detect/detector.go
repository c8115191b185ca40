package detect

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-enry/go-enry/v2"

	"github.com/jinford/dev-ci/internal/core/job"
)

// Language はソースファイルの言語
type Language string

const (
	LanguageSolidity Language = "Solidity"
	LanguageRust     Language = "Rust"
	LanguageUnknown  Language = ""
)

// DefaultSolcVersion は pragma から版が取れない場合に使う solc バージョン
const DefaultSolcVersion = "0.8.24"

// Dependency はマニフェストに書き出す依存関係
type Dependency struct {
	Name     string
	Version  string
	Features []string
}

// Profile はソースファイルの嗅ぎ分け結果
type Profile struct {
	Language        Language
	Flavor          job.Flavor
	CompilerVersion string   // Solidity の場合のみ
	Contracts       []string // contract / library / interface 名
	ProgramName     string   // Anchor の #[program] モジュール名
	ProgramID       string   // declare_id! の値
	Anchor          bool
	HasTests        bool
	Dependencies    []Dependency
}

// HasDependency は指定した依存関係を含むかを返す
func (p *Profile) HasDependency(name string) bool {
	for _, d := range p.Dependencies {
		if d.Name == name {
			return true
		}
	}
	return false
}

// keywordRule はソース中のキーワードと依存関係の対応
type keywordRule struct {
	keyword    string
	dependency Dependency
	anchor     bool
}

var solidityRules = []keywordRule{
	{keyword: "@openzeppelin/contracts-upgradeable", dependency: Dependency{Name: "@openzeppelin/contracts-upgradeable", Version: "^5.0.2"}},
	{keyword: "@openzeppelin/contracts/", dependency: Dependency{Name: "@openzeppelin/contracts", Version: "^5.0.2"}},
	{keyword: "@chainlink/contracts", dependency: Dependency{Name: "@chainlink/contracts", Version: "^1.1.1"}},
	{keyword: "@uniswap/v3-core", dependency: Dependency{Name: "@uniswap/v3-core", Version: "^1.0.1"}},
	{keyword: "@uniswap/v2-core", dependency: Dependency{Name: "@uniswap/v2-core", Version: "^1.0.1"}},
	{keyword: "solmate/", dependency: Dependency{Name: "solmate", Version: "^6.2.0"}},
}

var rustRules = []keywordRule{
	{keyword: "anchor_lang", dependency: Dependency{Name: "anchor-lang", Version: "0.30.1"}, anchor: true},
	{keyword: "anchor_spl", dependency: Dependency{Name: "anchor-spl", Version: "0.30.1"}, anchor: true},
	{keyword: "solana_program", dependency: Dependency{Name: "solana-program", Version: "1.18"}},
	{keyword: "spl_token", dependency: Dependency{Name: "spl-token", Version: "4.0", Features: []string{"no-entrypoint"}}},
	{keyword: "borsh", dependency: Dependency{Name: "borsh", Version: "1.5", Features: []string{"derive"}}},
	{keyword: "serde", dependency: Dependency{Name: "serde", Version: "1.0", Features: []string{"derive"}}},
	{keyword: "thiserror", dependency: Dependency{Name: "thiserror", Version: "1.0"}},
}

var (
	pragmaPattern    = regexp.MustCompile(`pragma\s+solidity\s+([^;]+);`)
	semverPattern    = regexp.MustCompile(`\d+\.\d+\.\d+`)
	contractPattern  = regexp.MustCompile(`(?m)^\s*(?:abstract\s+)?(?:contract|library|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	programPattern   = regexp.MustCompile(`#\[program\]\s*pub\s+mod\s+([A-Za-z_][A-Za-z0-9_]*)`)
	declareIDPattern = regexp.MustCompile(`declare_id!\(\s*"([1-9A-HJ-NP-Za-km-z]{32,44})"\s*\)`)
)

var extensions = map[job.Flavor][]string{
	job.FlavorEVM:    {".sol"},
	job.FlavorNonEVM: {".rs"},
}

// Extensions は系統ごとの対象拡張子を返す
func Extensions(flavor job.Flavor) []string {
	return extensions[flavor]
}

// Supports はファイルがその系統の処理対象かを判定します
func Supports(flavor job.Flavor, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions[flavor] {
		if ext == e {
			return true
		}
	}
	return false
}

// DetectLanguage はファイル名と内容から言語を判定します
func DetectLanguage(path string, content []byte) Language {
	// go-enryで言語を判定（ファイル名と内容の両方を使用）
	switch enry.GetLanguage(filepath.Base(path), content) {
	case "Solidity":
		return LanguageSolidity
	case "Rust":
		return LanguageRust
	}

	// .rs は RenderScript と曖昧になるので拡張子でフォールバック
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sol":
		return LanguageSolidity
	case ".rs":
		return LanguageRust
	}
	return LanguageUnknown
}

// Sniff はソース内容をキーワード検索してビルド用のプロファイルを作成します
func Sniff(path string, content []byte) (*Profile, error) {
	lang := DetectLanguage(path, content)
	src := string(content)

	switch lang {
	case LanguageSolidity:
		return sniffSolidity(src), nil
	case LanguageRust:
		return sniffRust(src), nil
	default:
		return nil, fmt.Errorf("unsupported source file: %s", filepath.Base(path))
	}
}

func sniffSolidity(src string) *Profile {
	p := &Profile{
		Language:        LanguageSolidity,
		Flavor:          job.FlavorEVM,
		CompilerVersion: DefaultSolcVersion,
		HasTests:        strings.Contains(src, "function test") || strings.Contains(src, "forge-std/Test.sol"),
	}

	if m := pragmaPattern.FindStringSubmatch(src); m != nil {
		if v := semverPattern.FindString(m[1]); v != "" {
			p.CompilerVersion = v
		}
	}

	for _, m := range contractPattern.FindAllStringSubmatch(src, -1) {
		p.Contracts = append(p.Contracts, m[1])
	}

	p.Dependencies = matchRules(src, solidityRules, nil)
	return p
}

func sniffRust(src string) *Profile {
	p := &Profile{
		Language: LanguageRust,
		Flavor:   job.FlavorNonEVM,
		HasTests: strings.Contains(src, "#[test]") || strings.Contains(src, "#[cfg(test)]"),
	}

	if m := programPattern.FindStringSubmatch(src); m != nil {
		p.ProgramName = m[1]
	}
	if m := declareIDPattern.FindStringSubmatch(src); m != nil {
		p.ProgramID = m[1]
	}

	p.Dependencies = matchRules(src, rustRules, &p.Anchor)
	return p
}

func matchRules(src string, rules []keywordRule, anchor *bool) []Dependency {
	var deps []Dependency
	seen := make(map[string]bool)
	for _, rule := range rules {
		if !strings.Contains(src, rule.keyword) || seen[rule.dependency.Name] {
			continue
		}
		seen[rule.dependency.Name] = true
		deps = append(deps, rule.dependency)
		if rule.anchor && anchor != nil {
			*anchor = true
		}
	}

	sort.Slice(deps, func(i, j int) bool {
		return deps[i].Name < deps[j].Name
	})
	return deps
}
