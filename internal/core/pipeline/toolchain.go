package pipeline

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jinford/dev-ci/internal/core/job"
)

// ステージの種類
const (
	KindDeps     = "deps"
	KindBuild    = "build"
	KindTest     = "test"
	KindLint     = "lint"
	KindCoverage = "coverage"
	KindSecurity = "security"
	KindAudit    = "audit"
)

// ステージの実行条件
const (
	WhenAlways = ""
	WhenAnchor = "anchor"
)

// Stage は外部ツール1回分の呼び出し定義
type Stage struct {
	Name     string        `yaml:"name"`
	Kind     string        `yaml:"kind"`
	Command  []string      `yaml:"command"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	Category string        `yaml:"category,omitempty"`
	Optional bool          `yaml:"optional,omitempty"`
	Retry    bool          `yaml:"retry,omitempty"`
	When     string        `yaml:"when,omitempty"`
}

// Toolchain は系統ごとのステージ列
type Toolchain struct {
	Flavor job.Flavor `yaml:"flavor"`
	Stages []Stage    `yaml:"stages"`
}

// File はツールチェーン上書きファイルの形式
type File struct {
	Toolchains []Toolchain `yaml:"toolchains"`
}

// Validate はステージ定義を検証します
func (t *Toolchain) Validate() error {
	if len(t.Stages) == 0 {
		return fmt.Errorf("toolchain %q has no stages", t.Flavor)
	}

	var errs []error
	seen := make(map[string]bool)
	for i, s := range t.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name is required", i))
		}
		if len(s.Command) == 0 || s.Command[0] == "" {
			errs = append(errs, fmt.Errorf("stage %q: command is required", s.Name))
		}
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("stage %q: timeout must not be negative", s.Name))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("stage %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
	}
	return errors.Join(errs...)
}

// Default は系統ごとの既定ツールチェーンを返します
func Default(flavor job.Flavor) *Toolchain {
	switch flavor {
	case job.FlavorNonEVM:
		return &Toolchain{
			Flavor: flavor,
			Stages: []Stage{
				{Name: "anchor-build", Kind: KindBuild, Command: []string{"anchor", "build"}, When: WhenAnchor, Optional: true},
				{Name: "cargo-build", Kind: KindBuild, Command: []string{"cargo", "build"}},
				{Name: "cargo-test", Kind: KindTest, Command: []string{"cargo", "test"}},
				{Name: "cargo-clippy", Kind: KindLint, Command: []string{"cargo", "clippy", "--", "-D", "warnings"}},
				{Name: "cargo-tarpaulin", Kind: KindCoverage, Command: []string{"cargo", "tarpaulin", "--out", "Xml"}, Optional: true},
				{Name: "cargo-audit", Kind: KindAudit, Command: []string{"cargo", "audit"}, Category: "security", Retry: true},
			},
		}
	default:
		return &Toolchain{
			Flavor: job.FlavorEVM,
			Stages: []Stage{
				{Name: "npm-install", Kind: KindDeps, Command: []string{"npm", "install", "--no-audit", "--no-fund"}},
				{Name: "hardhat-compile", Kind: KindBuild, Command: []string{"npx", "hardhat", "compile"}},
				{Name: "hardhat-test", Kind: KindTest, Command: []string{"npx", "hardhat", "test"}},
				{Name: "forge-build", Kind: KindBuild, Command: []string{"forge", "build"}},
				{Name: "forge-test", Kind: KindTest, Command: []string{"forge", "test"}},
				{Name: "slither", Kind: KindSecurity, Command: []string{"slither", "."}, Category: "security", Optional: true},
			},
		}
	}
}

// Load は上書きファイルから系統のツールチェーンを読み込みます。
// path が空、またはファイルに該当系統が無い場合は既定値を返します。
func Load(path string, flavor job.Flavor) (*Toolchain, error) {
	if path == "" {
		return Default(flavor), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read toolchain file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse toolchain file %s: %w", path, err)
	}

	for i := range f.Toolchains {
		tc := &f.Toolchains[i]
		if tc.Flavor != flavor {
			continue
		}
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("invalid toolchain in %s: %w", path, err)
		}
		return tc, nil
	}

	return Default(flavor), nil
}

// Marshal はツールチェーンを上書きファイル形式の YAML に変換します
func Marshal(tc *Toolchain) ([]byte, error) {
	data, err := yaml.Marshal(File{Toolchains: []Toolchain{*tc}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal toolchain: %w", err)
	}
	return data, nil
}
