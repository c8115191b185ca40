package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"text/template"

	"github.com/pelletier/go-toml/v2"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/workspace"
)

// ErrInvalidVersion はコンパイラバージョンが x.y.z 形式でない場合のエラー
var ErrInvalidVersion = errors.New("invalid compiler version")

// DefaultProgramID は declare_id! が無い Anchor プログラムに割り当てる ID
const DefaultProgramID = "11111111111111111111111111111111"

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Options はマニフェスト生成の設定
type Options struct {
	OptimizerRuns int
	RustEdition   string
}

// DefaultOptions はデフォルトの生成設定
func DefaultOptions() Options {
	return Options{
		OptimizerRuns: 200,
		RustEdition:   "2021",
	}
}

// Writer はプロファイルからビルドマニフェストを生成してワークスペースに書き込みます
type Writer struct {
	opts Options
}

// NewWriter は新しい Writer を作成します
func NewWriter(opts Options) *Writer {
	if opts.OptimizerRuns <= 0 {
		opts.OptimizerRuns = DefaultOptions().OptimizerRuns
	}
	if opts.RustEdition == "" {
		opts.RustEdition = DefaultOptions().RustEdition
	}
	return &Writer{opts: opts}
}

// Write はマニフェストを書き込み、書き込んだファイルのワークスペース相対パスを返します
func (w *Writer) Write(ws *workspace.Workspace, profile *detect.Profile) ([]string, error) {
	var files map[string][]byte
	var err error

	switch profile.Language {
	case detect.LanguageSolidity:
		files, err = w.evmFiles(ws, profile)
	case detect.LanguageRust:
		files, err = w.rustFiles(ws, profile)
	default:
		return nil, fmt.Errorf("no manifest for language %q", profile.Language)
	}
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(files))
	for rel := range files {
		written = append(written, rel)
	}
	sort.Strings(written)

	for _, rel := range written {
		path := filepath.Join(ws.Root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create manifest directory: %w", err)
		}
		if err := os.WriteFile(path, files[rel], 0o644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}

	return written, nil
}

// --- EVM ---

type packageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Private         bool              `json:"private"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies"`
}

type foundryConfig struct {
	Profile map[string]foundryProfile `toml:"profile"`
}

type foundryProfile struct {
	Src           string   `toml:"src"`
	Out           string   `toml:"out"`
	Test          string   `toml:"test"`
	Libs          []string `toml:"libs"`
	SolcVersion   string   `toml:"solc_version"`
	Optimizer     bool     `toml:"optimizer"`
	OptimizerRuns int      `toml:"optimizer_runs"`
	Remappings    []string `toml:"remappings,omitempty"`
}

type hardhatConfig struct {
	SolcVersion   string
	OptimizerRuns int
}

var hardhatTemplate = template.Must(template.New("hardhat.config.js").Parse(`require("@nomicfoundation/hardhat-toolbox");

/** @type import('hardhat/config').HardhatUserConfig */
module.exports = {
  solidity: {
    version: {{printf "%q" .SolcVersion}},
    settings: {
      optimizer: { enabled: true, runs: {{.OptimizerRuns}} },
    },
  },
  paths: {
    sources: "./contracts",
    tests: "./test",
    cache: "./cache",
    artifacts: "./artifacts",
  },
};
`))

func (w *Writer) evmFiles(ws *workspace.Workspace, profile *detect.Profile) (map[string][]byte, error) {
	if !versionPattern.MatchString(profile.CompilerVersion) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, profile.CompilerVersion)
	}

	pkg := packageJSON{
		Name:    ws.CrateName,
		Version: "0.0.0",
		Private: true,
		Scripts: map[string]string{
			"compile": "hardhat compile",
			"test":    "hardhat test",
		},
		DevDependencies: map[string]string{
			"hardhat":                          "^2.22.0",
			"@nomicfoundation/hardhat-toolbox": "^5.0.0",
		},
	}
	var remappings []string
	for _, d := range profile.Dependencies {
		if pkg.Dependencies == nil {
			pkg.Dependencies = make(map[string]string)
		}
		pkg.Dependencies[d.Name] = d.Version
		remappings = append(remappings, fmt.Sprintf("%s/=node_modules/%s/", d.Name, d.Name))
	}

	pkgJSON, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal package.json: %w", err)
	}

	var hardhat bytes.Buffer
	if err := hardhatTemplate.Execute(&hardhat, hardhatConfig{
		SolcVersion:   profile.CompilerVersion,
		OptimizerRuns: w.opts.OptimizerRuns,
	}); err != nil {
		return nil, fmt.Errorf("failed to render hardhat.config.js: %w", err)
	}

	foundry, err := toml.Marshal(foundryConfig{
		Profile: map[string]foundryProfile{
			"default": {
				Src:           "contracts",
				Out:           "out",
				Test:          "test",
				Libs:          []string{"node_modules", "lib"},
				SolcVersion:   profile.CompilerVersion,
				Optimizer:     true,
				OptimizerRuns: w.opts.OptimizerRuns,
				Remappings:    remappings,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal foundry.toml: %w", err)
	}

	return map[string][]byte{
		"package.json":      append(pkgJSON, '\n'),
		"hardhat.config.js": hardhat.Bytes(),
		"foundry.toml":      foundry,
	}, nil
}

// --- non-EVM ---

type cargoManifest struct {
	Package      *cargoPackage              `toml:"package,omitempty"`
	Lib          *cargoLib                  `toml:"lib,omitempty"`
	Features     map[string][]string        `toml:"features,omitempty"`
	Dependencies map[string]cargoDependency `toml:"dependencies,omitempty"`
	Workspace    *cargoWorkspace            `toml:"workspace,omitempty"`
}

type cargoPackage struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Edition string `toml:"edition"`
}

type cargoLib struct {
	CrateType []string `toml:"crate-type"`
	Path      string   `toml:"path,omitempty"`
}

type cargoDependency struct {
	Version  string   `toml:"version"`
	Features []string `toml:"features,omitempty"`
}

type cargoWorkspace struct {
	Members  []string `toml:"members"`
	Resolver string   `toml:"resolver"`
}

type anchorManifest struct {
	Features map[string]bool              `toml:"features"`
	Programs map[string]map[string]string `toml:"programs"`
	Provider anchorProvider               `toml:"provider"`
	Scripts  map[string]string            `toml:"scripts"`
}

type anchorProvider struct {
	Cluster string `toml:"cluster"`
	Wallet  string `toml:"wallet"`
}

func (w *Writer) rustFiles(ws *workspace.Workspace, profile *detect.Profile) (map[string][]byte, error) {
	crate := cargoManifest{
		Package: &cargoPackage{
			Name:    ws.CrateName,
			Version: "0.1.0",
			Edition: w.opts.RustEdition,
		},
		Lib: &cargoLib{CrateType: []string{"cdylib", "lib"}},
	}
	for _, d := range profile.Dependencies {
		if crate.Dependencies == nil {
			crate.Dependencies = make(map[string]cargoDependency)
		}
		crate.Dependencies[d.Name] = cargoDependency{Version: d.Version, Features: d.Features}
	}

	if !profile.Anchor {
		out, err := toml.Marshal(crate)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal Cargo.toml: %w", err)
		}
		return map[string][]byte{"Cargo.toml": out}, nil
	}

	crate.Features = map[string][]string{
		"default":       {},
		"no-entrypoint": {},
		"cpi":           {"no-entrypoint"},
		"idl-build":     {"anchor-lang/idl-build"},
	}
	programCargo, err := toml.Marshal(crate)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal program Cargo.toml: %w", err)
	}

	workspaceCargo, err := toml.Marshal(cargoManifest{
		Workspace: &cargoWorkspace{Members: []string{"programs/*"}, Resolver: "2"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workspace Cargo.toml: %w", err)
	}

	programID := profile.ProgramID
	if programID == "" {
		programID = DefaultProgramID
	}
	anchorToml, err := toml.Marshal(anchorManifest{
		Features: map[string]bool{"seeds": false, "skip-lint": false},
		Programs: map[string]map[string]string{
			"localnet": {ws.CrateName: programID},
		},
		Provider: anchorProvider{Cluster: "Localnet", Wallet: "~/.config/solana/id.json"},
		Scripts:  map[string]string{"test": "cargo test"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Anchor.toml: %w", err)
	}

	return map[string][]byte{
		"Cargo.toml":  workspaceCargo,
		"Anchor.toml": anchorToml,
		filepath.Join("programs", ws.CrateName, "Cargo.toml"): programCargo,
	}, nil
}
