package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/workspace"
)

func newWorkspace(t *testing.T, crate string) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	return &workspace.Workspace{Root: root, ProjectDir: root, CrateName: crate}
}

func readFile(t *testing.T, ws *workspace.Workspace, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ws.Root, rel))
	require.NoError(t, err)
	return data
}

func TestWrite_EVM(t *testing.T) {
	ws := newWorkspace(t, "token")
	profile := &detect.Profile{
		Language:        detect.LanguageSolidity,
		CompilerVersion: "0.8.20",
		Dependencies: []detect.Dependency{
			{Name: "@openzeppelin/contracts", Version: "^5.0.2"},
		},
	}

	written, err := NewWriter(DefaultOptions()).Write(ws, profile)
	require.NoError(t, err)
	assert.Equal(t, []string{"foundry.toml", "hardhat.config.js", "package.json"}, written)

	var pkg map[string]any
	require.NoError(t, json.Unmarshal(readFile(t, ws, "package.json"), &pkg))
	assert.Equal(t, "token", pkg["name"])
	deps := pkg["dependencies"].(map[string]any)
	assert.Equal(t, "^5.0.2", deps["@openzeppelin/contracts"])
	assert.Contains(t, pkg["devDependencies"], "hardhat")

	hardhat := string(readFile(t, ws, "hardhat.config.js"))
	assert.Contains(t, hardhat, `version: "0.8.20"`)
	assert.Contains(t, hardhat, "runs: 200")

	var foundry struct {
		Profile map[string]struct {
			SolcVersion string   `toml:"solc_version"`
			Remappings  []string `toml:"remappings"`
		} `toml:"profile"`
	}
	require.NoError(t, toml.Unmarshal(readFile(t, ws, "foundry.toml"), &foundry))
	assert.Equal(t, "0.8.20", foundry.Profile["default"].SolcVersion)
	assert.Equal(t, []string{"@openzeppelin/contracts/=node_modules/@openzeppelin/contracts/"}, foundry.Profile["default"].Remappings)
}

func TestWrite_EVMRejectsInvalidVersion(t *testing.T) {
	tests := []string{"", "0.8", "^0.8.20", `0.8.20"; process.exit(1); "`}

	for _, version := range tests {
		t.Run(version, func(t *testing.T) {
			ws := newWorkspace(t, "token")
			_, err := NewWriter(DefaultOptions()).Write(ws, &detect.Profile{
				Language:        detect.LanguageSolidity,
				CompilerVersion: version,
			})
			require.ErrorIs(t, err, ErrInvalidVersion)
			assert.NoFileExists(t, filepath.Join(ws.Root, "hardhat.config.js"))
		})
	}
}

func TestWrite_Cargo(t *testing.T) {
	ws := newWorkspace(t, "vault")
	profile := &detect.Profile{
		Language: detect.LanguageRust,
		Dependencies: []detect.Dependency{
			{Name: "borsh", Version: "1.5", Features: []string{"derive"}},
			{Name: "solana-program", Version: "1.18"},
		},
	}

	written, err := NewWriter(Options{RustEdition: "2018"}).Write(ws, profile)
	require.NoError(t, err)
	assert.Equal(t, []string{"Cargo.toml"}, written)

	var cargo cargoManifest
	require.NoError(t, toml.Unmarshal(readFile(t, ws, "Cargo.toml"), &cargo))
	require.NotNil(t, cargo.Package)
	assert.Equal(t, "vault", cargo.Package.Name)
	assert.Equal(t, "2018", cargo.Package.Edition)
	assert.Equal(t, []string{"cdylib", "lib"}, cargo.Lib.CrateType)
	assert.Equal(t, []string{"derive"}, cargo.Dependencies["borsh"].Features)
	assert.Equal(t, "1.18", cargo.Dependencies["solana-program"].Version)
	assert.Nil(t, cargo.Workspace)
}

func TestWrite_Anchor(t *testing.T) {
	tests := []struct {
		name      string
		programID string
		want      string
	}{
		{name: "declared id", programID: "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS", want: "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"},
		{name: "default id", programID: "", want: DefaultProgramID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newWorkspace(t, "counter")
			profile := &detect.Profile{
				Language:  detect.LanguageRust,
				Anchor:    true,
				ProgramID: tt.programID,
				Dependencies: []detect.Dependency{
					{Name: "anchor-lang", Version: "0.30.1"},
				},
			}

			written, err := NewWriter(DefaultOptions()).Write(ws, profile)
			require.NoError(t, err)
			assert.Equal(t, []string{"Anchor.toml", "Cargo.toml", filepath.Join("programs", "counter", "Cargo.toml")}, written)

			var root cargoManifest
			require.NoError(t, toml.Unmarshal(readFile(t, ws, "Cargo.toml"), &root))
			require.NotNil(t, root.Workspace)
			assert.Equal(t, []string{"programs/*"}, root.Workspace.Members)
			assert.Nil(t, root.Package)

			var anchor anchorManifest
			require.NoError(t, toml.Unmarshal(readFile(t, ws, "Anchor.toml"), &anchor))
			assert.Equal(t, tt.want, anchor.Programs["localnet"]["counter"])
			assert.Equal(t, "Localnet", anchor.Provider.Cluster)

			var program cargoManifest
			require.NoError(t, toml.Unmarshal(readFile(t, ws, filepath.Join("programs", "counter", "Cargo.toml")), &program))
			assert.Equal(t, "counter", program.Package.Name)
			assert.Equal(t, []string{"no-entrypoint"}, program.Features["cpi"])
			assert.Contains(t, program.Dependencies, "anchor-lang")
		})
	}
}

func TestWrite_UnknownLanguage(t *testing.T) {
	ws := newWorkspace(t, "x")
	_, err := NewWriter(DefaultOptions()).Write(ws, &detect.Profile{})
	require.Error(t, err)
}
