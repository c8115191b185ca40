package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

// DefaultTailLines は失敗ステージについてレポートに含めるログ末尾の行数
const DefaultTailLines = 20

// Generator はジョブ結果から Markdown レポートを生成するサービスです
type Generator struct {
	dir       string
	tailLines int
}

// NewGenerator は新しい Generator を作成します
func NewGenerator(dir string) *Generator {
	return &Generator{dir: dir, tailLines: DefaultTailLines}
}

// Path はジョブのレポート出力先を返します
func (g *Generator) Path(r *job.Result) string {
	return filepath.Join(g.dir, fmt.Sprintf("%s-%s.md", r.Name, r.JobID))
}

// stageRow はレポートの1ステージ分の表示データ
type stageRow struct {
	job.StageResult
	Icon     string
	Took     string
	LogSize  string
	LogTail  string
	ExitText string
}

// reportData はテンプレートに渡すデータ
type reportData struct {
	Result      *job.Result
	Profile     *detect.Profile
	GeneratedAt string
	Took        string
	Stages      []stageRow
	Counts      map[string]int
	TotalLog    string
}

// Generate はレポートを書き出し、そのパスを返します
func (g *Generator) Generate(r *job.Result, profile *detect.Profile) (string, error) {
	var buf bytes.Buffer
	if err := g.Render(&buf, r, profile); err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	path := g.Path(r)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Render はレポートをレンダリングします
func (g *Generator) Render(w io.Writer, r *job.Result, profile *detect.Profile) error {
	if profile == nil {
		profile = &detect.Profile{}
	}

	data := reportData{
		Result:      r,
		Profile:     profile,
		GeneratedAt: time.Now().Format("2006-01-02 15:04:05"),
		Took:        r.Duration().Round(time.Millisecond).String(),
		Counts:      make(map[string]int),
	}

	for status, n := range r.Counts() {
		data.Counts[string(status)] = n
	}

	var total uint64
	for _, s := range r.Stages {
		row := stageRow{
			StageResult: s,
			Icon:        statusIcon(s.Status),
			Took:        s.Duration.Round(time.Millisecond).String(),
			LogSize:     "-",
			ExitText:    "-",
		}
		if s.Status != job.StatusSkipped {
			row.ExitText = humanize.Comma(int64(s.ExitCode))
		}
		if s.LogFile != "" {
			if info, err := os.Stat(s.LogFile); err == nil {
				total += uint64(info.Size())
				row.LogSize = humanize.Bytes(uint64(info.Size()))
			}
			if s.Status == job.StatusFailed || s.Status == job.StatusDegraded {
				row.LogTail = tail(s.LogFile, g.tailLines)
			}
		}
		data.Stages = append(data.Stages, row)
	}
	data.TotalLog = humanize.Bytes(total)

	if err := reportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func statusIcon(s job.Status) string {
	switch s {
	case job.StatusSucceeded:
		return "✅"
	case job.StatusFailed:
		return "❌"
	case job.StatusSkipped, job.StatusDegraded:
		return "⚠️"
	default:
		return "•"
	}
}

// tail はファイル末尾の n 行を返します
func tail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var reportTemplate = template.Must(template.New("report").Parse(`# CI Report: {{.Result.Name}}

| | |
|---|---|
| Job | ` + "`{{.Result.JobID}}`" + ` |
| Source | ` + "`{{.Result.Source}}`" + ` |
| Flavor | {{.Result.Flavor}} |
| Language | {{if .Result.Language}}{{.Result.Language}}{{else}}unknown{{end}} |
| Status | **{{.Result.Status}}** |
| Started | {{.Result.StartedAt.Format "2006-01-02 15:04:05"}} |
| Duration | {{.Took}} |
{{- with .Profile.CompilerVersion}}
| Compiler | solc {{.}} |
{{- end}}
{{- if .Profile.Anchor}}
| Framework | Anchor{{with .Profile.ProgramName}} (` + "`{{.}}`" + `){{end}} |
{{- end}}
{{- if .Result.Error}}

> Error: {{.Result.Error}}
{{- end}}
{{- with .Profile.Contracts}}

## Contracts
{{range .}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}
{{- with .Profile.Dependencies}}

## Dependencies
{{range .}}
- {{.Name}} {{.Version}}
{{- end}}
{{- end}}
{{- with .Result.Manifests}}

## Generated manifests
{{range .}}
- ` + "`{{.}}`" + `
{{- end}}
{{- end}}

## Stages

| | Stage | Kind | Status | Exit | Attempts | Duration | Log |
|---|---|---|---|---|---|---|---|
{{- range .Stages}}
| {{.Icon}} | {{.Name}} | {{.Kind}} | {{.Status}} | {{.ExitText}} | {{.Attempts}} | {{.Took}} | {{.LogSize}} |
{{- end}}

Succeeded: {{index .Counts "succeeded"}}, failed: {{index .Counts "failed"}}, skipped: {{index .Counts "skipped"}}, degraded: {{index .Counts "degraded"}} (logs {{.TotalLog}})
{{- range .Stages}}
{{- if .Error}}

### {{.Name}}

{{.Error}}
{{- if .LogTail}}

` + "```" + `
{{.LogTail}}
` + "```" + `
{{- end}}
{{- end}}
{{- end}}

_Generated at {{.GeneratedAt}}_
`))
