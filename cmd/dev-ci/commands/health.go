package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/internal/core/health"
)

// HealthAction はリソース状況を収集して表示するコマンドのアクション
func HealthAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	w := output(cmd)

	if cmd.Bool("cached") {
		cfg, err := loadConfig(envFile, nil)
		if err != nil {
			return err
		}
		report, err := health.ReadReport(cfg.StatusDir)
		if err != nil {
			return err
		}
		renderHealthReport(w, report)
		return nil
	}

	appCtx, err := NewAppContext(ctx, envFile, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	report, err := appCtx.Container.Monitor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("ヘルススナップショットの作成に失敗: %w", err)
	}
	renderHealthReport(w, report)
	return nil
}

// renderHealthReport はヘルスレポートを表示する
func renderHealthReport(w io.Writer, report *health.Report) {
	fmt.Fprintf(w, "Status: %s (checked %s)\n", report.Status, humanize.Time(report.CheckedAt))

	table := tablewriter.NewWriter(w)
	table.Header("Check", "Status", "Free %", "Threshold %", "Message")
	for _, c := range report.Checks {
		table.Append(
			c.Name,
			string(c.Status),
			fmt.Sprintf("%.1f", c.Value),
			fmt.Sprintf("%.1f", c.Threshold),
			c.Message,
		)
	}
	_ = table.Render()
}
