package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/internal/core/job"
)

// JobsListAction はジョブ履歴を表示するコマンドのアクション
func JobsListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	limit := int(cmd.Int("limit"))

	appCtx, err := NewAppContext(ctx, envFile, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	results, err := appCtx.Container.History.List(ctx, limit)
	if err != nil {
		return fmt.Errorf("ジョブ履歴の取得に失敗: %w", err)
	}

	w := output(cmd)
	if len(results) == 0 {
		fmt.Fprintln(w, "ジョブ履歴はありません")
		return nil
	}

	renderResultsTable(w, results)
	return nil
}

// JobsShowAction はジョブ詳細を表示するコマンドのアクション
func JobsShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	idStr := cmd.String("id")

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("不正なジョブID %q: %w", idStr, err)
	}

	appCtx, err := NewAppContext(ctx, envFile, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.History.Get(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return fmt.Errorf("ジョブ %s は見つかりません", id)
		}
		return fmt.Errorf("ジョブ履歴の取得に失敗: %w", err)
	}

	renderJobDetail(output(cmd), result)
	return nil
}

// renderJobDetail はジョブの詳細とステージ結果を表示する
func renderJobDetail(w io.Writer, r *job.Result) {
	fmt.Fprintf(w, "Job:       %s\n", r.JobID)
	fmt.Fprintf(w, "Name:      %s\n", r.Name)
	fmt.Fprintf(w, "Source:    %s\n", r.Source)
	fmt.Fprintf(w, "Flavor:    %s\n", r.Flavor)
	fmt.Fprintf(w, "Language:  %s\n", r.Language)
	fmt.Fprintf(w, "Status:    %s\n", r.Status)
	fmt.Fprintf(w, "Started:   %s (%s)\n", r.StartedAt.Format("2006-01-02 15:04:05"), humanize.Time(r.StartedAt))
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration())
	if r.ReportPath != "" {
		fmt.Fprintf(w, "Report:    %s\n", r.ReportPath)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.Header("Stage", "Kind", "Status", "Exit", "Attempts", "Duration")
	for _, s := range r.Stages {
		table.Append(
			s.Name,
			s.Kind,
			string(s.Status),
			fmt.Sprintf("%d", s.ExitCode),
			fmt.Sprintf("%d", s.Attempts),
			s.Duration.String(),
		)
	}
	_ = table.Render()
}
