package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/platform/container"
)

// RunAction は引数のファイルを一度だけ処理するコマンドのアクション
func RunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	files := cmd.Args().Slice()
	if len(files) == 0 {
		return errors.New("処理するファイルを指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	return processFiles(ctx, appCtx.Container, files, output(cmd))
}

// processFiles はファイルを投入し、全ジョブの完了を待って結果を表示する
func processFiles(ctx context.Context, c *container.Container, files []string, w io.Writer) error {
	logger := c.Logger
	started := time.Now()

	var submitted []uuid.UUID
	for _, f := range files {
		j, err := c.Service.NewJob(f)
		if err != nil {
			logger.Warn("ファイルをスキップします", "path", f, "error", err)
			continue
		}
		if _, err := c.Dispatcher.Submit(j); err != nil {
			return fmt.Errorf("ジョブの投入に失敗: %w", err)
		}
		submitted = append(submitted, j.ID)
	}
	if len(submitted) == 0 {
		return errors.New("処理対象のファイルがありません")
	}

	// 割り込み時は新規投入を止め、実行中ジョブを中断する
	if err := c.Shutdown(ctx); err != nil {
		return err
	}

	results := make([]*job.Result, 0, len(submitted))
	for _, id := range submitted {
		r, err := c.History.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			logger.Warn("ジョブ結果を取得できませんでした", "job", id, "error", err)
			continue
		}
		results = append(results, r)
	}

	renderResultsTable(w, results)

	stats := c.Dispatcher.Stats()
	logger.Info("処理が完了しました",
		"jobs", len(submitted),
		"failed", stats.Failed,
		"elapsed", humanize.RelTime(started, time.Now(), "", ""),
	)

	if stats.Failed > 0 {
		return fmt.Errorf("%d 件のジョブが失敗しました", stats.Failed)
	}
	return nil
}

// renderResultsTable はジョブ結果を表形式で表示する
func renderResultsTable(w io.Writer, results []*job.Result) {
	table := tablewriter.NewWriter(w)
	table.Header("Job ID", "Name", "Flavor", "Status", "Stages", "Duration", "Started At")

	for _, r := range results {
		counts := r.Counts()
		table.Append(
			shortID(r.JobID),
			r.Name,
			string(r.Flavor),
			string(r.Status),
			fmt.Sprintf("%d ok / %d failed / %d skipped",
				counts[job.StatusSucceeded], counts[job.StatusFailed],
				counts[job.StatusSkipped]+counts[job.StatusDegraded]),
			r.Duration().Round(time.Millisecond).String(),
			r.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}

	if err := table.Render(); err != nil {
		slog.Default().Warn("テーブルの描画に失敗しました", "error", err)
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}
