package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// GitAction はリポジトリを取得して対象ソースをすべて処理するコマンドのアクション
func GitAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	url := cmd.String("url")
	ref := cmd.String("ref")

	appCtx, err := NewAppContext(ctx, envFile, nil)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	checkout, err := c.Git.Fetch(ctx, url, ref, c.Config.Flavor)
	if err != nil {
		return fmt.Errorf("リポジトリの取得に失敗: %w", err)
	}

	appCtx.Logger().Info("リポジトリのソースを処理します",
		"url", url,
		"commit", checkout.Commit.Hash,
		"author", checkout.Commit.Author,
		"sources", len(checkout.Sources),
	)
	if len(checkout.Sources) == 0 {
		appCtx.Logger().Warn("処理対象のソースが見つかりませんでした", "dir", checkout.Dir, "flavor", c.Config.Flavor)
		return nil
	}

	return processFiles(ctx, c, checkout.Sources, output(cmd))
}
