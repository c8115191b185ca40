package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/cmd/dev-ci/commands"
	"github.com/jinford/dev-ci/internal/platform/logger"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 設定読み込み前の出力用。コンテナ構築後はカテゴリロガーに置き換わる
	logger.New(logger.Config{Level: slog.LevelInfo, Format: "json"})

	app := &cli.Command{
		Name:  "dev-ci",
		Usage: "Solidity / Rust ソースを自動でビルド・テスト・監査する CI ハーネス",
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "入力ディレクトリを監視し、投入されたファイルを処理し続ける",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "dir",
						Usage: "監視ディレクトリ（DEVCI_WATCH_DIR を上書き）",
					},
					&cli.DurationFlag{
						Name:  "shutdown-timeout",
						Usage: "終了時に実行中ジョブの完了を待つ時間",
						Value: commands.DefaultShutdownTimeout,
					},
				},
				Action: commands.WatchAction,
			},
			{
				Name:      "run",
				Usage:     "指定したファイルを一度だけ処理して終了する",
				ArgsUsage: "<file>...",
				Flags: []cli.Flag{
					envFlag(),
				},
				Action: commands.RunAction,
			},
			{
				Name:  "git",
				Usage: "Git リポジトリを取得し、対象ソースをすべて処理する",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:     "url",
						Usage:    "リポジトリ URL",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "ref",
						Usage: "ブランチ / タグ / コミット（省略時はデフォルトブランチ）",
					},
				},
				Action: commands.GitAction,
			},
			{
				Name:  "health",
				Usage: "リソース状況を収集して health.json / metrics.json を書き出す",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{
						Name:  "cached",
						Usage: "収集せずに書き出し済みの health.json を表示する",
					},
				},
				Action: commands.HealthAction,
			},
			{
				Name:  "jobs",
				Usage: "ジョブ履歴コマンド",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "ジョブ履歴を新しい順に表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "limit",
								Usage: "表示件数",
								Value: 20,
							},
						},
						Action: commands.JobsListAction,
					},
					{
						Name:  "show",
						Usage: "ジョブ詳細を表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.JobsShowAction,
					},
				},
			},
			{
				Name:  "toolchain",
				Usage: "パイプライン定義コマンド",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "有効なパイプライン定義を YAML で表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "flavor",
								Usage: "evm または non-evm（省略時は DEVCI_FLAVOR）",
							},
						},
						Action: commands.ToolchainShowAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
