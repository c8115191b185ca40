package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/internal/platform/config"
	"github.com/jinford/dev-ci/internal/platform/container"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.Container
}

// NewAppContext は設定ファイルを読み込み、コンテナを構築して AppContext を作成する。
// override はコマンドライン引数による設定の上書きに使う。
func NewAppContext(ctx context.Context, envFile string, override func(*config.Config), opts ...container.Option) (*AppContext, error) {
	cfg, err := loadConfig(envFile, override)
	if err != nil {
		return nil, err
	}

	cont, err := container.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

func loadConfig(envFile string, override func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger
	}
	return slog.Default()
}

// output はコマンドの標準出力先を返す
func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}
