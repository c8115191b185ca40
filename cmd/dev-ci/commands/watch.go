package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/dev-ci/internal/platform/config"
)

// DefaultShutdownTimeout は終了シグナル受信後に実行中ジョブを待つ既定の時間
const DefaultShutdownTimeout = 15 * time.Minute

// WatchAction は入力ディレクトリを監視し続けるコマンドのアクション
func WatchAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	dir := cmd.String("dir")
	shutdownTimeout := cmd.Duration("shutdown-timeout")

	appCtx, err := NewAppContext(ctx, envFile, func(cfg *config.Config) {
		if dir != "" {
			cfg.WatchDir = dir
		}
	})
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	logger := appCtx.Logger()

	logger.Info("CI ハーネスを起動します",
		"flavor", c.Config.Flavor,
		"watchDir", c.Config.WatchDir,
		"maxConcurrency", c.Config.Dispatcher.MaxConcurrency,
		"stageTimeout", c.Config.Dispatcher.StageTimeout,
	)

	// 起動時に一度書き出してから定期実行する
	if _, err := c.Monitor.Snapshot(ctx); err != nil {
		logger.Warn("初回のヘルススナップショットに失敗しました", "error", err)
	}
	if err := c.Monitor.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.NewWatcher().Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.Monitor.Stop()
		return nil
	})
	runErr := g.Wait()

	logger.Info("終了処理を開始します", "stats", c.Dispatcher.Stats())

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if runErr != nil {
		return fmt.Errorf("監視が異常終了しました: %w", runErr)
	}

	logger.Info("CI ハーネスを停止しました", "stats", c.Dispatcher.Stats())
	return nil
}
