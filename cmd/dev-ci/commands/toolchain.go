package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/core/pipeline"
	"github.com/jinford/dev-ci/internal/platform/config"
)

// ToolchainShowAction は有効なパイプライン定義を表示するコマンドのアクション
func ToolchainShowAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	flavor := cmd.String("flavor")

	cfg, err := loadConfig(envFile, func(cfg *config.Config) {
		if flavor != "" {
			cfg.Flavor = job.Flavor(flavor)
		}
	})
	if err != nil {
		return err
	}

	tc, err := pipeline.Load(cfg.ToolchainFile, cfg.Flavor)
	if err != nil {
		return err
	}

	data, err := pipeline.Marshal(tc)
	if err != nil {
		return fmt.Errorf("パイプライン定義の出力に失敗: %w", err)
	}

	_, err = output(cmd).Write(data)
	return err
}
