package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/dev-ci/internal/core/ci"
	"github.com/jinford/dev-ci/internal/core/dispatch"
	"github.com/jinford/dev-ci/internal/core/health"
	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/core/manifest"
	"github.com/jinford/dev-ci/internal/core/pipeline"
	"github.com/jinford/dev-ci/internal/core/report"
	"github.com/jinford/dev-ci/internal/core/watch"
	"github.com/jinford/dev-ci/internal/core/workspace"
	"github.com/jinford/dev-ci/internal/infra/filestore"
	"github.com/jinford/dev-ci/internal/infra/git"
	"github.com/jinford/dev-ci/internal/infra/postgres"
	"github.com/jinford/dev-ci/internal/infra/process"
	"github.com/jinford/dev-ci/internal/platform/config"
	"github.com/jinford/dev-ci/internal/platform/database"
	"github.com/jinford/dev-ci/internal/platform/logger"
)

// Container はアプリケーションの依存関係を保持する
type Container struct {
	Config     *config.Config
	Loggers    *logger.Categories
	Logger     *slog.Logger
	Database   *database.Database // DB 未設定時は nil
	History    job.Repository
	Toolchains map[job.Flavor]*pipeline.Toolchain
	Service    *ci.Service
	Dispatcher *dispatch.Dispatcher[job.Job]
	Monitor    *health.Monitor
	Git        *git.Provider

	cancelJobs context.CancelFunc
}

type containerOptions struct {
	loggers  *logger.Categories
	executor pipeline.CommandRunner
	history  job.Repository
}

// Option は Container 構築時のオプション
type Option func(*containerOptions)

// WithLoggers はカテゴリ別ロガーを差し替える
func WithLoggers(loggers *logger.Categories) Option {
	return func(opts *containerOptions) {
		opts.loggers = loggers
	}
}

// WithExecutor は外部コマンドの実行器を差し替える
func WithExecutor(exec pipeline.CommandRunner) Option {
	return func(opts *containerOptions) {
		opts.executor = exec
	}
}

// WithHistory はジョブ履歴の保存先を差し替える
func WithHistory(repo job.Repository) Option {
	return func(opts *containerOptions) {
		opts.history = repo
	}
}

// New は設定からコンテナを生成する
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	var options containerOptions
	for _, opt := range opts {
		opt(&options)
	}

	c := &Container{Config: cfg}

	loggers := options.loggers
	if loggers == nil {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		loggers, err = logger.NewCategories(
			logger.Config{Level: level, Format: cfg.Log.Format},
			logger.FileConfig{Dir: cfg.LogDir, MaxSizeMB: cfg.Log.MaxSizeMB, MaxBackups: cfg.Log.MaxBackups},
		)
		if err != nil {
			return nil, fmt.Errorf("ロガーの初期化に失敗しました: %w", err)
		}
	}
	c.Loggers = loggers
	c.Logger = loggers.General

	// History (PostgreSQL or JSONL)
	history := options.history
	if history == nil {
		var err error
		history, err = c.openHistory(ctx)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	c.History = history

	// Executor
	executor := options.executor
	if executor == nil {
		executor = process.NewExecutor(process.WithExecutorLogger(c.Logger))
	}

	// Toolchain / Pipeline
	c.Toolchains = make(map[job.Flavor]*pipeline.Toolchain)
	svcOpts := []ci.ServiceOption{
		ci.WithReporter(report.NewGenerator(cfg.ReportDir)),
		ci.WithHistory(history),
		ci.WithServiceLogger(c.Logger),
	}
	for _, flavor := range []job.Flavor{job.FlavorEVM, job.FlavorNonEVM} {
		tc, err := pipeline.Load(cfg.ToolchainFile, flavor)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Toolchains[flavor] = tc

		runner := pipeline.NewRunner(executor, tc,
			pipeline.WithStageTimeout(cfg.Dispatcher.StageTimeout),
			pipeline.WithRetryPolicy(pipeline.RetryPolicy{
				MaxAttempts:     cfg.Audit.MaxAttempts,
				InitialInterval: cfg.Audit.InitialInterval,
				MaxInterval:     cfg.Audit.MaxInterval,
			}),
			pipeline.WithEnv("CI=true"),
			pipeline.WithRunnerLogger(c.Logger),
			pipeline.WithSecurityLogger(loggers.Security),
			pipeline.WithPerformanceLogger(loggers.Performance),
		)
		svcOpts = append(svcOpts, ci.WithPipeline(flavor, runner))
	}

	// Service
	c.Service = ci.NewService(
		workspace.NewManager(cfg.WorkDir, cfg.Dispatcher.KeepWorkspaces, c.Logger),
		manifest.NewWriter(manifest.DefaultOptions()),
		svcOpts...,
	)

	// Dispatcher
	// 実行中ジョブは親のキャンセルでは止めず、Shutdown のタイムアウト時にのみ中断する
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelJobs = cancelJobs
	dispatcher, err := dispatch.New(cfg.Dispatcher.MaxConcurrency, c.Service.Handle,
		dispatch.WithLogger[job.Job](c.Logger),
		dispatch.WithObserver(c.observe),
		dispatch.WithBaseContext[job.Job](jobCtx),
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Dispatcher = dispatcher
	c.Service.Bind(dispatcher)

	// Health monitor
	c.Monitor = health.NewMonitor(health.Config{
		StatusDir: cfg.StatusDir,
		WorkDir:   cfg.WorkDir,
		Schedule:  cfg.Health.Schedule,
		Thresholds: health.Thresholds{
			MinDiskFreePercent: cfg.Health.MinDiskFreePercent,
			MinMemFreePercent:  cfg.Health.MinMemFreePercent,
		},
	},
		health.WithStats(dispatcher.Stats),
		health.WithMonitorLogger(loggers.Performance),
	)

	// Git
	c.Git = git.NewProvider(git.NewClient(cfg.Git.SSHKeyPath, cfg.Git.SSHPassword), cfg.Git.CloneDir, c.Logger)

	return c, nil
}

func (c *Container) openHistory(ctx context.Context) (job.Repository, error) {
	cfg := c.Config
	if !cfg.Database.Enabled() {
		repo, err := filestore.NewJobRepository(cfg.LogDir)
		if err != nil {
			return nil, fmt.Errorf("履歴ファイルの初期化に失敗しました: %w", err)
		}
		c.Logger.Debug("ジョブ履歴をファイルに保存します", "path", repo.Path())
		return repo, nil
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}
	c.Database = db

	if err := database.Migrate(ctx, database.NewTransactionProvider(db.Pool)); err != nil {
		return nil, fmt.Errorf("スキーマの作成に失敗しました: %w", err)
	}
	return postgres.NewJobRepository(db.Pool), nil
}

// observe はディスパッチャのイベントを performance ログに記録する
func (c *Container) observe(e dispatch.Event[job.Job]) {
	c.Loggers.Performance.Debug("dispatcher event",
		"event", e.Kind,
		"seq", e.Seq,
		"job", e.Item.ShortID(),
		"active", e.Active,
		"queued", e.Queued,
	)
}

// NewWatcher は設定された系統の監視を作成する
func (c *Container) NewWatcher() *watch.Watcher {
	return watch.New(
		c.Config.WatchDir,
		c.Config.Flavor,
		c.Service.SubmitPath,
		watch.WithScanExisting(c.Config.Dispatcher.ScanExisting),
		watch.WithLogger(c.Logger),
	)
}

// Shutdown は新規投入を止め、実行中と待機中のジョブの完了を待つ
func (c *Container) Shutdown(ctx context.Context) error {
	if c == nil || c.Dispatcher == nil {
		return nil
	}
	if err := c.Dispatcher.Close(ctx); err != nil {
		c.cancelJobs()
		return fmt.Errorf("ジョブの完了待ちを打ち切りました: %w", err)
	}
	return nil
}

// Close は内部リソースを解放する
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.cancelJobs != nil {
		c.cancelJobs()
	}
	if c.Database != nil {
		c.Database.Close()
	}
	if c.Loggers != nil {
		if err := c.Loggers.Close(); err != nil {
			slog.Default().Warn("failed to close log files", "error", err)
		}
	}
}
