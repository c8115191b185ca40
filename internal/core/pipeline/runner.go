package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/core/workspace"
	"github.com/jinford/dev-ci/internal/infra/process"
)

// ErrToolNotFound はステージのコマンドが PATH に存在しない場合のエラー
var ErrToolNotFound = process.ErrNotFound

// CommandRunner は外部コマンドの実行を抽象化します
type CommandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, c process.Command) (*process.Result, error)
}

// RetryPolicy はリトライ対象ステージの指数バックオフ設定
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy はデフォルトのリトライ設定
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Runner はツールチェーンのステージを順番に実行します
type Runner struct {
	exec           CommandRunner
	toolchain      *Toolchain
	stageTimeout   time.Duration
	retry          RetryPolicy
	env            []string
	logger         *slog.Logger
	securityLogger *slog.Logger
	perfLogger     *slog.Logger
}

// RunnerOption は Runner の設定オプション
type RunnerOption func(*Runner)

// WithStageTimeout はステージごとの既定タイムアウトを設定します
func WithStageTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.stageTimeout = d
	}
}

// WithRetryPolicy はリトライ設定を上書きします
func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.retry = p
	}
}

// WithEnv はステージに追加で渡す環境変数を設定します
func WithEnv(env ...string) RunnerOption {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// WithRunnerLogger はロガーを設定します
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithSecurityLogger はセキュリティ系ステージ用のロガーを設定します
func WithSecurityLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.securityLogger = logger
	}
}

// WithPerformanceLogger はステージ計測用のロガーを設定します
func WithPerformanceLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.perfLogger = logger
	}
}

// NewRunner は新しい Runner を作成します
func NewRunner(exec CommandRunner, toolchain *Toolchain, opts ...RunnerOption) *Runner {
	r := &Runner{
		exec:         exec,
		toolchain:    toolchain,
		stageTimeout: 10 * time.Minute,
		retry:        DefaultRetryPolicy(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.securityLogger == nil {
		r.securityLogger = r.logger
	}
	if r.perfLogger == nil {
		r.perfLogger = r.logger
	}
	if r.retry.MaxAttempts < 1 {
		r.retry.MaxAttempts = 1
	}
	return r
}

// Toolchain は実行対象のツールチェーンを返します
func (r *Runner) Toolchain() *Toolchain {
	return r.toolchain
}

// Run はステージを順番に実行します。
// ステージの失敗は結果として記録して次へ進み、親コンテキストのキャンセル時のみ中断します。
func (r *Runner) Run(ctx context.Context, ws *workspace.Workspace, profile *detect.Profile) ([]job.StageResult, error) {
	var results []job.StageResult

	for i, stage := range r.toolchain.Stages {
		if stage.When == WhenAnchor && !profile.Anchor {
			continue
		}

		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := r.runStage(ctx, ws, i, stage)
		results = append(results, res)

		r.perfLogger.Info("stage timing",
			"stage", stage.Name,
			"kind", stage.Kind,
			"status", res.Status,
			"attempts", res.Attempts,
			"durationMs", res.Duration.Milliseconds(),
		)

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}

	return results, nil
}

func (r *Runner) loggerFor(stage Stage) *slog.Logger {
	if stage.Category == "security" {
		return r.securityLogger
	}
	return r.logger
}

var logNamePattern = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func (r *Runner) runStage(ctx context.Context, ws *workspace.Workspace, index int, stage Stage) job.StageResult {
	logger := r.loggerFor(stage).With("stage", stage.Name)
	res := job.StageResult{
		Name:    stage.Name,
		Kind:    stage.Kind,
		LogFile: filepath.Join(ws.LogDir, fmt.Sprintf("%02d-%s.log", index+1, logNamePattern.ReplaceAllString(stage.Name, "_"))),
	}

	if _, err := r.exec.LookPath(stage.Command[0]); err != nil {
		res.Status = job.StatusSkipped
		res.ExitCode = -1
		res.LogFile = ""
		res.Error = err.Error()
		logger.Warn("stage skipped: tool not available", "command", stage.Command[0])
		return res
	}

	timeout := stage.Timeout
	if timeout == 0 {
		timeout = r.stageTimeout
	}
	cmd := process.Command{
		Name:    stage.Command[0],
		Args:    stage.Command[1:],
		Dir:     ws.ProjectDir,
		Env:     r.env,
		LogFile: res.LogFile,
		Timeout: timeout,
	}

	logger.Info("stage started", "command", stage.Command)
	start := time.Now()

	var last *process.Result
	var runErr error
	attempt := func() error {
		res.Attempts++
		last, runErr = r.exec.Run(ctx, cmd)
		if runErr != nil {
			return backoff.Permanent(runErr)
		}
		if last.TimedOut {
			return fmt.Errorf("timed out after %s", timeout)
		}
		if last.ExitCode != 0 {
			return fmt.Errorf("exit status %d", last.ExitCode)
		}
		return nil
	}

	var err error
	if stage.Retry && r.retry.MaxAttempts > 1 {
		err = backoff.RetryNotify(attempt, r.backOff(ctx), func(err error, wait time.Duration) {
			logger.Warn("stage failed, retrying",
				"attempt", res.Attempts,
				"wait", wait,
				"error", err,
			)
		})
	} else {
		err = attempt()
	}
	res.Duration = time.Since(start)

	if last != nil {
		res.ExitCode = last.ExitCode
	}

	if err == nil {
		res.Status = job.StatusSucceeded
		logger.Info("stage succeeded", "duration", res.Duration)
		return res
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	res.Error = err.Error()
	if stage.Optional {
		res.Status = job.StatusDegraded
	} else {
		res.Status = job.StatusFailed
	}
	logger.Warn("stage failed",
		"status", res.Status,
		"exitCode", res.ExitCode,
		"attempts", res.Attempts,
		"error", err,
		"log", res.LogFile,
	)
	return res
}

func (r *Runner) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.MaxAttempts-1)), ctx)
}
