package ci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/dispatch"
	"github.com/jinford/dev-ci/internal/core/job"
	"github.com/jinford/dev-ci/internal/core/workspace"
)

// ErrJobFailed はジョブが failed で終わった場合のエラー
var ErrJobFailed = errors.New("job failed")

// ErrUnsupportedFile は処理対象外の拡張子のファイルが投入された場合のエラー
var ErrUnsupportedFile = errors.New("unsupported source file")

// Workspaces は作業ディレクトリの作成と削除
type Workspaces interface {
	Create(j job.Job, profile *detect.Profile) (*workspace.Workspace, error)
	Remove(ws *workspace.Workspace) error
}

// ManifestWriter はビルドマニフェストの書き出し
type ManifestWriter interface {
	Write(ws *workspace.Workspace, profile *detect.Profile) ([]string, error)
}

// Pipeline はステージ列の実行
type Pipeline interface {
	Run(ctx context.Context, ws *workspace.Workspace, profile *detect.Profile) ([]job.StageResult, error)
}

// Reporter はレポートの生成
type Reporter interface {
	Generate(r *job.Result, profile *detect.Profile) (string, error)
}

// Queue はジョブの投入先
type Queue interface {
	Submit(j job.Job) (dispatch.Ticket, error)
}

// Service は1ジョブ分の CI 処理を実行する
type Service struct {
	workspaces Workspaces
	manifests  ManifestWriter
	pipelines  map[job.Flavor]Pipeline
	reporter   Reporter
	history    job.Repository
	queue      Queue
	logger     *slog.Logger
}

// ServiceOption は Service の設定オプション
type ServiceOption func(*Service)

// WithPipeline は系統ごとのパイプラインを設定する
func WithPipeline(flavor job.Flavor, p Pipeline) ServiceOption {
	return func(s *Service) {
		s.pipelines[flavor] = p
	}
}

// WithReporter はレポート生成を設定する
func WithReporter(r Reporter) ServiceOption {
	return func(s *Service) {
		s.reporter = r
	}
}

// WithHistory はジョブ履歴の保存先を設定する
func WithHistory(repo job.Repository) ServiceOption {
	return func(s *Service) {
		s.history = repo
	}
}

// WithServiceLogger は Service にロガーを設定する
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService は新しい Service を作成する
func NewService(workspaces Workspaces, manifests ManifestWriter, opts ...ServiceOption) *Service {
	svc := &Service{
		workspaces: workspaces,
		manifests:  manifests,
		pipelines:  make(map[job.Flavor]Pipeline),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	return svc
}

// Bind はジョブの投入先を設定する
func (s *Service) Bind(q Queue) {
	s.queue = q
}

// NewJob はファイルパスからジョブ記述子を作る
func (s *Service) NewJob(path string) (job.Job, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return job.Job{}, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	var flavor job.Flavor
	switch {
	case detect.Supports(job.FlavorEVM, abs):
		flavor = job.FlavorEVM
	case detect.Supports(job.FlavorNonEVM, abs):
		flavor = job.FlavorNonEVM
	default:
		return job.Job{}, fmt.Errorf("%w: %s", ErrUnsupportedFile, filepath.Base(abs))
	}

	return job.New(abs, flavor), nil
}

// SubmitPath はファイルをジョブとしてキューに投入する
func (s *Service) SubmitPath(path string) error {
	if s.queue == nil {
		return fmt.Errorf("no queue bound")
	}

	j, err := s.NewJob(path)
	if err != nil {
		return err
	}

	ticket, err := s.queue.Submit(j)
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", j.Name, err)
	}

	s.logger.Info("ジョブを投入しました",
		"job", j.ShortID(),
		"name", j.Name,
		"flavor", j.Flavor,
		"queued", ticket.Queued,
		"position", ticket.Position,
	)
	return nil
}

// Handle は1ジョブを処理する。ディスパッチャのハンドラとして使う。
// 作業ディレクトリの作成失敗以外はジョブを中断せず、結果に記録して続行する。
func (s *Service) Handle(ctx context.Context, j job.Job) error {
	logger := s.logger.With("job", j.ShortID(), "name", j.Name)
	result := job.NewResult(j)
	logger.Info("ジョブを開始します", "source", j.Source, "flavor", j.Flavor)

	profile, err := s.detect(j)
	if err != nil {
		logger.Warn("ソースの解析に失敗しました", "error", err)
		result.Error = err.Error()
		return s.finish(ctx, logger, result, nil)
	}
	result.Language = string(profile.Language)

	ws, err := s.workspaces.Create(j, profile)
	if err != nil {
		logger.Error("作業ディレクトリの作成に失敗しました", "error", err)
		result.Error = err.Error()
		return s.finish(ctx, logger, result, profile)
	}
	defer func() {
		if err := s.workspaces.Remove(ws); err != nil {
			logger.Warn("作業ディレクトリの削除に失敗しました", "root", ws.Root, "error", err)
		}
	}()

	manifests, err := s.manifests.Write(ws, profile)
	if err != nil {
		logger.Warn("マニフェストの生成に失敗しました（ステージは続行）", "error", err)
		result.Stages = append(result.Stages, job.StageResult{
			Name:     "manifests",
			Kind:     "setup",
			Status:   job.StatusFailed,
			ExitCode: -1,
			Error:    err.Error(),
		})
	}
	result.Manifests = manifests

	p, ok := s.pipelines[profile.Flavor]
	if !ok {
		logger.Warn("ツールチェーンが設定されていません", "flavor", profile.Flavor)
		result.Error = fmt.Sprintf("no toolchain for flavor %q", profile.Flavor)
		return s.finish(ctx, logger, result, profile)
	}

	stages, err := p.Run(ctx, ws, profile)
	result.Stages = append(result.Stages, stages...)
	if err != nil {
		logger.Warn("パイプラインが中断されました", "error", err)
		result.Error = err.Error()
	}

	return s.finish(ctx, logger, result, profile)
}

func (s *Service) detect(j job.Job) (*detect.Profile, error) {
	content, err := os.ReadFile(j.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	profile, err := detect.Sniff(j.Source, content)
	if err != nil {
		return nil, err
	}
	if profile.Flavor != j.Flavor {
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrUnsupportedFile, filepath.Base(j.Source), profile.Flavor, j.Flavor)
	}
	return profile, nil
}

// finish は結果を確定し、レポートと履歴を書き出す
func (s *Service) finish(ctx context.Context, logger *slog.Logger, result *job.Result, profile *detect.Profile) error {
	result.Finish()

	if s.reporter != nil {
		path, err := s.reporter.Generate(result, profile)
		if err != nil {
			logger.Warn("レポートの生成に失敗しました", "error", err)
		} else {
			result.ReportPath = path
		}
	}

	if s.history != nil {
		// 親がキャンセル済みでも履歴は残す
		if err := s.history.Save(context.WithoutCancel(ctx), result); err != nil {
			logger.Warn("履歴の保存に失敗しました", "error", err)
		}
	}

	counts := result.Counts()
	logger.Info("ジョブが完了しました",
		"status", result.Status,
		"duration", result.Duration(),
		"succeeded", counts[job.StatusSucceeded],
		"failed", counts[job.StatusFailed],
		"skipped", counts[job.StatusSkipped],
		"report", result.ReportPath,
	)

	if result.Status == job.StatusFailed {
		reason := result.Error
		if reason == "" {
			reason = strings.Join(failedStages(result), ", ")
		}
		return fmt.Errorf("%w: %s: %s", ErrJobFailed, result.Name, reason)
	}
	return nil
}

func failedStages(r *job.Result) []string {
	var names []string
	for _, st := range r.Stages {
		if st.Status == job.StatusFailed {
			names = append(names, st.Name)
		}
	}
	return names
}
