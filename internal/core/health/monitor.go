package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"

	"github.com/jinford/dev-ci/internal/core/dispatch"
)

// 出力ファイル名
const (
	HealthFile  = "health.json"
	MetricsFile = "metrics.json"
)

// Status はヘルスチェックの状態
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Check は1項目のチェック結果
type Check struct {
	Name      string  `json:"name"`
	Status    Status  `json:"status"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message,omitempty"`
}

// Report は health.json の内容
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Metrics は metrics.json の内容
type Metrics struct {
	Disk        *Usage          `json:"disk,omitempty"`
	Memory      *Usage          `json:"memory,omitempty"`
	Dispatcher  *dispatch.Stats `json:"dispatcher,omitempty"`
	CollectedAt time.Time       `json:"collectedAt"`
}

// Thresholds は degraded と判定する空き容量の下限（%）
type Thresholds struct {
	MinDiskFreePercent float64
	MinMemFreePercent  float64
}

// Config は Monitor の設定
type Config struct {
	StatusDir  string
	WorkDir    string
	Schedule   string
	Thresholds Thresholds
}

// Monitor はリソース状況を定期的に収集してファイルに書き出します
type Monitor struct {
	config      Config
	stats       func() dispatch.Stats
	diskUsage   func(string) (Usage, error)
	memInfoPath string
	cron        *cron.Cron
	logger      *slog.Logger

	mu   sync.Mutex
	last *Report
}

// MonitorOption は Monitor の設定オプション
type MonitorOption func(*Monitor)

// WithStats はディスパッチャ統計の取得元を設定します
func WithStats(stats func() dispatch.Stats) MonitorOption {
	return func(m *Monitor) {
		m.stats = stats
	}
}

// WithMemInfoPath は meminfo のパスを設定します
func WithMemInfoPath(path string) MonitorOption {
	return func(m *Monitor) {
		m.memInfoPath = path
	}
}

// WithDiskUsage はディスク使用量の取得関数を差し替えます
func WithDiskUsage(fn func(string) (Usage, error)) MonitorOption {
	return func(m *Monitor) {
		m.diskUsage = fn
	}
}

// WithMonitorLogger はロガーを設定します
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor は新しい Monitor を作成します
func NewMonitor(cfg Config, opts ...MonitorOption) *Monitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	m := &Monitor{
		config:      cfg,
		diskUsage:   DiskUsage,
		memInfoPath: DefaultMemInfoPath,
		cron:        cron.New(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start はスナップショットの定期実行を開始します
func (m *Monitor) Start() error {
	_, err := m.cron.AddFunc(m.config.Schedule, func() {
		if _, err := m.Snapshot(context.Background()); err != nil {
			m.logger.Error("ヘルススナップショットの書き出しに失敗しました", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron ジョブの登録に失敗: %w", err)
	}

	m.cron.Start()
	m.logger.Info("ヘルスモニタを開始しました", "schedule", m.config.Schedule)
	return nil
}

// Stop はスケジューラーを停止し、実行中のスナップショットの完了を待ちます
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("ヘルスモニタを停止しました")
}

// Last は最後に作成したレポートを返します
func (m *Monitor) Last() *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Snapshot はメトリクスを収集し、閾値を評価して health.json と metrics.json を書き出します。
// 閾値超過は警告ログのみで、処理は継続します。
func (m *Monitor) Snapshot(ctx context.Context) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	metrics := Metrics{CollectedAt: now}
	report := &Report{Status: StatusOK, CheckedAt: now}

	if disk, err := m.diskUsage(m.config.WorkDir); err != nil {
		m.logger.Warn("ディスク使用量の取得に失敗しました", "path", m.config.WorkDir, "error", err)
		report.add(Check{Name: "disk", Status: StatusDegraded, Threshold: m.config.Thresholds.MinDiskFreePercent, Message: err.Error()})
	} else {
		metrics.Disk = &disk
		report.add(m.evaluate("disk", disk, m.config.Thresholds.MinDiskFreePercent))
	}

	if mem, err := MemoryUsage(m.memInfoPath); err != nil {
		m.logger.Warn("メモリ使用量の取得に失敗しました", "path", m.memInfoPath, "error", err)
		report.add(Check{Name: "memory", Status: StatusDegraded, Threshold: m.config.Thresholds.MinMemFreePercent, Message: err.Error()})
	} else {
		metrics.Memory = &mem
		report.add(m.evaluate("memory", mem, m.config.Thresholds.MinMemFreePercent))
	}

	if m.stats != nil {
		s := m.stats()
		metrics.Dispatcher = &s
	}

	if err := writeJSONAtomic(filepath.Join(m.config.StatusDir, MetricsFile), metrics); err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(filepath.Join(m.config.StatusDir, HealthFile), report); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()

	m.logger.Debug("ヘルススナップショットを書き出しました", "status", report.Status)
	return report, nil
}

func (m *Monitor) evaluate(name string, u Usage, minFree float64) Check {
	free := u.FreePercent()
	c := Check{Name: name, Status: StatusOK, Value: free, Threshold: minFree}
	if free < minFree {
		c.Status = StatusDegraded
		c.Message = fmt.Sprintf("%s free of %s (%.1f%% < %.1f%%)",
			humanize.Bytes(u.Free), humanize.Bytes(u.Total), free, minFree)
		m.logger.Warn("空き容量が閾値を下回っています（処理は継続）",
			"check", name,
			"freePercent", free,
			"threshold", minFree,
		)
	}
	return c
}

func (r *Report) add(c Check) {
	r.Checks = append(r.Checks, c)
	if c.Status != StatusOK {
		r.Status = StatusDegraded
	}
}

// ReadReport は書き出済みの health.json を読み込みます
func ReadReport(statusDir string) (*Report, error) {
	data, err := os.ReadFile(filepath.Join(statusDir, HealthFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read health report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse health report: %w", err)
	}
	return &r, nil
}

// writeJSONAtomic は一時ファイルに書いてから rename で置き換えます
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
