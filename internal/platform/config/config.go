package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jinford/dev-ci/internal/core/job"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Flavor はこのプロセスが担当するツールチェーン系統
	Flavor job.Flavor `env:"DEVCI_FLAVOR" envDefault:"evm"`

	// ディレクトリ設定
	WatchDir  string `env:"DEVCI_WATCH_DIR" envDefault:"/app/input"`
	WorkDir   string `env:"DEVCI_WORK_DIR" envDefault:"/tmp/dev-ci/jobs"`
	LogDir    string `env:"DEVCI_LOG_DIR" envDefault:"/app/logs"`
	ReportDir string `env:"DEVCI_REPORT_DIR" envDefault:"/app/logs/reports"`
	StatusDir string `env:"DEVCI_STATUS_DIR" envDefault:"/app/logs"`

	// ToolchainFile はパイプライン定義の上書きファイル（YAML）
	ToolchainFile string `env:"DEVCI_TOOLCHAIN_FILE"`

	// Dispatcher はジョブの同時実行設定
	Dispatcher DispatcherConfig `envPrefix:"DEVCI_"`

	// Health はヘルスチェック設定
	Health HealthConfig `envPrefix:"DEVCI_HEALTH_"`

	// Audit は依存関係監査ステップのリトライ設定
	Audit AuditConfig `envPrefix:"DEVCI_AUDIT_"`

	// Log はロガー設定
	Log LogConfig `envPrefix:"DEVCI_LOG_"`

	// Database はジョブ履歴の保存先（DB_HOST 未設定時はファイル保存）
	Database DatabaseConfig `envPrefix:"DB_"`

	// Git はリポジトリ取得設定
	Git GitConfig `envPrefix:"GIT_"`
}

// DispatcherConfig はジョブディスパッチャの設定
type DispatcherConfig struct {
	MaxConcurrency int           `env:"MAX_CONCURRENCY" envDefault:"2"`
	StageTimeout   time.Duration `env:"STAGE_TIMEOUT" envDefault:"10m"`
	KeepWorkspaces bool          `env:"KEEP_WORKSPACES" envDefault:"false"`
	ScanExisting   bool          `env:"SCAN_EXISTING" envDefault:"false"`
}

// HealthConfig はリソース監視の設定
type HealthConfig struct {
	Schedule           string  `env:"SCHEDULE" envDefault:"@every 30s"`
	MinDiskFreePercent float64 `env:"MIN_DISK_FREE_PERCENT" envDefault:"10"`
	MinMemFreePercent  float64 `env:"MIN_MEM_FREE_PERCENT" envDefault:"10"`
}

// AuditConfig は監査ステップの指数バックオフ設定
type AuditConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"2s"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"30s"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	Format     string `env:"FORMAT" envDefault:"json"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"50"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"devci"`
	Password string `env:"PASSWORD"`
	DBName   string `env:"NAME" envDefault:"devci"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// Enabled はデータベースが設定されているかを返します
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// GitConfig はGit操作設定
type GitConfig struct {
	CloneDir    string `env:"CLONE_DIR" envDefault:"/tmp/dev-ci/repos"`
	SSHKeyPath  string `env:"SSH_KEY_PATH"`
	SSHPassword string `env:"SSH_PASSWORD"`
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate は設定値の整合性を検証します
func (c *Config) Validate() error {
	var errs []error

	switch c.Flavor {
	case job.FlavorEVM, job.FlavorNonEVM:
	default:
		errs = append(errs, fmt.Errorf("unknown flavor %q (expected %q or %q)", c.Flavor, job.FlavorEVM, job.FlavorNonEVM))
	}

	if c.Dispatcher.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("max concurrency must be >= 1, got %d", c.Dispatcher.MaxConcurrency))
	}
	if c.Dispatcher.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stage timeout must be positive, got %s", c.Dispatcher.StageTimeout))
	}
	if c.WatchDir == "" || c.WorkDir == "" {
		errs = append(errs, errors.New("watch dir and work dir are required"))
	}
	if !validPercent(c.Health.MinDiskFreePercent) {
		errs = append(errs, fmt.Errorf("disk threshold out of range: %v", c.Health.MinDiskFreePercent))
	}
	if !validPercent(c.Health.MinMemFreePercent) {
		errs = append(errs, fmt.Errorf("memory threshold out of range: %v", c.Health.MinMemFreePercent))
	}
	if c.Audit.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("audit max attempts must be >= 1, got %d", c.Audit.MaxAttempts))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validPercent(v float64) bool {
	return v >= 0 && v <= 100
}
