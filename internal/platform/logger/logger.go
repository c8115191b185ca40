package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category はログの出力先カテゴリを表します
type Category string

const (
	CategoryGeneral     Category = "general"
	CategoryError       Category = "error"
	CategorySecurity    Category = "security"
	CategoryPerformance Category = "performance"
)

// Config はロガーの設定
type Config struct {
	Level  slog.Level
	Format string // "json" or "text"
	Output io.Writer
}

// DefaultConfig はデフォルトのロガー設定
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "json",
	}
}

// ParseLevel は "debug" / "info" / "warn" / "error" をログレベルに変換します
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New は新しいロガーを作成し、デフォルトロガーとして設定します
func New(cfg Config) *slog.Logger {
	logger := slog.New(consoleHandler(cfg))
	slog.SetDefault(logger)

	return logger
}

func consoleHandler(cfg Config) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
	}

	switch cfg.Format {
	case "text":
		return slog.NewTextHandler(out, opts)
	default: // "json"
		return slog.NewJSONHandler(out, opts)
	}
}

// FileConfig はカテゴリ別ログファイルの設定
type FileConfig struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
}

// Categories はカテゴリごとのロガーを保持します。
// 各ロガーはコンソール・カテゴリファイル・error.log の三つに同時出力し、
// error.log には Error レベル以上のレコードだけが書き込まれます。
type Categories struct {
	General     *slog.Logger
	Security    *slog.Logger
	Performance *slog.Logger

	writers []*lumberjack.Logger
}

// NewCategories はカテゴリ別のロガーを作成します
func NewCategories(cfg Config, files FileConfig) (*Categories, error) {
	if err := os.MkdirAll(files.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	c := &Categories{}
	console := consoleHandler(cfg)

	errorWriter := c.open(files, CategoryError)
	errorHandler := slog.NewJSONHandler(errorWriter, &slog.HandlerOptions{Level: slog.LevelError})

	build := func(category Category) *slog.Logger {
		fileHandler := slog.NewJSONHandler(c.open(files, category), &slog.HandlerOptions{Level: cfg.Level})
		return slog.New(slogmulti.Fanout(console, fileHandler, errorHandler)).
			With("category", string(category))
	}

	c.General = build(CategoryGeneral)
	c.Security = build(CategorySecurity)
	c.Performance = build(CategoryPerformance)

	slog.SetDefault(c.General)

	return c, nil
}

// Discard はどこにも出力しないカテゴリロガーを返します（テスト用）
func Discard() *Categories {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Categories{General: l, Security: l, Performance: l}
}

// For はカテゴリに対応するロガーを返します。未知のカテゴリは General になります
func (c *Categories) For(category Category) *slog.Logger {
	switch category {
	case CategorySecurity:
		return c.Security
	case CategoryPerformance:
		return c.Performance
	default:
		return c.General
	}
}

// Close はログファイルを閉じます
func (c *Categories) Close() error {
	var errs []error
	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Categories) open(files FileConfig, category Category) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   filepath.Join(files.Dir, string(category)+".log"),
		MaxSize:    files.MaxSizeMB,
		MaxBackups: files.MaxBackups,
		Compress:   true,
	}
	c.writers = append(c.writers, w)
	return w
}
