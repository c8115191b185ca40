package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// ErrNotFound は実行ファイルが PATH に存在しない場合のエラー
var ErrNotFound = errors.New("executable not found")

// DefaultGracePeriod は SIGTERM 送信から強制終了までの猶予
const DefaultGracePeriod = 5 * time.Second

// Command は1回のプロセス実行の定義
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	LogFile string
	Timeout time.Duration
}

// Result はプロセス実行結果
type Result struct {
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Executor は外部コマンドを実行します
type Executor struct {
	gracePeriod time.Duration
	lookPath    func(string) (string, error)
	logger      *slog.Logger
}

// ExecutorOption は Executor の設定オプション
type ExecutorOption func(*Executor)

// WithGracePeriod は SIGTERM 後の猶予時間を設定します
func WithGracePeriod(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.gracePeriod = d
	}
}

// WithExecutorLogger はロガーを設定します
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor は新しい Executor を作成します
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		gracePeriod: DefaultGracePeriod,
		lookPath:    exec.LookPath,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LookPath は実行ファイルの存在を確認します
func (e *Executor) LookPath(name string) (string, error) {
	path, err := e.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}

// Run はコマンドを実行し、標準出力と標準エラーを LogFile に書き込みます。
// 非ゼロ終了はエラーではなく Result.ExitCode で返します。
func (e *Executor) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command is required")
	}
	if _, err := e.LookPath(c.Name); err != nil {
		return nil, err
	}

	out, closeOut, err := openLog(c.LogFile)
	if err != nil {
		return nil, err
	}
	defer closeOut()

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	// コマンドは新しいプロセスグループで起動し、シグナルは子孫を含むグループ全体に送る
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// タイムアウト時はまずグループ全体に SIGTERM、猶予後に SIGKILL
	var killDeadline time.Time
	cmd.Cancel = func() error {
		killDeadline = time.Now().Add(e.gracePeriod)
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = e.gracePeriod

	fmt.Fprintf(out, "$ %s\n", cmd.String())

	start := time.Now()
	err = cmd.Run()
	res := &Result{Duration: time.Since(start)}

	if runCtx.Err() != nil {
		if cmd.Process != nil && !killDeadline.IsZero() {
			e.killGroup(cmd.Process.Pid, killDeadline)
		}
		res.ExitCode = -1
		res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		if !res.TimedOut {
			return res, ctx.Err()
		}
		fmt.Fprintf(out, "\n[timeout after %s]\n", c.Timeout)
		e.logger.Warn("command timed out",
			"command", c.Name,
			"timeout", c.Timeout,
		)
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	return res, nil
}

// killGroup はグループの残りが期限までに終了しなければ SIGKILL を送ります。
// リーダーが回収済みでも、メンバーが残る間はグループIDは再利用されません。
func (e *Executor) killGroup(pgid int, deadline time.Time) {
	for time.Now().Before(deadline) {
		if !groupAlive(pgid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !groupAlive(pgid) {
		return
	}
	if err := signalGroup(pgid, syscall.SIGKILL); err != nil {
		e.logger.Warn("failed to kill process group", "pgid", pgid, "error", err)
		return
	}
	e.logger.Warn("process group killed after grace period", "pgid", pgid)
}

func signalGroup(pgid int, sig syscall.Signal) error {
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}

func openLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
