package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jinford/dev-ci/internal/core/detect"
	"github.com/jinford/dev-ci/internal/core/job"
)

// DefaultDebounce は同じファイルへの連続イベントをまとめる待ち時間
const DefaultDebounce = 500 * time.Millisecond

// SubmitFunc は検出したファイルを処理系に渡します
type SubmitFunc func(path string) error

// Watcher は入力ディレクトリを監視し、対象ファイルの投入を検出します
type Watcher struct {
	dir          string
	flavor       job.Flavor
	submit       SubmitFunc
	debounce     time.Duration
	scanExisting bool
	logger       *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	filter  *IgnoreFilter
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option は Watcher の設定オプション
type Option func(*Watcher)

// WithDebounce はデバウンス時間を設定します
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithScanExisting は起動時に既存ファイルも投入するかを設定します
func WithScanExisting(scan bool) Option {
	return func(w *Watcher) {
		w.scanExisting = scan
	}
}

// WithLogger はロガーを設定します
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New は新しい Watcher を作成します
func New(dir string, flavor job.Flavor, submit SubmitFunc, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		flavor:   flavor,
		submit:   submit,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start は監視を開始します。ブロックしません。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}

	filter, err := NewIgnoreFilter(w.dir)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.filter = filter
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	if w.scanExisting {
		w.scanLocked()
	}

	go w.run(ctx)

	w.logger.Info("監視を開始しました", "dir", w.dir, "flavor", w.flavor, "extensions", detect.Extensions(w.flavor))
	return nil
}

// Stop は監視を停止し、イベントループの終了を待ちます
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stopCh, doneCh, fsw := w.stopCh, w.doneCh, w.fsw
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	if err := fsw.Close(); err != nil {
		w.logger.Error("watcher のクローズに失敗しました", "error", err)
	}
	w.logger.Info("監視を停止しました", "dir", w.dir)
}

// Run は ctx がキャンセルされるまで監視します
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !w.accepts(event.Name) {
		return
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// accepts は拡張子と除外パターンで対象ファイルかを判定します
func (w *Watcher) accepts(path string) bool {
	if !detect.Supports(w.flavor, path) {
		return false
	}
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return false
	}
	if w.filter.ShouldIgnore(rel) {
		w.logger.Debug("除外パターンに一致", "path", rel)
		return false
	}
	return true
}

// flush はデバウンス期間を過ぎたファイルを投入します。
// 同じファイルの再投入は内容が同じでも新しいジョブになります
func (w *Watcher) flush() {
	now := time.Now()

	w.mu.Lock()
	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		w.submitFile(path)
	}
}

func (w *Watcher) submitFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("ファイルの確認に失敗しました", "path", path, "error", err)
		}
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	if err := w.submit(path); err != nil {
		w.logger.Warn("投入に失敗しました", "path", path, "error", err)
		return
	}
	w.logger.Info("ファイルを検出しました", "path", path)
}

// scanLocked は既存の対象ファイルを保留キューに積みます
func (w *Watcher) scanLocked() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("既存ファイルの走査に失敗しました", "dir", w.dir, "error", err)
		return
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if w.accepts(path) {
			// 即時投入させるため期限切れの時刻で登録
			w.pending[path] = now.Add(-w.debounce)
		}
	}
}
