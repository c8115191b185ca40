package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed は Close 後に Submit された場合のエラー
var ErrClosed = errors.New("dispatcher is closed")

// Handler は1件の作業単位を処理する。エラーはログと統計に記録されるだけで、
// 他の作業単位の実行には影響しない。
type Handler[T any] func(ctx context.Context, item T) error

// EventKind はディスパッチャ内部の状態遷移の種別
type EventKind string

const (
	EventQueued   EventKind = "queued"
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
)

// Event は状態遷移の通知
type Event[T any] struct {
	Kind   EventKind
	Seq    uint64
	Item   T
	Active int
	Queued int
	Err    error
}

// Ticket は Submit の受付結果
type Ticket struct {
	Seq uint64
	// Queued は即時実行されずキューに積まれた場合 true
	Queued bool
	// Position はキュー内の位置（1始まり、即時実行時は0）
	Position int
}

// Stats はディスパッチャの統計情報
type Stats struct {
	MaxConcurrency int `json:"maxConcurrency"`
	Active         int `json:"active"`
	Queued         int `json:"queued"`
	PeakActive     int `json:"peakActive"`
	Submitted      int `json:"submitted"`
	Started        int `json:"started"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
}

type entry[T any] struct {
	seq        uint64
	item       T
	enqueuedAt time.Time
}

// Dispatcher は最大 maxConcurrency 件まで並行に処理し、残りを FIFO で待たせる
// 有界ワーカープール。上限は生成時に固定され、動的には変わらない。
type Dispatcher[T any] struct {
	mu sync.Mutex

	maxConcurrency int
	handler        Handler[T]
	baseCtx        context.Context
	logger         *slog.Logger
	observer       func(Event[T])

	seq    uint64
	queue  []entry[T]
	active map[uint64]entry[T]
	closed bool
	idle   chan struct{}
	stats  Stats
}

type options[T any] struct {
	logger   *slog.Logger
	observer func(Event[T])
	baseCtx  context.Context
}

// Option は Dispatcher のオプション設定
type Option[T any] func(*options[T])

// WithLogger はロガーを設定する
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(o *options[T]) {
		o.logger = logger
	}
}

// WithObserver は状態遷移の通知先を設定する。
// 通知はディスパッチャのロック中に呼ばれるため、observer から Dispatcher のメソッドを呼んではならない。
func WithObserver[T any](fn func(Event[T])) Option[T] {
	return func(o *options[T]) {
		o.observer = fn
	}
}

// WithBaseContext はハンドラに渡すコンテキストを設定する
func WithBaseContext[T any](ctx context.Context) Option[T] {
	return func(o *options[T]) {
		o.baseCtx = ctx
	}
}

// New は新しい Dispatcher を作成する
func New[T any](maxConcurrency int, handler Handler[T], opts ...Option[T]) (*Dispatcher[T], error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be >= 1, got %d", maxConcurrency)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	o := options[T]{
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.baseCtx == nil {
		o.baseCtx = context.Background()
	}

	idle := make(chan struct{})
	close(idle)

	return &Dispatcher[T]{
		maxConcurrency: maxConcurrency,
		handler:        handler,
		baseCtx:        o.baseCtx,
		logger:         o.logger,
		observer:       o.observer,
		active:         make(map[uint64]entry[T]),
		idle:           idle,
		stats:          Stats{MaxConcurrency: maxConcurrency},
	}, nil
}

// Submit は作業単位を受け付ける。空きスロットがあれば即座に実行を開始し、
// なければ FIFO キューの末尾に積む。ブロックしない。
func (d *Dispatcher[T]) Submit(item T) (Ticket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Ticket{}, ErrClosed
	}

	if len(d.active) == 0 && len(d.queue) == 0 {
		d.idle = make(chan struct{})
	}

	d.seq++
	e := entry[T]{seq: d.seq, item: item, enqueuedAt: time.Now()}
	d.stats.Submitted++

	if len(d.active) < d.maxConcurrency {
		d.startLocked(e)
		return Ticket{Seq: e.seq}, nil
	}

	d.queue = append(d.queue, e)
	d.notifyLocked(EventQueued, e, nil)
	d.logger.Debug("実行枠が埋まっているためキューに追加",
		"seq", e.seq,
		"queued", len(d.queue),
		"active", len(d.active),
	)

	return Ticket{Seq: e.seq, Queued: true, Position: len(d.queue)}, nil
}

// startLocked は作業単位をアクティブ集合に加えてワーカーを起動する。d.mu を保持して呼ぶこと。
func (d *Dispatcher[T]) startLocked(e entry[T]) {
	d.active[e.seq] = e
	d.stats.Started++
	if len(d.active) > d.stats.PeakActive {
		d.stats.PeakActive = len(d.active)
	}
	d.notifyLocked(EventStarted, e, nil)

	go d.run(e)
}

func (d *Dispatcher[T]) run(e entry[T]) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
		d.onWorkerDone(e, err)
	}()

	err = d.handler(d.baseCtx, e.item)
}

// onWorkerDone は終了したワーカーをアクティブ集合から外し、キュー先頭があれば開始する
func (d *Dispatcher[T]) onWorkerDone(e entry[T], err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.active, e.seq)
	d.stats.Completed++
	if err != nil {
		d.stats.Failed++
		d.logger.Warn("作業単位が失敗しました（後続の処理は継続）", "seq", e.seq, "error", err)
	}
	d.notifyLocked(EventFinished, e, err)

	if len(d.queue) > 0 && len(d.active) < d.maxConcurrency {
		next := d.queue[0]
		d.queue[0] = entry[T]{}
		d.queue = d.queue[1:]
		d.logger.Debug("キュー先頭の作業単位を開始", "seq", next.seq, "waited", time.Since(next.enqueuedAt))
		d.startLocked(next)
	}

	if len(d.active) == 0 && len(d.queue) == 0 {
		close(d.idle)
	}
}

func (d *Dispatcher[T]) notifyLocked(kind EventKind, e entry[T], err error) {
	if d.observer == nil {
		return
	}
	d.observer(Event[T]{
		Kind:   kind,
		Seq:    e.seq,
		Item:   e.item,
		Active: len(d.active),
		Queued: len(d.queue),
		Err:    err,
	})
}

// Stats は現在の統計情報を返す
func (d *Dispatcher[T]) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Active = len(d.active)
	s.Queued = len(d.queue)
	return s
}

// Wait はアクティブな作業とキューが空になるまで待機する
func (d *Dispatcher[T]) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close は新規受付を停止し、キューに残った作業を含めて完了を待つ
func (d *Dispatcher[T]) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	remaining := len(d.active) + len(d.queue)
	d.mu.Unlock()

	if remaining > 0 {
		d.logger.Info("残りの作業単位の完了を待機", "remaining", remaining)
	}
	return d.Wait(ctx)
}
