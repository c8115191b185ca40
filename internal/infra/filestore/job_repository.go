package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jinford/dev-ci/internal/core/job"
)

// HistoryFileName はジョブ履歴ファイル名
const HistoryFileName = "history.jsonl"

// maxLineSize は1レコードの最大サイズ
const maxLineSize = 4 << 20

// JobRepository はジョブ結果を JSONL ファイルに追記する job.Repository 実装です。
// 同じ ID の結果は後から書いたものが有効になります。
type JobRepository struct {
	path string
	mu   sync.Mutex
}

// コンパイル時の型チェック
var _ job.Repository = (*JobRepository)(nil)

// NewJobRepository は dir/history.jsonl を使う JobRepository を作成します
func NewJobRepository(dir string) (*JobRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	return &JobRepository{path: filepath.Join(dir, HistoryFileName)}, nil
}

// Path は履歴ファイルのパスを返します
func (r *JobRepository) Path() string {
	return r.path
}

// Save はジョブ結果を1行追記します
func (r *JobRepository) Save(ctx context.Context, res *job.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// Get は ID でジョブ結果を取得します
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*job.Result, error) {
	latest, _, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	res, ok := latest[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return res, nil
}

// List は新しい順にジョブ結果を取得します
func (r *JobRepository) List(ctx context.Context, limit int) ([]*job.Result, error) {
	if limit <= 0 {
		limit = 20
	}

	latest, order, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*job.Result, 0, len(order))
	for _, id := range order {
		results = append(results, latest[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// load は履歴ファイル全体を読み込み、ID ごとの最新レコードを返します
func (r *JobRepository) load(ctx context.Context) (map[uuid.UUID]*job.Result, []uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := make(map[uuid.UUID]*job.Result)
	var order []uuid.UUID

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return latest, order, nil
		}
		return nil, nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var res job.Result
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			return nil, nil, fmt.Errorf("invalid history record at line %d: %w", lineNo, err)
		}
		if _, seen := latest[res.JobID]; !seen {
			order = append(order, res.JobID)
		}
		latest[res.JobID] = &res
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read history file: %w", err)
	}
	return latest, order, nil
}
