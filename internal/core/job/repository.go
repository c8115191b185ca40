package job

import (
	"context"

	"github.com/google/uuid"
)

// Repository はジョブ実行履歴の永続化を抽象化する
type Repository interface {
	Save(ctx context.Context, result *Result) error
	Get(ctx context.Context, id uuid.UUID) (*Result, error)
	List(ctx context.Context, limit int) ([]*Result, error)
}
