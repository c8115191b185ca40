package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/dev-ci/internal/infra/postgres"
)

// TransactionProvider follows the pattern described in https://threedots.tech/post/database-transactions-in-go/
// It hides pgx transactions behind a callback that receives data-access adapters.
type TransactionProvider struct {
	pool *pgxpool.Pool
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool) *TransactionProvider {
	return &TransactionProvider{pool: pool}
}

// Adapter bundles repository adapters that operate inside a single transaction.
type Adapter struct {
	Jobs *postgres.JobRepository

	tx pgx.Tx
}

func newAdapter(tx pgx.Tx) *Adapter {
	return &Adapter{
		Jobs: postgres.NewJobRepository(tx),
		tx:   tx,
	}
}

// Lock はトランザクション終了まで有効なアドバイザリロックを取得します
func (a *Adapter) Lock(ctx context.Context, parts ...string) error {
	return postgres.AcquireXactLock(ctx, a.tx, postgres.LockID(parts...))
}

// Transact opens a transaction, builds adapters, and passes them to fn.
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(*Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := fn(newAdapter(tx))
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// Migrate はジョブ履歴のスキーマを1トランザクションで作成します。
// 複数プロセスからの同時実行はアドバイザリロックで直列化されます。
func Migrate(ctx context.Context, p *TransactionProvider) error {
	_, err := Transact(ctx, p, func(a *Adapter) (struct{}, error) {
		if err := a.Lock(ctx, "dev-ci", "schema"); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, a.Jobs.EnsureSchema(ctx)
	})
	return err
}
