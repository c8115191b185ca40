package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jinford/dev-ci/internal/core/job"
)

//go:embed schema.sql
var schemaSQL string

// DBTX は pgxpool.Pool と pgx.Tx の共通インターフェース
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobRepository は job.Repository を実装する PostgreSQL リポジトリです
type JobRepository struct {
	db DBTX
}

// NewJobRepository は新しい JobRepository を作成します
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// コンパイル時の型チェック
var _ job.Repository = (*JobRepository)(nil)

// EnsureSchema はテーブルが無ければ作成します
func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const upsertJobSQL = `
INSERT INTO ci_jobs (id, source, name, flavor, language, status, stages, manifests, report_path, error, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    language    = EXCLUDED.language,
    status      = EXCLUDED.status,
    stages      = EXCLUDED.stages,
    manifests   = EXCLUDED.manifests,
    report_path = EXCLUDED.report_path,
    error       = EXCLUDED.error,
    ended_at    = EXCLUDED.ended_at`

// Save はジョブ結果を保存します（同じ ID は上書き）
func (r *JobRepository) Save(ctx context.Context, res *job.Result) error {
	stages, err := ToJSONB(res.Stages)
	if err != nil {
		return err
	}
	manifests, err := ToJSONB(res.Manifests)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, upsertJobSQL,
		UUIDToPgtype(res.JobID),
		res.Source,
		res.Name,
		string(res.Flavor),
		StringToNullableText(res.Language),
		string(res.Status),
		stages,
		manifests,
		StringToNullableText(res.ReportPath),
		StringToNullableText(res.Error),
		TimeToPgtype(res.StartedAt),
		TimePtrToPgtype(res.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", res.JobID, err)
	}
	return nil
}

const selectJobColumns = `id, source, name, flavor, language, status, stages, manifests, report_path, error, started_at, ended_at`

// Get は ID でジョブ結果を取得します
func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*job.Result, error) {
	row := r.db.QueryRow(ctx, `SELECT `+selectJobColumns+` FROM ci_jobs WHERE id = $1`, UUIDToPgtype(id))
	res, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return res, nil
}

// List は新しい順にジョブ結果を取得します
func (r *JobRepository) List(ctx context.Context, limit int) ([]*job.Result, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(ctx, `SELECT `+selectJobColumns+` FROM ci_jobs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var results []*job.Result
	for rows.Next() {
		res, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return results, nil
}

func scanJob(row pgx.Row) (*job.Result, error) {
	var (
		id         pgtype.UUID
		flavor     string
		status     string
		language   pgtype.Text
		reportPath pgtype.Text
		errText    pgtype.Text
		stages     []byte
		manifests  []byte
		startedAt  pgtype.Timestamptz
		endedAt    pgtype.Timestamptz
		res        job.Result
	)
	if err := row.Scan(&id, &res.Source, &res.Name, &flavor, &language, &status,
		&stages, &manifests, &reportPath, &errText, &startedAt, &endedAt); err != nil {
		return nil, err
	}

	var err error
	if res.Stages, err = FromJSONB[job.StageResult](stages); err != nil {
		return nil, err
	}
	if res.Manifests, err = FromJSONB[string](manifests); err != nil {
		return nil, err
	}

	res.JobID = PgtypeToUUID(id)
	res.Flavor = job.Flavor(flavor)
	res.Status = job.Status(status)
	res.Language = PgtextToString(language)
	res.ReportPath = PgtextToString(reportPath)
	res.Error = PgtextToString(errText)
	res.StartedAt = startedAt.Time
	res.EndedAt = PgtypeToTimePtr(endedAt)
	return &res, nil
}
