package postgres

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// LockID は文字列からアドバイザリロックIDを生成します
func LockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)

	// ハッシュの先頭8バイトを int64 として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(sum[i])
	}
	return id
}

// AcquireXactLock はトランザクションスコープのアドバイザリロックを取得します。
// ロックはトランザクション終了時に解放されます。
func AcquireXactLock(ctx context.Context, tx DBTX, lockID int64) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
		return fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return nil
}
