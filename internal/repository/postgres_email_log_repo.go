package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replaypub/replay/internal/model"
)

// PostgresEmailLogRepo はPostgreSQLを使用した送信ログリポジトリ。
type PostgresEmailLogRepo struct {
	db *sql.DB
}

// NewPostgresEmailLogRepo はPostgresEmailLogRepoを生成する。
func NewPostgresEmailLogRepo(db *sql.DB) *PostgresEmailLogRepo {
	return &PostgresEmailLogRepo{db: db}
}

// RecordEvent は開封・クリック日時を未設定の場合のみ記録する。
// 対象外のイベントは何もせずfalseを返す。
func (r *PostgresEmailLogRepo) RecordEvent(ctx context.Context, messageID string, event model.EmailEvent, at time.Time) (bool, error) {
	var query string
	switch event {
	case model.EmailEventOpened:
		query = `UPDATE email_log SET opened_at = $2 WHERE resend_message_id = $1 AND opened_at IS NULL`
	case model.EmailEventClicked:
		query = `UPDATE email_log SET clicked_at = $2 WHERE resend_message_id = $1 AND clicked_at IS NULL`
	default:
		return false, nil
	}

	result, err := r.db.ExecContext(ctx, query, messageID, at)
	if err != nil {
		return false, fmt.Errorf("メールイベントの記録に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// DeleteSentBefore はsent_atがbeforeより前の送信ログを削除し、削除件数を返す。
func (r *PostgresEmailLogRepo) DeleteSentBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM email_log WHERE sent_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古い送信ログの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ EmailLogRepository = (*PostgresEmailLogRepo)(nil)
