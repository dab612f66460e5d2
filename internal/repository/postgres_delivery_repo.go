package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replaypub/replay/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用したドリップ配信リポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// claimLease は取得した購読を他の送信プロセスから隠しておく時間。
// 送信に失敗した購読はこの時間が過ぎると再び配信対象になる。
const claimLease = 15 * time.Minute

// dueSelect は購読と次の記事を結合するSELECT。呼び出し側がWHERE以降を付ける。
// フィードにタグ指定がある場合は、そのタグを持つ記事のうちcurrent_post_indexより後で最も古いものを次の記事とする。
// totalとpositionはフィードの絞り込み後の件数で数える。
const dueSelect = `SELECT s.id, sb.email, sb.name, s.blog_id, b.name,
	        COALESCE(s.feed_id::text, ''), COALESCE(f.tag_filter, ''),
	        s.current_post_index, s.frequency_days, s.preferred_hour, s.preferred_day, s.timezone, s.next_send_at,
	        (SELECT COUNT(*) FROM posts px
	          WHERE px.blog_id = s.blog_id
	            AND (f.tag_filter IS NULL OR px.tags @> ARRAY[f.tag_filter])) AS total,
	        p.id, p.title, p.content_html, p.excerpt, p.original_url, p.post_index, p.reading_time_minutes,
	        (SELECT COUNT(*) FROM posts px
	          WHERE px.blog_id = s.blog_id AND px.post_index <= p.post_index
	            AND (f.tag_filter IS NULL OR px.tags @> ARRAY[f.tag_filter])) AS position
	 FROM subscriptions s
	 JOIN subscribers sb ON sb.id = s.subscriber_id
	 JOIN blogs b ON b.id = s.blog_id
	 LEFT JOIN feeds f ON f.id = s.feed_id
	 LEFT JOIN LATERAL (
	     SELECT pn.id, pn.title, pn.content_html, pn.excerpt, pn.original_url, pn.post_index, pn.reading_time_minutes
	     FROM posts pn
	     WHERE pn.blog_id = s.blog_id
	       AND pn.post_index > s.current_post_index
	       AND (f.tag_filter IS NULL OR pn.tags @> ARRAY[f.tag_filter])
	     ORDER BY pn.post_index ASC
	     LIMIT 1
	 ) p ON TRUE`

// ListDue はnext_send_at <= now の有効な購読を次の記事と合わせて取得する。
// 取得した購読はFOR UPDATE SKIP LOCKEDで選び、同じ文の中でnext_send_atをclaimLease先へ進めて確保する。
// 並行して動く別の送信プロセスは同じ購読を取得しない。
func (r *PostgresDeliveryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH due AS (
		     SELECT id FROM subscriptions
		     WHERE is_active AND NOT is_completed AND next_send_at <= $1
		     ORDER BY next_send_at ASC
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 ), claimed AS (
		     UPDATE subscriptions c SET next_send_at = $3
		     FROM due WHERE c.id = due.id
		     RETURNING c.id
		 ) `+dueSelect+`
		 WHERE s.id IN (SELECT id FROM claimed)
		 ORDER BY s.next_send_at ASC`,
		now, limit, now.Add(claimLease),
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanDueRows(rows)
}

// PeekDue はListDueと同じ配信対象を確保せずに返す。
func (r *PostgresDeliveryRepo) PeekDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error) {
	rows, err := r.db.QueryContext(ctx,
		dueSelect+`
		 WHERE s.is_active AND NOT s.is_completed AND s.next_send_at <= $1
		 ORDER BY s.next_send_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()
	return scanDueRows(rows)
}

func scanDueRows(rows *sql.Rows) ([]*model.DueDelivery, error) {
	var deliveries []*model.DueDelivery
	for rows.Next() {
		d := &model.DueDelivery{}
		var preferredDay sql.NullInt64
		var postID, title, contentHTML, excerpt, originalURL sql.NullString
		var postIndex, readingTime, position sql.NullInt64

		if err := rows.Scan(
			&d.SubscriptionID, &d.SubscriberEmail, &d.SubscriberName, &d.BlogID, &d.BlogName,
			&d.FeedID, &d.TagFilter,
			&d.CurrentPostIndex, &d.FrequencyDays, &d.PreferredHour, &preferredDay, &d.Timezone, &d.NextSendAt,
			&d.TotalPosts,
			&postID, &title, &contentHTML, &excerpt, &originalURL, &postIndex, &readingTime,
			&position,
		); err != nil {
			return nil, fmt.Errorf("配信対象行の読み取りに失敗しました: %w", err)
		}
		d.PreferredDay = nullIntPtr(preferredDay)
		if postID.Valid {
			d.Post = &model.Post{
				ID:                 postID.String,
				BlogID:             d.BlogID,
				Title:              title.String,
				ContentHTML:        contentHTML.String,
				Excerpt:            excerpt.String,
				OriginalURL:        originalURL.String,
				PostIndex:          int(postIndex.Int64),
				ReadingTimeMinutes: int(readingTime.Int64),
			}
			d.Position = int(position.Int64)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信対象の走査に失敗しました: %w", err)
	}
	return deliveries, nil
}

// MarkSent は送信ログの記録と購読の進捗更新を同一トランザクションで行う。
// current_post_indexは後退させない。
func (r *PostgresDeliveryRepo) MarkSent(ctx context.Context, sent SentDelivery) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO email_log (subscription_id, post_id, resend_message_id, sent_at)
		 VALUES ($1, $2, $3, $4)`,
		sent.SubscriptionID, sent.PostID, nullString(sent.MessageID), sent.SentAt,
	)
	if err != nil {
		return fmt.Errorf("送信ログの記録に失敗しました: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE subscriptions SET
		     current_post_index = GREATEST(current_post_index, $2),
		     last_sent_at = $3,
		     next_send_at = $4,
		     is_completed = is_completed OR $5,
		     updated_at = $3
		 WHERE id = $1`,
		sent.SubscriptionID, sent.PostIndex, sent.SentAt, sent.NextSendAt, sent.IsLast,
	)
	if err != nil {
		return fmt.Errorf("購読の進捗更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkCompleted は送る記事が残っていない購読を完了にする。
func (r *PostgresDeliveryRepo) MarkCompleted(ctx context.Context, subscriptionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_completed = TRUE, updated_at = now() WHERE id = $1`,
		subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("購読の完了処理に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
