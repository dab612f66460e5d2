package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replaypub/replay/internal/database"
	"github.com/replaypub/replay/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `s.id, s.subscriber_id, s.blog_id, COALESCE(s.feed_id::text, ''),
	s.current_post_index, s.frequency_days, s.preferred_hour, s.preferred_day, s.timezone,
	s.next_send_at, s.last_sent_at, s.is_active, s.is_completed, s.paused_at, s.created_at, s.updated_at`

func subscriptionScanDest(sub *model.Subscription, preferredDay *sql.NullInt64, lastSentAt, pausedAt *sql.NullTime) []any {
	return []any{
		&sub.ID, &sub.SubscriberID, &sub.BlogID, &sub.FeedID,
		&sub.CurrentPostIndex, &sub.FrequencyDays, &sub.PreferredHour, preferredDay, &sub.Timezone,
		&sub.NextSendAt, lastSentAt, &sub.IsActive, &sub.IsCompleted, pausedAt, &sub.CreatedAt, &sub.UpdatedAt,
	}
}

func (r *PostgresSubscriptionRepo) findOne(ctx context.Context, query string, args ...any) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var preferredDay sql.NullInt64
	var lastSentAt, pausedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, args...).Scan(subscriptionScanDest(sub, &preferredDay, &lastSentAt, &pausedAt)...)
	if err != nil {
		return nil, err
	}
	sub.PreferredDay = nullIntPtr(preferredDay)
	sub.LastSentAt = nullTimePtr(lastSentAt)
	sub.PausedAt = nullTimePtr(pausedAt)
	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := r.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s WHERE s.id = $1`,
		id,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// FindDetailByID はブログ・フィード名と進捗を含む購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindDetailByID(ctx context.Context, id string) (*model.SubscriptionDetail, error) {
	d := &model.SubscriptionDetail{}
	var preferredDay sql.NullInt64
	var lastSentAt, pausedAt sql.NullTime
	var feedName sql.NullString

	dest := subscriptionScanDest(&d.Subscription, &preferredDay, &lastSentAt, &pausedAt)
	dest = append(dest, &d.Email, &d.BlogName, &d.BlogSlug, &feedName, &d.PostCount)

	err := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+`, sb.email, b.name, b.slug, f.name, b.post_count
		 FROM subscriptions s
		 JOIN subscribers sb ON sb.id = s.subscriber_id
		 JOIN blogs b ON b.id = s.blog_id
		 LEFT JOIN feeds f ON f.id = s.feed_id
		 WHERE s.id = $1`,
		id,
	).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読詳細の取得に失敗しました: %w", err)
	}
	d.PreferredDay = nullIntPtr(preferredDay)
	d.LastSentAt = nullTimePtr(lastSentAt)
	d.PausedAt = nullTimePtr(pausedAt)
	d.FeedName = nullStringValue(feedName)
	return d, nil
}

// FindActiveBySubscriberAndFeed は読者IDとフィードIDで有効な購読を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindActiveBySubscriberAndFeed(ctx context.Context, subscriberID, feedID string) (*model.Subscription, error) {
	sub, err := r.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s
		 WHERE s.subscriber_id = $1 AND s.feed_id = $2 AND s.is_active`,
		subscriberID, feedID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("読者とフィードによる購読の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// FindActiveByEmailAndFeed はメールアドレスとフィードIDで有効な購読を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindActiveByEmailAndFeed(ctx context.Context, email, feedID string) (*model.Subscription, error) {
	sub, err := r.findOne(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions s
		 JOIN subscribers sb ON sb.id = s.subscriber_id
		 WHERE sb.email = $1 AND s.feed_id = $2 AND s.is_active`,
		model.NormalizeEmail(email), feedID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メールアドレスとフィードによる購読の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// Insert は購読を作成する。
// 同じ読者・フィードの有効な購読が既にある場合は一意制約違反となり、AlreadyExistsを返す。
func (r *PostgresSubscriptionRepo) Insert(ctx context.Context, sub *model.NewSubscription) (InsertResult, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (
		     subscriber_id, blog_id, feed_id, current_post_index, frequency_days,
		     preferred_hour, preferred_day, timezone, next_send_at, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8, TRUE, $8, $8)
		 RETURNING id`,
		sub.SubscriberID, sub.BlogID, nullString(sub.FeedID), sub.FrequencyDays,
		sub.PreferredHour, intPtrArg(sub.PreferredDay), sub.Timezone, sub.NextSendAt,
	).Scan(&id)
	if database.IsUniqueViolation(err) {
		return InsertResult{Status: AlreadyExists}, nil
	}
	if err != nil {
		return InsertResult{}, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return InsertResult{Status: Inserted, ID: id}, nil
}

// Delete は指定IDの購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	return checkAffected(result, id)
}

// Pause は有効かつ未完了の購読を一時停止する。
func (r *PostgresSubscriptionRepo) Pause(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET is_active = FALSE, paused_at = $2, updated_at = $2
		 WHERE id = $1 AND is_active AND NOT is_completed`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("購読の一時停止に失敗しました: %w", err)
	}
	return checkAffected(result, id)
}

// Resume は一時停止中の購読を再開する。
func (r *PostgresSubscriptionRepo) Resume(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		     is_active = TRUE, paused_at = NULL,
		     next_send_at = GREATEST(next_send_at, $2), updated_at = $2
		 WHERE id = $1 AND NOT is_active AND NOT is_completed`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("購読の再開に失敗しました: %w", err)
	}
	return checkAffected(result, id)
}

// UpdateSchedule は配信スケジュールと次回送信日時を更新する。
func (r *PostgresSubscriptionRepo) UpdateSchedule(ctx context.Context, id string, schedule model.Schedule, nextSendAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		     frequency_days = $2, preferred_hour = $3, preferred_day = $4, timezone = $5,
		     next_send_at = $6, updated_at = now()
		 WHERE id = $1`,
		id, schedule.FrequencyDays, schedule.PreferredHour, intPtrArg(schedule.PreferredDay),
		schedule.Timezone, nextSendAt,
	)
	if err != nil {
		return fmt.Errorf("配信スケジュールの更新に失敗しました: %w", err)
	}
	return checkAffected(result, id)
}

// checkAffected は更新件数が0の場合にErrNotFoundを返す。
func checkAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読が見つかりません: %s: %w", id, ErrNotFound)
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
