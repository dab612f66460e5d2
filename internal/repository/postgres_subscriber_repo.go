package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replaypub/replay/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

const subscriberColumns = `id, email, name, is_confirmed, confirmed_at, created_at, updated_at`

func scanSubscriber(row interface{ Scan(...any) error }) (*model.Subscriber, error) {
	s := &model.Subscriber{}
	var confirmedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.Email, &s.Name, &s.IsConfirmed, &confirmedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.ConfirmedAt = nullTimePtr(confirmedAt)
	return s, nil
}

// FindByEmail は正規化済みメールアドレスで読者を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriberRepo) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = $1`,
		model.NormalizeEmail(email),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("読者の取得に失敗しました: %w", err)
	}
	return s, nil
}

// UpsertConfirmed は読者を確認済みとして作成または更新する。
// 既に確認済みの場合はconfirmed_atを上書きしない。
func (r *PostgresSubscriberRepo) UpsertConfirmed(ctx context.Context, email string, confirmedAt time.Time) (*model.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRowContext(ctx,
		`INSERT INTO subscribers (email, is_confirmed, confirmed_at, created_at, updated_at)
		 VALUES ($1, TRUE, $2, $2, $2)
		 ON CONFLICT (email) DO UPDATE SET
		     is_confirmed = TRUE,
		     confirmed_at = COALESCE(subscribers.confirmed_at, EXCLUDED.confirmed_at),
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+subscriberColumns,
		model.NormalizeEmail(email), confirmedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("読者の登録に失敗しました: %w", err)
	}
	return s, nil
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
