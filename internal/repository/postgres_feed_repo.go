package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/replaypub/replay/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `f.id, f.blog_id, f.slug, f.name, f.description, f.tag_filter, f.is_active, f.created_at`

func feedScanDest(f *model.Feed, tag *sql.NullString) []any {
	return []any{&f.ID, &f.BlogID, &f.Slug, &f.Name, &f.Description, tag, &f.IsActive, &f.CreatedAt}
}

func (r *PostgresFeedRepo) findOne(ctx context.Context, query string, arg string) (*model.Feed, error) {
	f := &model.Feed{}
	var tag sql.NullString
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(feedScanDest(f, &tag)...); err != nil {
		return nil, err
	}
	f.TagFilter = nullStringValue(tag)
	return f, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	f, err := r.findOne(ctx, `SELECT `+feedColumns+` FROM feeds f WHERE f.id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return f, nil
}

// FindBySlug はslugでフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindBySlug(ctx context.Context, slug string) (*model.Feed, error) {
	f, err := r.findOne(ctx, `SELECT `+feedColumns+` FROM feeds f WHERE f.slug = $1`, slug)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("slugによるフィードの取得に失敗しました: %w", err)
	}
	return f, nil
}

// ListActive は有効なフィードをブログ情報付きで返す。
func (r *PostgresFeedRepo) ListActive(ctx context.Context) ([]model.FeedWithCount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+`, b.slug, b.name, b.author, b.post_count
		 FROM feeds f
		 JOIN blogs b ON b.id = f.blog_id
		 WHERE f.is_active AND b.is_active
		 ORDER BY b.name ASC, f.name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []model.FeedWithCount
	for rows.Next() {
		var fc model.FeedWithCount
		var tag sql.NullString
		dest := append(feedScanDest(&fc.Feed, &tag), &fc.BlogSlug, &fc.BlogName, &fc.Author, &fc.PostCount)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("フィード行の読み取りに失敗しました: %w", err)
		}
		fc.TagFilter = nullStringValue(tag)
		feeds = append(feeds, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// ListByBlogID はブログ配下のフィードを返す。
func (r *PostgresFeedRepo) ListByBlogID(ctx context.Context, blogID string) ([]model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds f WHERE f.blog_id = $1 AND f.is_active ORDER BY f.name ASC`,
		blogID,
	)
	if err != nil {
		return nil, fmt.Errorf("ブログのフィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []model.Feed
	for rows.Next() {
		var f model.Feed
		var tag sql.NullString
		if err := rows.Scan(feedScanDest(&f, &tag)...); err != nil {
			return nil, fmt.Errorf("フィード行の読み取りに失敗しました: %w", err)
		}
		f.TagFilter = nullStringValue(tag)
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// Upsert はslugをキーにフィードを作成または更新する。
func (r *PostgresFeedRepo) Upsert(ctx context.Context, feed *model.Feed) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO feeds (blog_id, slug, name, description, tag_filter, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (slug) DO UPDATE SET
		     name = EXCLUDED.name,
		     description = EXCLUDED.description,
		     tag_filter = EXCLUDED.tag_filter,
		     is_active = EXCLUDED.is_active
		 RETURNING id, created_at`,
		feed.BlogID, feed.Slug, feed.Name, feed.Description, nullString(feed.TagFilter), feed.IsActive,
	).Scan(&feed.ID, &feed.CreatedAt)
	if err != nil {
		return fmt.Errorf("フィードの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
