package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/replaypub/replay/internal/model"
)

// PostgresBlogRepo はPostgreSQLを使用したブログリポジトリ。
type PostgresBlogRepo struct {
	db *sql.DB
}

// NewPostgresBlogRepo はPostgresBlogRepoを生成する。
func NewPostgresBlogRepo(db *sql.DB) *PostgresBlogRepo {
	return &PostgresBlogRepo{db: db}
}

const blogColumns = `id, slug, name, author, author_email, description, url, feed_url,
	post_count, is_active, created_at, updated_at`

func scanBlog(row interface{ Scan(...any) error }) (*model.Blog, error) {
	b := &model.Blog{}
	err := row.Scan(&b.ID, &b.Slug, &b.Name, &b.Author, &b.AuthorEmail, &b.Description, &b.URL, &b.FeedURL,
		&b.PostCount, &b.IsActive, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindByID は指定IDのブログを取得する。見つからない場合はnilを返す。
func (r *PostgresBlogRepo) FindByID(ctx context.Context, id string) (*model.Blog, error) {
	b, err := scanBlog(r.db.QueryRowContext(ctx,
		`SELECT `+blogColumns+` FROM blogs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ブログの取得に失敗しました: %w", err)
	}
	return b, nil
}

// FindBySlug はslugでブログを取得する。見つからない場合はnilを返す。
func (r *PostgresBlogRepo) FindBySlug(ctx context.Context, slug string) (*model.Blog, error) {
	b, err := scanBlog(r.db.QueryRowContext(ctx,
		`SELECT `+blogColumns+` FROM blogs WHERE slug = $1`, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("slugによるブログの取得に失敗しました: %w", err)
	}
	return b, nil
}

// Upsert はslugをキーにブログを作成または更新する。slug自体は変更しない。
func (r *PostgresBlogRepo) Upsert(ctx context.Context, blog *model.Blog) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO blogs (slug, name, author, author_email, description, url, feed_url, post_count, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (slug) DO UPDATE SET
		     name = EXCLUDED.name,
		     author = EXCLUDED.author,
		     author_email = EXCLUDED.author_email,
		     description = EXCLUDED.description,
		     url = EXCLUDED.url,
		     feed_url = EXCLUDED.feed_url,
		     post_count = EXCLUDED.post_count,
		     is_active = EXCLUDED.is_active,
		     updated_at = now()
		 RETURNING id, created_at, updated_at`,
		blog.Slug, blog.Name, blog.Author, blog.AuthorEmail, blog.Description, blog.URL, blog.FeedURL,
		blog.PostCount, blog.IsActive,
	).Scan(&blog.ID, &blog.CreatedAt, &blog.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ブログの保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ BlogRepository = (*PostgresBlogRepo)(nil)
