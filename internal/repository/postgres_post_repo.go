package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/replaypub/replay/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// CountByTag はブログ内で指定タグを持つ記事数を返す。
func (r *PostgresPostRepo) CountByTag(ctx context.Context, blogID, tag string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE blog_id = $1 AND tags @> ARRAY[$2]::text[]`,
		blogID, tag,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("タグ別記事数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// ListByBlog はブログの記事をpost_index昇順で返す。
func (r *PostgresPostRepo) ListByBlog(ctx context.Context, blogID, tag string, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, blog_id, title, slug, excerpt, original_url, published_at,
		        post_index, word_count, reading_time_minutes, tags, created_at
		 FROM posts
		 WHERE blog_id = $1 AND ($2 = '' OR tags @> ARRAY[$2]::text[])
		 ORDER BY post_index ASC
		 LIMIT $3`,
		blogID, tag, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p := &model.Post{}
		var publishedAt sql.NullTime
		if err := rows.Scan(
			&p.ID, &p.BlogID, &p.Title, &p.Slug, &p.Excerpt, &p.OriginalURL, &publishedAt,
			&p.PostIndex, &p.WordCount, &p.ReadingTimeMinutes, pq.Array(&p.Tags), &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		p.PublishedAt = nullTimePtr(publishedAt)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// Upsert は(blog_id, post_index)をキーに記事を作成または更新する。
func (r *PostgresPostRepo) Upsert(ctx context.Context, post *model.Post) error {
	tags := post.Tags
	if tags == nil {
		tags = []string{}
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO posts (
		     blog_id, title, slug, content_html, content_text, excerpt, original_url,
		     published_at, post_index, word_count, reading_time_minutes, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (blog_id, post_index) DO UPDATE SET
		     title = EXCLUDED.title,
		     slug = EXCLUDED.slug,
		     content_html = EXCLUDED.content_html,
		     content_text = EXCLUDED.content_text,
		     excerpt = EXCLUDED.excerpt,
		     original_url = EXCLUDED.original_url,
		     published_at = EXCLUDED.published_at,
		     word_count = EXCLUDED.word_count,
		     reading_time_minutes = EXCLUDED.reading_time_minutes,
		     tags = EXCLUDED.tags
		 RETURNING id, created_at`,
		post.BlogID, post.Title, post.Slug, post.ContentHTML, post.ContentText, post.Excerpt, post.OriginalURL,
		post.PublishedAt, post.PostIndex, post.WordCount, post.ReadingTimeMinutes, pq.Array(tags),
	).Scan(&post.ID, &post.CreatedAt)
	if err != nil {
		return fmt.Errorf("記事の保存に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
