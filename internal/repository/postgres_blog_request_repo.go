package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/replaypub/replay/internal/model"
)

// PostgresBlogRequestRepo はPostgreSQLを使用したブログ追加リクエストのリポジトリ。
type PostgresBlogRequestRepo struct {
	db *sql.DB
}

// NewPostgresBlogRequestRepo はPostgresBlogRequestRepoを生成する。
func NewPostgresBlogRequestRepo(db *sql.DB) *PostgresBlogRequestRepo {
	return &PostgresBlogRequestRepo{db: db}
}

const blogRequestColumns = `id, url, requester_email, note, vote_count, status, created_at, updated_at`

func scanBlogRequest(row interface{ Scan(...any) error }) (*model.BlogRequest, error) {
	br := &model.BlogRequest{}
	if err := row.Scan(&br.ID, &br.URL, &br.RequesterEmail, &br.Note, &br.VoteCount, &br.Status,
		&br.CreatedAt, &br.UpdatedAt); err != nil {
		return nil, err
	}
	return br, nil
}

// UpsertVote はURLをキーにリクエストを作成し、既存の場合は投票数を1増やす。
// 最初のリクエスト者のメールアドレスとメモは上書きしない。
func (r *PostgresBlogRequestRepo) UpsertVote(ctx context.Context, req *model.BlogRequest) (*model.BlogRequest, error) {
	br, err := scanBlogRequest(r.db.QueryRowContext(ctx,
		`INSERT INTO blog_requests (url, requester_email, note, vote_count, status)
		 VALUES ($1, $2, $3, 1, 'pending')
		 ON CONFLICT (url) DO UPDATE SET
		     vote_count = blog_requests.vote_count + 1,
		     updated_at = now()
		 RETURNING `+blogRequestColumns,
		req.URL, req.RequesterEmail, req.Note,
	))
	if err != nil {
		return nil, fmt.Errorf("ブログリクエストの保存に失敗しました: %w", err)
	}
	return br, nil
}

// ListTop は保留中のリクエストを投票数の多い順に返す。
func (r *PostgresBlogRequestRepo) ListTop(ctx context.Context, limit int) ([]*model.BlogRequest, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+blogRequestColumns+` FROM blog_requests
		 WHERE status = 'pending'
		 ORDER BY vote_count DESC, created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ブログリクエスト一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.BlogRequest
	for rows.Next() {
		br, err := scanBlogRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("ブログリクエスト行の読み取りに失敗しました: %w", err)
		}
		list = append(list, br)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ブログリクエスト一覧の走査に失敗しました: %w", err)
	}
	return list, nil
}

// compile-time interface check
var _ BlogRequestRepository = (*PostgresBlogRequestRepo)(nil)
