package model

import "time"

// Blog は配信元となるブログのアーカイブを表す。
// slugは公開後に変更しない。
type Blog struct {
	ID          string
	Slug        string
	Name        string
	Author      string
	AuthorEmail string
	Description string
	URL         string
	FeedURL     string
	PostCount   int
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Feed はブログの記事に対する名前付きのビュー。
// TagFilterが空でなければそのタグを持つ記事だけを対象とする。
type Feed struct {
	ID          string
	BlogID      string
	Slug        string
	Name        string
	Description string
	TagFilter   string
	IsActive    bool
	CreatedAt   time.Time
}

// FeedWithCount は一覧表示用にブログ情報と記事数を結合したフィード。
type FeedWithCount struct {
	Feed
	BlogSlug  string
	BlogName  string
	Author    string
	PostCount int
}

// BlogWithFeeds はブログと配下のフィード一覧。
type BlogWithFeeds struct {
	Blog
	Feeds []Feed
}

// BlogRequestStatus はブログ追加リクエストの処理状態を表す。
type BlogRequestStatus string

const (
	BlogRequestPending  BlogRequestStatus = "pending"
	BlogRequestApproved BlogRequestStatus = "approved"
	BlogRequestRejected BlogRequestStatus = "rejected"
	BlogRequestScraped  BlogRequestStatus = "scraped"
)

// BlogRequest は読者からのブログ追加リクエスト。
// 同じURLへのリクエストは投票数として集計する。
type BlogRequest struct {
	ID             string
	URL            string
	RequesterEmail string
	Note           string
	VoteCount      int
	Status         BlogRequestStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
