package model

import "time"

// Post はブログアーカイブの1記事を表す。
// PostIndexはブログ内で古い順に1から振られる。
type Post struct {
	ID                 string
	BlogID             string
	Title              string
	Slug               string
	ContentHTML        string // サニタイズ済みHTML
	ContentText        string
	Excerpt            string
	OriginalURL        string
	PublishedAt        *time.Time
	PostIndex          int
	WordCount          int
	ReadingTimeMinutes int
	Tags               []string
	CreatedAt          time.Time
}

// ParsedPost はフィードパーサーから取得した未保存の記事データを表す。
// インポーターがフィードをパースした後、整形してPostに変換する。
type ParsedPost struct {
	Title       string
	Link        string
	Content     string // 未サニタイズのHTML
	Summary     string
	PublishedAt *time.Time
	Tags        []string
}
