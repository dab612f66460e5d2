// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/replaypub/replay/internal/model"
)

// ErrNotFound は更新・削除対象の行が存在しないことを表す。
var ErrNotFound = errors.New("対象が見つかりません")

// InsertStatus は一意制約で保護された挿入の結果を表す。
type InsertStatus int

const (
	// Inserted は新しい行を作成したことを表す。
	Inserted InsertStatus = iota + 1
	// AlreadyExists は一意制約違反により行を作成しなかったことを表す。
	// 同時実行の競合で負けた側もこの結果になる。
	AlreadyExists
)

// String はログ出力用の名前を返す。
func (s InsertStatus) String() string {
	switch s {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// InsertResult は挿入の結果。StatusがInsertedの場合のみIDが設定される。
// インフラ起因の失敗は戻り値のerrorで表す。
type InsertResult struct {
	Status InsertStatus
	ID     string
}

// SubscriberRepository は読者データの永続化インターフェース。
type SubscriberRepository interface {
	// FindByEmail は正規化済みメールアドレスで読者を取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Subscriber, error)

	// UpsertConfirmed は読者を確認済みとして作成または更新し、保存後の読者を返す。
	// 同じメールアドレスでの同時作成はON CONFLICTで吸収する。
	UpsertConfirmed(ctx context.Context, email string, confirmedAt time.Time) (*model.Subscriber, error)
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// FindDetailByID はブログ・フィード名と進捗を含む購読を取得する。見つからない場合はnilを返す。
	FindDetailByID(ctx context.Context, id string) (*model.SubscriptionDetail, error)

	// FindActiveBySubscriberAndFeed は読者IDとフィードIDで有効な購読を検索する。見つからない場合はnilを返す。
	FindActiveBySubscriberAndFeed(ctx context.Context, subscriberID, feedID string) (*model.Subscription, error)

	// FindActiveByEmailAndFeed はメールアドレスとフィードIDで有効な購読を検索する。見つからない場合はnilを返す。
	FindActiveByEmailAndFeed(ctx context.Context, email, feedID string) (*model.Subscription, error)

	// Insert は購読を作成する。一意制約違反はエラーではなくAlreadyExistsとして返す。
	Insert(ctx context.Context, sub *model.NewSubscription) (InsertResult, error)

	// Delete は指定IDの購読を物理削除する。対象がない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error

	// Pause は有効かつ未完了の購読を一時停止する。対象がない場合はErrNotFoundを返す。
	Pause(ctx context.Context, id string, at time.Time) error

	// Resume は一時停止中の購読を再開する。次回送信日時が過去なら at に繰り上げる。
	// 同じフィードに別の有効な購読がある場合は一意制約違反のエラーを返す。
	Resume(ctx context.Context, id string, at time.Time) error

	// UpdateSchedule は配信スケジュールと次回送信日時を更新する。
	UpdateSchedule(ctx context.Context, id string, schedule model.Schedule, nextSendAt time.Time) error
}

// BlogRepository はブログデータの永続化インターフェース。
type BlogRepository interface {
	// FindByID は指定IDのブログを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Blog, error)

	// FindBySlug はslugでブログを取得する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Blog, error)

	// Upsert はslugをキーにブログを作成または更新し、IDを設定する。
	Upsert(ctx context.Context, blog *model.Blog) error
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindBySlug はslugでフィードを取得する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.Feed, error)

	// ListActive は有効なフィードをブログ情報付きで返す。
	// PostCountにはブログ全体の記事数が入る。
	ListActive(ctx context.Context) ([]model.FeedWithCount, error)

	// ListByBlogID はブログ配下のフィードを返す。
	ListByBlogID(ctx context.Context, blogID string) ([]model.Feed, error)

	// Upsert はslugをキーにフィードを作成または更新し、IDを設定する。
	Upsert(ctx context.Context, feed *model.Feed) error
}

// PostRepository は記事データの永続化インターフェース。
type PostRepository interface {
	// CountByTag はブログ内で指定タグを持つ記事数を返す。
	CountByTag(ctx context.Context, blogID, tag string) (int, error)

	// ListByBlog はブログの記事をpost_index昇順で返す。tagが空でなければタグで絞り込む。
	ListByBlog(ctx context.Context, blogID, tag string, limit int) ([]*model.Post, error)

	// Upsert は(blog_id, post_index)をキーに記事を作成または更新する。
	Upsert(ctx context.Context, post *model.Post) error
}

// DeliveryRepository はドリップ配信の対象取得と送信記録のインターフェース。
type DeliveryRepository interface {
	// ListDue はnext_send_at <= now の有効な購読を次の記事と合わせて取得する。
	// 取得した購読は一定時間ほかの呼び出しから返らないよう確保する。
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error)

	// PeekDue はListDueと同じ対象を確保せずに返す。ドライラン用。
	PeekDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error)

	// MarkSent は送信ログの記録と購読の進捗更新を同一トランザクションで行う。
	MarkSent(ctx context.Context, sent SentDelivery) error

	// MarkCompleted は送る記事が残っていない購読を完了にする。
	MarkCompleted(ctx context.Context, subscriptionID string) error
}

// SentDelivery は送信済みの配信1件。
type SentDelivery struct {
	SubscriptionID string
	PostID         string
	PostIndex      int
	MessageID      string
	SentAt         time.Time
	NextSendAt     time.Time
	IsLast         bool
}

// EmailLogRepository は送信ログの永続化インターフェース。
type EmailLogRepository interface {
	// RecordEvent は開封・クリック日時を未設定の場合のみ記録する。
	// 更新した場合はtrueを返す。
	RecordEvent(ctx context.Context, messageID string, event model.EmailEvent, at time.Time) (bool, error)

	// DeleteSentBefore はsent_atがbeforeより前の送信ログを削除し、削除件数を返す。
	DeleteSentBefore(ctx context.Context, before time.Time) (int64, error)
}

// BlogRequestRepository はブログ追加リクエストの永続化インターフェース。
type BlogRequestRepository interface {
	// UpsertVote はURLをキーにリクエストを作成し、既存の場合は投票数を1増やす。
	UpsertVote(ctx context.Context, req *model.BlogRequest) (*model.BlogRequest, error)

	// ListTop は保留中のリクエストを投票数の多い順に返す。
	ListTop(ctx context.Context, limit int) ([]*model.BlogRequest, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
