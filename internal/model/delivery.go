package model

import "time"

// DueDelivery は送信期限を迎えた購読と次に送る記事の組。
type DueDelivery struct {
	SubscriptionID   string
	SubscriberEmail  string
	SubscriberName   string
	BlogID           string
	BlogName         string
	FeedID           string
	TagFilter        string
	CurrentPostIndex int
	TotalPosts       int // フィードの絞り込み後の記事数
	FrequencyDays    int
	PreferredHour    int
	PreferredDay     *int
	Timezone         string
	NextSendAt       time.Time
	Post             *Post // 次に送る記事。残りがなければnil
	Position         int   // 絞り込み後の何件目の記事か（1始まり）
}

// EmailLog は送信済みメールの記録。
// 開封・クリックはメール配信サービスのWebhookで更新される。
type EmailLog struct {
	ID              string
	SubscriptionID  string
	PostID          string
	ResendMessageID string
	SentAt          time.Time
	OpenedAt        *time.Time
	ClickedAt       *time.Time
}

// EmailEvent はメール配信サービスから通知される開封・クリックイベント。
type EmailEvent string

const (
	EmailEventOpened  EmailEvent = "email.opened"
	EmailEventClicked EmailEvent = "email.clicked"
)
