// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, subscription, catalog, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingField          = "MISSING_FIELD"
	ErrCodeInvalidField          = "INVALID_FIELD"
	ErrCodeInvalidURL            = "INVALID_URL"
	ErrCodeSSRFBlocked           = "SSRF_BLOCKED"
	ErrCodeSubscriptionNotFound  = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeDuplicateSubscription = "DUPLICATE_SUBSCRIPTION"
	ErrCodeSubscriptionNotActive = "SUBSCRIPTION_NOT_ACTIVE"
	ErrCodeSubscriptionCompleted = "SUBSCRIPTION_COMPLETED"
	ErrCodeBlogNotFound          = "BLOG_NOT_FOUND"
	ErrCodeFeedNotFound          = "FEED_NOT_FOUND"
	ErrCodeEmailDeliveryFailed   = "EMAIL_DELIVERY_FAILED"
	ErrCodeUnsubscribeFailed     = "UNSUBSCRIBE_FAILED"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeRateLimited           = "rate_limit_exceeded"
)

// NewMissingFieldError は必須項目が未指定の場合のエラーを生成する。
func NewMissingFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("必須項目が指定されていません: %s", field),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidFieldError は項目の値が不正な場合のエラーを生成する。
func NewInvalidFieldError(field, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidField,
		Message:  fmt.Sprintf("%s の値が不正です: %s", field, reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているブログのURLを入力してください。",
	}
}

// NewSubscriptionNotFoundError は購読が見つからない場合のエラーを生成する。
func NewSubscriptionNotFoundError(subscriptionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotFound,
		Message:  fmt.Sprintf("指定された購読が見つかりません: %s", subscriptionID),
		Category: "subscription",
		Action:   "購読IDを確認してください。",
	}
}

// NewDuplicateSubscriptionError は同じフィードへの有効な購読が既にある場合のエラーを生成する。
func NewDuplicateSubscriptionError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSubscription,
		Message:  "このフィードは既に購読しています。",
		Category: "subscription",
		Action:   "購読一覧から該当フィードを確認してください。",
	}
}

// NewSubscriptionNotActiveError は停止中の購読に対する操作のエラーを生成する。
func NewSubscriptionNotActiveError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionNotActive,
		Message:  "購読は一時停止中です。",
		Category: "subscription",
		Action:   "再開してから操作してください。",
	}
}

// NewSubscriptionCompletedError は配信を完了した購読に対する操作のエラーを生成する。
func NewSubscriptionCompletedError() *APIError {
	return &APIError{
		Code:     ErrCodeSubscriptionCompleted,
		Message:  "この購読はすべての記事の配信を完了しています。",
		Category: "subscription",
		Action:   "別のフィードを購読してください。",
	}
}

// NewBlogNotFoundError はブログが見つからない場合のエラーを生成する。
func NewBlogNotFoundError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeBlogNotFound,
		Message:  fmt.Sprintf("指定されたブログが見つかりません: %s", slug),
		Category: "catalog",
		Action:   "URLを確認してください。",
	}
}

// NewFeedNotFoundError はフィードが見つからない場合のエラーを生成する。
func NewFeedNotFoundError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", slug),
		Category: "catalog",
		Action:   "URLを確認してください。",
	}
}

// NewEmailDeliveryFailedError は確認メールの送信に失敗した場合のエラーを生成する。
func NewEmailDeliveryFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailDeliveryFailed,
		Message:  "確認メールを送信できませんでした。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnsubscribeFailedError は配信停止に失敗した場合の汎用エラーを生成する。
func NewUnsubscribeFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnsubscribeFailed,
		Message:  "Failed to unsubscribe",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidRequestError はリクエストボディを解釈できない場合のエラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過のエラーを生成する。埋め込みウィジェットがそのまま表示する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}
