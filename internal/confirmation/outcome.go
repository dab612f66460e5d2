package confirmation

import (
	"net/url"
	"strings"
)

// OutcomeKind は確認リンク処理の結果の種類。
type OutcomeKind int

const (
	// OutcomeSubscribed は購読を新しく作成したことを表す。
	OutcomeSubscribed OutcomeKind = iota + 1
	// OutcomeAlreadySubscribed は有効な購読が既にあったことを表す。
	// 同時確認で一意制約に負けた場合も含む。
	OutcomeAlreadySubscribed
	// OutcomeInvalidLink はパラメータ欠落・形式不正・署名不一致を表す。
	OutcomeInvalidLink
	// OutcomeLinkExpired は有効期間切れを表す。
	OutcomeLinkExpired
	// OutcomeFailed はデータベース等の障害による失敗を表す。
	OutcomeFailed
)

// String はメトリクスとログに使う名前を返す。
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSubscribed:
		return "subscribed"
	case OutcomeAlreadySubscribed:
		return "already_subscribed"
	case OutcomeInvalidLink:
		return "invalid_link"
	case OutcomeLinkExpired:
		return "link_expired"
	case OutcomeFailed:
		return "subscription_failed"
	default:
		return "unknown"
	}
}

// Outcome は確認リンク処理の結果。
type Outcome struct {
	Kind           OutcomeKind
	FeedName       string // OutcomeSubscribedの場合のみ
	SubscriptionID string // OutcomeSubscribedの場合のみ
}

// RedirectPath は結果に対応するリダイレクト先のパスとクエリを返す。
func (o Outcome) RedirectPath() string {
	switch o.Kind {
	case OutcomeSubscribed:
		return "/embed/success?feed=" + encodeComponent(o.FeedName)
	case OutcomeAlreadySubscribed:
		return "/embed/success?already=1"
	case OutcomeLinkExpired:
		return "/?error=link_expired"
	case OutcomeInvalidLink:
		return "/?error=invalid_link"
	default:
		return "/?error=subscription_failed"
	}
}

// Location はbaseURLを付けたリダイレクト先の絶対URLを返す。
func (o Outcome) Location(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + o.RedirectPath()
}

// encodeComponent はクエリ値として安全な形にエンコードする。空白は%20にする。
func encodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
