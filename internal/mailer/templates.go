package mailer

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"math"
	"net/url"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// utmParams はドリップ配信メールから元記事へのリンクに付けるUTMパラメータ。
const utmParams = "utm_source=replay&utm_medium=email&utm_campaign=drip"

// ConfirmationData は購読確認メールの内容。
type ConfirmationData struct {
	FeedName      string
	ConfirmURL    string
	FrequencyDays int
}

// WelcomeData は購読完了メールの内容。
type WelcomeData struct {
	FeedName  string
	ManageURL string
}

// PostData はドリップ配信メール1通の内容。
// Contentはサニタイズ済みのHTMLであること。
type PostData struct {
	SubscriptionID string
	BlogName       string
	PostTitle      string
	OriginalURL    string
	Content        string
	Position       int
	Total          int
	AppURL         string
}

// Detail は管理者通知に載せる項目1件。
type Detail struct {
	Key   string
	Value string
}

// AdminNoticeData は管理者通知メールの内容。
type AdminNoticeData struct {
	Type    string
	Details []Detail
}

// RenderConfirmation は購読確認メールの件名と本文を生成する。
func RenderConfirmation(d ConfirmationData) (string, string, error) {
	if d.FeedName == "" {
		d.FeedName = "this feed"
	}
	body, err := execute("confirmation.html", d)
	if err != nil {
		return "", "", err
	}
	return "Confirm your subscription to " + d.FeedName, body, nil
}

// RenderWelcome は購読完了メールの件名と本文を生成する。
func RenderWelcome(d WelcomeData) (string, string, error) {
	if d.FeedName == "" {
		d.FeedName = "this feed"
	}
	body, err := execute("welcome.html", d)
	if err != nil {
		return "", "", err
	}
	return "You're subscribed to " + d.FeedName, body, nil
}

// RenderPost はドリップ配信メールの件名と本文を生成する。
func RenderPost(d PostData) (string, string, error) {
	appURL := strings.TrimRight(d.AppURL, "/")
	view := struct {
		BlogName       string
		PostTitle      string
		PostURL        string
		PostContent    template.HTML
		ProgressText   string
		ProgressPct    int
		UnsubscribeURL string
		AppURL         string
	}{
		BlogName:       d.BlogName,
		PostTitle:      d.PostTitle,
		PostURL:        WithUTM(d.OriginalURL),
		PostContent:    template.HTML(d.Content),
		ProgressText:   fmt.Sprintf("Post %d of %d", d.Position, d.Total),
		ProgressPct:    ProgressPercent(d.Position, d.Total),
		UnsubscribeURL: UnsubscribeURL(appURL, d.SubscriptionID),
		AppURL:         appURL,
	}
	body, err := execute("post.html", view)
	if err != nil {
		return "", "", err
	}
	subject := d.PostTitle
	if d.BlogName != "" {
		subject = d.PostTitle + " — " + d.BlogName
	}
	return subject, body, nil
}

// RenderAdminNotice は管理者通知メールの本文を生成する。
// 値が空の項目は載せない。
func RenderAdminNotice(d AdminNoticeData) (string, error) {
	filtered := make([]Detail, 0, len(d.Details))
	for _, det := range d.Details {
		if det.Value != "" {
			filtered = append(filtered, det)
		}
	}
	d.Details = filtered
	return execute("admin.html", d)
}

// WithUTM は元記事URLにUTMパラメータを付ける。空のURLはそのまま返す。
func WithUTM(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + utmParams
}

// ProgressPercent は配信の進捗率を四捨五入した百分率で返す。
func ProgressPercent(position, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(position) / float64(total) * 100))
}

// UnsubscribeURL は配信停止ページのURLを返す。
func UnsubscribeURL(appURL, subscriptionID string) string {
	return strings.TrimRight(appURL, "/") + "/unsubscribe?sid=" + url.QueryEscape(subscriptionID)
}

func execute(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("メールテンプレート %s の描画に失敗しました: %w", name, err)
	}
	return buf.String(), nil
}
