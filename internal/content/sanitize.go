// Package content はブログ記事のHTMLをメール配信に適した形へ整える。
//
// 記事本文は読者のメールクライアントで表示されるため、
// 許可リスト方式のbluemondayポリシーで安全なタグと属性のみを通過させる。
package content

import (
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer はHTMLのサニタイズ機能のインターフェース。
type Sanitizer interface {
	// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string
}

// emailSanitizer はメール本文向けのSanitizer実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type emailSanitizer struct {
	policy *bluemonday.Policy
}

// NewEmailSanitizer はメール本文向けのSanitizerを生成する。
// ポリシーの内容:
//   - 見出し・段落・リスト・引用・コード・表・図版などの文書構造タグを許可
//   - script, iframe, style, form等と全てのon*イベント属性を除去
//   - リンクはhttp/https/mailtoのみ。target="_blank"とrel="noopener noreferrer"を付与
//   - 画像はhttp/httpsのsrcのみ。data: URLは除去
func NewEmailSanitizer() *emailSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"abbr", "acronym", "b", "blockquote", "br", "code",
		"dd", "del", "div", "dl", "dt", "em",
		"h1", "h2", "h3", "h4", "h5", "h6", "hr", "i", "li", "ol", "p", "pre",
		"q", "s", "span", "strong", "sub", "sup",
		"table", "tbody", "td", "tfoot", "th", "thead", "tr",
		"u", "ul", "figure", "figcaption", "cite", "mark", "small",
	)

	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("width", "height").Matching(bluemonday.Number).OnElements("img")
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Number).OnElements("td", "th")
	p.AllowAttrs("align", "valign").OnElements("td", "th")
	p.AllowAttrs("start").Matching(bluemonday.Number).OnElements("ol")
	p.AllowAttrs("cite").OnElements("blockquote")

	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &emailSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして安全なHTMLを返す。
func (s *emailSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}
