package content

import (
	"bytes"
	"fmt"
	"math"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const (
	// wordsPerMinute は読了時間の計算に使う1分あたりの語数。
	wordsPerMinute = 250
	// excerptLength は抜粋の目安の文字数。
	excerptLength = 200
)

// stripElements は中身ごと取り除く要素。
var stripElements = map[string]bool{
	"script": true, "style": true, "nav": true, "iframe": true, "form": true,
	"input": true, "button": true, "select": true, "textarea": true, "noscript": true,
	"header": true, "footer": true, "aside": true, "svg": true, "canvas": true,
	"video": true, "audio": true, "object": true, "embed": true,
}

// Result はメール配信用に整えた記事本文。
type Result struct {
	HTML               string
	Text               string
	Excerpt            string
	WordCount          int
	ReadingTimeMinutes int
	Images             []string
}

// Cleaner は記事HTMLからナビゲーション等を除去し、相対URLを絶対URLに直してサニタイズする。
type Cleaner struct {
	sanitizer Sanitizer
}

// NewCleaner はCleanerを生成する。sanitizerがnilの場合はメール本文向けの既定ポリシーを使う。
func NewCleaner(sanitizer Sanitizer) *Cleaner {
	if sanitizer == nil {
		sanitizer = NewEmailSanitizer()
	}
	return &Cleaner{sanitizer: sanitizer}
}

// Clean は記事HTMLを整え、本文テキスト・抜粋・語数・読了時間を計算する。
// baseURLは相対URLの解決に使う。空の場合は相対URLを解決しない。
func (c *Cleaner) Clean(rawHTML, baseURL string) (*Result, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}

	var base *url.URL
	if baseURL != "" {
		base, err = url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("ベースURLが不正です: %w", err)
		}
	}

	removeUnwanted(doc)
	images := rewriteURLs(doc, base)

	body := findElement(doc, "body")
	if body == nil {
		body = doc
	}
	var buf bytes.Buffer
	for child := body.FirstChild; child != nil; child = child.NextSibling {
		if err := html.Render(&buf, child); err != nil {
			return nil, fmt.Errorf("HTMLの出力に失敗しました: %w", err)
		}
	}

	cleaned := strings.TrimSpace(c.sanitizer.Sanitize(buf.String()))
	text, err := ExtractText(cleaned)
	if err != nil {
		return nil, err
	}
	words := len(strings.Fields(text))

	return &Result{
		HTML:               cleaned,
		Text:               text,
		Excerpt:            Excerpt(text, excerptLength),
		WordCount:          words,
		ReadingTimeMinutes: ReadingTime(words),
		Images:             images,
	}, nil
}

// ExtractText はHTMLのテキストノードを改行区切りで連結する。空白のみのノードは無視する。
func ExtractText(fragment string) (string, error) {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return "", fmt.Errorf("HTMLのパースに失敗しました: %w", err)
	}
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.Join(parts, "\n"), nil
}

// ReadingTime は語数から読了時間（分）を返す。最低1分。
func ReadingTime(words int) int {
	return max(1, int(math.Round(float64(words)/wordsPerMinute)))
}

// Excerpt はテキストの先頭から抜粋を作る。
// maxLen文字以内の文末で切れればそこまで、なければ語の区切りで切って "..." を付ける。
func Excerpt(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	r := []rune(text)
	chunk := r[:min(len(r), maxLen+50)]

	for _, end := range []rune{'.', '!', '?'} {
		if idx := lastIndexBefore(chunk, end, maxLen); idx > 50 {
			return string(chunk[:idx+1])
		}
	}
	if len(chunk) > maxLen {
		if idx := lastIndexBefore(chunk, ' ', maxLen); idx > 50 {
			return string(chunk[:idx]) + "..."
		}
	}

	out := string(chunk[:min(len(chunk), maxLen)])
	if len(r) > maxLen {
		out += "..."
	}
	return out
}

// lastIndexBefore はs[:limit]の中でtargetが最後に現れる位置を返す。見つからない場合は-1。
func lastIndexBefore(s []rune, target rune, limit int) int {
	for i := min(limit, len(s)) - 1; i >= 0; i-- {
		if s[i] == target {
			return i
		}
	}
	return -1
}

// removeUnwanted はstripElementsとコメントをツリーから取り除く。
func removeUnwanted(n *html.Node) {
	for child := n.FirstChild; child != nil; {
		next := child.NextSibling
		if child.Type == html.CommentNode || (child.Type == html.ElementNode && stripElements[child.Data]) {
			n.RemoveChild(child)
		} else {
			removeUnwanted(child)
		}
		child = next
	}
}

// rewriteURLs はa要素のhrefとimg要素のsrcを絶対URLに直し、画像URLの一覧を返す。
func rewriteURLs(n *html.Node, base *url.URL) []string {
	var images []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "a":
				for i, a := range n.Attr {
					if a.Key == "href" && !isAbsoluteOrSpecial(a.Val, "mailto:", "#") {
						n.Attr[i].Val = resolve(base, a.Val)
					}
				}
			case "img":
				for i, a := range n.Attr {
					if a.Key != "src" {
						continue
					}
					if !isAbsoluteOrSpecial(a.Val, "data:") {
						n.Attr[i].Val = resolve(base, a.Val)
					}
					if !strings.HasPrefix(a.Val, "data:") {
						images = append(images, n.Attr[i].Val)
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return images
}

func isAbsoluteOrSpecial(raw string, prefixes ...string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
