package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// ErrFeedNotFound はサイトのHTMLにフィードへのリンクが見つからなかったことを示す。
var ErrFeedNotFound = errors.New("フィードが見つかりません")

// maxDiscoverBodySize はフィード検出で読み込むHTMLの上限。headだけ読めれば足りる。
const maxDiscoverBodySize = 2 << 20

// feedLink はHTMLのheadで見つかったフィードリンク。
type feedLink struct {
	URL  string
	Atom bool
}

// discoverFeedURL はサイトURLからフィードURLを求める。
// URL自体がフィードならそのまま返し、HTMLならheadのlink rel="alternate"から選ぶ。
func (im *Importer) discoverFeedURL(ctx context.Context, siteURL string) (string, error) {
	if err := im.guard.ValidateURL(siteURL); err != nil {
		return "", fmt.Errorf("サイトURLが許可されていません: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, siteURL, nil)
	if err != nil {
		return "", fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Replay/1.0 (+archive importer)")
	req.Header.Set("Accept", "text/html, application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := im.guard.NewSafeClient(im.opts.Timeout).Do(req)
	if err != nil {
		return "", fmt.Errorf("サイトの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("サイトの取得に失敗しました: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoverBodySize))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if isFeedDocument(contentType, body) {
		return siteURL, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if !strings.Contains(strings.ToLower(mediaType), "html") {
		return "", fmt.Errorf("%w: %s", ErrFeedNotFound, siteURL)
	}

	best := selectFeedLink(parseFeedLinks(body, siteURL), siteURL)
	if best == nil {
		return "", fmt.Errorf("%w: %s", ErrFeedNotFound, siteURL)
	}
	return best.URL, nil
}

// isFeedDocument はContent-Typeと本文の先頭からRSS/Atomかを判定する。
func isFeedDocument(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	switch strings.ToLower(mediaType) {
	case "application/rss+xml", "application/atom+xml":
		return true
	case "text/xml", "application/xml":
	default:
		return false
	}

	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	prefix := strings.ToLower(string(head))
	if strings.Contains(prefix, "<rss") || strings.Contains(prefix, "<rdf:rdf") {
		return true
	}
	return strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom")
}

// parseFeedLinks はHTMLのheadからRSS/Atomのlink要素を集める。相対URLはbaseURLで解決する。
func parseFeedLinks(body []byte, baseURL string) []feedLink {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var links []feedLink
	z := html.NewTokenizer(bytes.NewReader(body))
	inHead := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "head":
				inHead = true
				continue
			case "body":
				return links
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			var rel, typ, href string
			for more := true; more; {
				var key, val []byte
				key, val, more = z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "rel":
					rel = strings.ToLower(string(val))
				case "type":
					typ = strings.ToLower(string(val))
				case "href":
					href = string(val)
				}
			}
			if rel != "alternate" || href == "" {
				continue
			}
			if typ != "application/rss+xml" && typ != "application/atom+xml" {
				continue
			}
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			links = append(links, feedLink{
				URL:  base.ResolveReference(ref).String(),
				Atom: typ == "application/atom+xml",
			})

		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "head" {
				return links
			}
		}
	}
}

// selectFeedLink は同一ホスト、Atom、出現順の優先度でリンクを1つ選ぶ。
func selectFeedLink(links []feedLink, siteURL string) *feedLink {
	if len(links) == 0 {
		return nil
	}
	host := hostOf(siteURL)
	best, bestScore := 0, -1
	for i, l := range links {
		score := 0
		if hostOf(l.URL) == host {
			score += 100
		}
		if l.Atom {
			score += 10
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return &links[best]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
