package importer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest はインポート対象のブログ一覧。TOMLの [[blog]] テーブル配列に対応する。
//
//	[[blog]]
//	slug = "paul-graham"
//	name = "Paul Graham Essays"
//	feed_url = "https://paulgraham.com/rss.html"
//
//	  [[blog.feed]]
//	  slug = "paul-graham-startups"
//	  name = "Startups"
//	  tag = "startups"
//
// feed_urlを省略した場合はurlのHTMLからフィードを検出する。
type Manifest struct {
	Blogs []ManifestBlog `toml:"blog"`
}

// ManifestBlog はマニフェスト内の1ブログ。
type ManifestBlog struct {
	Slug        string         `toml:"slug"`
	Name        string         `toml:"name"`
	URL         string         `toml:"url"`
	FeedURL     string         `toml:"feed_url"`
	Author      string         `toml:"author"`
	AuthorEmail string         `toml:"author_email"`
	Description string         `toml:"description"`
	Feeds       []ManifestFeed `toml:"feed"`
}

// ManifestFeed はブログ配下のフィード定義。Tagが空ならアーカイブ全体を対象とする。
type ManifestFeed struct {
	Slug        string `toml:"slug"`
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Tag         string `toml:"tag"`
}

// LoadManifest はファイルからマニフェストを読み込む。
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("マニフェストの読み込みに失敗しました: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest はTOMLをパースして検証する。未知のキーはエラーとする。
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("マニフェストに未知のキーがあります:\n%s", strict.String())
		}
		return nil, fmt.Errorf("マニフェストのパースに失敗しました: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate は必須項目とslugの重複を検証する。
func (m *Manifest) Validate() error {
	if len(m.Blogs) == 0 {
		return errors.New("マニフェストにブログがありません")
	}

	blogSlugs := make(map[string]bool)
	feedSlugs := make(map[string]bool)
	var errs []error
	for i, b := range m.Blogs {
		switch {
		case strings.TrimSpace(b.Slug) == "":
			errs = append(errs, fmt.Errorf("blog[%d]: slugは必須です", i))
		case blogSlugs[b.Slug]:
			errs = append(errs, fmt.Errorf("blog[%d]: slug %q が重複しています", i, b.Slug))
		}
		blogSlugs[b.Slug] = true

		if strings.TrimSpace(b.FeedURL) == "" && strings.TrimSpace(b.URL) == "" {
			errs = append(errs, fmt.Errorf("blog %q: feed_urlまたはurlは必須です", b.Slug))
		}
		for j, f := range b.Feeds {
			switch {
			case strings.TrimSpace(f.Slug) == "":
				errs = append(errs, fmt.Errorf("blog %q feed[%d]: slugは必須です", b.Slug, j))
			case feedSlugs[f.Slug]:
				errs = append(errs, fmt.Errorf("blog %q feed[%d]: slug %q が重複しています", b.Slug, j, f.Slug))
			}
			feedSlugs[f.Slug] = true
		}
	}
	return errors.Join(errs...)
}

// feedsOrDefault はフィード定義を返す。定義がなければブログ全体を対象とするフィードを1つ作る。
func (b ManifestBlog) feedsOrDefault(blogName string) []ManifestFeed {
	if len(b.Feeds) > 0 {
		return b.Feeds
	}
	return []ManifestFeed{{Slug: b.Slug, Name: blogName, Description: b.Description}}
}
