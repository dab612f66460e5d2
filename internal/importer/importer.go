// Package importer はブログのRSS/Atomフィードを取得し、記事アーカイブとしてデータベースへ取り込む。
package importer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/replaypub/replay/internal/content"
	"github.com/replaypub/replay/internal/metrics"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBodySize = 10 << 20
)

// ErrBodyTooLarge はフィードのサイズが上限を超えた場合に返される。
var ErrBodyTooLarge = errors.New("feed body exceeds size limit")

// URLGuard はフィードURLの検証と安全なHTTPクライアント生成のインターフェース。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Options はインポートの動作設定。
type Options struct {
	Timeout     time.Duration
	MaxBodySize int64
	DryRun      bool // trueの場合は取得と整形のみ行い、保存しない
}

// BlogResult は1ブログ分のインポート結果。
type BlogResult struct {
	Slug     string
	BlogID   string
	Posts    int
	Feeds    int
	TagCount map[string]int
}

// Importer はマニフェストに従ってブログを取り込む。
type Importer struct {
	blogRepo repository.BlogRepository
	feedRepo repository.FeedRepository
	postRepo repository.PostRepository
	guard    URLGuard
	cleaner  *content.Cleaner
	metrics  metrics.Recorder
	logger   *slog.Logger
	opts     Options
}

// New はImporterを生成する。
func New(
	blogRepo repository.BlogRepository,
	feedRepo repository.FeedRepository,
	postRepo repository.PostRepository,
	guard URLGuard,
	cleaner *content.Cleaner,
	recorder metrics.Recorder,
	logger *slog.Logger,
	opts Options,
) *Importer {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if cleaner == nil {
		cleaner = content.NewCleaner(nil)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		blogRepo: blogRepo,
		feedRepo: feedRepo,
		postRepo: postRepo,
		guard:    guard,
		cleaner:  cleaner,
		metrics:  recorder,
		logger:   logger,
		opts:     opts,
	}
}

// ImportManifest はマニフェストの全ブログを順に取り込む。
// 1ブログの失敗で中断せず、失敗はまとめて返す。
func (im *Importer) ImportManifest(ctx context.Context, m *Manifest) ([]BlogResult, error) {
	var results []BlogResult
	var errs []error
	for _, b := range m.Blogs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := im.ImportBlog(ctx, b)
		if err != nil {
			im.logger.Error("ブログのインポートに失敗しました",
				slog.String("blog", b.Slug),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", b.Slug, err))
			continue
		}
		results = append(results, *res)
	}
	return results, errors.Join(errs...)
}

// ImportBlog はブログのフィードを取得し、古い順にpost_indexを振って保存する。
// ブログはslug、記事は(blog_id, post_index)、フィードはslugをキーに更新するため、
// 同じマニフェストで何度実行しても結果は変わらない。
func (im *Importer) ImportBlog(ctx context.Context, b ManifestBlog) (*BlogResult, error) {
	start := time.Now()

	feedURL := strings.TrimSpace(b.FeedURL)
	if feedURL == "" {
		discovered, err := im.discoverFeedURL(ctx, b.URL)
		if err != nil {
			return nil, err
		}
		im.logger.Info("フィードURLを検出しました",
			slog.String("blog", b.Slug),
			slog.String("feed_url", discovered),
		)
		feedURL = discovered
	}

	if err := im.guard.ValidateURL(feedURL); err != nil {
		return nil, fmt.Errorf("フィードURLが許可されていません: %w", err)
	}

	body, err := im.fetch(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	blog := &model.Blog{
		Slug:        b.Slug,
		Name:        cmp.Or(strings.TrimSpace(b.Name), strings.TrimSpace(parsed.Title), b.Slug),
		Author:      b.Author,
		AuthorEmail: b.AuthorEmail,
		Description: cmp.Or(b.Description, parsed.Description),
		URL:         cmp.Or(b.URL, parsed.Link),
		FeedURL:     feedURL,
		IsActive:    true,
	}
	if blog.Author == "" && parsed.Author != nil {
		blog.Author = parsed.Author.Name
	}

	items := orderOldestFirst(convertItems(parsed.Items))
	posts := make([]*model.Post, 0, len(items))
	tagCount := make(map[string]int)
	for _, item := range items {
		// スキップした記事があってもpost_indexは連番にする
		post, err := im.buildPost(item, len(posts)+1, blog.URL)
		if err != nil {
			im.logger.Warn("記事の整形に失敗したためスキップします",
				slog.String("blog", b.Slug),
				slog.String("link", item.Link),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, tag := range post.Tags {
			tagCount[tag]++
		}
		posts = append(posts, post)
	}
	blog.PostCount = len(posts)

	feeds := b.feedsOrDefault(blog.Name)
	for _, f := range feeds {
		if f.Tag != "" && tagCount[normalizeTag(f.Tag)] == 0 {
			im.logger.Warn("タグに一致する記事がありません",
				slog.String("blog", b.Slug),
				slog.String("feed", f.Slug),
				slog.String("tag", f.Tag),
			)
		}
	}

	result := &BlogResult{Slug: b.Slug, Posts: len(posts), Feeds: len(feeds), TagCount: tagCount}
	if im.opts.DryRun {
		im.logger.Info("dry run: blog parsed",
			slog.String("blog", b.Slug),
			slog.Int("posts", len(posts)),
			slog.Int("feeds", len(feeds)),
		)
		return result, nil
	}

	if err := im.blogRepo.Upsert(ctx, blog); err != nil {
		return nil, err
	}
	result.BlogID = blog.ID

	for _, post := range posts {
		post.BlogID = blog.ID
		if err := im.postRepo.Upsert(ctx, post); err != nil {
			return nil, fmt.Errorf("記事 %d の保存に失敗しました: %w", post.PostIndex, err)
		}
	}
	for _, f := range feeds {
		feed := &model.Feed{
			BlogID:      blog.ID,
			Slug:        f.Slug,
			Name:        cmp.Or(f.Name, blog.Name),
			Description: f.Description,
			TagFilter:   normalizeTag(f.Tag),
			IsActive:    true,
		}
		if err := im.feedRepo.Upsert(ctx, feed); err != nil {
			return nil, fmt.Errorf("フィード %s の保存に失敗しました: %w", f.Slug, err)
		}
	}

	im.metrics.RecordPostsImported(len(posts))
	im.logger.Info("ブログのインポートが完了しました",
		slog.String("blog", b.Slug),
		slog.String("blog_id", blog.ID),
		slog.Int("posts", len(posts)),
		slog.Int("feeds", len(feeds)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// fetch はフィード本文を取得する。サイズ上限を超えた場合はエラーにする。
func (im *Importer) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Replay/1.0 (+archive importer)")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := im.guard.NewSafeClient(im.opts.Timeout).Do(req)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("フィードの取得に失敗しました: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, im.opts.MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if int64(len(body)) > im.opts.MaxBodySize {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, im.opts.MaxBodySize)
	}
	return body, nil
}

// buildPost はパース済みの記事を整形してPostにする。
func (im *Importer) buildPost(item model.ParsedPost, index int, blogURL string) (*model.Post, error) {
	raw := cmp.Or(item.Content, item.Summary)
	cleaned, err := im.cleaner.Clean(raw, cmp.Or(blogURL, item.Link))
	if err != nil {
		return nil, err
	}

	title := cmp.Or(strings.TrimSpace(item.Title), "Untitled")
	slug := content.Slugify(title)
	if slug == "" {
		slug = "post-" + strconv.Itoa(index)
	}

	tags := make([]string, 0, len(item.Tags))
	for _, t := range item.Tags {
		if tag := normalizeTag(t); tag != "" && !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}

	return &model.Post{
		Title:              title,
		Slug:               slug,
		ContentHTML:        cleaned.HTML,
		ContentText:        cleaned.Text,
		Excerpt:            cleaned.Excerpt,
		OriginalURL:        item.Link,
		PublishedAt:        item.PublishedAt,
		PostIndex:          index,
		WordCount:          cleaned.WordCount,
		ReadingTimeMinutes: cleaned.ReadingTimeMinutes,
		Tags:               tags,
	}, nil
}

// convertItems はgofeedの記事をmodel.ParsedPostに変換する。
func convertItems(items []*gofeed.Item) []model.ParsedPost {
	posts := make([]model.ParsedPost, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		p := model.ParsedPost{
			Title:   item.Title,
			Link:    item.Link,
			Content: item.Content,
			Summary: item.Description,
			Tags:    item.Categories,
		}
		if item.PublishedParsed != nil {
			t := item.PublishedParsed.UTC()
			p.PublishedAt = &t
		} else if item.UpdatedParsed != nil {
			t := item.UpdatedParsed.UTC()
			p.PublishedAt = &t
		}
		posts = append(posts, p)
	}
	return posts
}

// orderOldestFirst は記事を古い順に並べる。
// 全記事に日付があれば日付順、そうでなければフィードの並び（新しい順）を反転する。
func orderOldestFirst(posts []model.ParsedPost) []model.ParsedPost {
	slices.Reverse(posts)
	for _, p := range posts {
		if p.PublishedAt == nil {
			return posts
		}
	}
	slices.SortStableFunc(posts, func(a, b model.ParsedPost) int {
		return a.PublishedAt.Compare(*b.PublishedAt)
	})
	return posts
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
