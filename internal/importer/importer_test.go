package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Paul Graham: Essays</title>
  <link>https://paulgraham.com/</link>
  <description>Essays on startups and programming</description>
  <item>
    <title>How to Do Great Work</title>
    <link>https://paulgraham.com/greatwork.html</link>
    <pubDate>Sat, 01 Jul 2023 00:00:00 GMT</pubDate>
    <category>Work</category>
    <description><![CDATA[<p>If you collected lists of techniques.</p><script>x()</script>]]></description>
  </item>
  <item>
    <title>Superlinear Returns</title>
    <link>https://paulgraham.com/superlinear.html</link>
    <pubDate>Sun, 01 Oct 2023 00:00:00 GMT</pubDate>
    <category>startups</category>
    <description><![CDATA[<p>One of the most important things.</p><img src="/img/curve.png">]]></description>
  </item>
  <item>
    <title>Do Things that Don't Scale</title>
    <link>https://paulgraham.com/ds.html</link>
    <pubDate>Mon, 01 Jul 2013 00:00:00 GMT</pubDate>
    <category>Startups</category>
    <description><![CDATA[<p>One of the most common types of advice.</p>]]></description>
  </item>
</channel>
</rss>`

// fakeGuard はhttptestサーバーへ接続できるURLGuard。
type fakeGuard struct {
	client      *http.Client
	validateErr error
}

func (g *fakeGuard) ValidateURL(string) error { return g.validateErr }
func (g *fakeGuard) NewSafeClient(time.Duration) *http.Client { return g.client }

type memBlogs struct {
	repository.BlogRepository
	mu    sync.Mutex
	blogs map[string]*model.Blog
}

func (m *memBlogs) Upsert(_ context.Context, b *model.Blog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.blogs[b.Slug]; ok {
		b.ID = existing.ID
	} else {
		b.ID = fmt.Sprintf("blog-%d", len(m.blogs)+1)
	}
	cp := *b
	m.blogs[b.Slug] = &cp
	return nil
}

type memFeeds struct {
	repository.FeedRepository
	feeds map[string]*model.Feed
}

func (m *memFeeds) Upsert(_ context.Context, f *model.Feed) error {
	f.ID = "feed-" + f.Slug
	cp := *f
	m.feeds[f.Slug] = &cp
	return nil
}

type memPosts struct {
	repository.PostRepository
	posts map[int]*model.Post
	err   error
}

func (m *memPosts) Upsert(_ context.Context, p *model.Post) error {
	if m.err != nil {
		return m.err
	}
	cp := *p
	m.posts[p.PostIndex] = &cp
	return nil
}

type countRecorder struct {
	imported int
}

func (r *countRecorder) RecordSubscribeRequest(string) {}
func (r *countRecorder) RecordConfirmation(string) {}
func (r *countRecorder) RecordEmailSent(string) {}
func (r *countRecorder) RecordEmailFailed(string) {}
func (r *countRecorder) RecordHTTPStatus(int) {}
func (r *countRecorder) RecordDripCycle(time.Duration, int, int) {}
func (r *countRecorder) RecordPostsImported(n int) { r.imported += n }

type fixture struct {
	blogs    *memBlogs
	feeds    *memFeeds
	posts    *memPosts
	recorder *countRecorder
	guard    *fakeGuard
	server   *httptest.Server
}

func newFixture(t *testing.T, handler http.HandlerFunc) *fixture {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &fixture{
		blogs:    &memBlogs{blogs: make(map[string]*model.Blog)},
		feeds:    &memFeeds{feeds: make(map[string]*model.Feed)},
		posts:    &memPosts{posts: make(map[int]*model.Post)},
		recorder: &countRecorder{},
		guard:    &fakeGuard{client: ts.Client()},
		server:   ts,
	}
}

func (f *fixture) importer(opts Options) *Importer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.blogs, f.feeds, f.posts, f.guard, nil, f.recorder, logger, opts)
}

func serveRSS(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		io.WriteString(w, body)
	}
}

// TestImportBlog は記事が古い順にpost_indexを振られ、整形して保存されることをテストする。
func TestImportBlog(t *testing.T) {
	f := newFixture(t, serveRSS(testRSS))
	im := f.importer(Options{})

	res, err := im.ImportBlog(context.Background(), ManifestBlog{
		Slug:    "paul-graham",
		URL:     "https://paulgraham.com",
		FeedURL: f.server.URL + "/rss.xml",
		Feeds: []ManifestFeed{
			{Slug: "paul-graham-startups", Name: "Startups", Tag: "Startups"},
		},
	})
	if err != nil {
		t.Fatalf("ImportBlog failed: %v", err)
	}
	if res.Posts != 3 || res.Feeds != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	wantOrder := []string{"Do Things that Don't Scale", "How to Do Great Work", "Superlinear Returns"}
	for i, title := range wantOrder {
		p := f.posts.posts[i+1]
		if p == nil {
			t.Fatalf("post_index %d missing", i+1)
		}
		if p.Title != title {
			t.Errorf("post_index %d: expected %q, got %q", i+1, title, p.Title)
		}
		if p.BlogID != "blog-1" {
			t.Errorf("post_index %d: unexpected blog id %q", i+1, p.BlogID)
		}
	}

	great := f.posts.posts[2]
	if strings.Contains(great.ContentHTML, "script") {
		t.Errorf("script should be removed: %s", great.ContentHTML)
	}
	if great.Slug != "how-to-do-great-work" {
		t.Errorf("unexpected slug %q", great.Slug)
	}
	if great.ReadingTimeMinutes != 1 || great.WordCount == 0 {
		t.Errorf("unexpected metrics: words=%d minutes=%d", great.WordCount, great.ReadingTimeMinutes)
	}
	if len(great.Tags) != 1 || great.Tags[0] != "work" {
		t.Errorf("tags should be normalized, got %v", great.Tags)
	}

	superlinear := f.posts.posts[3]
	if !strings.Contains(superlinear.ContentHTML, `src="https://paulgraham.com/img/curve.png"`) {
		t.Errorf("relative image should be absolute: %s", superlinear.ContentHTML)
	}

	blog := f.blogs.blogs["paul-graham"]
	if blog.Name != "Paul Graham: Essays" {
		t.Errorf("blog name should fall back to feed title, got %q", blog.Name)
	}
	if blog.PostCount != 3 || !blog.IsActive {
		t.Errorf("unexpected blog: %+v", blog)
	}

	feed := f.feeds.feeds["paul-graham-startups"]
	if feed == nil || feed.TagFilter != "startups" || feed.BlogID != "blog-1" {
		t.Errorf("unexpected feed: %+v", feed)
	}
	if res.TagCount["startups"] != 2 {
		t.Errorf("expected 2 startups posts, got %d", res.TagCount["startups"])
	}
	if f.recorder.imported != 3 {
		t.Errorf("expected 3 imported posts recorded, got %d", f.recorder.imported)
	}
}

// TestImportBlog_DefaultFeed はフィード定義がない場合にブログ全体のフィードが作られることをテストする。
func TestImportBlog_DefaultFeed(t *testing.T) {
	f := newFixture(t, serveRSS(testRSS))
	im := f.importer(Options{})

	_, err := im.ImportBlog(context.Background(), ManifestBlog{
		Slug:    "pg",
		Name:    "Paul Graham",
		FeedURL: f.server.URL,
	})
	if err != nil {
		t.Fatalf("ImportBlog failed: %v", err)
	}
	feed := f.feeds.feeds["pg"]
	if feed == nil {
		t.Fatal("default feed should be created")
	}
	if feed.Name != "Paul Graham" || feed.TagFilter != "" {
		t.Errorf("unexpected default feed: %+v", feed)
	}
}

// TestImportBlog_Idempotent は同じ内容で再実行してもIDと件数が変わらないことをテストする。
func TestImportBlog_Idempotent(t *testing.T) {
	f := newFixture(t, serveRSS(testRSS))
	im := f.importer(Options{})
	b := ManifestBlog{Slug: "pg", FeedURL: f.server.URL}

	first, err := im.ImportBlog(context.Background(), b)
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	second, err := im.ImportBlog(context.Background(), b)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if first.BlogID != second.BlogID {
		t.Errorf("blog id changed: %s -> %s", first.BlogID, second.BlogID)
	}
	if len(f.posts.posts) != 3 || len(f.blogs.blogs) != 1 {
		t.Errorf("rows duplicated: posts=%d blogs=%d", len(f.posts.posts), len(f.blogs.blogs))
	}
}

// TestImportBlog_DryRun はドライランでは何も保存しないことをテストする。
func TestImportBlog_DryRun(t *testing.T) {
	f := newFixture(t, serveRSS(testRSS))
	im := f.importer(Options{DryRun: true})

	res, err := im.ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: f.server.URL})
	if err != nil {
		t.Fatalf("ImportBlog failed: %v", err)
	}
	if res.Posts != 3 {
		t.Errorf("expected 3 parsed posts, got %d", res.Posts)
	}
	if len(f.blogs.blogs) != 0 || len(f.posts.posts) != 0 || len(f.feeds.feeds) != 0 {
		t.Error("dry run should not write anything")
	}
	if f.recorder.imported != 0 {
		t.Error("dry run should not record imported posts")
	}
}

// TestImportBlog_Undated は日付のない記事をフィードの逆順で取り込むことをテストする。
func TestImportBlog_Undated(t *testing.T) {
	rss := `<rss version="2.0"><channel><title>Undated</title>
<item><title>Newest</title><link>https://example.com/3</link><description>c</description></item>
<item><title>Middle</title><link>https://example.com/2</link><description>b</description></item>
<item><title>Oldest</title><link>https://example.com/1</link><description>a</description></item>
</channel></rss>`
	f := newFixture(t, serveRSS(rss))
	im := f.importer(Options{})

	if _, err := im.ImportBlog(context.Background(), ManifestBlog{Slug: "undated", FeedURL: f.server.URL}); err != nil {
		t.Fatalf("ImportBlog failed: %v", err)
	}
	for i, want := range []string{"Oldest", "Middle", "Newest"} {
		if got := f.posts.posts[i+1].Title; got != want {
			t.Errorf("post_index %d: expected %q, got %q", i+1, want, got)
		}
	}
}

// TestImportBlog_Failures は取得・検証・保存の失敗がエラーになることをテストする。
func TestImportBlog_Failures(t *testing.T) {
	t.Run("URL検証エラー", func(t *testing.T) {
		f := newFixture(t, serveRSS(testRSS))
		f.guard.validateErr = errors.New("blocked")
		_, err := f.importer(Options{}).ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: "http://10.0.0.1/feed"})
		if err == nil {
			t.Fatal("expected validation error")
		}
	})

	t.Run("HTTPエラー", func(t *testing.T) {
		f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := f.importer(Options{}).ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: f.server.URL})
		if err == nil || !strings.Contains(err.Error(), "500") {
			t.Fatalf("expected HTTP 500 error, got %v", err)
		}
	})

	t.Run("サイズ超過", func(t *testing.T) {
		f := newFixture(t, serveRSS(testRSS))
		_, err := f.importer(Options{MaxBodySize: 64}).ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: f.server.URL})
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("expected ErrBodyTooLarge, got %v", err)
		}
	})

	t.Run("パースエラー", func(t *testing.T) {
		f := newFixture(t, serveRSS("this is not a feed"))
		_, err := f.importer(Options{}).ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: f.server.URL})
		if err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("保存エラー", func(t *testing.T) {
		f := newFixture(t, serveRSS(testRSS))
		f.posts.err = errors.New("disk full")
		_, err := f.importer(Options{}).ImportBlog(context.Background(), ManifestBlog{Slug: "pg", FeedURL: f.server.URL})
		if err == nil {
			t.Fatal("expected storage error")
		}
	})
}

// TestImportManifest は1ブログの失敗で他のブログの取り込みが止まらないことをテストする。
func TestImportManifest(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, testRSS)
	})
	im := f.importer(Options{})

	results, err := im.ImportManifest(context.Background(), &Manifest{Blogs: []ManifestBlog{
		{Slug: "broken", FeedURL: f.server.URL + "/broken"},
		{Slug: "pg", FeedURL: f.server.URL + "/rss"},
	}})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected error mentioning broken blog, got %v", err)
	}
	if len(results) != 1 || results[0].Slug != "pg" {
		t.Errorf("expected pg to be imported, got %+v", results)
	}
}
