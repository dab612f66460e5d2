package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/replaypub/replay/internal/model"
)

// CatalogServiceInterface はカタログハンドラーが必要とするサービスインターフェース。
type CatalogServiceInterface interface {
	ListFeeds(ctx context.Context) ([]model.FeedWithCount, error)
	GetBlog(ctx context.Context, slug string) (*model.BlogWithFeeds, error)
	ListPosts(ctx context.Context, blogSlug, tag string, limit int) ([]*model.Post, error)
	SubmitRequest(ctx context.Context, rawURL, requesterEmail, note string) (*model.BlogRequest, error)
	TopRequests(ctx context.Context, limit int) ([]*model.BlogRequest, error)
}

// CatalogHandler は公開カタログとブログ追加リクエストのHTTPハンドラー。
type CatalogHandler struct {
	service CatalogServiceInterface
	logger  *slog.Logger
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(service CatalogServiceInterface, logger *slog.Logger) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogHandler{service: service, logger: logger}
}

type feedResponse struct {
	ID          string `json:"id"`
	BlogID      string `json:"blog_id"`
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TagFilter   string `json:"tag_filter,omitempty"`
	BlogSlug    string `json:"blog_slug,omitempty"`
	BlogName    string `json:"blog_name,omitempty"`
	Author      string `json:"author,omitempty"`
	PostCount   int    `json:"post_count"`
}

type blogResponse struct {
	ID          string         `json:"id"`
	Slug        string         `json:"slug"`
	Name        string         `json:"name"`
	Author      string         `json:"author"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	PostCount   int            `json:"post_count"`
	Feeds       []feedResponse `json:"feeds"`
}

type postResponse struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Slug               string     `json:"slug"`
	Excerpt            string     `json:"excerpt"`
	OriginalURL        string     `json:"original_url"`
	PublishedAt        *time.Time `json:"published_at,omitempty"`
	PostIndex          int        `json:"post_index"`
	WordCount          int        `json:"word_count"`
	ReadingTimeMinutes int        `json:"reading_time_minutes"`
	Tags               []string   `json:"tags"`
}

type blogRequestResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Note      string    `json:"note,omitempty"`
	VoteCount int       `json:"vote_count"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type blogRequestBody struct {
	URL   string `json:"url"`
	Email string `json:"email"`
	Note  string `json:"note"`
}

// ListFeeds は有効なフィードを記事数付きで返す。
// GET /api/feeds
func (h *CatalogHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.service.ListFeeds(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		fr := toFeedResponse(f.Feed)
		fr.BlogSlug = f.BlogSlug
		fr.BlogName = f.BlogName
		fr.Author = f.Author
		fr.PostCount = f.PostCount
		resp = append(resp, fr)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBlog はブログと配下のフィードを返す。
// GET /api/blogs/{slug}
func (h *CatalogHandler) GetBlog(w http.ResponseWriter, r *http.Request) {
	blog, err := h.service.GetBlog(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	feeds := make([]feedResponse, 0, len(blog.Feeds))
	for _, f := range blog.Feeds {
		feeds = append(feeds, toFeedResponse(f))
	}
	writeJSON(w, http.StatusOK, blogResponse{
		ID:          blog.ID,
		Slug:        blog.Slug,
		Name:        blog.Name,
		Author:      blog.Author,
		Description: blog.Description,
		URL:         blog.URL,
		PostCount:   blog.PostCount,
		Feeds:       feeds,
	})
}

// ListPosts はブログの記事をpost_index順に返す。
// GET /api/blogs/{slug}/posts?tag=&limit=
func (h *CatalogHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	posts, err := h.service.ListPosts(r.Context(), chi.URLParam(r, "slug"), r.URL.Query().Get("tag"), limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		tags := p.Tags
		if tags == nil {
			tags = []string{}
		}
		resp = append(resp, postResponse{
			ID:                 p.ID,
			Title:              p.Title,
			Slug:               p.Slug,
			Excerpt:            p.Excerpt,
			OriginalURL:        p.OriginalURL,
			PublishedAt:        p.PublishedAt,
			PostIndex:          p.PostIndex,
			WordCount:          p.WordCount,
			ReadingTimeMinutes: p.ReadingTimeMinutes,
			Tags:               tags,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRequests は保留中のブログ追加リクエストを投票数順に返す。
// GET /api/blog-requests?limit=
func (h *CatalogHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	reqs, err := h.service.TopRequests(r.Context(), limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]blogRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		resp = append(resp, toBlogRequestResponse(req))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SubmitRequest はブログ追加リクエストを登録または投票する。
// POST /api/blog-requests
func (h *CatalogHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body blogRequestBody
	if !decodeJSONBody(w, r, &body) {
		return
	}

	req, err := h.service.SubmitRequest(r.Context(), body.URL, body.Email, body.Note)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	status := http.StatusCreated
	if req.VoteCount > 1 {
		status = http.StatusOK
	}
	writeJSON(w, status, toBlogRequestResponse(req))
}

func toFeedResponse(f model.Feed) feedResponse {
	return feedResponse{
		ID:          f.ID,
		BlogID:      f.BlogID,
		Slug:        f.Slug,
		Name:        f.Name,
		Description: f.Description,
		TagFilter:   f.TagFilter,
	}
}

func toBlogRequestResponse(req *model.BlogRequest) blogRequestResponse {
	return blogRequestResponse{
		ID:        req.ID,
		URL:       req.URL,
		Note:      req.Note,
		VoteCount: req.VoteCount,
		Status:    string(req.Status),
		CreatedAt: req.CreatedAt,
	}
}

// parseLimit はlimitクエリを解釈する。未指定は0。不正な値の場合は400を書き込みfalseを返す。
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFieldError("limit", raw))
		return 0, false
	}
	return n, true
}
