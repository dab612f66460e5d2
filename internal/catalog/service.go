// Package catalog はブログ・フィード・記事の公開カタログとブログ追加リクエストを提供する。
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/notify"
	"github.com/replaypub/replay/internal/repository"
)

const (
	// defaultCountConcurrency はタグ別記事数を数える際の既定の並列数。
	defaultCountConcurrency = 8
	// defaultPostLimit は記事一覧の既定の件数。
	defaultPostLimit = 50
	// maxPostLimit は記事一覧の最大件数。
	maxPostLimit = 500
	// defaultRequestLimit はリクエスト一覧の既定の件数。
	defaultRequestLimit = 20
)

// URLValidator はDNS解決を伴わないURLの静的検証のインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Notifier は管理者通知のインターフェース。
type Notifier interface {
	NotifyAsync(ctx context.Context, ev notify.Event) <-chan struct{}
}

// Service はカタログ参照とブログ追加リクエストのサービス層。
type Service struct {
	blogRepo         repository.BlogRepository
	feedRepo         repository.FeedRepository
	postRepo         repository.PostRepository
	requestRepo      repository.BlogRequestRepository
	validator        URLValidator
	notifier         Notifier
	logger           *slog.Logger
	countConcurrency int
}

// NewService はServiceの新しいインスタンスを生成する。
// countConcurrencyが0以下の場合は既定値を使用する。
func NewService(
	blogRepo repository.BlogRepository,
	feedRepo repository.FeedRepository,
	postRepo repository.PostRepository,
	requestRepo repository.BlogRequestRepository,
	validator URLValidator,
	notifier Notifier,
	logger *slog.Logger,
	countConcurrency int,
) *Service {
	if countConcurrency <= 0 {
		countConcurrency = defaultCountConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		blogRepo:         blogRepo,
		feedRepo:         feedRepo,
		postRepo:         postRepo,
		requestRepo:      requestRepo,
		validator:        validator,
		notifier:         notifier,
		logger:           logger,
		countConcurrency: countConcurrency,
	}
}

// ListFeeds は有効なフィードを記事数付きで返す。
// タグで絞り込むフィードの記事数はフィードごとに並列で数える。結果の順序は入力と同じ。
func (s *Service) ListFeeds(ctx context.Context) ([]model.FeedWithCount, error) {
	feeds, err := s.feedRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}

	sem := make(chan struct{}, s.countConcurrency)
	var wg sync.WaitGroup
	errs := make([]error, len(feeds))

	for i := range feeds {
		if feeds[i].TagFilter == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}

		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			f := &feeds[i]
			count, err := s.postRepo.CountByTag(ctx, f.BlogID, f.TagFilter)
			if err != nil {
				errs[i] = fmt.Errorf("フィード %s の記事数の取得に失敗しました: %w", f.Slug, err)
				return
			}
			f.PostCount = count
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return feeds, nil
}

// GetBlog はslugでブログと配下のフィードを返す。
func (s *Service) GetBlog(ctx context.Context, slug string) (*model.BlogWithFeeds, error) {
	blog, err := s.blogRepo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("ブログの取得に失敗しました: %w", err)
	}
	if blog == nil || !blog.IsActive {
		return nil, model.NewBlogNotFoundError(slug)
	}

	feeds, err := s.feedRepo.ListByBlogID(ctx, blog.ID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return &model.BlogWithFeeds{Blog: *blog, Feeds: feeds}, nil
}

// GetFeed はslugでフィードを返す。
func (s *Service) GetFeed(ctx context.Context, slug string) (*model.Feed, error) {
	feed, err := s.feedRepo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || !feed.IsActive {
		return nil, model.NewFeedNotFoundError(slug)
	}
	return feed, nil
}

// ListPosts はブログの記事をpost_index順に返す。tagが空でなければタグで絞り込む。
func (s *Service) ListPosts(ctx context.Context, blogSlug, tag string, limit int) ([]*model.Post, error) {
	blog, err := s.blogRepo.FindBySlug(ctx, blogSlug)
	if err != nil {
		return nil, fmt.Errorf("ブログの取得に失敗しました: %w", err)
	}
	if blog == nil || !blog.IsActive {
		return nil, model.NewBlogNotFoundError(blogSlug)
	}

	posts, err := s.postRepo.ListByBlog(ctx, blog.ID, strings.TrimSpace(tag), clampLimit(limit, defaultPostLimit, maxPostLimit))
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// SubmitRequest はブログ追加リクエストを登録する。既に同じURLがあれば投票数を増やす。
func (s *Service) SubmitRequest(ctx context.Context, rawURL, requesterEmail, note string) (*model.BlogRequest, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, model.NewMissingFieldError("url")
	}
	if err := s.validator.ValidateURL(rawURL); err != nil {
		s.logger.Warn("blog request URL rejected",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSSRFBlockedError()
	}

	email := model.NormalizeEmail(requesterEmail)
	if email != "" && !model.IsValidEmail(email) {
		return nil, model.NewInvalidFieldError("email", "メールアドレスの形式ではありません")
	}

	req, err := s.requestRepo.UpsertVote(ctx, &model.BlogRequest{
		URL:            rawURL,
		RequesterEmail: email,
		Note:           strings.TrimSpace(note),
		Status:         model.BlogRequestPending,
	})
	if err != nil {
		return nil, fmt.Errorf("ブログ追加リクエストの保存に失敗しました: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyAsync(ctx, notify.Event{
			Type: notify.EventRequest,
			Details: []mailer.Detail{
				{Key: "url", Value: req.URL},
				{Key: "email", Value: email},
				{Key: "note", Value: req.Note},
				{Key: "votes", Value: strconv.Itoa(req.VoteCount)},
			},
		})
	}
	return req, nil
}

// TopRequests は保留中のリクエストを投票数の多い順に返す。
func (s *Service) TopRequests(ctx context.Context, limit int) ([]*model.BlogRequest, error) {
	reqs, err := s.requestRepo.ListTop(ctx, clampLimit(limit, defaultRequestLimit, 100))
	if err != nil {
		return nil, fmt.Errorf("ブログ追加リクエストの取得に失敗しました: %w", err)
	}
	return reqs, nil
}

func clampLimit(limit, def, upper int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, upper)
}
