// Package confirmation は埋め込みフォームからの購読申込と確認リンクの処理を提供する。
//
// 申込時には購読を作らず、署名付きの確認リンクをメールで送るだけにする。
// 購読はリンクの署名と有効期間を検証できた時点で初めて作成する。
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/metrics"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/notify"
	"github.com/replaypub/replay/internal/repository"
	"github.com/replaypub/replay/internal/signing"
)

// InitiateStatus は購読申込の結果。
type InitiateStatus string

const (
	// StatusSent は確認メールを送信したことを表す。
	StatusSent InitiateStatus = "sent"
	// StatusAlreadySubscribed は有効な購読が既にあり、メールを送らなかったことを表す。
	StatusAlreadySubscribed InitiateStatus = "already_subscribed"
)

// sideEffectTimeout は購読完了後の歓迎メールと管理者通知に使うタイムアウト。
const sideEffectTimeout = 15 * time.Second

// SubscribeRequest は埋め込みフォームから送られる購読申込。
type SubscribeRequest struct {
	Email         string
	FeedID        string
	BlogID        string
	FrequencyDays int
	Timezone      string
	PreferredHour *int
	PreferredDay  *int
	// FeedName はメール件名に使う表示名。フィードが名前を持つ場合はそちらを優先する。
	FeedName string
}

// Notifier は管理者通知のインターフェース。
type Notifier interface {
	NotifyAsync(ctx context.Context, ev notify.Event) <-chan struct{}
}

// ServiceConfig はリンクとメールに埋め込むURLの設定。
type ServiceConfig struct {
	// APIBaseURL は /api/embed-confirm を提供するオリジン。
	APIBaseURL string
	// AppURL は購読管理ページなど利用者向けページのオリジン。
	AppURL string
}

// Service は購読申込と確認リンク処理のサービス層。
type Service struct {
	subscriberRepo   repository.SubscriberRepository
	subscriptionRepo repository.SubscriptionRepository
	feedRepo         repository.FeedRepository
	blogRepo         repository.BlogRepository
	signer           *signing.Signer
	sender           mailer.Sender
	notifier         Notifier
	metrics          metrics.Recorder
	logger           *slog.Logger
	cfg              ServiceConfig
	now              func() time.Time

	wg sync.WaitGroup
}

// NewService はServiceの新しいインスタンスを生成する。
// recorderがnilの場合はメトリクスを記録しない。
func NewService(
	subscriberRepo repository.SubscriberRepository,
	subscriptionRepo repository.SubscriptionRepository,
	feedRepo repository.FeedRepository,
	blogRepo repository.BlogRepository,
	signer *signing.Signer,
	sender mailer.Sender,
	notifier Notifier,
	recorder metrics.Recorder,
	logger *slog.Logger,
	cfg ServiceConfig,
) *Service {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subscriberRepo:   subscriberRepo,
		subscriptionRepo: subscriptionRepo,
		feedRepo:         feedRepo,
		blogRepo:         blogRepo,
		signer:           signer,
		sender:           sender,
		notifier:         notifier,
		metrics:          recorder,
		logger:           logger,
		cfg:              cfg,
		now:              time.Now,
	}
}

// Initiate は購読申込を検証し、確認メールを送る。
// この時点ではデータベースに何も書き込まない。
func (s *Service) Initiate(ctx context.Context, req SubscribeRequest) (InitiateStatus, error) {
	status, err := s.initiate(ctx, req)
	switch {
	case err == nil:
		s.metrics.RecordSubscribeRequest(string(status))
	case isAPIError(err, model.ErrCodeEmailDeliveryFailed):
		s.metrics.RecordSubscribeRequest("email_failed")
	case isValidationError(err):
		s.metrics.RecordSubscribeRequest("invalid")
	default:
		s.metrics.RecordSubscribeRequest("error")
	}
	return status, err
}

func (s *Service) initiate(ctx context.Context, req SubscribeRequest) (InitiateStatus, error) {
	email := model.NormalizeEmail(req.Email)
	if email == "" {
		return "", model.NewMissingFieldError("email")
	}
	if req.FeedID == "" {
		return "", model.NewMissingFieldError("feed_id")
	}
	if req.BlogID == "" {
		return "", model.NewMissingFieldError("blog_id")
	}
	if !model.IsValidEmail(email) {
		return "", model.NewInvalidFieldError("email", "メールアドレスの形式ではありません")
	}

	schedule := model.Schedule{
		FrequencyDays: req.FrequencyDays,
		PreferredHour: model.DefaultPreferredHour,
		PreferredDay:  req.PreferredDay,
		Timezone:      req.Timezone,
	}.WithDefaults()
	if req.PreferredHour != nil {
		schedule.PreferredHour = *req.PreferredHour
	}
	if err := schedule.Validate(); err != nil {
		return "", err
	}

	feed, err := s.lookupFeed(ctx, req.FeedID, req.BlogID)
	if err != nil {
		return "", err
	}

	existing, err := s.subscriptionRepo.FindActiveByEmailAndFeed(ctx, email, req.FeedID)
	if err != nil {
		return "", fmt.Errorf("既存購読の確認に失敗しました: %w", err)
	}
	if existing != nil {
		s.logger.Info("subscribe request for existing subscription",
			slog.String("email", model.MaskEmail(email)),
			slog.String("feed_id", req.FeedID),
		)
		return StatusAlreadySubscribed, nil
	}

	hour := schedule.PreferredHour
	params := s.signer.Issue(signing.Request{
		Email:         email,
		FeedID:        req.FeedID,
		BlogID:        req.BlogID,
		FrequencyDays: schedule.FrequencyDays,
		Timezone:      schedule.Timezone,
		PreferredHour: &hour,
		PreferredDay:  schedule.PreferredDay,
	})

	displayName := feed.Name
	if displayName == "" {
		displayName = strings.TrimSpace(req.FeedName)
	}
	subject, body, err := mailer.RenderConfirmation(mailer.ConfirmationData{
		FeedName:      displayName,
		ConfirmURL:    signing.ConfirmURL(s.cfg.APIBaseURL, params),
		FrequencyDays: schedule.FrequencyDays,
	})
	if err != nil {
		return "", fmt.Errorf("確認メールの生成に失敗しました: %w", err)
	}

	if _, err := s.sender.Send(ctx, &mailer.Message{To: email, Subject: subject, HTML: body}); err != nil {
		s.metrics.RecordEmailFailed("confirmation")
		s.logger.Error("confirmation email failed",
			slog.String("email", model.MaskEmail(email)),
			slog.String("feed_id", req.FeedID),
			slog.String("error", err.Error()),
		)
		return "", model.NewEmailDeliveryFailedError()
	}
	s.metrics.RecordEmailSent("confirmation")

	return StatusSent, nil
}

// lookupFeed はIDの形式とフィードの所属ブログを確認する。
func (s *Service) lookupFeed(ctx context.Context, feedID, blogID string) (*model.Feed, error) {
	if _, err := uuid.Parse(feedID); err != nil {
		return nil, model.NewInvalidFieldError("feed_id", "UUID形式ではありません")
	}
	if _, err := uuid.Parse(blogID); err != nil {
		return nil, model.NewInvalidFieldError("blog_id", "UUID形式ではありません")
	}

	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || !feed.IsActive || feed.BlogID != blogID {
		return nil, model.NewFeedNotFoundError(feedID)
	}
	return feed, nil
}

// Confirm は確認リンクを検証し、購読を作成する。
// 結果は常にOutcomeで返し、呼び出し元はそれをリダイレクト先に変換する。
func (s *Service) Confirm(ctx context.Context, query url.Values) Outcome {
	outcome := s.confirm(ctx, query)
	s.metrics.RecordConfirmation(outcome.Kind.String())
	return outcome
}

func (s *Service) confirm(ctx context.Context, query url.Values) Outcome {
	params, err := s.signer.Verify(query)
	if err != nil {
		if errors.Is(err, signing.ErrLinkExpired) {
			s.logger.Info("confirmation link expired", slog.String("feed_id", query.Get(signing.ParamFeedID)))
			return Outcome{Kind: OutcomeLinkExpired}
		}
		s.logger.Warn("invalid confirmation link", slog.String("error", err.Error()))
		return Outcome{Kind: OutcomeInvalidLink}
	}

	email := model.NormalizeEmail(params.Email)
	now := s.now()

	subscriber, err := s.subscriberRepo.UpsertConfirmed(ctx, email, now)
	if err != nil {
		s.logConfirmFailure("subscriber upsert failed", email, params.FeedID, err)
		return Outcome{Kind: OutcomeFailed}
	}

	existing, err := s.subscriptionRepo.FindActiveBySubscriberAndFeed(ctx, subscriber.ID, params.FeedID)
	if err != nil {
		s.logConfirmFailure("subscription lookup failed", email, params.FeedID, err)
		return Outcome{Kind: OutcomeFailed}
	}
	if existing != nil {
		return Outcome{Kind: OutcomeAlreadySubscribed}
	}

	hour := model.DefaultPreferredHour
	if params.PreferredHour != nil {
		hour = *params.PreferredHour
	}
	result, err := s.subscriptionRepo.Insert(ctx, &model.NewSubscription{
		SubscriberID:  subscriber.ID,
		BlogID:        params.BlogID,
		FeedID:        params.FeedID,
		FrequencyDays: params.FrequencyDays,
		PreferredHour: hour,
		PreferredDay:  params.PreferredDay,
		Timezone:      params.Timezone,
		// 最初の1通は次回の配信サイクルで送る
		NextSendAt: now,
	})
	if err != nil {
		s.logConfirmFailure("subscription insert failed", email, params.FeedID, err)
		return Outcome{Kind: OutcomeFailed}
	}
	if result.Status == repository.AlreadyExists {
		s.logger.Info("concurrent confirmation lost the insert race",
			slog.String("email", model.MaskEmail(email)),
			slog.String("feed_id", params.FeedID),
		)
		return Outcome{Kind: OutcomeAlreadySubscribed}
	}

	feedName := s.displayName(ctx, params.FeedID, params.BlogID)
	s.logger.Info("subscription created",
		slog.String("subscription_id", result.ID),
		slog.String("email", model.MaskEmail(email)),
		slog.String("feed_id", params.FeedID),
	)

	s.afterSubscribe(ctx, email, feedName, result.ID, params)

	return Outcome{Kind: OutcomeSubscribed, FeedName: feedName, SubscriptionID: result.ID}
}

// displayName はフィード名、なければブログ名を返す。取得に失敗した場合は空文字。
func (s *Service) displayName(ctx context.Context, feedID, blogID string) string {
	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		s.logger.Warn("feed name lookup failed", slog.String("feed_id", feedID), slog.String("error", err.Error()))
	} else if feed != nil && feed.Name != "" {
		return feed.Name
	}

	blog, err := s.blogRepo.FindByID(ctx, blogID)
	if err != nil {
		s.logger.Warn("blog name lookup failed", slog.String("blog_id", blogID), slog.String("error", err.Error()))
		return ""
	}
	if blog != nil {
		return blog.Name
	}
	return ""
}

// afterSubscribe は歓迎メールと管理者通知をリクエストから切り離して送る。
// どちらの失敗も購読の結果には影響しない。
func (s *Service) afterSubscribe(ctx context.Context, email, feedName, subscriptionID string, params *signing.VerifiedParams) {
	detached := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(detached, sideEffectTimeout)
		defer cancel()
		s.sendWelcome(sendCtx, email, feedName, subscriptionID)
	}()

	if s.notifier == nil {
		return
	}
	done := s.notifier.NotifyAsync(detached, notify.Event{
		Type: notify.EventSubscription,
		Details: []mailer.Detail{
			{Key: "email", Value: email},
			{Key: "feedName", Value: feedName},
			{Key: "feedId", Value: params.FeedID},
			{Key: "blogId", Value: params.BlogID},
			{Key: "frequency", Value: fmt.Sprintf("every %d days", params.FrequencyDays)},
			{Key: "timezone", Value: params.Timezone},
		},
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-done
	}()
}

func (s *Service) sendWelcome(ctx context.Context, email, feedName, subscriptionID string) {
	subject, body, err := mailer.RenderWelcome(mailer.WelcomeData{
		FeedName:  feedName,
		ManageURL: mailer.UnsubscribeURL(s.cfg.AppURL, subscriptionID),
	})
	if err != nil {
		s.logger.Error("welcome email render failed", slog.String("error", err.Error()))
		return
	}
	if _, err := s.sender.Send(ctx, &mailer.Message{To: email, Subject: subject, HTML: body}); err != nil {
		s.metrics.RecordEmailFailed("welcome")
		s.logger.Warn("welcome email failed",
			slog.String("subscription_id", subscriptionID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.RecordEmailSent("welcome")
}

// Wait は実行中の歓迎メール送信と管理者通知の完了を待つ。
// サーバー停止時に呼び出す。
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) logConfirmFailure(msg, email, feedID string, err error) {
	s.logger.Error(msg,
		slog.String("email", model.MaskEmail(email)),
		slog.String("feed_id", feedID),
		slog.String("error", err.Error()),
	)
}

func isAPIError(err error, code string) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func isValidationError(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Category == "validation"
}
