// Package drip は購読者へ記事を1通ずつ配信するドリップ送信ジョブを提供する。
package drip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/metrics"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
	"github.com/replaypub/replay/internal/schedule"
)

// Config は送信ジョブの設定。
type Config struct {
	// Interval は送信サイクルの実行間隔（デフォルト: 15分）。
	Interval time.Duration
	// APIInterval はメール送信APIの呼び出し間隔（デフォルト: 500ミリ秒）。
	APIInterval time.Duration
	// BatchSize は1サイクルで取得する配信対象の最大件数（デフォルト: 100）。
	BatchSize int
	// Limit は1サイクルで送信する最大件数。0なら無制限。
	Limit int
	// DryRun がtrueの場合は描画のみ行い、送信も進捗の更新もしない。
	DryRun bool
	// AppURL は配信停止リンクに使うフロントエンドのURL。
	AppURL string
	// ReplyTo はList-Unsubscribeのmailto先。
	ReplyTo string
}

// DefaultConfig はデフォルトの送信ジョブ設定を返す。
func DefaultConfig() Config {
	return Config{
		Interval:    15 * time.Minute,
		APIInterval: 500 * time.Millisecond,
		BatchSize:   100,
	}
}

// CycleResult は1サイクルの結果。
type CycleResult struct {
	Due       int
	Sent      int
	Failed    int
	Completed int
	DryRun    bool
}

// Sender はドリップ配信の送信ジョブ。
// 期限を迎えた購読に次の記事を送り、送信ログと進捗を記録する。
// 送信APIの失敗が続いた場合はhatebuバッチと同じ段階でバックオフする。
type Sender struct {
	repo    repository.DeliveryRepository
	mailer  mailer.Sender
	metrics metrics.Recorder
	logger  *slog.Logger
	config  Config
	now     func() time.Time

	consecutiveErrors int
	backoffUntil      time.Time
}

// NewSender はSenderの新しいインスタンスを生成する。
func NewSender(
	repo repository.DeliveryRepository,
	sender mailer.Sender,
	recorder metrics.Recorder,
	logger *slog.Logger,
	config Config,
) *Sender {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.APIInterval < 0 {
		config.APIInterval = 0
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		repo:    repo,
		mailer:  sender,
		metrics: recorder,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// Start は送信サイクルをティッカーで定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sender) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("ドリップ送信ジョブを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Duration("api_interval", s.config.APIInterval),
		slog.Int("batch_size", s.config.BatchSize),
	)

	// 起動直後に1回実行
	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ドリップ送信ジョブを停止しました")
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sender) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("ドリップ送信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は1回の送信サイクルを実行する。
func (s *Sender) RunOnce(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	result := CycleResult{DryRun: s.config.DryRun}

	now := s.now()
	if !s.backoffUntil.IsZero() && now.Before(s.backoffUntil) {
		s.logger.Info("ドリップ送信ジョブはバックオフ中のためスキップします",
			slog.Time("backoff_until", s.backoffUntil),
		)
		return result, nil
	}

	limit := s.config.BatchSize
	if s.config.Limit > 0 {
		limit = min(limit, s.config.Limit)
	}

	list := s.repo.ListDue
	if s.config.DryRun {
		list = s.repo.PeekDue
	}
	due, err := list(ctx, now, limit)
	if err != nil {
		return result, fmt.Errorf("配信対象の取得に失敗しました: %w", err)
	}
	result.Due = len(due)
	if len(due) == 0 {
		s.logger.Info("配信対象の購読はありません")
		return result, nil
	}

	var apiCalls int
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if d.Post == nil {
			s.complete(ctx, d, &result)
			continue
		}

		// API呼び出しインターバル（初回は待たない）
		if apiCalls > 0 && !s.config.DryRun && s.config.APIInterval > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(s.config.APIInterval):
			}
		}
		apiCalls++

		backoff, err := s.deliver(ctx, d, &result)
		if errors.Is(err, mailer.ErrNotConfigured) {
			return result, err
		}
		if backoff > 0 {
			s.backoffUntil = s.now().Add(backoff)
			s.logger.Warn("連続エラーによりバックオフを適用します",
				slog.Int("consecutive_errors", s.consecutiveErrors),
				slog.Duration("backoff_duration", backoff),
			)
			break
		}
	}

	duration := time.Since(start)
	s.metrics.RecordDripCycle(duration, result.Sent, result.Failed)
	s.logger.Info("ドリップ送信サイクルが完了しました",
		slog.Int("due", result.Due),
		slog.Int("sent", result.Sent),
		slog.Int("failed", result.Failed),
		slog.Int("completed", result.Completed),
		slog.Bool("dry_run", s.config.DryRun),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return result, nil
}

// deliver は1件を描画して送信し、進捗を記録する。
// 送信APIの失敗が続いた場合は適用すべきバックオフ時間を返す。
func (s *Sender) deliver(ctx context.Context, d *model.DueDelivery, result *CycleResult) (time.Duration, error) {
	msg, err := s.buildMessage(d)
	if err != nil {
		s.logger.Error("配信メールの描画に失敗しました",
			slog.String("subscription_id", d.SubscriptionID),
			slog.String("error", err.Error()),
		)
		result.Failed++
		return 0, err
	}

	if s.config.DryRun {
		s.logger.Info("dry run: would send",
			slog.String("subscription_id", d.SubscriptionID),
			slog.String("to", model.MaskEmail(d.SubscriberEmail)),
			slog.String("subject", msg.Subject),
			slog.Int("position", d.Position),
			slog.Int("total", d.TotalPosts),
		)
		result.Sent++
		return 0, nil
	}

	messageID, err := s.mailer.Send(ctx, msg)
	if err != nil {
		result.Failed++
		s.metrics.RecordEmailFailed("drip")
		if errors.Is(err, mailer.ErrNotConfigured) {
			return 0, err
		}
		s.consecutiveErrors++
		s.logger.Error("配信メールの送信に失敗しました",
			slog.String("subscription_id", d.SubscriptionID),
			slog.String("to", model.MaskEmail(d.SubscriberEmail)),
			slog.Int("consecutive_errors", s.consecutiveErrors),
			slog.String("error", err.Error()),
		)
		return calculateErrorBackoff(s.consecutiveErrors), err
	}
	s.consecutiveErrors = 0
	s.metrics.RecordEmailSent("drip")

	sentAt := s.now()
	sent := repository.SentDelivery{
		SubscriptionID: d.SubscriptionID,
		PostID:         d.Post.ID,
		PostIndex:      d.Post.PostIndex,
		MessageID:      messageID,
		SentAt:         sentAt,
		NextSendAt:     schedule.NextSendAt(sentAt, scheduleOf(d)),
		IsLast:         d.TotalPosts > 0 && d.Position >= d.TotalPosts,
	}
	if err := s.repo.MarkSent(ctx, sent); err != nil {
		// 送信済みのため失敗として数え、確保期限が切れるまで再送されない
		s.logger.Error("送信済みの配信の記録に失敗しました",
			slog.String("subscription_id", d.SubscriptionID),
			slog.String("post_id", d.Post.ID),
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
		result.Failed++
		return 0, err
	}

	result.Sent++
	if sent.IsLast {
		result.Completed++
	}
	s.logger.Info("配信メールを送信しました",
		slog.String("subscription_id", d.SubscriptionID),
		slog.String("message_id", messageID),
		slog.Int("position", d.Position),
		slog.Int("total", d.TotalPosts),
		slog.Time("next_send_at", sent.NextSendAt),
	)
	return 0, nil
}

// complete は送る記事が残っていない購読を完了にする。
func (s *Sender) complete(ctx context.Context, d *model.DueDelivery, result *CycleResult) {
	if s.config.DryRun {
		s.logger.Info("dry run: would complete", slog.String("subscription_id", d.SubscriptionID))
		result.Completed++
		return
	}
	if err := s.repo.MarkCompleted(ctx, d.SubscriptionID); err != nil {
		s.logger.Error("購読の完了処理に失敗しました",
			slog.String("subscription_id", d.SubscriptionID),
			slog.String("error", err.Error()),
		)
		result.Failed++
		return
	}
	result.Completed++
}

// buildMessage は配信メールを組み立てる。
func (s *Sender) buildMessage(d *model.DueDelivery) (*mailer.Message, error) {
	subject, html, err := mailer.RenderPost(mailer.PostData{
		SubscriptionID: d.SubscriptionID,
		BlogName:       d.BlogName,
		PostTitle:      d.Post.Title,
		OriginalURL:    d.Post.OriginalURL,
		Content:        d.Post.ContentHTML,
		Position:       d.Position,
		Total:          d.TotalPosts,
		AppURL:         s.config.AppURL,
	})
	if err != nil {
		return nil, err
	}

	to := d.SubscriberEmail
	if d.SubscriberName != "" {
		to = (&mail.Address{Name: d.SubscriberName, Address: d.SubscriberEmail}).String()
	}
	return &mailer.Message{
		To:      to,
		Subject: subject,
		HTML:    html,
		Headers: map[string]string{"List-Unsubscribe": s.listUnsubscribe(d.SubscriptionID)},
	}, nil
}

// listUnsubscribe はList-Unsubscribeヘッダーの値を返す。
func (s *Sender) listUnsubscribe(subscriptionID string) string {
	v := "<" + mailer.UnsubscribeURL(s.config.AppURL, subscriptionID) + ">"
	if s.config.ReplyTo != "" {
		v += ", <mailto:" + s.config.ReplyTo + "?subject=unsubscribe>"
	}
	return v
}

func scheduleOf(d *model.DueDelivery) model.Schedule {
	return model.Schedule{
		FrequencyDays: d.FrequencyDays,
		PreferredHour: d.PreferredHour,
		PreferredDay:  d.PreferredDay,
		Timezone:      d.Timezone,
	}
}

// calculateErrorBackoff は連続エラー回数に基づくバックオフ時間を計算する。
// 3回連続: 30分、5回連続: 1時間、10回連続: 6時間。
func calculateErrorBackoff(consecutiveErrors int) time.Duration {
	switch {
	case consecutiveErrors >= 10:
		return 6 * time.Hour
	case consecutiveErrors >= 5:
		return 1 * time.Hour
	case consecutiveErrors >= 3:
		return 30 * time.Minute
	default:
		return 0
	}
}
