// Package subscription は購読管理のドメインロジックを提供する。
//
// 購読IDがそのまま管理用のケーパビリティになる。配信停止は物理削除、
// 一時停止はis_activeをfalseにしてpaused_atを記録する。
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/replaypub/replay/internal/database"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
	"github.com/replaypub/replay/internal/schedule"
)

// Service は購読管理のサービス層。
// 配信停止、一時停止・再開、スケジュール変更、購読状態の確認を提供する。
type Service struct {
	subRepo repository.SubscriptionRepository
	logger  *slog.Logger
	now     func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(subRepo repository.SubscriptionRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		subRepo: subRepo,
		logger:  logger,
		now:     time.Now,
	}
}

// Get は管理画面向けの購読詳細を返す。
func (s *Service) Get(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error) {
	if !validID(subscriptionID) {
		return nil, model.NewSubscriptionNotFoundError(subscriptionID)
	}
	detail, err := s.subRepo.FindDetailByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if detail == nil {
		return nil, model.NewSubscriptionNotFoundError(subscriptionID)
	}
	return detail, nil
}

// Check はメールアドレスとフィードの組に有効な購読があるかを返す。
// 形式が不正なフィードIDは購読なしとして扱う。
func (s *Service) Check(ctx context.Context, email, feedID string) (bool, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return false, model.NewMissingFieldError("email")
	}
	if feedID == "" {
		return false, model.NewMissingFieldError("feed_id")
	}
	if !validID(feedID) {
		return false, nil
	}

	sub, err := s.subRepo.FindActiveByEmailAndFeed(ctx, email, feedID)
	if err != nil {
		return false, fmt.Errorf("購読状態の確認に失敗しました: %w", err)
	}
	return sub != nil, nil
}

// Unsubscribe は購読を物理削除する。
// 存在しない購読は汎用の失敗として返すため、2回目の呼び出しもSUBSCRIPTION_NOT_FOUNDになる。
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return model.NewMissingFieldError("subscriptionId")
	}
	if !validID(subscriptionID) {
		return model.NewSubscriptionNotFoundError(subscriptionID)
	}

	if err := s.subRepo.Delete(ctx, subscriptionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewSubscriptionNotFoundError(subscriptionID)
		}
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}

	s.logger.Info("subscription deleted", slog.String("subscription_id", subscriptionID))
	return nil
}

// Pause は有効な購読を一時停止する。
func (s *Service) Pause(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error) {
	sub, err := s.find(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.IsCompleted {
		return nil, model.NewSubscriptionCompletedError()
	}
	if !sub.IsActive {
		return nil, model.NewSubscriptionNotActiveError()
	}

	if err := s.subRepo.Pause(ctx, subscriptionID, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 取得後に削除・停止された
			return nil, model.NewSubscriptionNotActiveError()
		}
		return nil, fmt.Errorf("購読の一時停止に失敗しました: %w", err)
	}

	s.logger.Info("subscription paused", slog.String("subscription_id", subscriptionID))
	return s.Get(ctx, subscriptionID)
}

// Resume は一時停止中の購読を再開する。既に有効な購読はそのまま返す。
// 同じフィードに別の有効な購読がある場合はDUPLICATE_SUBSCRIPTIONを返す。
func (s *Service) Resume(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error) {
	sub, err := s.find(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.IsCompleted {
		return nil, model.NewSubscriptionCompletedError()
	}
	if sub.IsActive {
		return s.Get(ctx, subscriptionID)
	}

	if err := s.subRepo.Resume(ctx, subscriptionID, s.now()); err != nil {
		switch {
		case database.IsUniqueViolation(err):
			return nil, model.NewDuplicateSubscriptionError()
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.NewSubscriptionNotFoundError(subscriptionID)
		}
		return nil, fmt.Errorf("購読の再開に失敗しました: %w", err)
	}

	s.logger.Info("subscription resumed", slog.String("subscription_id", subscriptionID))
	return s.Get(ctx, subscriptionID)
}

// UpdateSchedule は配信間隔・時刻・曜日・タイムゾーンを変更し、次回送信日時を再計算する。
func (s *Service) UpdateSchedule(ctx context.Context, subscriptionID string, sched model.Schedule) (*model.SubscriptionDetail, error) {
	sched = sched.WithDefaults()
	if err := sched.Validate(); err != nil {
		return nil, err
	}

	sub, err := s.find(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.IsCompleted {
		return nil, model.NewSubscriptionCompletedError()
	}

	next := nextSendAfterChange(sub, sched, s.now())
	if err := s.subRepo.UpdateSchedule(ctx, subscriptionID, sched, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.NewSubscriptionNotFoundError(subscriptionID)
		}
		return nil, fmt.Errorf("配信スケジュールの更新に失敗しました: %w", err)
	}

	s.logger.Info("subscription schedule updated",
		slog.String("subscription_id", subscriptionID),
		slog.Int("frequency_days", sched.FrequencyDays),
		slog.Time("next_send_at", next),
	)
	return s.Get(ctx, subscriptionID)
}

// nextSendAfterChange はスケジュール変更後の次回送信日時を返す。
// 送信済みなら前回送信日時から新しい間隔で数え、過去になる場合は現在以降に揃える。
func nextSendAfterChange(sub *model.Subscription, sched model.Schedule, now time.Time) time.Time {
	if sub.LastSentAt != nil {
		next := schedule.NextSendAt(*sub.LastSentAt, sched)
		if !next.Before(now) {
			return next
		}
	}
	return schedule.Align(now, sched)
}

func (s *Service) find(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	if subscriptionID == "" {
		return nil, model.NewMissingFieldError("subscriptionId")
	}
	if !validID(subscriptionID) {
		return nil, model.NewSubscriptionNotFoundError(subscriptionID)
	}
	sub, err := s.subRepo.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return nil, model.NewSubscriptionNotFoundError(subscriptionID)
	}
	return sub, nil
}

// validID はuuid列との比較でドライバエラーにならない値かを返す。
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
