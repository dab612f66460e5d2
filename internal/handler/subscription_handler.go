package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/replaypub/replay/internal/model"
)

// SubscriptionServiceInterface は購読ハンドラーが必要とするサービスインターフェース。
type SubscriptionServiceInterface interface {
	// Get は購読の詳細を返す。
	Get(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error)
	// Check はメールアドレスとフィードの組に有効な購読があるかを返す。
	Check(ctx context.Context, email, feedID string) (bool, error)
	// Unsubscribe は購読を削除する。
	Unsubscribe(ctx context.Context, subscriptionID string) error
	// Pause は購読を一時停止する。
	Pause(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error)
	// Resume は一時停止中の購読を再開する。
	Resume(ctx context.Context, subscriptionID string) (*model.SubscriptionDetail, error)
	// UpdateSchedule は配信スケジュールを変更する。
	UpdateSchedule(ctx context.Context, subscriptionID string, sched model.Schedule) (*model.SubscriptionDetail, error)
}

// SubscriptionHandler は購読管理のHTTPハンドラー。
// 購読IDを知っていること自体を管理権限として扱う。
type SubscriptionHandler struct {
	service SubscriptionServiceInterface
	logger  *slog.Logger
}

// NewSubscriptionHandler はSubscriptionHandlerを生成する。
func NewSubscriptionHandler(service SubscriptionServiceInterface, logger *slog.Logger) *SubscriptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionHandler{
		service: service,
		logger:  logger,
	}
}

// subscriptionResponse は購読情報のAPIレスポンス。
type subscriptionResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	BlogID           string     `json:"blog_id"`
	BlogName         string     `json:"blog_name"`
	BlogSlug         string     `json:"blog_slug"`
	FeedID           string     `json:"feed_id"`
	FeedName         string     `json:"feed_name"`
	CurrentPostIndex int        `json:"current_post_index"`
	PostCount        int        `json:"post_count"`
	ProgressPercent  int        `json:"progress_percent"`
	FrequencyDays    int        `json:"frequency_days"`
	PreferredHour    int        `json:"preferred_hour"`
	PreferredDay     *int       `json:"preferred_day"`
	Timezone         string     `json:"timezone"`
	NextSendAt       time.Time  `json:"next_send_at"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	IsActive         bool       `json:"is_active"`
	IsCompleted      bool       `json:"is_completed"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toSubscriptionResponse(d *model.SubscriptionDetail) subscriptionResponse {
	progress := 0
	if d.PostCount > 0 {
		progress = min(100, d.CurrentPostIndex*100/d.PostCount)
	}
	return subscriptionResponse{
		ID:               d.ID,
		Email:            model.MaskEmail(d.Email),
		BlogID:           d.BlogID,
		BlogName:         d.BlogName,
		BlogSlug:         d.BlogSlug,
		FeedID:           d.FeedID,
		FeedName:         d.FeedName,
		CurrentPostIndex: d.CurrentPostIndex,
		PostCount:        d.PostCount,
		ProgressPercent:  progress,
		FrequencyDays:    d.FrequencyDays,
		PreferredHour:    d.PreferredHour,
		PreferredDay:     d.PreferredDay,
		Timezone:         d.Timezone,
		NextSendAt:       d.NextSendAt,
		LastSentAt:       d.LastSentAt,
		IsActive:         d.IsActive,
		IsCompleted:      d.IsCompleted,
		PausedAt:         d.PausedAt,
		CreatedAt:        d.CreatedAt,
	}
}

// checkSubscriptionRequest は購読状態確認リクエストのボディ。
type checkSubscriptionRequest struct {
	Email  string `json:"email"`
	FeedID string `json:"feed_id"`
}

// checkSubscriptionResponse は購読状態確認のレスポンス。
type checkSubscriptionResponse struct {
	Subscribed bool `json:"subscribed"`
}

// unsubscribeRequest は配信停止リクエストのボディ。
type unsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// okResponse は処理の成功だけを返すレスポンス。
type okResponse struct {
	OK bool `json:"ok"`
}

// scheduleRequest は配信スケジュール変更リクエストのボディ。
type scheduleRequest struct {
	FrequencyDays int    `json:"frequency_days"`
	PreferredHour *int   `json:"preferred_hour"`
	PreferredDay  *int   `json:"preferred_day"`
	Timezone      string `json:"timezone"`
}

// CheckSubscription はメールアドレスとフィードの組に有効な購読があるかを返す。
// POST /api/check-subscription
func (h *SubscriptionHandler) CheckSubscription(w http.ResponseWriter, r *http.Request) {
	var req checkSubscriptionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	subscribed, err := h.service.Check(r.Context(), req.Email, strings.TrimSpace(req.FeedID))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, checkSubscriptionResponse{Subscribed: subscribed})
}

// Unsubscribe は購読を削除する。
// 既に削除済みの購読は404、それ以外の失敗は汎用の500 "Failed to unsubscribe" を返す。
// POST /api/unsubscribe
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := h.service.Unsubscribe(r.Context(), strings.TrimSpace(req.SubscriptionID)); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
			return
		}
		h.logger.Error("unsubscribe failed",
			slog.String("subscription_id", req.SubscriptionID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewUnsubscribeFailedError())
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// GetSubscription は購読の詳細を返す。
// GET /api/subscriptions/{id}
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(detail))
}

// Pause は購読を一時停止する。
// POST /api/subscriptions/{id}/pause
func (h *SubscriptionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(detail))
}

// Resume は一時停止中の購読を再開する。
// POST /api/subscriptions/{id}/resume
func (h *SubscriptionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(detail))
}

// UpdateSchedule は配信スケジュールを変更する。preferred_hourを省略した場合は既定の9時。
// PUT /api/subscriptions/{id}/schedule
func (h *SubscriptionHandler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	sched := model.Schedule{
		FrequencyDays: req.FrequencyDays,
		PreferredHour: model.DefaultPreferredHour,
		PreferredDay:  req.PreferredDay,
		Timezone:      strings.TrimSpace(req.Timezone),
	}
	if req.PreferredHour != nil {
		sched.PreferredHour = *req.PreferredHour
	}

	detail, err := h.service.UpdateSchedule(r.Context(), chi.URLParam(r, "id"), sched)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubscriptionResponse(detail))
}
