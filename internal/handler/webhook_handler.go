package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/notify"
)

// EmailEventRecorder はメールの開封・クリックを記録するインターフェース。
type EmailEventRecorder interface {
	RecordEvent(ctx context.Context, messageID string, event model.EmailEvent, at time.Time) (bool, error)
}

// AdminNotifier は管理者通知のインターフェース。
type AdminNotifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// WebhookHandler はメール配信サービスのWebhookと管理者通知のHTTPハンドラー。
type WebhookHandler struct {
	events   EmailEventRecorder
	notifier AdminNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(events EmailEventRecorder, notifier AdminNotifier, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		events:   events,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

type resendWebhookRequest struct {
	Type string `json:"type"`
	Data struct {
		EmailID string `json:"email_id"`
	} `json:"data"`
}

// Resend はResendのWebhookを受け取り、開封・クリック日時を初回のみ記録する。
// email_idがないイベントや対象外の種類は何もせず200を返す。
// POST /api/webhooks/resend
func (h *WebhookHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req resendWebhookRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	event := model.EmailEvent(req.Type)
	if req.Data.EmailID == "" || (event != model.EmailEventOpened && event != model.EmailEventClicked) {
		writeJSON(w, http.StatusOK, okResponse{OK: true})
		return
	}

	updated, err := h.events.RecordEvent(r.Context(), req.Data.EmailID, event, h.now())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	h.logger.Debug("email event received",
		slog.String("type", req.Type),
		slog.String("message_id", req.Data.EmailID),
		slog.Bool("updated", updated),
	)
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

type notifyAdminRequest struct {
	Type    string            `json:"type"`
	Details map[string]string `json:"details"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// NotifyAdmin は管理者に通知メールを送る。送信の失敗は呼び出し元に返さない。
// POST /api/notify-admin
func (h *WebhookHandler) NotifyAdmin(w http.ResponseWriter, r *http.Request) {
	var req notifyAdminRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	eventType := strings.TrimSpace(req.Type)
	if eventType == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFieldError("type"))
		return
	}
	if req.Details == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFieldError("details"))
		return
	}

	keys := make([]string, 0, len(req.Details))
	for k := range req.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	details := make([]mailer.Detail, 0, len(keys))
	for _, k := range keys {
		details = append(details, mailer.Detail{Key: k, Value: req.Details[k]})
	}

	h.notifier.Notify(r.Context(), notify.Event{Type: notify.EventType(eventType), Details: details})
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
