package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/replaypub/replay/internal/confirmation"
)

// EmbedServiceInterface は埋め込みフォームのハンドラーが必要とするサービスインターフェース。
type EmbedServiceInterface interface {
	// Initiate は購読申込を検証して確認メールを送る。
	Initiate(ctx context.Context, req confirmation.SubscribeRequest) (confirmation.InitiateStatus, error)
	// Confirm は確認リンクのクエリを検証し、購読を作成する。
	Confirm(ctx context.Context, query url.Values) confirmation.Outcome
}

// EmbedHandler は埋め込みフォームからの購読申込と確認リンクのHTTPハンドラー。
type EmbedHandler struct {
	service EmbedServiceInterface
	baseURL string
	logger  *slog.Logger
}

// NewEmbedHandler はEmbedHandlerを生成する。baseURLはリダイレクト先のオリジン。
func NewEmbedHandler(service EmbedServiceInterface, baseURL string, logger *slog.Logger) *EmbedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbedHandler{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// flexInt は数値と数値文字列のどちらのJSONも受け付ける整数。
// 埋め込みフォームはselectの値を文字列のまま送ってくる。
type flexInt struct {
	Value int
	Set   bool
}

// UnmarshalJSON はjson.Unmarshalerを実装する。
func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s == "" {
			return nil
		}
	} else {
		s = string(data)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.Value, f.Set = n, true
	return nil
}

func (f flexInt) ptr() *int {
	if !f.Set {
		return nil
	}
	v := f.Value
	return &v
}

// embedSubscribeRequest は購読申込リクエストのボディ。
type embedSubscribeRequest struct {
	Email         string  `json:"email"`
	FeedID        string  `json:"feed_id"`
	BlogID        string  `json:"blog_id"`
	Frequency     flexInt `json:"frequency"`
	Timezone      string  `json:"timezone"`
	PreferredHour flexInt `json:"preferred_hour"`
	PreferredDay  flexInt `json:"preferred_day"`
	FeedName      string  `json:"feed_name"`
}

// embedSubscribeResponse は購読申込のレスポンス。
type embedSubscribeResponse struct {
	Status string `json:"status"`
}

// Subscribe は購読申込を受け付け、確認メールを送る。
// POST /api/embed-subscribe
func (h *EmbedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req embedSubscribeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	status, err := h.service.Initiate(r.Context(), confirmation.SubscribeRequest{
		Email:         req.Email,
		FeedID:        strings.TrimSpace(req.FeedID),
		BlogID:        strings.TrimSpace(req.BlogID),
		FrequencyDays: req.Frequency.Value,
		Timezone:      strings.TrimSpace(req.Timezone),
		PreferredHour: req.PreferredHour.ptr(),
		PreferredDay:  req.PreferredDay.ptr(),
		FeedName:      req.FeedName,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, embedSubscribeResponse{Status: string(status)})
}

// Confirm は確認リンクを処理し、結果に応じた固定のページへ302でリダイレクトする。
// GET /api/embed-confirm
func (h *EmbedHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	outcome := h.service.Confirm(r.Context(), r.URL.Query())

	h.logger.Info("confirmation link processed",
		slog.String("outcome", outcome.Kind.String()),
	)
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, outcome.Location(h.baseURL), http.StatusFound)
}
