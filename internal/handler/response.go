package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/replaypub/replay/internal/middleware"
	"github.com/replaypub/replay/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限バイト数。
const maxRequestBodySize = 64 << 10

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// writeAPIErrorResponse はAPIErrorを統一フォーマットで書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// decodeJSONBody はリクエストボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeMissingField, model.ErrCodeInvalidField, model.ErrCodeInvalidURL:
		return http.StatusBadRequest
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeSubscriptionNotFound, model.ErrCodeBlogNotFound, model.ErrCodeFeedNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateSubscription, model.ErrCodeSubscriptionNotActive, model.ErrCodeSubscriptionCompleted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
