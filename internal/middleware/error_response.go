package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/replaypub/replay/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスのJSON形式。handlerとmiddlewareで共通。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
// エラーはキャッシュさせない。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500を書き込む。原因はログ側に残し、利用者には伝えない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// WriteTooManyRequests はRetry-After付きの429を書き込む。
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSec int) {
	w.Header().Set("Retry-After", strconv.Itoa(max(1, retryAfterSec)))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
