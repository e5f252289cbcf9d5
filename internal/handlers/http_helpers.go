package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// errorResponse はエラーレスポンスの構造
type errorResponse struct {
	Message string `json:"message"`        // エラーメッセージ
	Code    string `json:"code,omitempty"` // エラーコード（WebSocketのackと同じ値）
}

// respondJSON はJSONレスポンスを返します
// payloadがnilの場合は空のレスポンスを返します
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// respondError はエラーレスポンスを返します
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Message: msg})
}

// decodeJSON はリクエストボディからJSONをデコードします
// デコードに失敗した場合は、エラーレスポンスを返してfalseを返します
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	// 大きすぎるリクエストを防ぐ（1MB制限）
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid JSON payload", Code: "VALIDATION"})
			return false
		}
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "bad request", Code: "VALIDATION"})
		return false
	}
	return true
}

// writeServiceError はサービス層のエラーをHTTPステータスに変換して返します
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var status int
	switch {
	case errors.Is(err, service.ErrAuthenticationRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	default:
		logger.Error("request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, errorResponse{Message: "internal error", Code: service.Code(err)})
		return
	}
	respondJSON(w, status, errorResponse{Message: err.Error(), Code: service.Code(err)})
}

// normalizeID はIDの前後の空白を削除して正規化します
func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
