package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/realtime"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
	"github.com/go-chi/chi/v5"
)

// RoomHandler はルームとメッセージのREST APIを提供します
// 変更系の操作はコーディネーターのイベントループで実行し、WebSocketと同じイベントを配信します
type RoomHandler struct {
	rooms    *service.RoomService
	messages *service.MessageService
	coord    *realtime.Coordinator
	logger   *slog.Logger
}

func NewRoomHandler(rooms *service.RoomService, messages *service.MessageService, coord *realtime.Coordinator, logger *slog.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, messages: messages, coord: coord, logger: logger}
}

type createRoomRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
}

func (r createRoomRequest) validate() error {
	_, err := service.ValidateRoomName(r.Name)
	return err
}

type joinRequest struct {
	RoomId     string `json:"roomId"`
	AccessCode string `json:"accessCode"`
}

func (r joinRequest) validate() error {
	if normalizeID(r.RoomId) == "" && normalizeID(r.AccessCode) == "" {
		return service.ErrJoinTargetRequired
	}
	return nil
}

type renameRequest struct {
	Name string `json:"name"`
}

func (r renameRequest) validate() error {
	_, err := service.ValidateRoomName(r.Name)
	return err
}

// Create はルームを作成します
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	var in createRoomRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	view, err := h.coord.CreateRoom(r.Context(), user, in.Name, in.IsPrivate)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Join はルームIDまたは参加コードでルームに参加します
func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	var in joinRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	view, err := h.coord.JoinRoom(r.Context(), user, service.JoinTarget{RoomId: normalizeID(in.RoomId), AccessCode: normalizeID(in.AccessCode)})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Rename はルーム名を変更します（オーナーのみ）
func (h *RoomHandler) Rename(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	var in renameRequest
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := in.validate(); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	view, err := h.coord.RenameRoom(r.Context(), user, roomId, in.Name)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Delete はルームを削除します（オーナーのみ）
func (h *RoomHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	res, err := h.coord.DeleteRoom(r.Context(), user, roomId)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "roomId": res.RoomId})
}

// DeleteProfile は利用者のデータを削除し、WebSocket接続をすべて閉じます
func (h *RoomHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	res, err := h.coord.DeleteProfile(r.Context(), user)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "userId": res.UserId})
}

// ListRooms は利用者が閲覧できるルームを最終アクティビティの新しい順に返します
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	views, err := h.rooms.RoomsVisibleTo(r.Context(), user.UserId)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

// ListMessages はルームのメッセージ履歴を古い順に返します（メンバーのみ）
func (h *RoomHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeServiceError(w, h.logger, service.ErrAuthenticationRequired)
		return
	}
	roomId := normalizeID(chi.URLParam(r, "roomId"))
	if err := validateRoomId(roomId); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	msgs, err := h.messages.History(r.Context(), user.UserId, roomId)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

// Health はストレージへの疎通を確認します
func (h *RoomHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.rooms.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
