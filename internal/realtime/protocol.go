package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// クライアントから受信するイベント
const (
	EventAuthenticate    = "authenticate"
	EventActivity        = "activity"
	EventCreateRoom      = "create_room"
	EventGetRooms        = "get_rooms"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventMessage         = "message"
	EventGetRoomMessages = "get_room_messages"
	EventTyping          = "typing"
	EventRenameRoom      = "rename_room"
	EventDeleteRoom      = "delete_room"
	EventUserLogout      = "user_logout"
	EventDeleteProfile   = "delete_profile"
	EventPing            = "ping"
)

// クライアントへ送信するイベント
// message と typing は受信イベントと同名です
const (
	EventUserStatusUpdate = "user_status_update"
	EventRoomCreated      = "room_created"
	EventRoomUpdated      = "room_updated"
	EventRoomDeleted      = "room_deleted"
	EventUserJoinedRoom   = "user_joined_room"
	EventUserLeftRoom     = "user_left_room"
	EventProfileDeleted   = "profile_deleted"
	EventPong             = "pong"
	EventAck              = "ack"
	EventError            = "error"
)

// Frame はクライアントから受信するメッセージ
// RequestId がある場合は同じ RequestId の ack を返します
type Frame struct {
	Type      string          `json:"type"`
	RequestId string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Envelope はクライアントへ送信するメッセージ
type Envelope struct {
	Type      string `json:"type"`
	RequestId string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// Ack はリクエストへの応答
type Ack struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorPayload はリクエストと対応しないエラー通知
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserStatus は user_status_update のペイロード
type UserStatus struct {
	UserId string                `json:"userId"`
	Status models.PresenceStatus `json:"status"`
}

// RoomMemberEvent は user_joined_room / user_left_room のペイロード
type RoomMemberEvent struct {
	RoomId    string `json:"roomId"`
	UserId    string `json:"userId"`
	UserName  string `json:"username,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// RoomDeletedEvent は room_deleted のペイロード
type RoomDeletedEvent struct {
	RoomId string `json:"roomId"`
}

// TypingEvent は typing のペイロード
type TypingEvent struct {
	RoomId   string `json:"roomId"`
	UserId   string `json:"userId"`
	UserName string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ProfileDeletedEvent は profile_deleted のペイロード
type ProfileDeletedEvent struct {
	UserId string `json:"userId"`
}

// AuthenticateResult は authenticate の応答データ
type AuthenticateResult struct {
	User     models.User       `json:"user"`
	Presence []UserStatus      `json:"presence"`
	Rooms    []models.RoomView `json:"rooms"`
}

// リクエストペイロード

type authenticateRequest struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName"` // ハンドシェイクで識別されていない場合のみ使う
}

func (r authenticateRequest) validate() error { return nil }

type emptyRequest struct{}

func (emptyRequest) validate() error { return nil }

type createRoomRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"isPrivate"`
}

func (r createRoomRequest) validate() error {
	_, err := service.ValidateRoomName(r.Name)
	return err
}

type joinRoomRequest struct {
	RoomId     string `json:"roomId"`
	AccessCode string `json:"accessCode"`
}

func (r joinRoomRequest) validate() error {
	if strings.TrimSpace(r.RoomId) == "" && strings.TrimSpace(r.AccessCode) == "" {
		return service.ErrJoinTargetRequired
	}
	return nil
}

type roomRequest struct {
	RoomId string `json:"roomId"`
}

func (r roomRequest) validate() error { return validateRoomId(r.RoomId) }

type messageRequest struct {
	RoomId  string `json:"roomId"`
	Content string `json:"content"`
}

func (r messageRequest) validate() error {
	if err := validateRoomId(r.RoomId); err != nil {
		return err
	}
	return service.ValidateMessage(r.Content)
}

type typingRequest struct {
	RoomId   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

func (r typingRequest) validate() error { return validateRoomId(r.RoomId) }

type renameRoomRequest struct {
	RoomId string `json:"roomId"`
	Name   string `json:"name"`
}

func (r renameRoomRequest) validate() error {
	if err := validateRoomId(r.RoomId); err != nil {
		return err
	}
	_, err := service.ValidateRoomName(r.Name)
	return err
}

type validator interface {
	validate() error
}

func validateRoomId(roomId string) error {
	if strings.TrimSpace(roomId) == "" {
		return fmt.Errorf("%w: roomId required", service.ErrValidation)
	}
	return nil
}

// decodePayload はペイロードを厳密にデコードして検証します
// 空のペイロードは {} として扱います
func decodePayload(raw json.RawMessage, dst validator) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return fmt.Errorf("%w: invalid payload: %v", service.ErrValidation, err)
		}
	}
	return dst.validate()
}
