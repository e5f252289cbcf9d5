package service

import (
	"context"
	"errors"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/repo"
)

// MessageService はメッセージの保存と履歴取得を提供します
type MessageService struct {
	rooms    repo.RoomRepo
	messages repo.MessageRepo
	now      func() time.Time
}

// NewMessageService は新しいMessageServiceを作成します
func NewMessageService(rooms repo.RoomRepo, messages repo.MessageRepo) *MessageService {
	return &MessageService{rooms: rooms, messages: messages, now: time.Now}
}

// Send はメッセージを検証して保存します
// 戻り値のルームには最新メッセージのプレビューが反映されています
func (s *MessageService) Send(ctx context.Context, sender models.User, roomId, content string) (models.Message, models.Room, error) {
	if err := ValidateMessage(content); err != nil {
		return models.Message{}, models.Room{}, err
	}
	room, ok, err := s.rooms.GetRoom(ctx, roomId)
	if err != nil {
		return models.Message{}, models.Room{}, err
	}
	if !ok {
		return models.Message{}, models.Room{}, ErrRoomNotFound
	}
	member, err := s.rooms.IsMember(ctx, roomId, sender.UserId)
	if err != nil {
		return models.Message{}, models.Room{}, err
	}
	if !member {
		return models.Message{}, models.Room{}, ErrNotRoomMember
	}

	now := s.now()
	msg := models.Message{
		MessageId: idgen.NewULIDAt(now),
		RoomId:    roomId,
		UserId:    sender.UserId,
		UserName:  sender.UserName,
		Content:   content,
		CreatedAt: now.UnixMilli(),
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return models.Message{}, models.Room{}, ErrRoomNotFound
		}
		return models.Message{}, models.Room{}, err
	}
	room.LastMessage = msg.Content
	room.LastMessageAt = msg.CreatedAt
	return msg, room, nil
}

// History はルームのメッセージ履歴を送信順で返します（メンバーのみ）
func (s *MessageService) History(ctx context.Context, userId, roomId string) ([]models.Message, error) {
	member, err := s.rooms.IsMember(ctx, roomId, userId)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotRoomMember
	}
	return s.messages.ListMessages(ctx, roomId)
}
