// Package repo はルーム・メンバーシップ・メッセージの永続化を担当します
package repo

import (
	"context"
	"errors"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
)

var (
	ErrNotFound = errors.New("repo: not found")
	// ErrConflict はルームIDまたは参加コードが既に使われている場合に返されます
	ErrConflict = errors.New("repo: conflict")
)

type RoomRepo interface {
	// CreateRoom はルームとオーナーのメンバーシップをアトミックに保存します
	CreateRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, roomId string) (models.Room, bool, error)
	ExistsRoom(ctx context.Context, roomId string) (bool, error)
	FindRoomByAccessCode(ctx context.Context, code string) (models.Room, bool, error)
	AccessCodeExists(ctx context.Context, code string) (bool, error)
	RenameRoom(ctx context.Context, roomId, name string) error
	// DeleteRoom はメンバーシップとメッセージ履歴も含めて削除します
	DeleteRoom(ctx context.Context, roomId string) error

	// AddMember は追加された場合 true、既にメンバーだった場合 false を返します
	AddMember(ctx context.Context, roomId, userId string) (bool, error)
	IsMember(ctx context.Context, roomId, userId string) (bool, error)
	ListMembers(ctx context.Context, roomId string) ([]string, error)

	ListPublicRooms(ctx context.Context) ([]models.Room, error)
	ListMemberRooms(ctx context.Context, userId string) ([]models.Room, error)

	// RemoveUser はユーザーが所有するルームを削除し、メンバーシップを外し、
	// 残るメッセージの送信者IDを空にします
	RemoveUser(ctx context.Context, userId string) error

	Ping(ctx context.Context) error
}

type MessageRepo interface {
	// CreateMessage はメッセージを追加し、ルームの最新メッセージを更新します
	CreateMessage(ctx context.Context, msg models.Message) error
	// ListMessages は送信順（昇順）でメッセージを返します
	ListMessages(ctx context.Context, roomId string) ([]models.Message, error)
}

// Store は RoomRepo と MessageRepo を両方実装するストレージ
type Store interface {
	RoomRepo
	MessageRepo
	Close() error
}
