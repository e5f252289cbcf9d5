package realtime

import (
	"context"
	"log/slog"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// Broadcaster はメッセージを保存してルームの購読者に配信し、
// ルームを閲覧できる接続ごとに整形したルーム情報を配信します
type Broadcaster struct {
	registry *Registry
	subs     *Subscriptions
	rooms    *service.RoomService
	messages *service.MessageService
	logger   *slog.Logger
}

func NewBroadcaster(registry *Registry, subs *Subscriptions, rooms *service.RoomService, messages *service.MessageService, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, subs: subs, rooms: rooms, messages: messages, logger: logger}
}

// Send はメッセージを保存し、ルームの購読者に message を、
// ルームを閲覧できる全接続に room_updated を配信します
func (b *Broadcaster) Send(ctx context.Context, sender models.User, roomId, content string) (models.Message, error) {
	msg, room, err := b.messages.Send(ctx, sender, roomId, content)
	if err != nil {
		return models.Message{}, err
	}
	b.ToRoom(roomId, Envelope{Type: EventMessage, Payload: msg}, "")
	if err := b.PublishRoom(ctx, EventRoomUpdated, room); err != nil {
		// メッセージは保存・配信済みなので送信自体は成功扱い
		b.logger.Error("failed to publish room update", "roomId", roomId, "error", err)
	}
	return msg, nil
}

// History はルームのメッセージ履歴を返します（メンバーのみ）
func (b *Broadcaster) History(ctx context.Context, userId, roomId string) ([]models.Message, error) {
	return b.messages.History(ctx, userId, roomId)
}

// ToRoom はルームの購読者に送信します
// excludeUserId を指定した場合、そのユーザーのすべての接続を除きます
func (b *Broadcaster) ToRoom(roomId string, env Envelope, excludeUserId string) {
	for _, connId := range b.subs.Subscribers(roomId) {
		if excludeUserId != "" {
			if uid, ok := b.registry.UserOf(connId); ok && uid == excludeUserId {
				continue
			}
		}
		if c, ok := b.registry.Conn(connId); ok {
			b.deliver(c, env)
		}
	}
}

// ToUser はユーザーのすべての接続に送信します
func (b *Broadcaster) ToUser(userId string, env Envelope) {
	for _, c := range b.registry.ConnectionsOf(userId) {
		b.deliver(c, env)
	}
}

// ToAll は開いているすべての接続に送信します
func (b *Broadcaster) ToAll(env Envelope) {
	for _, c := range b.registry.All() {
		b.deliver(c, env)
	}
}

// PublishRoom はルームを閲覧できる接続それぞれに、その接続のユーザー向けに整形したルーム情報を送信します
// 公開ルームは認証済みの全接続、プライベートルームはメンバーの接続が対象です
func (b *Broadcaster) PublishRoom(ctx context.Context, eventType string, room models.Room) error {
	if !room.IsPrivate() {
		for connId, userId := range b.registry.Bound() {
			if c, ok := b.registry.Conn(connId); ok {
				b.deliver(c, Envelope{Type: eventType, Payload: room.ViewFor(userId)})
			}
		}
		return nil
	}
	members, err := b.rooms.Members(ctx, room.RoomId)
	if err != nil {
		return err
	}
	b.toMembers(members, func(userId string) Envelope {
		return Envelope{Type: eventType, Payload: room.ViewFor(userId)}
	})
	return nil
}

// PublishRoomDeleted は削除されたルームを閲覧できていた接続に room_deleted を送信します
// members は削除前のメンバー一覧です
func (b *Broadcaster) PublishRoomDeleted(room models.Room, members []string) {
	env := Envelope{Type: EventRoomDeleted, Payload: RoomDeletedEvent{RoomId: room.RoomId}}
	if !room.IsPrivate() {
		for connId := range b.registry.Bound() {
			if c, ok := b.registry.Conn(connId); ok {
				b.deliver(c, env)
			}
		}
		return
	}
	b.toMembers(members, func(string) Envelope { return env })
}

func (b *Broadcaster) toMembers(members []string, build func(userId string) Envelope) {
	for _, userId := range members {
		conns := b.registry.ConnectionsOf(userId)
		if len(conns) == 0 {
			continue
		}
		env := build(userId)
		for _, c := range conns {
			b.deliver(c, env)
		}
	}
}

func (b *Broadcaster) deliver(c Conn, env Envelope) {
	if !c.Send(env) {
		b.logger.Warn("dropped outbound event", "connId", c.ID(), "event", env.Type)
	}
}

// TypingRelay は入力中状態をルームの他の購読者に中継します
// 入力中状態は保存しません
type TypingRelay struct {
	rooms       *service.RoomService
	broadcaster *Broadcaster
}

func NewTypingRelay(rooms *service.RoomService, b *Broadcaster) *TypingRelay {
	return &TypingRelay{rooms: rooms, broadcaster: b}
}

// Signal はメンバーでない場合は何もせずに成功します
// 送信者自身の接続には送りません
func (t *TypingRelay) Signal(ctx context.Context, user models.User, roomId string, isTyping bool) error {
	member, err := t.rooms.IsMember(ctx, roomId, user.UserId)
	if err != nil {
		return err
	}
	if !member {
		return nil
	}
	t.broadcaster.ToRoom(roomId, Envelope{
		Type: EventTyping,
		Payload: TypingEvent{
			RoomId:   roomId,
			UserId:   user.UserId,
			UserName: user.UserName,
			IsTyping: isTyping,
		},
	}, user.UserId)
	return nil
}
