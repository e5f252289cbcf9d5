package realtime

import (
	"context"
	"errors"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// ErrStopped はイベントループが終了していることを表します
var ErrStopped = errors.New("coordinator stopped")

type result[T any] struct {
	v   T
	err error
}

// await は fn をイベントループで実行し、結果を待ちます
// 呼び出し元が待つのをやめても fn はループの ctx で最後まで実行されます
func await[T any](ctx context.Context, c *Coordinator, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	resc := make(chan result[T], 1)
	ok := c.Enqueue(func(loopCtx context.Context) {
		v, err := fn(loopCtx)
		resc <- result[T]{v: v, err: err}
	})
	if !ok {
		return zero, ErrStopped
	}
	select {
	case res := <-resc:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		select {
		case res := <-resc:
			return res.v, res.err
		default:
			return zero, ErrStopped
		}
	}
}

// 以下はWebSocket接続を持たない呼び出し元（REST API）向けの操作です
// イベントの配信はWebSocketの操作と同じ経路で行われます

// CreateRoom はルームを作成して配信します
func (c *Coordinator) CreateRoom(ctx context.Context, user models.User, name string, isPrivate bool) (models.RoomView, error) {
	return await(ctx, c, func(ctx context.Context) (models.RoomView, error) {
		return c.createRoom(ctx, user, name, isPrivate)
	})
}

// JoinRoom はルームに参加させます
func (c *Coordinator) JoinRoom(ctx context.Context, user models.User, target service.JoinTarget) (models.RoomView, error) {
	return await(ctx, c, func(ctx context.Context) (models.RoomView, error) {
		return c.joinRoom(ctx, user, target)
	})
}

// RenameRoom はルーム名を変更します（オーナーのみ）
func (c *Coordinator) RenameRoom(ctx context.Context, user models.User, roomId, name string) (models.RoomView, error) {
	return await(ctx, c, func(ctx context.Context) (models.RoomView, error) {
		return c.renameRoom(ctx, user, roomId, name)
	})
}

// DeleteRoom はルームを削除します（オーナーのみ）
func (c *Coordinator) DeleteRoom(ctx context.Context, user models.User, roomId string) (RoomDeletedEvent, error) {
	return await(ctx, c, func(ctx context.Context) (RoomDeletedEvent, error) {
		return c.deleteRoom(ctx, user, roomId)
	})
}

// DeleteProfile はユーザーのデータを削除し、ユーザーのすべての接続を閉じます
func (c *Coordinator) DeleteProfile(ctx context.Context, user models.User) (ProfileDeletedEvent, error) {
	return await(ctx, c, func(ctx context.Context) (ProfileDeletedEvent, error) {
		res, closeAll, err := c.deleteProfile(ctx, user)
		if err != nil {
			return ProfileDeletedEvent{}, err
		}
		closeAll()
		return res, nil
	})
}

// createRoom は作成者のすべての接続を新しいルームに購読させます
func (c *Coordinator) createRoom(ctx context.Context, user models.User, name string, isPrivate bool) (models.RoomView, error) {
	room, err := c.rooms.Create(ctx, user, name, isPrivate)
	if err != nil {
		return models.RoomView{}, err
	}
	c.subscribeUser(user.UserId, room.RoomId)
	if err := c.broadcaster.PublishRoom(ctx, EventRoomCreated, room); err != nil {
		c.logger.Error("failed to publish created room", "roomId", room.RoomId, "error", err)
	}
	c.logger.Info("room created", "roomId", room.RoomId, "userId", user.UserId, "private", room.IsPrivate())
	return room.ViewFor(user.UserId), nil
}

// joinRoom はルームに参加させ、ユーザーのすべての接続を購読させます
// 新規参加の場合のみ user_joined_room とメンバー数更新を配信します
func (c *Coordinator) joinRoom(ctx context.Context, user models.User, target service.JoinTarget) (models.RoomView, error) {
	room, added, err := c.rooms.Join(ctx, user, target)
	if err != nil {
		return models.RoomView{}, err
	}
	c.subscribeUser(user.UserId, room.RoomId)
	if added {
		c.broadcaster.ToRoom(room.RoomId, Envelope{
			Type: EventUserJoinedRoom,
			Payload: RoomMemberEvent{
				RoomId:    room.RoomId,
				UserId:    user.UserId,
				UserName:  user.UserName,
				Timestamp: c.now().UnixMilli(),
			},
		}, "")
		if err := c.broadcaster.PublishRoom(ctx, EventRoomUpdated, room); err != nil {
			c.logger.Error("failed to publish room update", "roomId", room.RoomId, "error", err)
		}
		c.logger.Info("user joined room", "roomId", room.RoomId, "userId", user.UserId)
	}
	return room.ViewFor(user.UserId), nil
}

func (c *Coordinator) renameRoom(ctx context.Context, user models.User, roomId, name string) (models.RoomView, error) {
	room, err := c.rooms.Rename(ctx, user.UserId, roomId, name)
	if err != nil {
		return models.RoomView{}, err
	}
	if err := c.broadcaster.PublishRoom(ctx, EventRoomUpdated, room); err != nil {
		c.logger.Error("failed to publish room update", "roomId", room.RoomId, "error", err)
	}
	return room.ViewFor(user.UserId), nil
}

func (c *Coordinator) deleteRoom(ctx context.Context, user models.User, roomId string) (RoomDeletedEvent, error) {
	room, members, err := c.rooms.Delete(ctx, user.UserId, roomId)
	if err != nil {
		return RoomDeletedEvent{}, err
	}
	c.broadcaster.PublishRoomDeleted(room, members)
	c.subs.RemoveRoom(room.RoomId)
	c.logger.Info("room deleted", "roomId", room.RoomId, "userId", user.UserId)
	return RoomDeletedEvent{RoomId: room.RoomId}, nil
}

// deleteProfile はユーザーのデータを削除して関係する接続に通知します
// 戻り値の関数はユーザーのすべての接続の紐付けを解除して閉じます
func (c *Coordinator) deleteProfile(ctx context.Context, user models.User) (ProfileDeletedEvent, func(), error) {
	userId := user.UserId
	res, err := c.rooms.RemoveUser(ctx, userId)
	if err != nil {
		return ProfileDeletedEvent{}, nil, err
	}

	for _, d := range res.Deleted {
		c.broadcaster.PublishRoomDeleted(d.Room, d.Members)
		c.subs.RemoveRoom(d.Room.RoomId)
	}
	conns := c.registry.ConnectionsOf(userId)
	for _, r := range res.Left {
		for _, conn := range conns {
			c.subs.Unsubscribe(r.RoomId, conn.ID())
		}
		c.broadcaster.ToRoom(r.RoomId, Envelope{
			Type:    EventUserLeftRoom,
			Payload: RoomMemberEvent{RoomId: r.RoomId, UserId: userId, UserName: user.UserName, Timestamp: c.now().UnixMilli()},
		}, userId)
		if err := c.broadcaster.PublishRoom(ctx, EventRoomUpdated, r); err != nil {
			c.logger.Error("failed to publish room update", "roomId", r.RoomId, "error", err)
		}
	}
	c.broadcaster.ToUser(userId, Envelope{Type: EventProfileDeleted, Payload: ProfileDeletedEvent{UserId: userId}})
	c.logger.Info("profile deleted", "userId", userId, "deletedRooms", len(res.Deleted))

	closeAll := func() {
		for _, conn := range conns {
			c.subs.RemoveConn(conn.ID())
			c.registry.Unbind(conn.ID())
		}
		c.presence.SetOffline(userId)
		for _, conn := range conns {
			conn.Close()
		}
	}
	return ProfileDeletedEvent{UserId: userId}, closeAll, nil
}
