package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

// handleAuthenticate は接続をハンドシェイクで検証済みのユーザーに紐付け、
// online にして参加中の全ルームを購読させます
// ストレージの読み取りが済むまで接続の状態は変更しません
func (c *Coordinator) handleAuthenticate(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req authenticateRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	identity := s.conn.Identity()
	claimed := strings.TrimSpace(req.UserId)
	if identity.UserId == "" {
		// 名乗ったIDを使うのは未認証の接続だけ
		if bound, ok := c.registry.User(s.conn.ID()); ok {
			identity = bound
		} else if c.trustClient && claimed != "" {
			identity = models.User{UserId: claimed, UserName: strings.TrimSpace(req.UserName)}
		}
	}
	if identity.UserId == "" {
		return nil, service.ErrAuthenticationRequired
	}
	if claimed != "" && claimed != identity.UserId {
		return nil, service.ErrIdentityMismatch
	}

	rooms, err := c.rooms.MemberRooms(ctx, identity.UserId)
	if err != nil {
		return nil, err
	}
	visible, err := c.rooms.RoomsVisibleTo(ctx, identity.UserId)
	if err != nil {
		return nil, err
	}

	c.registry.BindUser(s.conn.ID(), identity)
	c.presence.RecordActivity(identity.UserId)
	for _, r := range rooms {
		c.subs.Subscribe(r.RoomId, s.conn.ID())
	}
	c.logger.Info("user authenticated", "userId", identity.UserId, "connId", s.conn.ID(), "rooms", len(rooms))
	return AuthenticateResult{User: identity, Presence: c.presence.Snapshot(), Rooms: visible}, nil
}

func (c *Coordinator) handlePing(_ context.Context, s *session, _ json.RawMessage) (any, error) {
	s.conn.Send(Envelope{Type: EventPong})
	return nil, nil
}

func (c *Coordinator) handleActivity(_ context.Context, s *session, raw json.RawMessage) (any, error) {
	if err := decodePayload(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	c.presence.RecordActivity(s.user.UserId)
	return nil, nil
}

func (c *Coordinator) handleCreateRoom(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req createRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.createRoom(ctx, s.user, req.Name, req.IsPrivate)
}

func (c *Coordinator) handleGetRooms(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	if err := decodePayload(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	return c.rooms.RoomsVisibleTo(ctx, s.user.UserId)
}

func (c *Coordinator) handleJoinRoom(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req joinRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.joinRoom(ctx, s.user, service.JoinTarget{RoomId: req.RoomId, AccessCode: req.AccessCode})
}

// handleLeaveRoom はこの接続のルーム購読だけを解除します
// メンバーシップは残るため、再認証すると再び購読されます
func (c *Coordinator) handleLeaveRoom(_ context.Context, s *session, raw json.RawMessage) (any, error) {
	var req roomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	roomId := strings.TrimSpace(req.RoomId)
	if c.subs.Unsubscribe(roomId, s.conn.ID()) {
		c.broadcaster.ToRoom(roomId, Envelope{
			Type: EventUserLeftRoom,
			Payload: RoomMemberEvent{
				RoomId:    roomId,
				UserId:    s.user.UserId,
				UserName:  s.user.UserName,
				Timestamp: c.now().UnixMilli(),
			},
		}, s.user.UserId)
	}
	return nil, nil
}

func (c *Coordinator) handleMessage(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req messageRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.broadcaster.Send(ctx, s.user, strings.TrimSpace(req.RoomId), req.Content)
}

func (c *Coordinator) handleGetRoomMessages(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req roomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.broadcaster.History(ctx, s.user.UserId, strings.TrimSpace(req.RoomId))
}

func (c *Coordinator) handleTyping(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req typingRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return nil, c.typing.Signal(ctx, s.user, strings.TrimSpace(req.RoomId), req.IsTyping)
}

func (c *Coordinator) handleRenameRoom(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req renameRoomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.renameRoom(ctx, s.user, strings.TrimSpace(req.RoomId), req.Name)
}

func (c *Coordinator) handleDeleteRoom(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	var req roomRequest
	if err := decodePayload(raw, &req); err != nil {
		return nil, err
	}
	return c.deleteRoom(ctx, s.user, strings.TrimSpace(req.RoomId))
}

// handleLogout は接続の紐付けを解除します。接続自体は閉じません
// ユーザーの接続が他に残っていなければ offline になります
func (c *Coordinator) handleLogout(_ context.Context, s *session, raw json.RawMessage) (any, error) {
	if err := decodePayload(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	c.subs.RemoveConn(s.conn.ID())
	userId, _ := c.registry.Unbind(s.conn.ID())
	if len(c.registry.ConnectionsOf(userId)) == 0 {
		c.presence.SetOffline(userId)
	}
	c.logger.Info("user logged out", "userId", userId, "connId", s.conn.ID())
	return nil, nil
}

// handleDeleteProfile はユーザーのデータを削除し、ackを返してから
// ユーザーのすべての接続を閉じます
func (c *Coordinator) handleDeleteProfile(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
	if err := decodePayload(raw, &emptyRequest{}); err != nil {
		return nil, err
	}
	res, closeAll, err := c.deleteProfile(ctx, s.user)
	if err != nil {
		return nil, err
	}
	s.afterReply(closeAll)
	return res, nil
}
