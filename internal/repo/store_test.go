package repo

import (
	"context"
	"testing"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publicRoom(id, owner string, createdAt int64) models.Room {
	return models.Room{RoomId: id, Name: "room " + id, OwnerId: owner, Visibility: models.VisibilityPublic, CreatedAt: createdAt}
}

func privateRoom(id, owner, code string, createdAt int64) models.Room {
	return models.Room{RoomId: id, Name: "room " + id, OwnerId: owner, Visibility: models.VisibilityPrivate, AccessCode: code, CreatedAt: createdAt}
}

func roomIDs(rooms []models.Room) []string {
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.RoomId
	}
	return ids
}

// runStoreContract はどのStore実装でも満たすべき振る舞いを検証します
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, privateRoom("r1", "alice", "123456", 10)))

		got, ok, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "room r1", got.Name)
		assert.Equal(t, "alice", got.OwnerId)
		assert.True(t, got.IsPrivate())
		assert.Equal(t, "123456", got.AccessCode)
		assert.Equal(t, 1, got.MemberCount)

		member, err := s.IsMember(ctx, "r1", "alice")
		require.NoError(t, err)
		assert.True(t, member, "owner becomes a member on create")

		_, ok, err = s.GetRoom(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("create conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, privateRoom("r1", "alice", "123456", 10)))

		assert.ErrorIs(t, s.CreateRoom(ctx, publicRoom("r1", "bob", 11)), ErrConflict)
		assert.ErrorIs(t, s.CreateRoom(ctx, privateRoom("r2", "bob", "123456", 11)), ErrConflict)

		exists, err := s.ExistsRoom(ctx, "r2")
		require.NoError(t, err)
		assert.False(t, exists, "a rejected create leaves nothing behind")
		rooms, err := s.ListMemberRooms(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, rooms)
	})

	t.Run("access code lookup", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, privateRoom("r1", "alice", "654321", 10)))

		exists, err := s.AccessCodeExists(ctx, "654321")
		require.NoError(t, err)
		assert.True(t, exists)

		got, ok, err := s.FindRoomByAccessCode(ctx, "654321")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "r1", got.RoomId)

		_, ok, err = s.FindRoomByAccessCode(ctx, "111111")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("add member is idempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, publicRoom("r1", "alice", 10)))

		added, err := s.AddMember(ctx, "r1", "bob")
		require.NoError(t, err)
		assert.True(t, added)

		added, err = s.AddMember(ctx, "r1", "bob")
		require.NoError(t, err)
		assert.False(t, added)

		members, err := s.ListMembers(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, members)

		_, err = s.AddMember(ctx, "missing", "bob")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("visible room listings", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, publicRoom("pub", "alice", 10)))
		require.NoError(t, s.CreateRoom(ctx, privateRoom("priv", "alice", "222222", 11)))
		require.NoError(t, s.CreateRoom(ctx, privateRoom("other", "carol", "333333", 12)))
		_, err := s.AddMember(ctx, "priv", "bob")
		require.NoError(t, err)

		public, err := s.ListPublicRooms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"pub"}, roomIDs(public))

		bobs, err := s.ListMemberRooms(ctx, "bob")
		require.NoError(t, err)
		assert.Equal(t, []string{"priv"}, roomIDs(bobs))
		assert.Equal(t, 2, bobs[0].MemberCount)

		alices, err := s.ListMemberRooms(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"pub", "priv"}, roomIDs(alices))
	})

	t.Run("rename", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, publicRoom("r1", "alice", 10)))
		require.NoError(t, s.RenameRoom(ctx, "r1", "General"))

		got, _, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "General", got.Name)

		assert.ErrorIs(t, s.RenameRoom(ctx, "missing", "x"), ErrNotFound)
	})

	t.Run("messages keep send order and update preview", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, publicRoom("r1", "alice", 10)))
		for i, content := range []string{"one", "two", "three"} {
			require.NoError(t, s.CreateMessage(ctx, models.Message{
				MessageId: string(rune('a' + i)),
				RoomId:    "r1",
				UserId:    "alice",
				UserName:  "Alice",
				Content:   content,
				CreatedAt: 100,
			}))
		}

		msgs, err := s.ListMessages(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "one", msgs[0].Content)
		assert.Equal(t, "three", msgs[2].Content)
		assert.Equal(t, "Alice", msgs[1].UserName)

		got, _, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "three", got.LastMessage)
		assert.Equal(t, int64(100), got.LastMessageAt)

		err = s.CreateMessage(ctx, models.Message{MessageId: "z", RoomId: "missing", Content: "x", CreatedAt: 1})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, privateRoom("r1", "alice", "444444", 10)))
		_, err := s.AddMember(ctx, "r1", "bob")
		require.NoError(t, err)
		require.NoError(t, s.CreateMessage(ctx, models.Message{MessageId: "m1", RoomId: "r1", UserId: "bob", Content: "hi", CreatedAt: 20}))

		require.NoError(t, s.DeleteRoom(ctx, "r1"))

		exists, err := s.ExistsRoom(ctx, "r1")
		require.NoError(t, err)
		assert.False(t, exists)
		member, err := s.IsMember(ctx, "r1", "bob")
		require.NoError(t, err)
		assert.False(t, member)
		msgs, err := s.ListMessages(ctx, "r1")
		require.NoError(t, err)
		assert.Empty(t, msgs)
		codeUsed, err := s.AccessCodeExists(ctx, "444444")
		require.NoError(t, err)
		assert.False(t, codeUsed, "access code is released")
		bobs, err := s.ListMemberRooms(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, bobs)

		assert.ErrorIs(t, s.DeleteRoom(ctx, "r1"), ErrNotFound)
	})

	t.Run("remove user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateRoom(ctx, publicRoom("owned", "bob", 10)))
		require.NoError(t, s.CreateRoom(ctx, publicRoom("shared", "alice", 11)))
		_, err := s.AddMember(ctx, "shared", "bob")
		require.NoError(t, err)
		require.NoError(t, s.CreateMessage(ctx, models.Message{MessageId: "m1", RoomId: "shared", UserId: "bob", UserName: "Bob", Content: "bye", CreatedAt: 20}))
		require.NoError(t, s.CreateMessage(ctx, models.Message{MessageId: "m2", RoomId: "shared", UserId: "alice", UserName: "Alice", Content: "ok", CreatedAt: 21}))

		require.NoError(t, s.RemoveUser(ctx, "bob"))

		exists, err := s.ExistsRoom(ctx, "owned")
		require.NoError(t, err)
		assert.False(t, exists)
		member, err := s.IsMember(ctx, "shared", "bob")
		require.NoError(t, err)
		assert.False(t, member)

		msgs, err := s.ListMessages(ctx, "shared")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "", msgs[0].UserId)
		assert.Equal(t, "bye", msgs[0].Content)
		assert.Equal(t, "alice", msgs[1].UserId)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
