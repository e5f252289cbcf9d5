package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomViewFor(t *testing.T) {
	room := Room{
		RoomId:     "abc1234",
		Name:       "Team",
		OwnerId:    "alice",
		Visibility: VisibilityPrivate,
		AccessCode: "123456",
		CreatedAt:  1000,
	}

	tests := []struct {
		name     string
		room     Room
		viewer   string
		wantCode string
	}{
		{name: "owner sees code", room: room, viewer: "alice", wantCode: "123456"},
		{name: "member does not see code", room: room, viewer: "bob"},
		{name: "anonymous viewer", room: room, viewer: ""},
		{name: "public room has no code", room: Room{RoomId: "x", OwnerId: "alice", Visibility: VisibilityPublic}, viewer: "alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.room.ViewFor(tt.viewer)
			assert.Equal(t, tt.wantCode, v.AccessCode)
			assert.Equal(t, tt.room.RoomId, v.RoomId)
			assert.Equal(t, tt.room.IsPrivate(), v.IsPrivate)
			assert.Equal(t, tt.room.OwnerId, v.CreatedBy)
		})
	}
}

func TestRoomLastActivity(t *testing.T) {
	r := Room{CreatedAt: 100}
	assert.Equal(t, int64(100), r.LastActivity())

	r.LastMessageAt = 250
	assert.Equal(t, int64(250), r.LastActivity())
}
