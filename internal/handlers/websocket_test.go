package handlers_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketHandshakeAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		query  string
		header http.Header
	}{
		{"トークンなし", "", nil},
		{"不正なトークン", "token=garbage", nil},
		{"クエリのuserIdは信用しない", "userId=alice", nil},
		{"Bearer以外のスキーム", "", http.Header{"Authorization": {"Basic YWxpY2U6"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.query), tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	// クエリのトークンも受け付ける
	conn := env.dial(t, "token="+env.token(t, alice), nil)
	res := decodeData[realtime.AuthenticateResult](t, env.request(t, conn, realtime.EventAuthenticate, nil))
	assert.Equal(t, alice, res.User)
}

func TestWebSocketOriginCheck(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{
		"Authorization": {"Bearer " + env.token(t, alice)},
		"Origin":        {"http://evil.example"},
	}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(""), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "HTTP://LOCALHOST:3000")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(""), header)
	require.NoError(t, err)
	resp.Body.Close()
	conn.Close()
}

func TestWebSocketPrivateRoomScenario(t *testing.T) {
	env := newTestEnv(t)
	a := env.dialAs(t, alice)
	b := env.dialAs(t, bob)
	decodeData[realtime.AuthenticateResult](t, env.request(t, a, realtime.EventAuthenticate, nil))
	decodeData[realtime.AuthenticateResult](t, env.request(t, b, realtime.EventAuthenticate, nil))

	room := decodeData[models.RoomView](t, env.request(t, a, realtime.EventCreateRoom, map[string]any{"name": "Team", "isPrivate": true}))
	assert.True(t, room.IsPrivate)
	assert.Regexp(t, `^[1-9][0-9]{5}$`, room.AccessCode)

	joined := decodeData[models.RoomView](t, env.request(t, b, realtime.EventJoinRoom, map[string]any{"accessCode": room.AccessCode}))
	assert.Equal(t, room.RoomId, joined.RoomId)
	assert.Empty(t, joined.AccessCode)

	ev := readType(t, a, realtime.EventUserJoinedRoom)
	var member realtime.RoomMemberEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &member))
	assert.Equal(t, "bob", member.UserId)

	sent := decodeData[models.Message](t, env.request(t, b, realtime.EventMessage, map[string]any{"roomId": room.RoomId, "content": "hi"}))
	assert.Equal(t, "hi", sent.Content)

	ev = readType(t, a, realtime.EventMessage)
	var msg models.Message
	require.NoError(t, json.Unmarshal(ev.Payload, &msg))
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "bob", msg.UserId)
	assert.Equal(t, "Bob", msg.UserName)
}

func TestWebSocketInvalidFrame(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialAs(t, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	ev := readType(t, conn, realtime.EventError)
	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "VALIDATION", payload.Code)

	// 接続は維持される
	ack := env.request(t, conn, realtime.EventPing, nil)
	assert.True(t, ack.Success)
}

func TestWebSocketUnauthenticatedOperation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialAs(t, alice)

	ack := env.request(t, conn, realtime.EventGetRooms, nil)
	assert.False(t, ack.Success)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", ack.Code)
}

func TestWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t, withRate(0.001, 1))
	conn := env.dialAs(t, alice)

	writeFrame(t, conn, realtime.EventPing, "", nil)
	writeFrame(t, conn, realtime.EventPing, "", nil)

	// pong はループ経由、エラーは受信側から直接送られるので順序は決まらない
	got := map[string]wireEnvelope{}
	for len(got) < 2 {
		ev := readUntil(t, conn, func(wireEnvelope) bool { return true })
		got[ev.Type] = ev
	}
	require.Contains(t, got, realtime.EventPong)
	require.Contains(t, got, realtime.EventError)
	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(got[realtime.EventError].Payload, &payload))
	assert.Equal(t, "RATE_LIMITED", payload.Code)
}

func TestWebSocketDevIdentity(t *testing.T) {
	env := newTestEnv(t, withoutAuth())
	conn := env.dial(t, "userId=carol&userName=Carol", nil)

	res := decodeData[realtime.AuthenticateResult](t, env.request(t, conn, realtime.EventAuthenticate, map[string]any{"userId": "carol"}))
	assert.Equal(t, models.User{UserId: "carol", UserName: "Carol"}, res.User)

	anon := env.dial(t, "", nil)
	ack := env.request(t, anon, realtime.EventAuthenticate, nil)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", ack.Code)

	// ハンドシェイクで名乗らなかった接続は authenticate の userId を使う
	res = decodeData[realtime.AuthenticateResult](t, env.request(t, anon, realtime.EventAuthenticate, map[string]any{"userId": "dave", "userName": "Dave"}))
	assert.Equal(t, models.User{UserId: "dave", UserName: "Dave"}, res.User)
	room := decodeData[models.RoomView](t, env.request(t, anon, realtime.EventCreateRoom, map[string]any{"name": "Lobby"}))
	assert.Equal(t, "dave", room.CreatedBy)
}

func TestWebSocketDeleteProfileClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialAs(t, alice)
	decodeData[realtime.AuthenticateResult](t, env.request(t, conn, realtime.EventAuthenticate, nil))

	res := decodeData[realtime.ProfileDeletedEvent](t, env.request(t, conn, realtime.EventDeleteProfile, nil))
	assert.Equal(t, "alice", res.UserId)

	// ack の後にサーバーから接続が閉じられる
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
}
