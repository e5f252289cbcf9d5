package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/auth"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/http"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/realtime"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/repo"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	testSecret      = "test-secret"
	testIssuer      = "steamvc-chat-test"
	allowedOrigin   = "http://localhost:3000"
	readTimeout     = 2 * time.Second
	defaultRateTest = 1000
)

var (
	alice = models.User{UserId: "alice", UserName: "Alice"}
	bob   = models.User{UserId: "bob", UserName: "Bob"}
)

type testEnv struct {
	srv      *httptest.Server
	mr       *miniredis.Miniredis
	rooms    *service.RoomService
	messages *service.MessageService
	verifier *auth.Verifier
	reqSeq   atomic.Int64
}

type envOption func(*handlers.WebSocketOptions, *bool)

func withoutAuth() envOption {
	return func(_ *handlers.WebSocketOptions, required *bool) { *required = false }
}

func withRate(perSec float64, burst int) envOption {
	return func(o *handlers.WebSocketOptions, _ *bool) {
		o.RatePerSec = perSec
		o.RateBurst = burst
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mr := miniredis.RunT(t)
	store := repo.NewRedisRepo(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	rooms := service.NewRoomService(store, service.NewRoomIDGenerator(), service.NewAccessCodeGenerator())
	messages := service.NewMessageService(store, store)
	wsOpts := handlers.WebSocketOptions{
		AllowedOrigins: []string{allowedOrigin},
		RatePerSec:     defaultRateTest,
		RateBurst:      defaultRateTest,
	}
	authRequired := true
	for _, o := range opts {
		o(&wsOpts, &authRequired)
	}
	coord := realtime.NewCoordinator(rooms, messages, realtime.Options{
		TrustClientIdentity: !authRequired,
		Logger:              logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		_ = store.Close()
	})

	verifier := auth.NewVerifier(testSecret, testIssuer)
	ident := handlers.NewIdentifier(verifier, authRequired)
	ws := handlers.NewWebSocketHandler(coord, ident, wsOpts, logger)
	router := httpx.NewRouter(handlers.NewRoomHandler(rooms, messages, coord, logger), ws, ident, []string{allowedOrigin})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mr: mr, rooms: rooms, messages: messages, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, u models.User) string {
	t.Helper()
	tok, err := e.verifier.IssueToken(u, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (e *testEnv) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(query), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) dialAs(t *testing.T, u models.User) *websocket.Conn {
	t.Helper()
	return e.dial(t, "", http.Header{"Authorization": {"Bearer " + e.token(t, u)}})
}

type wireEnvelope struct {
	Type      string          `json:"type"`
	RequestId string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type wireAck struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func writeFrame(t *testing.T, c *websocket.Conn, typ, reqId string, payload any) {
	t.Helper()
	frame := map[string]any{"type": typ}
	if reqId != "" {
		frame["requestId"] = reqId
	}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(t, c.WriteJSON(frame))
}

func readUntil(t *testing.T, c *websocket.Conn, match func(wireEnvelope) bool) wireEnvelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var e wireEnvelope
		require.NoError(t, c.ReadJSON(&e))
		if match(e) {
			return e
		}
	}
}

func readType(t *testing.T, c *websocket.Conn, typ string) wireEnvelope {
	t.Helper()
	return readUntil(t, c, func(e wireEnvelope) bool { return e.Type == typ })
}

func (e *testEnv) request(t *testing.T, c *websocket.Conn, typ string, payload any) wireAck {
	t.Helper()
	reqId := fmt.Sprintf("req-%d", e.reqSeq.Add(1))
	writeFrame(t, c, typ, reqId, payload)
	env := readUntil(t, c, func(w wireEnvelope) bool { return w.Type == realtime.EventAck && w.RequestId == reqId })
	var ack wireAck
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	return ack
}

func decodeData[T any](t *testing.T, ack wireAck) T {
	t.Helper()
	require.True(t, ack.Success, "%s: %s", ack.Code, ack.Error)
	var v T
	require.NoError(t, json.Unmarshal(ack.Data, &v))
	return v
}
