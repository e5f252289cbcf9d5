package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/idgen"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/realtime"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second    // 1回の書き込みの期限
	pongWait   = 60 * time.Second    // pong を待つ期限
	pingPeriod = (pongWait * 9) / 10 // ping の送信間隔（54秒）
)

// WebSocketOptions はWebSocket接続の設定
type WebSocketOptions struct {
	AllowedOrigins  []string // "*" を含む場合はすべて許可
	MaxMessageBytes int64
	SendBuffer      int
	RatePerSec      float64
	RateBurst       int
}

// WebSocketHandler はWebSocket接続を受け付け、コーディネーターに接続を渡します
type WebSocketHandler struct {
	coord    *realtime.Coordinator
	ident    *Identifier
	opts     WebSocketOptions
	origins  map[string]struct{}
	allowAll bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
func NewWebSocketHandler(coord *realtime.Coordinator, ident *Identifier, opts WebSocketOptions, logger *slog.Logger) *WebSocketHandler {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}
	h := &WebSocketHandler{
		coord:   coord,
		ident:   ident,
		opts:    opts,
		origins: make(map[string]struct{}),
		logger:  logger,
	}
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			h.allowAll = true
			continue
		}
		if n, ok := normalizeOrigin(o); ok {
			h.origins[n] = struct{}{}
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// HandleWebSocket はハンドシェイクで利用者を識別してから接続をアップグレードします
// 認証が必須の設定でトークンがない・不正な場合は 401 を返します
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.ident.Identify(r)
	if err != nil {
		h.logger.Debug("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade が HTTP エラーを返し済み
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(idgen.NewConnID(), user, conn, h.opts, h.logger)
	if !h.coord.Connect(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Info("websocket connected", "connId", client.id, "userId", user.UserId, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump(h.coord)
}

// checkOrigin は Origin ヘッダーが許可されたオリジンかどうかを確認します
// Origin のないリクエスト（ブラウザ以外のクライアント）は許可します
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowAll {
		return true
	}
	n, ok := normalizeOrigin(origin)
	if ok {
		if _, allowed := h.origins[n]; allowed {
			return true
		}
	}
	h.logger.Warn("blocked websocket connection from disallowed origin", "origin", origin)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// Client は1つのWebSocket接続を表し、realtime.Conn を実装します
// 送信はバッファ付きチャネル経由で writePump だけが行います
type Client struct {
	id      string
	user    models.User
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	maxSize int64
	logger  *slog.Logger
}

func newClient(id string, user models.User, conn *websocket.Conn, opts WebSocketOptions, logger *slog.Logger) *Client {
	return &Client{
		id:      id,
		user:    user,
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.RateBurst),
		maxSize: opts.MaxMessageBytes,
		logger:  logger.With("connId", id),
	}
}

func (c *Client) ID() string             { return c.id }
func (c *Client) Identity() models.User { return c.user }

// Send はイベントを送信キューに積みます
// キューが溢れた場合、その接続は追いつけないとみなして閉じます
func (c *Client) Send(env realtime.Envelope) bool {
	b, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode event", "event", env.Type, "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection", "event", env.Type)
		c.Close()
		return false
	}
}

// Close は接続を閉じます。キューに残ったイベントは送信してから閉じます
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// sendError はリクエストと対応しないエラーを通知します
func (c *Client) sendError(code, msg string) {
	c.Send(realtime.Envelope{Type: realtime.EventError, Payload: realtime.ErrorPayload{Code: code, Message: msg}})
}

func (c *Client) readPump(coord *realtime.Coordinator) {
	defer func() {
		coord.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(c.maxSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("failed to set read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if !c.limiter.Allow() {
			c.logger.Debug("rate limit exceeded; discarding frame")
			c.sendError("RATE_LIMITED", "too many messages")
			continue
		}

		var f realtime.Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
			c.sendError("VALIDATION", "invalid frame")
			continue
		}
		if !coord.Dispatch(c, f) {
			return
		}
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Info("websocket disconnected")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Info("websocket connection closed")
	default:
		c.logger.Debug("websocket read ended", "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				c.Close()
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush は閉じる前にキューに残ったイベントを送信します
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if !c.write(websocket.TextMessage, msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("failed to set write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}
