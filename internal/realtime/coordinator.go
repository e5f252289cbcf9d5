package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
)

const defaultQueueSize = 1024

// Options はコーディネーターの設定
type Options struct {
	AwayAfter time.Duration // 無操作で away になるまでの時間
	QueueSize int
	Scheduler Scheduler // nil の場合は time.AfterFunc
	Now       func() time.Time
	Logger    *slog.Logger

	// TrustClientIdentity が true の場合、ハンドシェイクで識別されていない接続は
	// authenticate で名乗った userId をそのまま使う（開発用）
	TrustClientIdentity bool
}

// Coordinator は接続のライフサイクルと受信イベントを1本のイベントループで処理します
// 接続・プレゼンス・購読の状態はこのループだけが変更します
type Coordinator struct {
	rooms       *service.RoomService
	registry    *Registry
	presence    *Presence
	subs        *Subscriptions
	broadcaster *Broadcaster
	typing      *TypingRelay

	queue       chan func(context.Context)
	done        chan struct{}
	routes      map[string]route
	trustClient bool
	now         func() time.Time
	logger      *slog.Logger
}

// session は1件の受信イベントを処理する間の文脈
type session struct {
	conn  Conn
	user  models.User
	after []func()
}

// afterReply はackを送った後に実行する処理を登録します
func (s *session) afterReply(fn func()) { s.after = append(s.after, fn) }

type handlerFunc func(ctx context.Context, s *session, payload json.RawMessage) (any, error)

type route struct {
	handle handlerFunc
	auth   bool // 認証済みの接続のみ
}

// NewCoordinator は新しいCoordinatorを作成します
func NewCoordinator(rooms *service.RoomService, messages *service.MessageService, opts Options) *Coordinator {
	if opts.AwayAfter <= 0 {
		opts.AwayAfter = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Scheduler == nil {
		opts.Scheduler = AfterFunc
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Coordinator{
		rooms:    rooms,
		registry: NewRegistry(),
		subs:     NewSubscriptions(),
		queue:       make(chan func(context.Context), opts.QueueSize),
		done:        make(chan struct{}),
		trustClient: opts.TrustClientIdentity,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	c.broadcaster = NewBroadcaster(c.registry, c.subs, rooms, messages, c.logger)
	c.typing = NewTypingRelay(rooms, c.broadcaster)

	// タイマーのコールバックはループに戻してから実行する
	schedule := opts.Scheduler
	c.presence = NewPresence(opts.AwayAfter, func(d time.Duration, f func()) func() bool {
		return schedule(d, func() {
			c.Enqueue(func(context.Context) { f() })
		})
	})
	c.presence.Subscribe(func(u UserStatus) {
		c.logger.Debug("presence changed", "userId", u.UserId, "status", u.Status)
		c.broadcaster.ToAll(Envelope{Type: EventUserStatusUpdate, Payload: u})
	})

	c.routes = map[string]route{
		EventAuthenticate:    {handle: c.handleAuthenticate},
		EventPing:            {handle: c.handlePing},
		EventActivity:        {handle: c.handleActivity, auth: true},
		EventCreateRoom:      {handle: c.handleCreateRoom, auth: true},
		EventGetRooms:        {handle: c.handleGetRooms, auth: true},
		EventJoinRoom:        {handle: c.handleJoinRoom, auth: true},
		EventLeaveRoom:       {handle: c.handleLeaveRoom, auth: true},
		EventMessage:         {handle: c.handleMessage, auth: true},
		EventGetRoomMessages: {handle: c.handleGetRoomMessages, auth: true},
		EventTyping:          {handle: c.handleTyping, auth: true},
		EventRenameRoom:      {handle: c.handleRenameRoom, auth: true},
		EventDeleteRoom:      {handle: c.handleDeleteRoom, auth: true},
		EventUserLogout:      {handle: c.handleLogout, auth: true},
		EventDeleteProfile:   {handle: c.handleDeleteProfile, auth: true},
	}
	return c
}

// Run はイベントループを実行します。ctx がキャンセルされるとすべての接続を閉じて終了します
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started")
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.logger.Info("coordinator stopped")
			return nil
		case fn := <-c.queue:
			fn(ctx)
		}
	}
}

// Enqueue は処理をループに積みます。ループが終了している場合は false を返します
func (c *Coordinator) Enqueue(fn func(context.Context)) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- fn:
		return true
	case <-c.done:
		return false
	}
}

// Connect は新しい接続を登録します
func (c *Coordinator) Connect(conn Conn) bool {
	return c.Enqueue(func(context.Context) {
		c.registry.Open(conn, c.now())
		c.logger.Debug("connection opened", "connId", conn.ID())
	})
}

// Dispatch は受信したフレームを処理します
func (c *Coordinator) Dispatch(conn Conn, f Frame) bool {
	return c.Enqueue(func(ctx context.Context) {
		c.handle(ctx, conn, f)
	})
}

// Disconnect は接続の切断を処理します
// 切断の原因に関わらずこの経路で後始末します
func (c *Coordinator) Disconnect(conn Conn) bool {
	return c.Enqueue(func(context.Context) {
		c.disconnect(conn.ID())
	})
}

func (c *Coordinator) disconnect(connId string) {
	if _, ok := c.registry.Conn(connId); !ok {
		return
	}
	userId, bound := c.registry.Remove(connId)
	c.subs.RemoveConn(connId)
	c.logger.Debug("connection closed", "connId", connId, "userId", userId)
	if bound && len(c.registry.ConnectionsOf(userId)) == 0 {
		c.presence.SetOffline(userId)
	}
}

func (c *Coordinator) shutdown() {
	c.presence.Stop()
	for _, conn := range c.registry.All() {
		conn.Close()
	}
}

func (c *Coordinator) handle(ctx context.Context, conn Conn, f Frame) {
	if _, ok := c.registry.Conn(conn.ID()); !ok {
		// 切断済みの接続から遅れて届いたフレーム
		return
	}
	s := &session{conn: conn}
	data, err := c.invoke(ctx, s, f)
	c.reply(conn, f, data, err)
	for _, fn := range s.after {
		fn()
	}
}

func (c *Coordinator) invoke(ctx context.Context, s *session, f Frame) (any, error) {
	rt, ok := c.routes[f.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %q", service.ErrValidation, f.Type)
	}
	if rt.auth {
		user, ok := c.registry.User(s.conn.ID())
		if !ok {
			return nil, service.ErrAuthenticationRequired
		}
		s.user = user
	}
	return rt.handle(ctx, s, f.Payload)
}

// reply は RequestId がある場合に ack を返します
// 操作のエラーはackで返すだけで接続は維持します
func (c *Coordinator) reply(conn Conn, f Frame, data any, err error) {
	if err != nil {
		if service.IsClientError(err) {
			c.logger.Debug("event rejected", "event", f.Type, "connId", conn.ID(), "error", err)
		} else {
			c.logger.Error("event failed", "event", f.Type, "connId", conn.ID(), "error", err)
		}
	}
	if f.RequestId == "" {
		return
	}
	ack := Ack{Success: err == nil, Data: data}
	if err != nil {
		ack.Data = nil
		ack.Code = service.Code(err)
		ack.Error = err.Error()
		if ack.Code == "INTERNAL" {
			ack.Error = "internal error"
		}
	}
	if !conn.Send(Envelope{Type: EventAck, RequestId: f.RequestId, Payload: ack}) {
		c.logger.Warn("dropped ack", "connId", conn.ID(), "event", f.Type)
	}
}

// subscribeUser はユーザーのすべての接続をルームに購読させます
func (c *Coordinator) subscribeUser(userId, roomId string) {
	for _, conn := range c.registry.ConnectionsOf(userId) {
		c.subs.Subscribe(roomId, conn.ID())
	}
}
