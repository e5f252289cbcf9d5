package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/repo"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var (
	alice = models.User{UserId: "alice", UserName: "Alice"}
	bob   = models.User{UserId: "bob", UserName: "Bob"}
	carol = models.User{UserId: "carol", UserName: "Carol"}
)

// fakeConn は送信したイベントを記録する Conn
type fakeConn struct {
	id   string
	user models.User

	mu     sync.Mutex
	sent   []Envelope
	closed bool
}

func newFakeConn(id string, user models.User) *fakeConn {
	return &fakeConn{id: id, user: user}
}

func (f *fakeConn) ID() string             { return f.id }
func (f *fakeConn) Identity() models.User { return f.user }

func (f *fakeConn) Send(env Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.sent = append(f.sent, env)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// take は記録したイベントを返して記録を消去します
func (f *fakeConn) take() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.sent
	f.sent = nil
	return res
}

// events は指定した種類のイベントだけを返します（記録は消しません）
func (f *fakeConn) events(eventType string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Envelope
	for _, e := range f.sent {
		if e.Type == eventType {
			res = append(res, e)
		}
	}
	return res
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) fire() {
	if t.stopped || t.fired {
		return
	}
	t.fired = true
	t.f()
}

// fakeTimers は手動で発火させる Scheduler
type fakeTimers struct {
	timers []*fakeTimer
}

func (ft *fakeTimers) schedule(d time.Duration, f func()) func() bool {
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		pending := !t.stopped && !t.fired
		t.stopped = true
		return pending
	}
}

func (ft *fakeTimers) active() []*fakeTimer {
	var res []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			res = append(res, t)
		}
	}
	return res
}

func (ft *fakeTimers) fireAll() {
	for _, t := range ft.active() {
		t.fire()
	}
}

// harness はイベントループを回さずにキューを同期的に処理するテスト用の環境
type harness struct {
	t      *testing.T
	ctx    context.Context
	coord  *Coordinator
	timers *fakeTimers
	mr     *miniredis.Miniredis
	store  *repo.RedisRepo
	seq    int
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	store := repo.NewRedisRepo(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	timers := &fakeTimers{}
	rooms := service.NewRoomService(store, service.NewRoomIDGenerator(), service.NewAccessCodeGenerator())
	messages := service.NewMessageService(store, store)
	o := Options{
		AwayAfter: 30 * time.Second,
		Scheduler: timers.schedule,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	coord := NewCoordinator(rooms, messages, o)
	return &harness{t: t, ctx: context.Background(), coord: coord, timers: timers, mr: mr, store: store}
}

// drain はキューに積まれた処理をすべて実行します
func (h *harness) drain() {
	for {
		select {
		case fn := <-h.coord.queue:
			fn(h.ctx)
		default:
			return
		}
	}
}

func (h *harness) connect(id string, user models.User) *fakeConn {
	h.t.Helper()
	c := newFakeConn(id, user)
	require.True(h.t, h.coord.Connect(c))
	h.drain()
	return c
}

// login は接続して authenticate まで済ませ、それまでの受信イベントを捨てます
func (h *harness) login(id string, user models.User) *fakeConn {
	h.t.Helper()
	c := h.connect(id, user)
	ack := h.request(c, EventAuthenticate, nil)
	require.True(h.t, ack.Success, ack.Error)
	c.take()
	return c
}

func (h *harness) disconnect(c *fakeConn) {
	require.True(h.t, h.coord.Disconnect(c))
	h.drain()
}

// request はフレームを送り、対応する ack を返します
func (h *harness) request(c *fakeConn, eventType string, payload any) Ack {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	h.seq++
	reqId := fmt.Sprintf("req-%d", h.seq)
	require.True(h.t, h.coord.Dispatch(c, Frame{Type: eventType, RequestId: reqId, Payload: raw}))
	h.drain()

	for _, e := range c.events(EventAck) {
		if e.RequestId == reqId {
			ack, ok := e.Payload.(Ack)
			require.True(h.t, ok)
			return ack
		}
	}
	h.t.Fatalf("no ack for %s (%s)", reqId, eventType)
	return Ack{}
}

// notify は RequestId なしでフレームを送ります
func (h *harness) notify(c *fakeConn, eventType string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	require.True(h.t, h.coord.Dispatch(c, Frame{Type: eventType, Payload: raw}))
	h.drain()
}

// decode は値を JSON を経由して dst に変換します
func decode(t *testing.T, v any, dst any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func ackData[T any](t *testing.T, ack Ack) T {
	t.Helper()
	require.True(t, ack.Success, "%s: %s", ack.Code, ack.Error)
	var res T
	decode(t, ack.Data, &res)
	return res
}
