// Package realtime はWebSocket接続の状態・プレゼンス・ルーム購読を管理し、
// 受信イベントを処理してイベントを配信するコーディネーターを提供します
//
// Registry・Presence・Subscriptions はロックを持ちません。
// すべて Coordinator のイベントループからのみ操作されます。
package realtime

import (
	"sort"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
)

// Conn はコーディネーターから見た1つのクライアント接続
type Conn interface {
	ID() string
	// Identity はハンドシェイクで検証されたユーザー
	Identity() models.User
	// Send は送信キューに積みます。送れない場合は false を返します
	Send(env Envelope) bool
	Close()
}

type connEntry struct {
	conn     Conn
	userId   string
	userName string
	openedAt time.Time
}

// Registry は接続とユーザーの対応を管理します
// 1人のユーザーが複数の接続を持つことができます
type Registry struct {
	conns  map[string]*connEntry
	byUser map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Open は未認証の接続を登録します
func (r *Registry) Open(c Conn, now time.Time) {
	if _, ok := r.conns[c.ID()]; ok {
		return
	}
	r.conns[c.ID()] = &connEntry{conn: c, openedAt: now}
}

// Bind は接続をユーザーに紐付けます
// 別のユーザーに紐付いていた場合は付け替えます。未登録の接続の場合は false
func (r *Registry) Bind(connId, userId string) bool {
	e, ok := r.conns[connId]
	if !ok {
		return false
	}
	if e.userId == userId {
		return true
	}
	if e.userId != "" {
		r.detach(e.userId, connId)
	}
	e.userId, e.userName = userId, ""
	set, ok := r.byUser[userId]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userId] = set
	}
	set[connId] = struct{}{}
	return true
}

// BindUser は Bind に加えて表示名も記録します
func (r *Registry) BindUser(connId string, u models.User) bool {
	if !r.Bind(connId, u.UserId) {
		return false
	}
	r.conns[connId].userName = u.UserName
	return true
}

// Unbind は接続とユーザーの紐付けを解除し、紐付いていたユーザーIDを返します
func (r *Registry) Unbind(connId string) (string, bool) {
	e, ok := r.conns[connId]
	if !ok || e.userId == "" {
		return "", false
	}
	userId := e.userId
	e.userId, e.userName = "", ""
	r.detach(userId, connId)
	return userId, true
}

// Remove は接続を削除します（紐付けも解除されます）
func (r *Registry) Remove(connId string) (string, bool) {
	userId, bound := r.Unbind(connId)
	delete(r.conns, connId)
	return userId, bound
}

func (r *Registry) detach(userId, connId string) {
	set := r.byUser[userId]
	delete(set, connId)
	if len(set) == 0 {
		delete(r.byUser, userId)
	}
}

// ConnectionsOf はユーザーに紐付いた接続を返します
func (r *Registry) ConnectionsOf(userId string) []Conn {
	set := r.byUser[userId]
	res := make([]Conn, 0, len(set))
	for id := range set {
		res = append(res, r.conns[id].conn)
	}
	sortConns(res)
	return res
}

// UserOf は接続に紐付いたユーザーIDを返します
func (r *Registry) UserOf(connId string) (string, bool) {
	e, ok := r.conns[connId]
	if !ok || e.userId == "" {
		return "", false
	}
	return e.userId, true
}

// User は接続に紐付いたユーザーを返します
func (r *Registry) User(connId string) (models.User, bool) {
	e, ok := r.conns[connId]
	if !ok || e.userId == "" {
		return models.User{}, false
	}
	return models.User{UserId: e.userId, UserName: e.userName}, true
}

// Conn は接続IDから接続を返します
func (r *Registry) Conn(connId string) (Conn, bool) {
	e, ok := r.conns[connId]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// OpenSince は接続が開かれた時刻を返します
func (r *Registry) OpenSince(connId string) (time.Time, bool) {
	e, ok := r.conns[connId]
	if !ok {
		return time.Time{}, false
	}
	return e.openedAt, true
}

// All は開いているすべての接続を返します
func (r *Registry) All() []Conn {
	res := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		res = append(res, e.conn)
	}
	sortConns(res)
	return res
}

// Bound はユーザーに紐付いたすべての接続とそのユーザーIDを返します
func (r *Registry) Bound() map[string]string {
	res := make(map[string]string)
	for id, e := range r.conns {
		if e.userId != "" {
			res[id] = e.userId
		}
	}
	return res
}

// Len は開いている接続数を返します
func (r *Registry) Len() int { return len(r.conns) }

func sortConns(cs []Conn) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID() < cs[j].ID() })
}
