package realtime

import (
	"sort"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
)

// Scheduler は d 経過後に f を呼び出し、取り消し関数を返します
// time.AfterFunc と同じ契約です
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// AfterFunc は time.AfterFunc による Scheduler
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type presenceEntry struct {
	status models.PresenceStatus
	gen    uint64
	stop   func() bool
}

// Presence はユーザーごとのオンライン状態と無操作タイマーを管理します
//
//	offline -> online (認証/activity)
//	online  -> away   (awayAfter の間 activity なし)
//	away    -> online (activity)
//	*       -> offline (接続がすべてなくなる/ログアウト)
//
// タイマーは世代番号を持ち、取り消し後に発火したコールバックは無視されます
type Presence struct {
	awayAfter time.Duration
	schedule  Scheduler
	states    map[string]*presenceEntry
	observers []func(UserStatus)
}

func NewPresence(awayAfter time.Duration, schedule Scheduler) *Presence {
	if schedule == nil {
		schedule = AfterFunc
	}
	return &Presence{
		awayAfter: awayAfter,
		schedule:  schedule,
		states:    make(map[string]*presenceEntry),
	}
}

// Subscribe は状態遷移の通知先を登録します
func (p *Presence) Subscribe(fn func(UserStatus)) {
	p.observers = append(p.observers, fn)
}

// RecordActivity はユーザーを online にし、away タイマーを張り直します
func (p *Presence) RecordActivity(userId string) {
	e, ok := p.states[userId]
	if !ok {
		e = &presenceEntry{status: models.PresenceOffline}
		p.states[userId] = e
	}
	p.cancel(e)
	gen := e.gen
	e.stop = p.schedule(p.awayAfter, func() { p.expire(userId, gen) })
	p.transition(userId, e, models.PresenceOnline)
}

// SetOffline はタイマーを取り消してユーザーを offline にします
func (p *Presence) SetOffline(userId string) {
	e, ok := p.states[userId]
	if !ok {
		return
	}
	p.cancel(e)
	delete(p.states, userId)
	p.transition(userId, e, models.PresenceOffline)
}

// Status はユーザーの現在の状態を返します
func (p *Presence) Status(userId string) models.PresenceStatus {
	if e, ok := p.states[userId]; ok {
		return e.status
	}
	return models.PresenceOffline
}

// Snapshot は offline 以外のユーザーの状態を返します
func (p *Presence) Snapshot() []UserStatus {
	res := make([]UserStatus, 0, len(p.states))
	for userId, e := range p.states {
		res = append(res, UserStatus{UserId: userId, Status: e.status})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserId < res[j].UserId })
	return res
}

// Stop はすべてのタイマーを取り消します
func (p *Presence) Stop() {
	for _, e := range p.states {
		p.cancel(e)
	}
}

func (p *Presence) expire(userId string, gen uint64) {
	e, ok := p.states[userId]
	if !ok || e.gen != gen || e.status != models.PresenceOnline {
		return
	}
	e.stop = nil
	p.transition(userId, e, models.PresenceAway)
}

// cancel は現在のタイマーを止め、世代を進めます
func (p *Presence) cancel(e *presenceEntry) {
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	e.gen++
}

func (p *Presence) transition(userId string, e *presenceEntry, to models.PresenceStatus) {
	if e.status == to {
		return
	}
	e.status = to
	u := UserStatus{UserId: userId, Status: to}
	for _, fn := range p.observers {
		fn(u)
	}
}
