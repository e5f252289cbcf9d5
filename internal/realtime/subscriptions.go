package realtime

import "sort"

// Subscriptions はルームごとの購読接続を管理します
// ルーム→接続と接続→ルームの両方向の索引を持ちます
type Subscriptions struct {
	byRoom map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Subscribe は新たに購読した場合 true を返します
func (s *Subscriptions) Subscribe(roomId, connId string) bool {
	if add(s.byRoom, roomId, connId) {
		add(s.byConn, connId, roomId)
		return true
	}
	return false
}

// Unsubscribe は購読していた場合 true を返します
func (s *Subscriptions) Unsubscribe(roomId, connId string) bool {
	if remove(s.byRoom, roomId, connId) {
		remove(s.byConn, connId, roomId)
		return true
	}
	return false
}

// RemoveConn は接続の購読をすべて解除し、購読していたルームを返します
func (s *Subscriptions) RemoveConn(connId string) []string {
	rooms := keys(s.byConn[connId])
	for _, roomId := range rooms {
		remove(s.byRoom, roomId, connId)
	}
	delete(s.byConn, connId)
	return rooms
}

// RemoveRoom はルームの購読をすべて解除し、購読していた接続を返します
func (s *Subscriptions) RemoveRoom(roomId string) []string {
	conns := keys(s.byRoom[roomId])
	for _, connId := range conns {
		remove(s.byConn, connId, roomId)
	}
	delete(s.byRoom, roomId)
	return conns
}

// Subscribers はルームを購読している接続IDを返します
func (s *Subscriptions) Subscribers(roomId string) []string {
	return keys(s.byRoom[roomId])
}

// RoomsOf は接続が購読しているルームIDを返します
func (s *Subscriptions) RoomsOf(connId string) []string {
	return keys(s.byConn[connId])
}

func (s *Subscriptions) IsSubscribed(roomId, connId string) bool {
	_, ok := s.byRoom[roomId][connId]
	return ok
}

func add(m map[string]map[string]struct{}, k, v string) bool {
	set, ok := m[k]
	if !ok {
		set = make(map[string]struct{})
		m[k] = set
	}
	if _, ok := set[v]; ok {
		return false
	}
	set[v] = struct{}{}
	return true
}

func remove(m map[string]map[string]struct{}, k, v string) bool {
	set, ok := m[k]
	if !ok {
		return false
	}
	if _, ok := set[v]; !ok {
		return false
	}
	delete(set, v)
	if len(set) == 0 {
		delete(m, k)
	}
	return true
}

func keys(set map[string]struct{}) []string {
	res := make([]string, 0, len(set))
	for k := range set {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}
