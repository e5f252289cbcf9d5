// Package models はアプリケーションで使用するデータ構造を定義します
package models

// User は認証済みユーザーの識別情報を表します
// ユーザーレコード自体は外部の認証サービスが所有します
type User struct {
	UserId   string `json:"userId"`   // ユーザーの一意な識別子
	UserName string `json:"userName"` // ユーザー名（表示用）
}

// Visibility はルームの公開範囲を表します
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Room はチャットルームの情報を表します
// AccessCode はプライベートルームの場合のみ設定されます
type Room struct {
	RoomId        string     `json:"roomId"`                  // ルームの一意な識別子
	Name          string     `json:"name"`                    // ルーム名
	OwnerId       string     `json:"ownerId"`                 // ルームのオーナー（作成者）のユーザーID
	Visibility    Visibility `json:"visibility"`              // 公開範囲
	AccessCode    string     `json:"accessCode,omitempty"`    // 6桁の参加コード（プライベートのみ）
	CreatedAt     int64      `json:"createdAt"`               // 作成日時（Unixミリ秒）
	LastMessage   string     `json:"lastMessage,omitempty"`   // 最新メッセージのプレビュー
	LastMessageAt int64      `json:"lastMessageAt,omitempty"` // 最新メッセージの日時（Unixミリ秒）
	MemberCount   int        `json:"memberCount"`             // メンバー数
}

// IsPrivate はプライベートルームかどうかを返します
func (r Room) IsPrivate() bool { return r.Visibility == VisibilityPrivate }

// LastActivity はルームの最終アクティビティ日時を返します
// メッセージがない場合は作成日時になります
func (r Room) LastActivity() int64 {
	if r.LastMessageAt > r.CreatedAt {
		return r.LastMessageAt
	}
	return r.CreatedAt
}

// ViewFor は閲覧者ごとに整形したルーム情報を返します
// 参加コードはオーナーにのみ含まれます
func (r Room) ViewFor(viewerId string) RoomView {
	v := RoomView{
		RoomId:          r.RoomId,
		Name:            r.Name,
		IsPrivate:       r.IsPrivate(),
		CreatedBy:       r.OwnerId,
		CreatedAt:       r.CreatedAt,
		LastMessage:     r.LastMessage,
		LastMessageTime: r.LastMessageAt,
		MemberCount:     r.MemberCount,
	}
	if r.IsPrivate() && viewerId != "" && viewerId == r.OwnerId {
		v.AccessCode = r.AccessCode
	}
	return v
}

// RoomView はクライアントに送信するルーム情報です
type RoomView struct {
	RoomId          string `json:"id"`
	Name            string `json:"name"`
	IsPrivate       bool   `json:"isPrivate"`
	CreatedBy       string `json:"createdBy"`
	CreatedAt       int64  `json:"createdAt"`
	AccessCode      string `json:"accessCode,omitempty"`
	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageTime int64  `json:"lastMessageTime,omitempty"`
	MemberCount     int    `json:"memberCount"`
}

// Message はルーム内のメッセージを表します
// 送信者のプロフィールが削除された場合 UserId は空になります
type Message struct {
	MessageId string `json:"id"`        // ULID
	RoomId    string `json:"roomId"`    // 所属するルームのID
	UserId    string `json:"userId"`    // 送信者のユーザーID
	UserName  string `json:"username"`  // 送信時点の送信者名
	Content   string `json:"content"`   // 本文
	CreatedAt int64  `json:"createdAt"` // 送信日時（Unixミリ秒）
}

// PresenceStatus はユーザーのオンライン状態を表します
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)
