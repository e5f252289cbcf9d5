// Package idgen はルームID・メッセージID・接続ID・参加コードの生成を提供します
package idgen

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// AccessCodeLength は参加コードの桁数
const AccessCodeLength = 6

var (
	codeMu  sync.Mutex
	codeGen = mustDigits(AccessCodeLength)
)

func mustDigits(length int) func() string {
	gen, err := nanoid.CustomASCII("0123456789", length)
	if err != nil {
		panic(err)
	}
	return gen
}

// NewRoomID は7文字の英数字からなるルームIDを生成します
func NewRoomID() (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 7)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = chars[b[i]%byte(len(chars))]
	}
	return string(b), nil
}

// NewAccessCode はプライベートルーム用の6桁の参加コードを生成します
// 先頭は0以外なので 100000〜999999 の範囲になります
func NewAccessCode() (string, error) {
	codeMu.Lock()
	defer codeMu.Unlock()
	for i := 0; i < 64; i++ {
		if code := codeGen(); code[0] != '0' {
			return code, nil
		}
	}
	return "", errors.New("idgen: access code generation exhausted")
}

// NewConnID はWebSocket接続ごとの識別子を生成します
func NewConnID() string {
	return uuid.NewString()
}
