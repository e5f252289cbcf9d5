package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID はメッセージID用のULIDを生成します
// 同一ミリ秒内でも単調増加するため、IDの辞書順が生成順と一致します
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt は指定時刻のタイムスタンプを持つULIDを生成します
func NewULIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}
