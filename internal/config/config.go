// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ストレージドライバー
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr        string   `env:"API_ADDR" envDefault:":8080"`                                                              // APIサーバーのリッスンアドレス
	RedisAddr      string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`                                                   // Redisの接続先
	StoreDriver    string   `env:"STORE_DRIVER" envDefault:"redis"`                                                          // redis または sqlite
	SQLiteDSN      string   `env:"SQLITE_DSN" envDefault:"chat.db"`                                                          // SQLiteのファイル
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000,http://localhost:3001,http://localhost:3002"` // CORS・WebSocketで許可するオリジン

	JWTSecret    string `env:"JWT_SECRET"`                           // トークン検証用のHMACシークレット
	JWTIssuer    string `env:"JWT_ISSUER" envDefault:"steamvc-chat"` // トークンのiss
	AuthRequired bool   `env:"AUTH_REQUIRED" envDefault:"true"`      // falseの場合はクライアントが名乗るuserIdを信用する（開発用）

	AwayAfter time.Duration `env:"PRESENCE_AWAY_AFTER" envDefault:"30s"` // 無操作で away になるまでの時間

	WSMaxMessageBytes int64   `env:"WS_MAX_MESSAGE_BYTES" envDefault:"65536"`
	WSSendBuffer      int     `env:"WS_SEND_BUFFER" envDefault:"256"`
	WSRatePerSec      float64 `env:"WS_RATE_PER_SEC" envDefault:"20"`
	WSRateBurst       int     `env:"WS_RATE_BURST" envDefault:"40"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowedOrigins = trimCSV(cfg.AllowedOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を確認します
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreRedis, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreRedis, StoreSQLite, c.StoreDriver))
	}
	if c.AuthRequired && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when AUTH_REQUIRED=true"))
	}
	if c.AwayAfter <= 0 {
		errs = append(errs, errors.New("PRESENCE_AWAY_AFTER must be positive"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	if c.WSMaxMessageBytes <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_BYTES must be positive"))
	}
	if c.WSRatePerSec <= 0 || c.WSRateBurst <= 0 {
		errs = append(errs, errors.New("WS_RATE_PER_SEC and WS_RATE_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// SlogLevel は LOG_LEVEL を slog.Level に変換します
// 不明な値は info として扱います
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// trimCSV はカンマ区切りの各要素の空白を取り除き、空要素を除外します
func trimCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
