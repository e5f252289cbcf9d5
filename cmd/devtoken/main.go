// Command devtoken はローカル開発用のトークンを発行します
//
//	JWT_SECRET=... go run ./cmd/devtoken -user alice -name Alice
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/auth"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/config"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/models"
)

func main() {
	userId := flag.String("user", "", "ユーザーID")
	userName := flag.String("name", "", "表示名")
	ttl := flag.Duration("ttl", 24*time.Hour, "有効期間")
	flag.Parse()

	if strings.TrimSpace(*userId) == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET is required")
		os.Exit(1)
	}

	v := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	token, err := v.IssueToken(models.User{UserId: strings.TrimSpace(*userId), UserName: *userName}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
