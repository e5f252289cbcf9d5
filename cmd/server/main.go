package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/auth"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/config"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/http"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/realtime"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/repo"
	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/service"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to store", "driver", cfg.StoreDriver)

	rooms := service.NewRoomService(store, service.NewRoomIDGenerator(), service.NewAccessCodeGenerator())
	messages := service.NewMessageService(store, store)
	coord := realtime.NewCoordinator(rooms, messages, realtime.Options{
		AwayAfter:           cfg.AwayAfter,
		TrustClientIdentity: !cfg.AuthRequired,
		Logger:              logger,
	})

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	if !cfg.AuthRequired {
		logger.Warn("AUTH_REQUIRED=false: trusting client supplied userId")
	}
	ident := handlers.NewIdentifier(verifier, cfg.AuthRequired)
	ws := handlers.NewWebSocketHandler(coord, ident, handlers.WebSocketOptions{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
		SendBuffer:      cfg.WSSendBuffer,
		RatePerSec:      cfg.WSRatePerSec,
		RateBurst:       cfg.WSRateBurst,
	}, logger)
	router := httpx.NewRouter(handlers.NewRoomHandler(rooms, messages, coord, logger), ws, ident, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	go func() {
		// 起動に失敗した場合はシグナルを待たずに終了する
		if err := g.Wait(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// HTTPサーバーを止めてから、コーディネーターを止めて全接続を閉じる
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"server": func(ctx context.Context) error {
				logger.Info("shutdown signal received, shutting down gracefully...")
				err := srv.Shutdown(ctx)
				stop()
				return errors.Join(err, g.Wait())
			},
		},
	)

	exitCode := <-wait
	logger.Info("server stopped", "exitCode", exitCode)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.Store, error) {
	if cfg.StoreDriver == config.StoreSQLite {
		db, err := repo.OpenSQLite(cfg.SQLiteDSN, logger)
		if err != nil {
			return nil, err
		}
		sr, err := repo.NewSQLRepo(db)
		if err != nil {
			return nil, err
		}
		return sr, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return repo.NewRedisRepo(rdb), nil
}
