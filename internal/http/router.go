package http

import (
	"net/http"

	"github.com/SteamVC/SteamVC_Chat/backend/api-server/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *handlers.RoomHandler, wsHandler *handlers.WebSocketHandler, ident *handlers.Identifier, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", h.Health)

	// WebSocketエンドポイント（ハンドシェイクで利用者を識別する）
	r.Get("/api/v1/ws", wsHandler.HandleWebSocket)

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Use(ident.Middleware)
		r.Get("/", h.ListRooms)
		r.Post("/", h.Create)
		r.Post("/join", h.Join)
		r.Delete("/{roomId}", h.Delete)
		r.Post("/{roomId}/rename", h.Rename)
		r.Get("/{roomId}/messages", h.ListMessages)
	})

	r.Route("/api/v1/user", func(r chi.Router) {
		r.Use(ident.Middleware)
		r.Delete("/", h.DeleteProfile)
	})

	return r
}
