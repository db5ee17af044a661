package httptransport

import (
	"expvar"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"parlor/internal/config"
	"parlor/internal/gamehub"
	"parlor/internal/session"
	"parlor/internal/settle"
	"parlor/internal/store"
	"parlor/internal/ws"
)

func NewRouter(
	st *store.Store,
	cfg config.ServerConfig,
	registry *session.Registry,
	settler *settle.Engine,
	coordinator *gamehub.Coordinator,
	hub *ws.Hub,
) *chi.Mux {
	publicHandlers := NewPublicHandlers(st, registry)
	adminHandlers := NewAdminHandlers(st, settler, coordinator)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.With(APILogMiddleware()).Get("/healthz", publicHandlers.Health())
	r.Get("/ws", hub.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(APILogMiddleware())
		r.Get("/public/rooms", publicHandlers.Rooms())
		r.Get("/public/rooms/{room_id}/members", publicHandlers.RoomMembers())
		r.Get("/public/rooms/{room_id}/snapshot", publicHandlers.RoomSnapshot())
		r.Get("/public/games/{game_id}", publicHandlers.Game())
		r.Get("/public/users/{user_id}/balance", publicHandlers.Balance())

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminAPIKey))
			r.Post("/admin/topup", adminHandlers.Topup())
			r.Get("/admin/games/{game_id}/ledger", adminHandlers.GameLedger())
			r.Get("/admin/games/{game_id}/integrity", adminHandlers.Integrity())
			r.Post("/admin/rooms/{room_id}/abort", adminHandlers.AbortSession())
			r.Get("/admin/debug/vars", expvar.Handler().ServeHTTP)
		})
	})

	return r
}
