package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter mounts every endpoint. stream is served at /ws and authenticates
// on its own; it may be nil.
func NewRouter(h *Handler, stream http.Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.log))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if stream != nil {
		r.Method(http.MethodGet, "/ws", stream)
	}

	// Public endpoints
	r.Get("/health", h.Health)
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/buy", h.Buy)
		r.Post("/sell", h.Sell)
		r.Get("/balance", h.Balance)
		r.Get("/holdings", h.Holdings)
		r.Get("/orders", h.Orders)
		r.Get("/orders/{id}", h.GetOrder)
		r.Get("/prices", h.Prices)
	})

	return r
}
