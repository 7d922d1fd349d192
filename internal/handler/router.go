package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionHandler "github.com/HumanbiOS/HumanBios-WebSocket/internal/handler/session"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/handler/webhook"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/handler/ws"
	middlewarePkg "github.com/HumanbiOS/HumanBios-WebSocket/internal/middleware"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/relay"
)

// NewRouter wires HTTP routes to the relay core.
func NewRouter(r *relay.Relay) http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Logger)
	mux.Use(middleware.Recoverer)
	mux.Use(middlewarePkg.CORS)

	wsHandler := ws.New(r)
	webhookHandler := webhook.New(r)
	bootstrapHandler := sessionHandler.New(r.Store())

	mux.Route("/api", func(api chi.Router) {
		wsHandler.RegisterRoutes(api)
		webhookHandler.RegisterRoutes(api)
		bootstrapHandler.RegisterRoutes(api)
	})

	return mux
}
