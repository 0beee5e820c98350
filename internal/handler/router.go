package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/chat-relay/backend/internal/handler/session"
	"github.com/zhouzirui/chat-relay/backend/internal/history"
	"github.com/zhouzirui/chat-relay/backend/internal/hub"
	middlewarePkg "github.com/zhouzirui/chat-relay/backend/internal/middleware"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(historyClient *history.Client, h *hub.Hub, orchestrator *chatservice.Orchestrator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	sessionHandler := session.New(historyClient, h, orchestrator)
	sessionHandler.RegisterRoutes(r)

	return r
}
