package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-chat/backend/internal/handler/catalog"
	"github.com/zhouzirui/z-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/z-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/z-chat/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/z-chat/backend/internal/middleware"
	catalogModel "github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	chatService "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Deps are the services the HTTP layer needs. Voice and RateLimiter may be nil.
type Deps struct {
	Models         catalogModel.Store
	Chats          *chatService.Service
	Messenger      stream.Messenger
	Voice          voice.Conversation
	RateLimiter    *middlewarePkg.RateLimiter
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.ClientID)

		catalog.New(deps.Models).RegisterRoutes(api)
		chat.New(deps.Chats).RegisterRoutes(api)

		// upstream calls are throttled per IP
		api.Group(func(limited chi.Router) {
			if deps.RateLimiter != nil {
				limited.Use(deps.RateLimiter.Middleware)
			}
			stream.New(deps.Messenger).RegisterRoutes(limited)
			voice.New(deps.Voice).RegisterRoutes(limited)
		})
	})

	return r
}
