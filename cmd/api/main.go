package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/middleware"
	"github.com/zhouzirui/z-chat/backend/internal/model/catalog"
	voiceModel "github.com/zhouzirui/z-chat/backend/internal/model/voice"
	"github.com/zhouzirui/z-chat/backend/internal/provider"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
	"github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/messaging"
	"github.com/zhouzirui/z-chat/backend/internal/service/retry"
	"github.com/zhouzirui/z-chat/backend/internal/service/voice"
	"github.com/zhouzirui/z-chat/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	models, err := loadCatalog(ctx, cfg.Catalog)
	if err != nil {
		log.Fatalf("failed to load model catalog: %v", err)
	}

	kv, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		RedisURL:    cfg.Storage.RedisURL,
		DatabaseURL: cfg.Storage.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("failed to open %s storage: %v", cfg.Storage.Driver, err)
	}
	defer kv.Close()
	log.Printf("session storage: %s", cfg.Storage.Driver)

	chatService, err := chat.NewService(kv, models, cfg.Chat.DefaultModel)
	if err != nil {
		log.Fatalf("invalid DEFAULT_MODEL: %v", err)
	}

	dispatcher := provider.NewDispatcher()
	if cfg.OpenRouter.Enabled() {
		openRouter, err := provider.NewOpenRouter(provider.OpenRouterConfig{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Referer: cfg.OpenRouter.Referer,
			Title:   cfg.OpenRouter.Title,
			Timeout: cfg.UpstreamTimeout,
		}, nil)
		if err != nil {
			log.Fatalf("failed to initialize OpenRouter: %v", err)
		}
		dispatcher.Register(openRouter)
		log.Println("OpenRouter provider enabled")
	} else {
		log.Println("OPENROUTER_API_KEY 未配置，OpenRouter 模型不可用")
	}

	if cfg.Gemini.Enabled() {
		gemini, err := provider.NewGemini(ctx, provider.GeminiConfig{
			APIKey:  cfg.Gemini.APIKey,
			Timeout: cfg.UpstreamTimeout,
		})
		if err != nil {
			log.Fatalf("failed to initialize Gemini: %v", err)
		}
		defer gemini.Close()
		dispatcher.Register(gemini)
		log.Println("Gemini provider enabled")
	} else {
		log.Println("GEMINI_API_KEY 未配置，Gemini 模型不可用")
	}

	// Retry advisor: LLM-backed when a model is reachable, heuristics otherwise
	advisorModel, err := ai.NewAdvisorModel(ctx, cfg, models, dispatcher)
	if err != nil {
		log.Printf("warning: failed to initialize retry advisor model: %v", err)
		advisorModel = nil
	}
	advisor, err := retry.NewAdvisor(ctx, advisorModel, retry.Config{Enabled: cfg.Retry.Enabled})
	if err != nil {
		log.Fatalf("failed to initialize retry advisor: %v", err)
	}
	if advisor.LLMEnabled() {
		log.Println("Retry advisor enabled")
	} else {
		log.Println("Retry advisor falling back to heuristics")
	}

	messenger := messaging.NewService(chatService, models, dispatcher, advisor)

	deps := handler.Deps{
		Models:         models,
		Chats:          chatService,
		Messenger:      messenger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	if cfg.Voice.Enabled() {
		deps.Voice = voice.NewService(voiceModel.Config{
			APIKey:      cfg.Voice.APIKey,
			AgentID:     cfg.Voice.AgentID,
			URL:         cfg.Voice.URL,
			LLMModel:    cfg.Voice.LLMModel,
			Timeout:     cfg.Voice.Timeout,
			IdleTimeout: cfg.Voice.IdleTimeout,
		})
		log.Println("Voice service initialized successfully")
	} else {
		log.Println("ElevenLabs 凭证未配置，跳过语音功能初始化")
	}

	if cfg.RateLimit.Enabled() {
		deps.RateLimiter = middleware.NewRateLimiter(ctx, cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)
	}

	router := handler.NewRouter(deps)

	startServer(ctx, cfg.Server, router)
}

// loadCatalog returns the built-in models, or the TOML file at cfg.Path when set.
func loadCatalog(ctx context.Context, cfg config.CatalogConfig) (*catalog.MemoryStore, error) {
	if cfg.Path == "" {
		return catalog.NewMemoryStore(catalog.Seed()), nil
	}

	categories, err := catalog.LoadFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	store := catalog.NewMemoryStore(categories)
	log.Printf("loaded model catalog from %s", cfg.Path)

	if cfg.Watch {
		if err := catalog.Watch(ctx, cfg.Path, store); err != nil {
			log.Printf("warning: catalog hot reload disabled: %v", err)
		}
	}
	return store, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
