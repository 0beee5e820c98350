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

	"github.com/zhouzirui/chat-relay/backend/internal/config"
	"github.com/zhouzirui/chat-relay/backend/internal/handler"
	"github.com/zhouzirui/chat-relay/backend/internal/history"
	"github.com/zhouzirui/chat-relay/backend/internal/hub"
	"github.com/zhouzirui/chat-relay/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
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

	// History client and broadcast hub live for the whole process and are
	// injected into everything that needs them.
	historyClient := history.NewClient(cfg.History, &http.Client{})
	defer historyClient.Close()

	viewerHub := hub.New()

	var generator chatservice.Generator
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			generator = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，生成请求将以错误片段回应")
	}

	orchestrator := chatservice.NewOrchestrator(historyClient, viewerHub, generator)
	router := handler.NewRouter(historyClient, viewerHub, orchestrator)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chat relay listening on %s", serverCfg.Addr)
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
