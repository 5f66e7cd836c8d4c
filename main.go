package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/JayBon24/CRM-backend-sub001/internal/config"
	"github.com/JayBon24/CRM-backend-sub001/internal/engine"
	"github.com/JayBon24/CRM-backend-sub001/internal/hub"
	"github.com/JayBon24/CRM-backend-sub001/internal/intent"
	"github.com/JayBon24/CRM-backend-sub001/internal/orchestrator"
	"github.com/JayBon24/CRM-backend-sub001/internal/pending"
	"github.com/JayBon24/CRM-backend-sub001/internal/scope"
	"github.com/JayBon24/CRM-backend-sub001/internal/store"
	"github.com/JayBon24/CRM-backend-sub001/internal/tools"
	"github.com/JayBon24/CRM-backend-sub001/internal/ws"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "crmgw",
		Short: "Conversational gateway for the CRM backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Str("engine_url", cfg.EngineURL).
		Msg("starting gateway")

	st, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	resolver, err := scope.NewResolver(context.Background(), scope.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to prepare policy: %w", err)
	}

	extractor := intent.NewRuleExtractor()
	pendingEngine := pending.NewEngine(st, resolver, extractor, cfg.DraftTTL, logger)
	dispatcher := tools.NewDispatcher(st, pendingEngine, resolver, logger)
	streamer := engine.NewClient(cfg.EngineURL, cfg.EngineAPIKey, cfg.EngineTimeout)

	connectionHub := hub.New(cfg.SendQueueSize, cfg.SessionIdleTTL, logger)
	svc := orchestrator.New(cfg, st, resolver, extractor, dispatcher, pendingEngine, streamer, connectionHub, logger)
	wsServer := ws.NewServer(cfg, connectionHub, svc, resolver, dispatcher, &ws.StoreAuthenticator{Store: st}, logger)

	// Background maintenance
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go pendingEngine.RunExpirySweeper(bgCtx, time.Minute)
	go connectionHub.RunReaper(bgCtx, time.Minute)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/ws", wsServer.HandleWebSocket)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "healthy",
			"connections": connectionHub.ConnectionCount(),
			"sessions":    connectionHub.SessionCount(),
		})
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()
	logger.Info().Int("port", cfg.HTTPPort).Msg("gateway listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	bgCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown was not graceful")
	}

	logger.Info().Msg("gateway stopped")
	return nil
}
