// Package main is the unified entry point for Routa. One binary runs the
// HTTP/SSE gateway, the MCP tool server, the delegation orchestrator, the
// background engine, and the GitHub triggers with shared infrastructure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/routa-dev/routa/internal/background"
	"github.com/routa-dev/routa/internal/bridge"
	"github.com/routa-dev/routa/internal/common/config"
	"github.com/routa-dev/routa/internal/common/logger"
	"github.com/routa-dev/routa/internal/common/tracing"
	"github.com/routa-dev/routa/internal/events"
	"github.com/routa-dev/routa/internal/gateway"
	"github.com/routa-dev/routa/internal/github"
	"github.com/routa-dev/routa/internal/orchestrator"
	"github.com/routa-dev/routa/internal/session"
	"github.com/routa-dev/routa/internal/specialist"
	"github.com/routa-dev/routa/internal/tools"
)

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	// 1. Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Routa...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless configured).
	traceShutdown, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
		traceShutdown = func(context.Context) error { return nil }
	}

	// 4. Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Store.
	st, storeCleanup, err := provideStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer storeCleanup()

	// 6. Semantic event bridge and session manager.
	br := bridge.New(log)
	defer br.Close()

	sessions := session.NewManager(st, br, providerSpecs(cfg), defaultProvider(cfg), log)
	defer sessions.KillAll()

	// 7. Specialist registry (hardcoded + bundled + user layers).
	specialists := specialist.NewRegistry(st, cfg.Specialists.UserDir, cfg.Specialists.BundledDir, log)

	// 8. Delegation orchestrator.
	orch := orchestrator.New(st, sessions, specialists, eventBus, orchestrator.Config{
		MaxDelegationDepth: cfg.Orchestrator.MaxDelegationDepth,
		DefaultCwd:         cfg.Orchestrator.DefaultCwd,
		DefaultProvider:    defaultProvider(cfg),
		CrafterProvider:    cfg.Orchestrator.CrafterProvider,
		GateProvider:       cfg.Orchestrator.GateProvider,
		AutoReportSettle:   time.Duration(cfg.Orchestrator.AutoReportSettleSec) * time.Second,
	}, log)

	// 9. Streaming gateway; child updates relay onto the parent's stream.
	gw := gateway.New(br, sessions, log)
	orch.SetChildUpdateForwarder(gw.ForwardChildUpdate)

	// 10. Background engine and workflow executor.
	engine := background.NewEngine(st, sessions, br, eventBus, background.Config{
		PollInterval:    time.Duration(cfg.Background.TickSeconds) * time.Second,
		OrphanThreshold: cfg.Background.OrphanThreshold(),
		MaxConcurrent:   cfg.Background.MaxConcurrent,
		DefaultProvider: defaultProvider(cfg),
		DefaultCwd:      cfg.Orchestrator.DefaultCwd,
	}, log)
	background.NewExecutor(st, engine, eventBus, log)
	engine.Start(ctx)
	defer engine.Stop()

	// 11. GitHub triggers: webhook receiver plus events poller.
	receiver := github.NewReceiver(st, engine, eventBus, log)
	poller := github.NewPoller(st, receiver, eventBus, github.PollerConfig{
		Interval: cfg.GitHub.PollInterval(),
		BaseURL:  cfg.GitHub.APIBaseURL,
	}, log)
	poller.Start(ctx)
	defer poller.Stop()

	// 12. Tool endpoint, exposed over MCP and HTTP.
	endpoint := tools.NewEndpoint(st, orch, sessions, eventBus, log)

	mcpServer := tools.NewMCPServer(tools.MCPConfig{Port: cfg.Server.MCPPort}, endpoint, log)
	go func() {
		if err := mcpServer.Start(ctx); err != nil {
			log.Error("MCP server stopped", zap.Error(err))
		}
	}()

	// 13. HTTP server: gateway streams, webhook, tool routes.
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	gw.RegisterRoutes(router)
	receiver.RegisterRoutes(router)
	tools.RegisterRoutes(router, endpoint)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("Routa started",
		zap.Int("http_port", cfg.Server.Port),
		zap.Int("mcp_port", cfg.Server.MCPPort))

	// 14. Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := mcpServer.Stop(shutdownCtx); err != nil {
		log.Warn("MCP server shutdown error", zap.Error(err))
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		log.Warn("Trace exporter shutdown error", zap.Error(err))
	}

	log.Info("Routa stopped")
}
