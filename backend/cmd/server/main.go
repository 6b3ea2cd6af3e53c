package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"voice-bridge/backend/internal/adapter"
	"voice-bridge/backend/internal/agent"
	"voice-bridge/backend/internal/bridge"
	"voice-bridge/backend/internal/fallback"
	"voice-bridge/backend/internal/graph"
	"voice-bridge/backend/internal/observability"
	"voice-bridge/backend/internal/telephony"
	"voice-bridge/backend/pkg/config"
	"voice-bridge/backend/pkg/logger"
)

// shutdownTimeout bounds the whole graceful shutdown
const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting voice bridge...",
		zap.String("env", cfg.Env),
		zap.String("engine_url", cfg.EngineURL),
		zap.Int("engine_sample_rate", cfg.EngineSampleRate))

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify Neo4j connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	graphRepo := graph.NewRepository(driver, log)
	if err := graphRepo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to ensure graph schema", zap.Error(err))
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Brain and speech services
	llmAdapter := adapter.NewLLMAdapter(cfg.LiteLLMURL, cfg.LLMAPIKey, cfg.ModelID, log)
	speechAdapter := adapter.NewSpeechAdapter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.STTModel, cfg.TTSModel, log)
	brain := agent.NewBrain(graphRepo, llmAdapter, log)

	// Streaming bridge
	orchestrator := bridge.NewOrchestrator(graphRepo, graphRepo, graphRepo, brain, log, bridge.Options{
		EngineURL:      cfg.EngineURL,
		EngineAPIKey:   cfg.EngineAPIKey,
		Language:       cfg.EngineLanguage,
		SampleRate:     cfg.EngineSampleRate,
		ConnectTimeout: cfg.EngineConnectTimeout,
		Reconnect: bridge.ReconnectPolicy{
			MaxAttempts: cfg.MaxReconnectAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
		},
		PersistTimeout: cfg.PersistTimeout,
		BrainAssist:    cfg.BrainAssist,
		Metrics:        metrics,
	})
	mediaServer := telephony.NewServer(orchestrator, log, telephony.ServerOptions{
		SessionMaxDuration: cfg.SessionMaxDuration,
		Metrics:            metrics,
	})

	// Turn-based fallback
	fallbackManager := fallback.NewManager(speechAdapter, brain, speechAdapter, graphRepo, graphRepo, log, fallback.Options{
		DefaultVoice:   graph.VoicePreset{Name: "default", Voice: cfg.TTSVoice, Speed: 1.0},
		Metrics:        metrics,
		PersistTimeout: cfg.PersistTimeout,
		IdleTimeout:    cfg.FallbackIdleTimeout,
	})
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go fallbackManager.Run(sweepCtx)

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(routerDeps{
		bridges:     orchestrator,
		fallback:    fallbackManager,
		calls:       graphRepo,
		mediaStream: mediaServer,
		mediaPath:   cfg.MediaStreamPath,
		gatherer:    registry,
		log:         log,
	})

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("media_stream_path", cfg.MediaStreamPath))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Bridges first so every call gets its transcript flushed, then the
	// media streams and finally the HTTP listener
	if err := orchestrator.Cleanup(shutdownCtx); err != nil {
		log.Error("Bridge cleanup failed", zap.Error(err))
	}
	stopSweep()
	if n := fallbackManager.Cleanup(shutdownCtx); n > 0 {
		log.Info("Ended fallback calls", zap.Int("count", n))
	}
	if err := mediaServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Media streams did not close in time", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}
