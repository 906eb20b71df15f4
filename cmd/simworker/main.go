package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lxplabs/ai-fabric/internal/analytics"
	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/config"
	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/sim"
	"github.com/lxplabs/ai-fabric/internal/vector"
	"github.com/lxplabs/ai-fabric/internal/worker"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	bc := broker.Config{
		Host:     cfg.RabbitHost,
		Port:     cfg.RabbitPort,
		User:     cfg.RabbitUser,
		Password: cfg.RabbitPassword,
		VHost:    cfg.RabbitVHost,
		Prefetch: cfg.WorkerPrefetch,
	}
	if cfg.Topology != nil {
		bc.QueueBindings = cfg.Topology.QueueBindings
	}

	adapter, err := broker.Dial(bc, log)
	if err != nil {
		log.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	sessions, err := session.NewStore(cfg.RedisURL, cfg.SessionTTL, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	var docs *docstore.Store
	docs, err = docstore.New(startupCtx, cfg.MongoURI, cfg.MongoInstitutionDBPrefix, cfg.OrgID, log)
	if err != nil {
		log.Warn("document store unavailable, thread logging disabled", "error", err)
		docs = nil
	}

	var activity *analytics.Store
	activity, err = analytics.New(cfg.DatabaseURL, log)
	if err != nil {
		log.Warn("analytics store unavailable, continuing without it", "error", err)
		activity = nil
	}

	vectors := vector.NewClient(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantDim, log)
	embedder := rag.NewEmbedder(cfg.EmbeddingsURL, cfg.LLMAPIKey, cfg.QdrantDim, log)
	model := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}, log)

	var activityLog sim.ActivityLog
	if activity != nil {
		activityLog = activity
	}
	engine := sim.NewEngine(sessions, model, embedder, vectors, activityLog, log)

	runtime := worker.New(adapter, worker.Config{
		HandlerTimeout: cfg.HandlerTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, log)
	runtime.Register(envelope.FunctionSim, &sim.ControlHandler{Engine: engine})
	if err := runtime.Consume(adapter, "q.sim.control"); err != nil {
		log.Error("failed to consume control queue", "error", err)
		os.Exit(1)
	}

	responder := sim.NewResponder(engine, adapter, docs, log)
	if err := responder.Attach(adapter, broker.ChatQueue); err != nil {
		log.Error("failed to consume chat queue", "error", err)
		os.Exit(1)
	}

	log.Info("sim worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	runtime.Close()
	if err := adapter.Close(); err != nil {
		log.Warn("broker close failed", "error", err)
	}
	if err := sessions.Close(); err != nil {
		log.Warn("redis close failed", "error", err)
	}
	if docs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := docs.Close(shutdownCtx); err != nil {
			log.Warn("mongo close failed", "error", err)
		}
		cancel()
	}
	if activity != nil {
		if err := activity.Close(); err != nil {
			log.Warn("analytics close failed", "error", err)
		}
	}

	log.Info("sim worker exited")
}
