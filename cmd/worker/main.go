package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/config"
	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/rag"
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

	vectors := vector.NewClient(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantDim, log)
	embedder := rag.NewEmbedder(cfg.EmbeddingsURL, cfg.LLMAPIKey, cfg.QdrantDim, log)
	model := llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}, log)
	pipeline := rag.NewPipeline(embedder, vectors, model, log)

	runtime := worker.New(adapter, worker.Config{
		HandlerTimeout: cfg.HandlerTimeout,
		ShutdownGrace:  cfg.ShutdownGrace,
	}, log)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	docs, err := docstore.New(startupCtx, cfg.MongoURI, cfg.MongoInstitutionDBPrefix, cfg.OrgID, log)
	if err != nil {
		log.Warn("document store unavailable, result logging disabled", "error", err)
		docs = nil
	} else {
		if err := docs.EnsureIndexes(startupCtx); err != nil {
			log.Warn("index bootstrap incomplete", "error", err)
		}
		runtime.SetRecorder(docs)
	}
	cancelStartup()

	runtime.Register(envelope.FunctionAssist, &worker.AssistHandler{RAG: pipeline, LLM: model})
	runtime.Register(envelope.FunctionGalaxy, &worker.GalaxyHandler{RAG: pipeline, LLM: model})
	runtime.Register(envelope.FunctionCoach, &worker.CoachHandler{LLM: model})
	runtime.Register(envelope.FunctionTranslate, &worker.TranslateHandler{LLM: model})

	for _, queue := range []string{"q.assist", "q.galaxy", "q.coach", "q.translate"} {
		if err := runtime.Consume(adapter, queue); err != nil {
			log.Error("failed to consume queue", "queue", queue, "error", err)
			os.Exit(1)
		}
	}

	log.Info("worker running", "prefetch", cfg.WorkerPrefetch)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	runtime.Close()
	if err := adapter.Close(); err != nil {
		log.Warn("broker close failed", "error", err)
	}
	if docs != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := docs.Close(shutdownCtx); err != nil {
			log.Warn("mongo close failed", "error", err)
		}
		cancelShutdown()
	}

	log.Info("worker exited")
}
