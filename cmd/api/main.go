package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/analytics"
	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/config"
	"github.com/lxplabs/ai-fabric/internal/dispatch"
	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/hub"
	"github.com/lxplabs/ai-fabric/internal/indexer"
	"github.com/lxplabs/ai-fabric/internal/llm"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/objstore"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/router"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/sim"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	adapter, err := broker.Dial(brokerConfig(cfg), log)
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

	docs, err := docstore.New(startupCtx, cfg.MongoURI, cfg.MongoInstitutionDBPrefix, cfg.OrgID, log)
	if err != nil {
		log.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}
	if err := docs.EnsureIndexes(startupCtx); err != nil {
		log.Warn("index bootstrap incomplete", "error", err)
	}

	objects, err := objstore.New(startupCtx, objstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioRootUser,
		SecretKey: cfg.MinioRootPassword,
		Bucket:    cfg.MinioBucket,
		Secure:    cfg.MinioSecure,
	}, log)
	if err != nil {
		log.Error("failed to connect to object store", "error", err)
		os.Exit(1)
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

	pipeline := rag.NewPipeline(embedder, vectors, model, log)
	ix := indexer.New(docs, objects, embedder, vectors, log)

	var activityLog sim.ActivityLog
	if activity != nil {
		activityLog = activity
	}
	engine := sim.NewEngine(sessions, model, embedder, vectors, activityLog, log)

	streamHub := hub.New(cfg.SubscriberBuffer, log)
	resultRouter := router.New(adapter, streamHub, log)

	routerCtx, cancelRouter := context.WithCancel(context.Background())
	if err := resultRouter.Start(routerCtx); err != nil {
		log.Error("failed to start result router", "error", err)
		os.Exit(1)
	}

	server := dispatch.NewServer(dispatch.Deps{
		Broker:    adapter,
		Hub:       streamHub,
		Sessions:  sessions,
		Engine:    engine,
		RAG:       pipeline,
		Docs:      docs,
		Objects:   objects,
		Indexer:   ix,
		Analytics: activity,
		OrgID:     cfg.OrgID,
		Logger:    log,
	})

	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	server.RegisterRoutes(r)

	port := ":" + cfg.Port
	srv := &http.Server{
		Addr:    port,
		Handler: r,
	}

	go func() {
		log.Info("api listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	cancelRouter()
	resultRouter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}

	if err := adapter.Close(); err != nil {
		log.Warn("broker close failed", "error", err)
	}
	if err := sessions.Close(); err != nil {
		log.Warn("redis close failed", "error", err)
	}
	if err := docs.Close(ctx); err != nil {
		log.Warn("mongo close failed", "error", err)
	}
	if activity != nil {
		if err := activity.Close(); err != nil {
			log.Warn("analytics close failed", "error", err)
		}
	}

	log.Info("api exited")
}

func brokerConfig(cfg *config.Config) broker.Config {
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
	return bc
}
