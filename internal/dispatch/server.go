// Package dispatch is the HTTP surface: task submission, the sales
// simulation endpoints, SSE streaming, RAG queries and file uploads.
package dispatch

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lxplabs/ai-fabric/internal/analytics"
	"github.com/lxplabs/ai-fabric/internal/docstore"
	"github.com/lxplabs/ai-fabric/internal/hub"
	"github.com/lxplabs/ai-fabric/internal/indexer"
	"github.com/lxplabs/ai-fabric/internal/logger"
	"github.com/lxplabs/ai-fabric/internal/objstore"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/session"
	"github.com/lxplabs/ai-fabric/internal/sim"
)

// Broker is the slice of the broker adapter the HTTP surface uses.
type Broker interface {
	PublishTask(ctx context.Context, routingKey string, payload interface{}) error
	PublishChatMessage(ctx context.Context, payload interface{}) error
}

// Server bundles the HTTP handler dependencies.
type Server struct {
	broker    Broker
	hub       *hub.Hub
	sessions  *session.Store
	engine    *sim.Engine
	rag       *rag.Pipeline
	docs      *docstore.Store
	objects   *objstore.Store
	indexer   *indexer.Indexer
	analytics *analytics.Store
	orgID     string
	logger    *logger.Logger
}

// Deps carries the collaborators for NewServer. Optional fields may be
// nil; their endpoints then return 503.
type Deps struct {
	Broker    Broker
	Hub       *hub.Hub
	Sessions  *session.Store
	Engine    *sim.Engine
	RAG       *rag.Pipeline
	Docs      *docstore.Store
	Objects   *objstore.Store
	Indexer   *indexer.Indexer
	Analytics *analytics.Store
	OrgID     string
	Logger    *logger.Logger
}

// NewServer builds the server.
func NewServer(deps Deps) *Server {
	return &Server{
		broker:    deps.Broker,
		hub:       deps.Hub,
		sessions:  deps.Sessions,
		engine:    deps.Engine,
		rag:       deps.RAG,
		docs:      deps.Docs,
		objects:   deps.Objects,
		indexer:   deps.Indexer,
		analytics: deps.Analytics,
		orgID:     deps.OrgID,
		logger:    deps.Logger.WithComponent("dispatch"),
	}
}

// RegisterRoutes attaches every endpoint to the router.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/assist", s.submitTask("assist"))
	r.POST("/galaxy", s.submitTask("galaxy"))
	r.POST("/coach", s.submitTask("coach"))
	r.POST("/translate", s.submitTask("translate"))
	r.GET("/events/jobs/:job_id", s.streamJob)
	r.POST("/rag/query", s.ragQuery)

	sales := r.Group("/sales")
	{
		sales.POST("/session", s.startSession)
		sales.POST("/chat", s.postChat)
		sales.POST("/close", s.closeSession)
		sales.GET("/stream/:session_id", s.streamSession)
		// Alias kept for clients that scope everything under /sales.
		sales.POST("/rag/query", s.ragQuery)
	}

	r.GET("/personas/random", s.randomPersona)
	r.GET("/personas", s.listPersonas)
	r.GET("/scenarios", s.listScenarios)

	vs := r.Group("/vectorstores")
	{
		vs.POST("", s.createVectorstore)
		vs.GET("/:vectorstore_id", s.getVectorstore)
		vs.POST("/:vectorstore_id/index", s.indexVectorstore)
	}
	r.POST("/files/upload", s.uploadFile)

	users := r.Group("/users")
	{
		users.GET("/:user_id/sessions", s.userSessions)
		users.GET("/:user_id/stats", s.userStats)
	}
}

func (s *Server) healthz(c *gin.Context) {
	status := gin.H{
		"ok":     true,
		"org_id": s.orgID,
		"ts":     time.Now().UTC().Format(time.RFC3339),
	}
	if s.sessions != nil {
		if err := s.sessions.Ping(c.Request.Context()); err != nil {
			status["ok"] = false
			status["redis"] = err.Error()
		}
	}
	c.JSON(200, status)
}
