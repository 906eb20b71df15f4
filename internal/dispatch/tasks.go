package dispatch

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/broker"
	"github.com/lxplabs/ai-fabric/internal/envelope"
	apierrors "github.com/lxplabs/ai-fabric/internal/errors"
	"github.com/lxplabs/ai-fabric/internal/logger"
)

// taskRequest is the submission body shared by the function endpoints.
type taskRequest struct {
	UserID        string                 `json:"user_id" binding:"required"`
	SubFunction   string                 `json:"sub_function" binding:"required"`
	Prompt        string                 `json:"prompt"`
	Params        map[string]interface{} `json:"params"`
	VectorstoreID string                 `json:"vectorstore_id"`
	SessionID     string                 `json:"session_id"`
	ThreadID      string                 `json:"thread_id"`
	Files         []string               `json:"files"`
}

// Vectorstore ids are Mongo object ids rendered as hex. Checked up
// front so a typo fails the submission instead of the worker.
var vectorstoreIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// submitTask validates a submission, opens a thread, publishes the
// task envelope and returns the job id for stream attachment.
func (s *Server) submitTask(function string) gin.HandlerFunc {
	fn := envelope.Function(function)

	return func(c *gin.Context) {
		var req taskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"detail": err.Error()})
			return
		}
		if !envelope.KnownSubFunction(fn, req.SubFunction) {
			apierrors.AbortWithBadRequest(c, "unknown sub_function", map[string]interface{}{
				"function":     function,
				"sub_function": req.SubFunction,
				"allowed":      envelope.SubFunctions[fn],
			})
			return
		}
		if req.VectorstoreID != "" && !vectorstoreIDPattern.MatchString(req.VectorstoreID) {
			apierrors.AbortWithBadRequest(c, "invalid vectorstore_id", map[string]interface{}{
				"vectorstore_id": req.VectorstoreID,
			})
			return
		}

		task := envelope.Task{
			JobID:         envelope.NewJobID(),
			OrgID:         s.orgID,
			SessionID:     req.SessionID,
			UserID:        req.UserID,
			ThreadID:      req.ThreadID,
			Function:      fn,
			SubFunction:   req.SubFunction,
			Prompt:        req.Prompt,
			Params:        req.Params,
			VectorstoreID: req.VectorstoreID,
			Files:         req.Files,
			CreatedAt:     time.Now().UTC(),
		}

		ctx := logger.WithJobID(c.Request.Context(), task.JobID)
		log := s.logger.WithContext(ctx)

		if task.ThreadID == "" && s.docs != nil {
			threadID, err := s.docs.CreateThread(ctx, req.UserID, function, req.SubFunction, req.SessionID)
			if err != nil {
				log.Warn("thread creation failed", "error", err)
			} else {
				task.ThreadID = threadID
			}
		}

		if err := s.broker.PublishTask(ctx, task.RoutingKey(), task); err != nil {
			if errors.Is(err, broker.ErrBrokerUnavailable) {
				apierrors.AbortWithServiceUnavailable(c, "task broker unavailable", nil)
				return
			}
			log.LogError(ctx, err, "task publish failed")
			apierrors.AbortWithInternal(c, "failed to publish task", nil)
			return
		}

		log.Info("task accepted", "function", function, "sub_function", req.SubFunction)
		streamURL := "/events/jobs/" + task.JobID
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     task.JobID,
			"thread_id":  task.ThreadID,
			"stream_url": streamURL,
			"status_url": streamURL,
		})
	}
}
