package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lxplabs/ai-fabric/internal/docstore"
	apierrors "github.com/lxplabs/ai-fabric/internal/errors"
	"github.com/lxplabs/ai-fabric/internal/objstore"
	"github.com/lxplabs/ai-fabric/internal/rag"
	"github.com/lxplabs/ai-fabric/internal/vector"
)

type ragQueryRequest struct {
	Prompt        string `json:"prompt" binding:"required"`
	VectorstoreID string `json:"vectorstore_id" binding:"required"`
	TopK          int    `json:"top_k"`
}

func (s *Server) ragQuery(c *gin.Context) {
	var req ragQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{"detail": err.Error()})
		return
	}
	if req.TopK <= 0 {
		req.TopK = rag.DefaultTopK
	}

	answer, err := s.rag.Query(c.Request.Context(), req.VectorstoreID, req.Prompt, req.TopK)
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "rag query failed")
		apierrors.AbortWithInternal(c, "rag query failed", nil)
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) createVectorstore(c *gin.Context) {
	id, err := s.docs.CreateVectorstore(c.Request.Context(), nil)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to create vectorstore", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) getVectorstore(c *gin.Context) {
	vs, err := s.docs.GetVectorstore(c.Request.Context(), c.Param("vectorstore_id"))
	if errors.Is(err, docstore.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "vectorstore not found", nil)
		return
	}
	if err != nil {
		apierrors.AbortWithBadRequest(c, "invalid vectorstore id", nil)
		return
	}
	c.JSON(http.StatusOK, vs)
}

func (s *Server) indexVectorstore(c *gin.Context) {
	vectorstoreID := c.Param("vectorstore_id")

	total, err := s.indexer.IndexVectorstore(c.Request.Context(), vectorstoreID)
	if errors.Is(err, docstore.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "vectorstore not found", nil)
		return
	}
	if err != nil {
		s.logger.LogError(c.Request.Context(), err, "indexing failed")
		apierrors.AbortWithInternal(c, "indexing failed", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"indexed":    total,
		"collection": vector.CollectionForVectorstore(vectorstoreID),
	})
}

// uploadFile stores the file bytes, registers the metadata and evicts
// the same content hash from any other vectorstore, index included.
func (s *Server) uploadFile(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.PostForm("user_id")
	}
	if userID == "" {
		apierrors.AbortWithBadRequest(c, "user_id required", nil)
		return
	}
	vectorstoreID := c.Query("vectorstore_id")
	if vectorstoreID == "" {
		vectorstoreID = c.PostForm("vectorstore_id")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		apierrors.AbortWithBadRequest(c, "file required", nil)
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to read upload", nil)
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to read upload", nil)
		return
	}
	if len(content) == 0 {
		apierrors.AbortWithBadRequest(c, "empty file", nil)
		return
	}

	ctx := c.Request.Context()
	objectName := objstore.ObjectName(s.orgID, fileHeader.Filename)
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.objects.Put(ctx, objectName, content, contentType); err != nil {
		s.logger.LogError(ctx, err, "object upload failed")
		apierrors.AbortWithInternal(c, "failed to store file", nil)
		return
	}

	sum := sha256.Sum256(content)
	meta := docstore.FileMeta{
		UserID:      userID,
		Filename:    fileHeader.Filename,
		FileHash:    hex.EncodeToString(sum[:]),
		FileSize:    int64(len(content)),
		UploadedAt:  time.Now().UTC(),
		ObjectName:  objectName,
		ContentType: contentType,
	}

	if vectorstoreID == "" {
		id, err := s.docs.CreateVectorstore(ctx, &meta)
		if err != nil {
			apierrors.AbortWithInternal(c, "failed to create vectorstore", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"vectorstore_id": id, "meta": meta})
		return
	}

	evicted, err := s.docs.AttachFile(ctx, vectorstoreID, meta)
	if errors.Is(err, docstore.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "vectorstore not found", nil)
		return
	}
	if err != nil {
		s.logger.LogError(ctx, err, "file attach failed")
		apierrors.AbortWithInternal(c, "failed to attach file", nil)
		return
	}

	for _, otherID := range evicted {
		collection := vector.CollectionForVectorstore(otherID)
		if err := s.indexer.EvictFileHash(ctx, collection, meta.FileHash); err != nil {
			s.logger.Warn("stale index eviction failed", "vectorstore_id", otherID, "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"vectorstore_id": vectorstoreID, "meta": meta})
}
