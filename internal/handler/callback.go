package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"gen-orchestrator/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const MaxCallbackBodySize = 100 << 20 // inline image payloads can be large

type CallbackRequest struct {
	RequestID     string                     `json:"request_id"`
	SecurityToken string                     `json:"security_token"`
	ResultPayload orchestrator.ResultPayload `json:"result_payload"`
}

// HandleGenerationCallback is the inbound webhook the workflow engine calls
// with generation results.
//
// Response contract: 400 for structurally malformed JSON, 401 for a bad
// token, 200 {"status":"success"} when the result was applied, and 200
// {"status":"error"} for application-level failures that must not be
// retried (unknown request ID, missing fields) — a retry can never fix
// those, and a non-2xx status would make a well-behaved engine retry
// forever.
func (h *Handler) HandleGenerationCallback(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxCallbackBodySize)

	var body CallbackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		log.Printf("Callback with malformed JSON body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Malformed JSON payload"})
		return
	}

	if body.RequestID == "" {
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Missing required fields in callback payload"})
		return
	}

	// Artifact downloads can be slow; allow well past the per-image timeout.
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Minute)
	defer cancel()

	err := h.orch.HandleCallback(ctx, body.RequestID, body.SecurityToken, body.ResultPayload)
	switch {
	case err == nil:
		h.invalidateRequestCache(ctx, body.RequestID)
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	case errors.Is(err, orchestrator.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "Authentication failed"})
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Unknown generation request"})
	default:
		// Internal mishandling: the request was already moved to failed by
		// the orchestrator. Report the failure without inviting a retry.
		h.invalidateRequestCache(ctx, body.RequestID)
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Internal error while processing callback"})
	}
}

func (h *Handler) invalidateRequestCache(ctx context.Context, requestID string) {
	id, err := uuid.Parse(requestID)
	if err != nil {
		return
	}
	if err := h.redisClient.Delete(ctx, requestCacheKey(id)); err != nil {
		log.Printf("Warning: failed to invalidate cache for request %s: %v", id, err)
	}
}
