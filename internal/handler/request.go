package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"gen-orchestrator/internal/models"
	"gen-orchestrator/internal/orchestrator"
	"gen-orchestrator/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ArtifactResponse struct {
	Ordinal     int    `json:"ordinal"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FileFormat  string `json:"file_format"`
	ContentHash string `json:"content_hash"`
	FileSize    int64  `json:"file_size"`
	DownloadURL string `json:"download_url,omitempty"`
}

type RequestResponse struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Status      string             `json:"status"`
	Prompt      string             `json:"prompt"`
	Model       string             `json:"model"`
	NumImages   int                `json:"num_images"`
	ErrorDetail string             `json:"error_detail,omitempty"`
	Artifacts   []ArtifactResponse `json:"artifacts,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func requestCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("genreq:%s", id)
}

// GetRequest returns a generation request with its artifacts. Responses for
// terminal requests are cached in Redis; presigned download links expire, so
// they are regenerated on every read.
func (h *Handler) GetRequest(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request ID format"})
		return
	}

	userID := c.GetString(security.ContextUserID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	// Check Redis cache first
	if cached, err := h.redisClient.Get(ctx, requestCacheKey(id)); err == nil {
		var response RequestResponse
		if err := json.Unmarshal([]byte(cached), &response); err == nil {
			if response.UserID != userID {
				c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
				return
			}
			h.refreshDownloadURLs(ctx, &response)
			c.JSON(http.StatusOK, response)
			return
		}
	}

	// Cache miss - load through the orchestrator
	req, artifacts, err := h.orch.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load request"})
		}
		return
	}
	if req.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		return
	}

	response := RequestResponse{
		ID:          req.ID.String(),
		UserID:      req.UserID,
		Status:      string(req.Status),
		Prompt:      req.Prompt,
		Model:       req.Model,
		NumImages:   req.NumImages,
		ErrorDetail: req.ErrorDetail,
		CreatedAt:   req.CreatedAt,
		UpdatedAt:   req.UpdatedAt,
	}
	for _, a := range artifacts {
		response.Artifacts = append(response.Artifacts, ArtifactResponse{
			Ordinal:     a.Ordinal,
			Width:       a.Width,
			Height:      a.Height,
			FileFormat:  a.FileFormat,
			ContentHash: a.ContentHash,
			FileSize:    a.FileSize,
		})
	}
	h.refreshDownloadURLs(ctx, &response)

	// Only terminal requests are cacheable; in-flight ones change under the
	// callback's feet.
	if req.Status.Terminal() {
		if responseBytes, err := json.Marshal(response); err == nil {
			_ = h.redisClient.Set(ctx, requestCacheKey(id), string(responseBytes), 10*time.Minute)
		}
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) refreshDownloadURLs(ctx context.Context, response *RequestResponse) {
	if response.Status != string(models.RequestStatusCompleted) {
		return
	}
	for i := range response.Artifacts {
		a := &response.Artifacts[i]
		objectName := fmt.Sprintf("%s_%d.%s", response.ID, a.Ordinal, a.FileFormat)
		if url, err := h.minioClient.GetFileLink(ctx, objectName, 15*time.Minute); err == nil {
			a.DownloadURL = url
		}
	}
}

// CancelRequest cancels a queued or processing generation request.
func (h *Handler) CancelRequest(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request ID format"})
		return
	}

	userID := c.GetString(security.ContextUserID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	req, err := h.orch.Cancel(ctx, id, userID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Request not found"})
		case errors.Is(err, orchestrator.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "Request is no longer cancellable"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel request"})
		}
		return
	}

	_ = h.redisClient.Delete(ctx, requestCacheKey(id))

	c.JSON(http.StatusOK, gin.H{
		"id":     req.ID.String(),
		"status": string(req.Status),
	})
}
