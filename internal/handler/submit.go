package handler

import (
	"errors"
	"net/http"

	"gen-orchestrator/internal/models"
	"gen-orchestrator/internal/orchestrator"
	"gen-orchestrator/pkg/security"

	"github.com/gin-gonic/gin"
)

const MaxSubmitBodySize = 64 << 10 // 64KB

type SubmitRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Model          string  `json:"model"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	AspectRatio    string  `json:"aspect_ratio"`
	Seed           int64   `json:"seed"`
	InferenceSteps int     `json:"inference_steps"`
	CfgScale       float64 `json:"cfg_scale"`
	IntendedUse    string  `json:"intended_use"`
	NumImages      int     `json:"num_images"`
}

type SubmitResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Message     string `json:"message"`
}

// SubmitGeneration accepts a generation request, reserves quota and
// dispatches it to the workflow engine. The response status field tells the
// caller whether dispatch succeeded; dispatch failures are not HTTP errors.
func (h *Handler) SubmitGeneration(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxSubmitBodySize)

	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	userID := c.GetString(security.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing user identity"})
		return
	}

	req, err := h.orch.Submit(c.Request.Context(), orchestrator.SubmitParams{
		UserID:         userID,
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		Model:          body.Model,
		Width:          body.Width,
		Height:         body.Height,
		AspectRatio:    body.AspectRatio,
		Seed:           body.Seed,
		InferenceSteps: body.InferenceSteps,
		CfgScale:       body.CfgScale,
		IntendedUse:    models.IntendedUse(body.IntendedUse),
		NumImages:      body.NumImages,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, orchestrator.ErrQuotaExceeded):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit generation request"})
		}
		return
	}

	message := "Generation request dispatched"
	if req.Status == models.RequestStatusFailed {
		message = "Generation request could not be dispatched"
	}
	c.JSON(http.StatusCreated, SubmitResponse{
		ID:          req.ID.String(),
		Status:      string(req.Status),
		ErrorDetail: req.ErrorDetail,
		Message:     message,
	})
}
