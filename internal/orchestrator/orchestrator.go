package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gen-orchestrator/internal/artifact"
	"gen-orchestrator/internal/config"
	"gen-orchestrator/internal/dispatch"
	"gen-orchestrator/internal/events"
	"gen-orchestrator/internal/models"
	"gen-orchestrator/internal/quota"
	"gen-orchestrator/internal/repository"
	"gen-orchestrator/internal/security"

	"github.com/google/uuid"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrQuotaExceeded  = errors.New("generation quota exceeded")
	ErrUnauthorized   = errors.New("callback authentication failed")
	ErrNotFound       = errors.New("generation request not found")
	ErrNotCancellable = errors.New("request is not in a cancellable state")
)

// Error detail strings stored on the request are bounded so an external
// system cannot blow up the row.
const maxErrorDetail = 2000

// awaitingResult covers both pre-callback states: a callback may legally
// arrive while the request is still queued if the engine answered before the
// synchronous dispatch call returned.
var awaitingResult = []models.RequestStatus{
	models.RequestStatusQueued,
	models.RequestStatusProcessing,
}

// Dispatcher sends a request to the external workflow engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.GenerationRequest) (executionRef string, err error)
}

// ArtifactStore persists image bytes and returns a stable handle.
type ArtifactStore interface {
	Store(ctx context.Context, objectName string, data []byte, contentType string) (handle string, err error)
}

// ImageFetcher resolves a callback image descriptor into verified bytes.
type ImageFetcher interface {
	FromURL(ctx context.Context, url string) (*artifact.Image, error)
	FromBase64(encoded string) (*artifact.Image, error)
}

type Orchestrator struct {
	cfg       *config.Config
	requests  repository.RequestRepository
	artifacts repository.ArtifactRepository
	ledger    quota.Ledger
	client    Dispatcher
	auth      *security.CallbackAuthenticator
	store     ArtifactStore
	fetcher   ImageFetcher
	publisher events.Publisher
	denylist  []string
}

func New(cfg *config.Config, requests repository.RequestRepository, artifacts repository.ArtifactRepository,
	ledger quota.Ledger, client Dispatcher, auth *security.CallbackAuthenticator,
	store ArtifactStore, fetcher ImageFetcher, publisher events.Publisher) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		requests:  requests,
		artifacts: artifacts,
		ledger:    ledger,
		client:    client,
		auth:      auth,
		store:     store,
		fetcher:   fetcher,
		publisher: publisher,
		denylist:  cfg.ForbiddenKeywordList(),
	}
}

// SubmitParams carries everything a user supplies for one generation attempt.
type SubmitParams struct {
	UserID         string
	Prompt         string
	NegativePrompt string
	Model          string
	Width          int
	Height         int
	AspectRatio    string
	Seed           int64
	InferenceSteps int
	CfgScale       float64
	IntendedUse    models.IntendedUse
	NumImages      int
}

// Submit validates, reserves quota, persists the request and dispatches it.
// Validation and quota failures reject before any record exists. Dispatch
// failures are surfaced synchronously: the returned record carries status
// failed so the caller knows generation never started.
func (o *Orchestrator) Submit(ctx context.Context, params SubmitParams) (*models.GenerationRequest, error) {
	if err := o.validate(&params); err != nil {
		return nil, err
	}

	allowed, remaining, err := o.ledger.Authorize(ctx, params.UserID, params.NumImages)
	if err != nil {
		return nil, fmt.Errorf("%w: quota check unavailable", ErrQuotaExceeded)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %d remaining this period", ErrQuotaExceeded, remaining)
	}

	req := &models.GenerationRequest{
		ID:             uuid.New(),
		UserID:         params.UserID,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Model:          params.Model,
		Width:          params.Width,
		Height:         params.Height,
		AspectRatio:    params.AspectRatio,
		Seed:           params.Seed,
		InferenceSteps: params.InferenceSteps,
		CfgScale:       params.CfgScale,
		IntendedUse:    params.IntendedUse,
		NumImages:      params.NumImages,
		Status:         models.RequestStatusQueued,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}

	if err := o.requests.Create(ctx, req); err != nil {
		// The reservation must not leak if the record never existed.
		o.releaseQuota(ctx, req)
		return nil, fmt.Errorf("failed to persist generation request: %w", err)
	}
	events.Emit(ctx, o.publisher, events.LifecycleEvent{
		RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestSubmitted,
	})
	log.Printf("Submitted generation request %s for user %s (prompt length %d, %d images)",
		req.ID, req.UserID, len(req.Prompt), req.NumImages)

	execRef, dispErr := o.client.Dispatch(ctx, req)
	if dispErr != nil {
		detail := dispatchFailureDetail(dispErr)
		if _, terr := o.requests.Transition(ctx, req.ID, awaitingResult, models.RequestStatusFailed, detail, ""); terr != nil {
			log.Printf("Failed to mark request %s failed after dispatch error: %v", req.ID, terr)
		}
		o.releaseQuota(ctx, req)
		req.Status = models.RequestStatusFailed
		req.ErrorDetail = detail
		events.Emit(ctx, o.publisher, events.LifecycleEvent{
			RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestFailed, Detail: detail,
		})
		return req, nil
	}

	// A fast callback may already have finalized the request; the CAS simply
	// loses and the terminal state stands.
	moved, err := o.requests.Transition(ctx, req.ID,
		[]models.RequestStatus{models.RequestStatusQueued}, models.RequestStatusProcessing, "", execRef)
	if err != nil {
		log.Printf("Failed to mark request %s processing: %v", req.ID, err)
	}
	if moved {
		req.Status = models.RequestStatusProcessing
		req.ExecutionRef = execRef
	} else if current, gerr := o.requests.Get(ctx, req.ID); gerr == nil {
		req = current
	}
	events.Emit(ctx, o.publisher, events.LifecycleEvent{
		RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestDispatched, Detail: execRef,
	})
	return req, nil
}

func (o *Orchestrator) validate(params *SubmitParams) error {
	if params.UserID == "" {
		return fmt.Errorf("%w: user is required", ErrValidation)
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrValidation)
	}
	lowered := strings.ToLower(params.Prompt)
	for _, keyword := range o.denylist {
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return fmt.Errorf("%w: prompt contains restricted content", ErrValidation)
		}
	}
	if params.Model == "" {
		return fmt.Errorf("%w: model is required", ErrValidation)
	}

	if params.NumImages == 0 {
		params.NumImages = 1
	}
	if params.NumImages < 1 || params.NumImages > o.cfg.MaxImagesPerReq {
		return fmt.Errorf("%w: number of images must be between 1 and %d", ErrValidation, o.cfg.MaxImagesPerReq)
	}

	if params.Width == 0 {
		params.Width = o.cfg.DefaultWidth
	}
	if params.Height == 0 {
		params.Height = o.cfg.DefaultHeight
	}
	if params.Width < 64 || params.Height < 64 {
		return fmt.Errorf("%w: resolution is too small", ErrValidation)
	}

	if params.InferenceSteps == 0 {
		params.InferenceSteps = (o.cfg.MinInferenceSteps + o.cfg.MaxInferenceSteps) / 2
	}
	if params.InferenceSteps < o.cfg.MinInferenceSteps || params.InferenceSteps > o.cfg.MaxInferenceSteps {
		return fmt.Errorf("%w: inference steps must be between %d and %d",
			ErrValidation, o.cfg.MinInferenceSteps, o.cfg.MaxInferenceSteps)
	}

	if params.CfgScale == 0 {
		params.CfgScale = 7.5
	}
	if params.CfgScale < o.cfg.MinCfgScale || params.CfgScale > o.cfg.MaxCfgScale {
		return fmt.Errorf("%w: cfg scale must be between %.1f and %.1f",
			ErrValidation, o.cfg.MinCfgScale, o.cfg.MaxCfgScale)
	}

	if params.IntendedUse == "" {
		params.IntendedUse = models.IntendedUsePersonal
	}
	return nil
}

func dispatchFailureDetail(err error) string {
	var derr *dispatch.Error
	if errors.As(err, &derr) {
		switch derr.Kind {
		case dispatch.KindAuth:
			return boundDetail("dispatch rejected: workflow engine authentication failed")
		case dispatch.KindRateLimited:
			return boundDetail("dispatch rejected: workflow engine rate limit exceeded")
		case dispatch.KindTransient:
			return boundDetail("dispatch failed after retries: " + derr.Message)
		default:
			return boundDetail("dispatch failed: " + derr.Message)
		}
	}
	return boundDetail("dispatch failed: " + err.Error())
}

func boundDetail(s string) string {
	if len(s) > maxErrorDetail {
		return s[:maxErrorDetail]
	}
	return s
}

func (o *Orchestrator) releaseQuota(ctx context.Context, req *models.GenerationRequest) {
	if err := o.ledger.Release(ctx, req.UserID, req.NumImages); err != nil {
		log.Printf("Warning: failed to release quota reservation for request %s: %v", req.ID, err)
	}
}

// GetRequest loads a request with its artifacts.
func (o *Orchestrator) GetRequest(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, []models.GeneratedArtifact, error) {
	req, err := o.requests.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := o.artifacts.ListByRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return req, artifacts, nil
}

// Cancel moves a queued/processing request to cancelled. The same CAS used
// by callback finalization guarantees cancellation cannot race a result that
// is being applied concurrently.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, userID string) (*models.GenerationRequest, error) {
	req, err := o.requests.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != "" && req.UserID != userID {
		return nil, ErrNotFound
	}

	moved, err := o.requests.Transition(ctx, id, awaitingResult, models.RequestStatusCancelled, "cancelled by user", "")
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrNotCancellable
	}
	o.releaseQuota(ctx, req)
	events.Emit(ctx, o.publisher, events.LifecycleEvent{
		RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestCancelled,
	})

	req.Status = models.RequestStatusCancelled
	req.ErrorDetail = "cancelled by user"
	return req, nil
}
