package repository

import (
	"context"
	"errors"

	"gen-orchestrator/internal/models"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("record not found")

// RequestRepository is the durable store for generation requests. It is the
// single point of cross-call coordination: concurrent callbacks and
// cancellations are serialized by Transition's conditional update.
type RequestRepository interface {
	Create(ctx context.Context, req *models.GenerationRequest) error
	Get(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, error)
	// Transition moves the request to the target status only if its current
	// status is one of from (compare-and-swap). Returns false when the
	// request was in some other state, without touching the row.
	Transition(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus, errorDetail, executionRef string) (bool, error)
}

// ArtifactRepository stores generated artifacts. Creation is idempotent on
// (request_id, ordinal): a duplicate insert reports created=false.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *models.GeneratedArtifact) (created bool, err error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.GeneratedArtifact, error)
}
