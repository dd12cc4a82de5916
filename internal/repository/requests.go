package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gen-orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresRequestRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRequestRepository(pool *pgxpool.Pool) *PostgresRequestRepository {
	return &PostgresRequestRepository{pool: pool}
}

func (r *PostgresRequestRepository) Create(ctx context.Context, req *models.GenerationRequest) error {
	query := `
		INSERT INTO generation_requests
			(id, user_id, prompt, negative_prompt, model, width, height, aspect_ratio,
			 seed, inference_steps, cfg_scale, intended_use, num_images, status,
			 error_detail, execution_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
	`
	_, err := r.pool.Exec(ctx, query,
		req.ID, req.UserID, req.Prompt, req.NegativePrompt, req.Model,
		req.Width, req.Height, req.AspectRatio, req.Seed, req.InferenceSteps,
		req.CfgScale, req.IntendedUse, req.NumImages, req.Status,
		req.ErrorDetail, req.ExecutionRef,
	)
	if err != nil {
		return fmt.Errorf("failed to insert generation request: %w", err)
	}
	return nil
}

func (r *PostgresRequestRepository) Get(ctx context.Context, id uuid.UUID) (*models.GenerationRequest, error) {
	query := `
		SELECT id, user_id, prompt, negative_prompt, model, width, height, aspect_ratio,
		       seed, inference_steps, cfg_scale, intended_use, num_images, status,
		       error_detail, execution_ref, created_at, updated_at
		FROM generation_requests
		WHERE id = $1
	`
	var req models.GenerationRequest
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&req.ID, &req.UserID, &req.Prompt, &req.NegativePrompt, &req.Model,
		&req.Width, &req.Height, &req.AspectRatio, &req.Seed, &req.InferenceSteps,
		&req.CfgScale, &req.IntendedUse, &req.NumImages, &req.Status,
		&req.ErrorDetail, &req.ExecutionRef, &req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load generation request: %w", err)
	}
	return &req, nil
}

func (r *PostgresRequestRepository) Transition(ctx context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus, errorDetail, executionRef string) (bool, error) {
	fromStrings := make([]string, len(from))
	for i, s := range from {
		fromStrings[i] = string(s)
	}

	// Single conditional update: the WHERE clause is the compare half of the
	// CAS, so two concurrent finalizers cannot both win.
	query := `
		UPDATE generation_requests
		SET status = $1,
		    error_detail = $2,
		    execution_ref = CASE WHEN $3 <> '' THEN $3 ELSE execution_ref END,
		    updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`
	tag, err := r.pool.Exec(ctx, query, to, errorDetail, executionRef, id, fromStrings)
	if err != nil {
		return false, fmt.Errorf("failed to transition request %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	log.Printf("Updated request %s status to: %s", id, to)
	return true, nil
}

var _ RequestRepository = (*PostgresRequestRepository)(nil)
