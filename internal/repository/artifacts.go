package repository

import (
	"context"
	"fmt"

	"gen-orchestrator/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresArtifactRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresArtifactRepository(pool *pgxpool.Pool) *PostgresArtifactRepository {
	return &PostgresArtifactRepository{pool: pool}
}

// Create inserts the artifact, relying on the (request_id, ordinal) unique
// index to absorb duplicate callback deliveries. created=false means a row
// for that ordinal already existed.
func (r *PostgresArtifactRepository) Create(ctx context.Context, artifact *models.GeneratedArtifact) (bool, error) {
	query := `
		INSERT INTO generated_artifacts
			(id, request_id, ordinal, storage_handle, content_hash, file_size,
			 width, height, file_format, retention_category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (request_id, ordinal) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		artifact.ID, artifact.RequestID, artifact.Ordinal, artifact.StorageHandle,
		artifact.ContentHash, artifact.FileSize, artifact.Width, artifact.Height,
		artifact.FileFormat, artifact.RetentionCategory,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert artifact for request %s: %w", artifact.RequestID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresArtifactRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]models.GeneratedArtifact, error) {
	query := `
		SELECT id, request_id, ordinal, storage_handle, content_hash, file_size,
		       width, height, file_format, retention_category, created_at
		FROM generated_artifacts
		WHERE request_id = $1
		ORDER BY ordinal
	`
	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for request %s: %w", requestID, err)
	}
	defer rows.Close()

	var artifacts []models.GeneratedArtifact
	for rows.Next() {
		var a models.GeneratedArtifact
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.Ordinal, &a.StorageHandle, &a.ContentHash,
			&a.FileSize, &a.Width, &a.Height, &a.FileFormat, &a.RetentionCategory,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifact rows: %w", err)
	}
	return artifacts, nil
}

var _ ArtifactRepository = (*PostgresArtifactRepository)(nil)
