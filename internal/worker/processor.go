package worker

import (
	"context"
	"fmt"
	"log"

	"gen-orchestrator/internal/events"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Processor drains lifecycle events from the queue into the audit_log table.
type Processor struct {
	pgPool *pgxpool.Pool
}

func NewProcessor(pg *pgxpool.Pool) *Processor {
	return &Processor{pgPool: pg}
}

func (p *Processor) ProcessEvent(ctx context.Context, ev events.LifecycleEvent) error {
	query := `
		INSERT INTO audit_log (request_id, user_id, event_type, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := p.pgPool.Exec(ctx, query, ev.RequestID, ev.UserID, ev.EventType, ev.Detail, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log entry: %w", err)
	}
	log.Printf("Recorded %s event for request %s", ev.EventType, ev.RequestID)
	return nil
}
