package handler

import (
	"gen-orchestrator/internal/orchestrator"
	minioclient "gen-orchestrator/internal/storage/minio"
	redisclient "gen-orchestrator/pkg/database/redis"
)

type Handler struct {
	orch        *orchestrator.Orchestrator
	minioClient *minioclient.Client
	redisClient *redisclient.Client
}

func NewHandler(orch *orchestrator.Orchestrator, minio *minioclient.Client, redis *redisclient.Client) *Handler {
	return &Handler{
		orch:        orch,
		minioClient: minio,
		redisClient: redis,
	}
}
