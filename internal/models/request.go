package models

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether a request in this status may never transition again.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusCancelled:
		return true
	}
	return false
}

type IntendedUse string

const (
	IntendedUsePersonal IntendedUse = "personal_exploration"
	IntendedUseCampaign IntendedUse = "campaign_specific"
)

// RetentionCategory maps intended use to the retention bucket stored on artifacts.
func (u IntendedUse) RetentionCategory() string {
	if u == IntendedUseCampaign {
		return "campaign_asset"
	}
	return "personal_generation"
}

type GenerationRequest struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	UserID         string        `json:"user_id" db:"user_id"`
	Prompt         string        `json:"prompt" db:"prompt"`
	NegativePrompt string        `json:"negative_prompt" db:"negative_prompt"`
	Model          string        `json:"model" db:"model"`
	Width          int           `json:"width" db:"width"`
	Height         int           `json:"height" db:"height"`
	AspectRatio    string        `json:"aspect_ratio" db:"aspect_ratio"`
	Seed           int64         `json:"seed" db:"seed"`
	InferenceSteps int           `json:"inference_steps" db:"inference_steps"`
	CfgScale       float64       `json:"cfg_scale" db:"cfg_scale"`
	IntendedUse    IntendedUse   `json:"intended_use" db:"intended_use"`
	NumImages      int           `json:"num_images" db:"num_images"`
	Status         RequestStatus `json:"status" db:"status"`
	ErrorDetail    string        `json:"error_detail,omitempty" db:"error_detail"`
	ExecutionRef   string        `json:"execution_ref,omitempty" db:"execution_ref"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

type GeneratedArtifact struct {
	ID                uuid.UUID `json:"id" db:"id"`
	RequestID         uuid.UUID `json:"request_id" db:"request_id"`
	Ordinal           int       `json:"ordinal" db:"ordinal"`
	StorageHandle     string    `json:"storage_handle" db:"storage_handle"`
	ContentHash       string    `json:"content_hash" db:"content_hash"`
	FileSize          int64     `json:"file_size" db:"file_size"`
	Width             int       `json:"width" db:"width"`
	Height            int       `json:"height" db:"height"`
	FileFormat        string    `json:"file_format" db:"file_format"`
	RetentionCategory string    `json:"retention_category" db:"retention_category"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
