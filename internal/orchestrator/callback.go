package orchestrator

import (
	"context"
	"fmt"
	"log"

	"gen-orchestrator/internal/artifact"
	"gen-orchestrator/internal/events"
	"gen-orchestrator/internal/models"

	"github.com/google/uuid"
)

// ResultPayload is the result half of the workflow engine's callback. A
// single-image result arrives in Data; multi-image engines send Images.
type ResultPayload struct {
	Status    string            `json:"status"`
	Data      *ImageDescriptor  `json:"data,omitempty"`
	Images    []ImageDescriptor `json:"images,omitempty"`
	ErrorData *ErrorData        `json:"error_data,omitempty"`
}

type ImageDescriptor struct {
	ImageURL   string `json:"image_url,omitempty"`
	ImageData  string `json:"image_data,omitempty"` // base64
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	FileFormat string `json:"file_format,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (p *ResultPayload) descriptors() []ImageDescriptor {
	if len(p.Images) > 0 {
		return p.Images
	}
	if p.Data != nil {
		return []ImageDescriptor{*p.Data}
	}
	return nil
}

// HandleCallback authenticates, correlates and applies a workflow engine
// result. Every internal failure past authentication is converted into a
// failed state on the request; the error returned to the HTTP layer is
// always one of the sentinel errors, never a raw internal one, so the
// boundary can choose a response that does not trigger retry storms.
func (o *Orchestrator) HandleCallback(ctx context.Context, requestID, token string, payload ResultPayload) (err error) {
	if !o.auth.Validate(token) {
		log.Printf("Callback authentication failed for request ID %q", requestID)
		return ErrUnauthorized
	}

	id, perr := uuid.Parse(requestID)
	if perr != nil {
		log.Printf("Callback carried malformed request ID %q: %v", requestID, perr)
		return ErrNotFound
	}

	req, rerr := o.requests.Get(ctx, id)
	if rerr != nil {
		log.Printf("Callback for unknown request %s: %v", id, rerr)
		return ErrNotFound
	}

	// Duplicate or late delivery: the request already finalized, nothing to
	// apply. Artifact rows are idempotent anyway, so this is purely a no-op.
	if req.Status.Terminal() {
		log.Printf("Callback for request %s ignored: already terminal (%s)", id, req.Status)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: panic while processing callback for request %s: %v", id, r)
			o.failRequest(ctx, req, "internal error while processing generation result")
			err = fmt.Errorf("internal error processing callback for request %s", id)
		}
	}()

	switch payload.Status {
	case "success":
		return o.applySuccess(ctx, req, &payload)
	case "failure":
		detail := "generation failed"
		if payload.ErrorData != nil {
			detail = payload.ErrorData.Message
			if payload.ErrorData.Details != "" {
				detail += " | " + payload.ErrorData.Details
			}
		}
		o.failRequest(ctx, req, detail)
		return nil
	default:
		o.failRequest(ctx, req, fmt.Sprintf("unknown result status %q from workflow engine", payload.Status))
		return nil
	}
}

func (o *Orchestrator) applySuccess(ctx context.Context, req *models.GenerationRequest, payload *ResultPayload) error {
	descriptors := payload.descriptors()
	if len(descriptors) == 0 {
		o.failRequest(ctx, req, "image data missing in success callback")
		return nil
	}

	stored := 0
	for ordinal, desc := range descriptors {
		if o.storeOne(ctx, req, ordinal, desc) {
			stored++
		}
	}

	if stored == 0 {
		// The engine reported success but nothing could be stored; the
		// request must not sit in processing forever.
		o.failRequest(ctx, req, "image storage failed despite success report from workflow engine")
		return nil
	}

	if stored < len(descriptors) && !o.cfg.PartialSuccessCompletes {
		o.failRequest(ctx, req, fmt.Sprintf("only %d of %d images could be stored", stored, len(descriptors)))
		return nil
	}

	moved, err := o.requests.Transition(ctx, req.ID, awaitingResult, models.RequestStatusCompleted, "", "")
	if err != nil {
		log.Printf("Failed to complete request %s: %v", req.ID, err)
		return fmt.Errorf("internal error finalizing request %s", req.ID)
	}
	if !moved {
		// A concurrent delivery or cancellation finalized first. Artifacts
		// are deduplicated by ordinal, so losing the race is harmless.
		log.Printf("Request %s finalized concurrently; skipping completion side effects", req.ID)
		return nil
	}

	// Usage is charged only on confirmed success; the reservation for
	// images that never materialized is handed back.
	if err := o.ledger.RecordUsage(ctx, req.UserID, req.NumImages, stored); err != nil {
		log.Printf("Warning: failed to record usage for request %s: %v", req.ID, err)
	}

	detail := ""
	if stored < len(descriptors) {
		detail = fmt.Sprintf("completed with %d of %d images stored", stored, len(descriptors))
	}
	events.Emit(ctx, o.publisher, events.LifecycleEvent{
		RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestCompleted, Detail: detail,
	})
	log.Printf("Request %s completed with %d/%d artifacts", req.ID, stored, len(descriptors))
	return nil
}

// storeOne resolves, stores and records a single image descriptor. Returns
// true when an artifact row exists for this ordinal afterwards, whether this
// call created it or a previous delivery did.
func (o *Orchestrator) storeOne(ctx context.Context, req *models.GenerationRequest, ordinal int, desc ImageDescriptor) bool {
	var img *artifact.Image
	var err error

	switch {
	case desc.ImageURL != "":
		img, err = o.fetcher.FromURL(ctx, desc.ImageURL)
	case desc.ImageData != "":
		img, err = o.fetcher.FromBase64(desc.ImageData)
	default:
		log.Printf("Request %s image %d has neither URL nor inline data", req.ID, ordinal)
		return false
	}
	if err != nil {
		log.Printf("Request %s image %d could not be fetched: %v", req.ID, ordinal, err)
		return false
	}

	objectName := fmt.Sprintf("%s_%d.%s", req.ID, ordinal, img.Format)
	handle, err := o.store.Store(ctx, objectName, img.Data, img.ContentType())
	if err != nil {
		log.Printf("Request %s image %d could not be stored: %v", req.ID, ordinal, err)
		return false
	}

	created, err := o.artifacts.Create(ctx, &models.GeneratedArtifact{
		ID:                uuid.New(),
		RequestID:         req.ID,
		Ordinal:           ordinal,
		StorageHandle:     handle,
		ContentHash:       img.ContentHash,
		FileSize:          int64(len(img.Data)),
		Width:             img.Width,
		Height:            img.Height,
		FileFormat:        img.Format,
		RetentionCategory: req.IntendedUse.RetentionCategory(),
	})
	if err != nil {
		log.Printf("Request %s image %d artifact row could not be created: %v", req.ID, ordinal, err)
		return false
	}
	if !created {
		log.Printf("Request %s image %d already recorded, duplicate delivery", req.ID, ordinal)
	}
	return true
}

// failRequest applies a failure transition with a bounded detail string and
// hands the quota reservation back. Only the CAS winner releases quota.
func (o *Orchestrator) failRequest(ctx context.Context, req *models.GenerationRequest, detail string) {
	detail = boundDetail(detail)
	moved, err := o.requests.Transition(ctx, req.ID, awaitingResult, models.RequestStatusFailed, detail, "")
	if err != nil {
		log.Printf("Failed to mark request %s failed: %v", req.ID, err)
		return
	}
	if !moved {
		log.Printf("Request %s already terminal, failure %q not applied", req.ID, detail)
		return
	}
	o.releaseQuota(ctx, req)
	events.Emit(ctx, o.publisher, events.LifecycleEvent{
		RequestID: req.ID, UserID: req.UserID, EventType: events.TypeRequestFailed, Detail: detail,
	})
	log.Printf("Request %s failed: %s", req.ID, detail)
}
