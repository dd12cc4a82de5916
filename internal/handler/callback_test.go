package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gen-orchestrator/internal/artifact"
	"gen-orchestrator/internal/config"
	"gen-orchestrator/internal/models"
	"gen-orchestrator/internal/orchestrator"
	"gen-orchestrator/internal/repository"
	"gen-orchestrator/internal/security"

	"gen-orchestrator/internal/events"
	redisclient "gen-orchestrator/pkg/database/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCallbackToken = "webhook-secret"

type stubRequests struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]*models.GenerationRequest
}

func (s *stubRequests) Create(_ context.Context, req *models.GenerationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.reqs[req.ID] = &cp
	return nil
}

func (s *stubRequests) Get(_ context.Context, id uuid.UUID) (*models.GenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *stubRequests) Transition(_ context.Context, id uuid.UUID, from []models.RequestStatus, to models.RequestStatus, errorDetail, executionRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.reqs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if req.Status == f {
			req.Status = to
			req.ErrorDetail = errorDetail
			if executionRef != "" {
				req.ExecutionRef = executionRef
			}
			return true, nil
		}
	}
	return false, nil
}

type stubArtifacts struct {
	mu   sync.Mutex
	rows []models.GeneratedArtifact
}

func (s *stubArtifacts) Create(_ context.Context, a *models.GeneratedArtifact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.RequestID == a.RequestID && row.Ordinal == a.Ordinal {
			return false, nil
		}
	}
	s.rows = append(s.rows, *a)
	return true, nil
}

func (s *stubArtifacts) ListByRequest(_ context.Context, requestID uuid.UUID) ([]models.GeneratedArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GeneratedArtifact
	for _, row := range s.rows {
		if row.RequestID == requestID {
			out = append(out, row)
		}
	}
	return out, nil
}

type allowAllLedger struct{}

func (allowAllLedger) Authorize(context.Context, string, int) (bool, int, error) { return true, 1, nil }
func (allowAllLedger) RecordUsage(context.Context, string, int, int) error       { return nil }
func (allowAllLedger) Release(context.Context, string, int) error                { return nil }

type memoryStore struct{}

func (memoryStore) Store(_ context.Context, objectName string, _ []byte, _ string) (string, error) {
	return "generated-images/" + objectName, nil
}

type webhookHarness struct {
	router   *gin.Engine
	requests *stubRequests
	redis    *redisclient.Client
	mr       *miniredis.Miniredis
}

func newWebhookHarness(t *testing.T) *webhookHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	redisClient, err := redisclient.NewClient(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{
		CallbackToken:           testCallbackToken,
		MonthlyQuota:            50,
		MinInferenceSteps:       10,
		MaxInferenceSteps:       50,
		MinCfgScale:             1.0,
		MaxCfgScale:             20.0,
		DefaultWidth:            1024,
		DefaultHeight:           1024,
		MaxImagesPerReq:         4,
		PartialSuccessCompletes: true,
	}
	requests := &stubRequests{reqs: make(map[uuid.UUID]*models.GenerationRequest)}
	orch := orchestrator.New(cfg, requests, &stubArtifacts{}, allowAllLedger{}, nil,
		security.NewCallbackAuthenticator(testCallbackToken), memoryStore{},
		artifact.NewFetcher(), events.NopPublisher{})

	h := NewHandler(orch, nil, redisClient)
	router := gin.New()
	router.POST("/callbacks/generation-result", h.HandleGenerationCallback)

	return &webhookHarness{router: router, requests: requests, redis: redisClient, mr: mr}
}

func (w *webhookHarness) seedRequest(t *testing.T) *models.GenerationRequest {
	t.Helper()
	req := &models.GenerationRequest{
		ID:          uuid.New(),
		UserID:      "user-1",
		Prompt:      "a lighthouse at dusk",
		Model:       "flux-dev",
		Width:       64,
		Height:      64,
		NumImages:   1,
		IntendedUse: models.IntendedUsePersonal,
		Status:      models.RequestStatusProcessing,
	}
	require.NoError(t, w.requests.Create(context.Background(), req))
	return req
}

func (w *webhookHarness) post(t *testing.T, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	httpReq := httptest.NewRequest(http.MethodPost, "/callbacks/generation-result", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w.router.ServeHTTP(rec, httpReq)
	return rec
}

func callbackBody(t *testing.T, requestID, token string, payload orchestrator.ResultPayload) []byte {
	t.Helper()
	body, err := json.Marshal(CallbackRequest{
		RequestID:     requestID,
		SecurityToken: token,
		ResultPayload: payload,
	})
	require.NoError(t, err)
	return body
}

func inlinePNG(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp["status"]
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	w := newWebhookHarness(t)

	rec := w.post(t, []byte(`{"request_id": `))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decodeStatus(t, rec))
}

func TestWebhookMissingRequestIDIsNonRetryable(t *testing.T) {
	w := newWebhookHarness(t)

	rec := w.post(t, callbackBody(t, "", testCallbackToken, orchestrator.ResultPayload{Status: "success"}))
	// Application-level error in a 200 body so the engine does not retry.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", decodeStatus(t, rec))
}

func TestWebhookRejectsBadToken(t *testing.T) {
	w := newWebhookHarness(t)
	req := w.seedRequest(t)

	rec := w.post(t, callbackBody(t, req.ID.String(), "wrong", orchestrator.ResultPayload{
		Status: "success",
		Data:   &orchestrator.ImageDescriptor{ImageData: inlinePNG(t)},
	}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stored, err := w.requests.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusProcessing, stored.Status)
}

func TestWebhookUnknownRequestIsNonRetryable(t *testing.T) {
	w := newWebhookHarness(t)

	rec := w.post(t, callbackBody(t, uuid.NewString(), testCallbackToken, orchestrator.ResultPayload{Status: "success"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", decodeStatus(t, rec))
}

func TestWebhookAppliesSuccessfulResult(t *testing.T) {
	w := newWebhookHarness(t)
	req := w.seedRequest(t)

	// A stale cached snapshot must be dropped once the result lands.
	cacheKey := fmt.Sprintf("genreq:%s", req.ID)
	require.NoError(t, w.redis.Set(context.Background(), cacheKey, `{"status":"processing"}`, time.Minute))

	rec := w.post(t, callbackBody(t, req.ID.String(), testCallbackToken, orchestrator.ResultPayload{
		Status: "success",
		Data:   &orchestrator.ImageDescriptor{ImageData: inlinePNG(t)},
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeStatus(t, rec))

	stored, err := w.requests.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCompleted, stored.Status)

	assert.False(t, w.mr.Exists(cacheKey))
}

func TestWebhookDuplicateDeliveryStaysSuccessful(t *testing.T) {
	w := newWebhookHarness(t)
	req := w.seedRequest(t)

	body := callbackBody(t, req.ID.String(), testCallbackToken, orchestrator.ResultPayload{
		Status: "success",
		Data:   &orchestrator.ImageDescriptor{ImageData: inlinePNG(t)},
	})
	first := w.post(t, body)
	second := w.post(t, body)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "success", decodeStatus(t, second))
}

func TestWebhookFailureResultMarksRequestFailed(t *testing.T) {
	w := newWebhookHarness(t)
	req := w.seedRequest(t)

	rec := w.post(t, callbackBody(t, req.ID.String(), testCallbackToken, orchestrator.ResultPayload{
		Status:    "failure",
		ErrorData: &orchestrator.ErrorData{Message: "model crashed"},
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", decodeStatus(t, rec))

	stored, err := w.requests.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorDetail, "model crashed")
}
