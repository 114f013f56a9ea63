package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courierhook/internal/core"
	"courierhook/internal/dedup"
	"courierhook/internal/external"
	"courierhook/internal/metrics"
	"courierhook/internal/pipeline"
	"courierhook/internal/types"
)

const testSecret = "shpss_test_secret"

const shippedOrder = `{
	"id": 820982911946154500,
	"name": "#1001",
	"contact_email": "ana@example.com",
	"shipping_address": {
		"first_name": "Ana",
		"last_name": "Pérez",
		"address1": "Av. Italia 1234",
		"city": "Montevideo",
		"zip": "11300",
		"phone": "099123456"
	},
	"line_items": [{"title": "Serum"}]
}`

const pickupOrder = `{"id": 820982911946154501, "name": "#1002", "shipping_address": null}`

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type recordingProcessor struct {
	mu     sync.Mutex
	events []types.IncomingEvent
	runIDs []string
}

func (p *recordingProcessor) Run(ctx context.Context, event types.IncomingEvent) *pipeline.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.runIDs = append(p.runIDs, types.GetRunID(ctx))
	return &pipeline.Report{EventID: event.ID}
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type failingClaimer struct{}

func (failingClaimer) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, types.NewAppError(types.ErrCodeInternalStorage, "redis down", nil)
}

func (failingClaimer) Release(context.Context, string) error {
	return types.NewAppError(types.ErrCodeInternalStorage, "redis down", nil)
}

type webhookMetrics struct {
	metrics.Noop
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (m *webhookMetrics) RecordWebhook(_ context.Context, o metrics.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type webhookFixture struct {
	router    *chi.Mux
	runner    *pipeline.TaskRunner
	store     *dedup.MemoryStore
	processor *recordingProcessor
	metrics   *webhookMetrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWebhookFixture(t *testing.T, claims EventClaimer) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		router:    chi.NewRouter(),
		runner:    pipeline.NewTaskRunner(discardLogger()),
		store:     dedup.NewMemoryStore(types.RealClock{}),
		processor: &recordingProcessor{},
		metrics:   &webhookMetrics{},
	}
	if claims == nil {
		claims = f.store
	}
	h := NewWebhookHandler(
		external.ShopifyVerifier{},
		core.NewValidator(discardLogger()),
		claims,
		f.runner,
		f.processor,
		WebhookHandlerConfig{
			Secret:   types.SecretString(testSecret),
			DedupTTL: 5 * time.Minute,
			Logger:   discardLogger(),
			Metrics:  f.metrics,
		},
	)
	h.RegisterRoutes(f.router)
	return f
}

func signedRequest(body, eventID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	req.Header.Set(HeaderSignature, external.SignShopifyPayload([]byte(body), testSecret))
	req.Header.Set(HeaderTopic, "orders/paid")
	if eventID != "" {
		req.Header.Set(HeaderEventID, eventID)
	}
	return req
}

func (f *webhookFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// drain waits for every submitted run to finish.
func (f *webhookFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Shutdown(ctx))
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	t.Helper()
	var resp webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhook_AcceptsSignedOrder(t *testing.T) {
	f := newWebhookFixture(t, nil)

	rec := f.serve(signedRequest(shippedOrder, "evt-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeStatus(t, rec)
	assert.Equal(t, StatusProcessing, resp.Status)
	assert.NotEmpty(t, resp.RunID)

	f.drain(t)
	require.Equal(t, 1, f.processor.count())
	ev := f.processor.events[0]
	assert.Equal(t, "evt-1", ev.ID)
	assert.Equal(t, "orders/paid", ev.Topic)
	assert.Equal(t, int64(820982911946154500), ev.Order.ID)
	assert.Equal(t, "Ana", ev.Order.ShippingAddress.FirstName)
	assert.Equal(t, resp.RunID, f.processor.runIDs[0])
	assert.Equal(t, []metrics.Outcome{metrics.WebhookAccepted}, f.metrics.outcomes)
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
}

func TestWebhook_RejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		set       bool
	}{
		{"missing header", "", false},
		{"empty header", "", true},
		{"wrong secret", external.SignShopifyPayload([]byte(shippedOrder), "other-secret"), true},
		{"not base64", "%%%not-base64%%%", true},
		{"signature of different body", external.SignShopifyPayload([]byte(pickupOrder), testSecret), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil)
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(shippedOrder))
			req.Header.Set(HeaderEventID, "evt-1")
			if tt.set {
				req.Header.Set(HeaderSignature, tt.signature)
			}

			rec := f.serve(req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			f.drain(t)
			assert.Zero(t, f.processor.count())
			assert.Zero(t, f.store.Len(), "a rejected delivery must not consume the event id")
			assert.Equal(t, []metrics.Outcome{metrics.WebhookUnauthorized}, f.metrics.outcomes)
		})
	}
}

func TestWebhook_IgnoresLocalPickup(t *testing.T) {
	f := newWebhookFixture(t, nil)

	rec := f.serve(signedRequest(pickupOrder, "evt-2"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusIgnored, decodeStatus(t, rec).Status)
	f.drain(t)
	assert.Zero(t, f.processor.count())
	assert.Zero(t, f.store.Len())
	assert.Equal(t, []metrics.Outcome{metrics.WebhookIgnored}, f.metrics.outcomes)
}

func TestWebhook_ShippingAddressAbsentIsPickup(t *testing.T) {
	f := newWebhookFixture(t, nil)

	rec := f.serve(signedRequest(`{"id": 5, "name": "#1003"}`, "evt-3"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusIgnored, decodeStatus(t, rec).Status)
}

func TestWebhook_PickupIgnoredWhateverOtherFieldsHold(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no id", `{"shipping_address": null}`},
		{"non-numeric id", `{"id": "abc", "shipping_address": null}`},
		{"wrong-typed fields", `{"id": 7, "name": 12, "contact_email": false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil)

			rec := f.serve(signedRequest(tt.body, "evt-pickup"))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, StatusIgnored, decodeStatus(t, rec).Status)
			f.drain(t)
			assert.Zero(t, f.processor.count())
			assert.Zero(t, f.store.Len())
			assert.Equal(t, []metrics.Outcome{metrics.WebhookIgnored}, f.metrics.outcomes)
		})
	}
}

func TestWebhook_DuplicateWithinWindow(t *testing.T) {
	f := newWebhookFixture(t, nil)

	first := f.serve(signedRequest(shippedOrder, "evt-dup"))
	second := f.serve(signedRequest(shippedOrder, "evt-dup"))

	assert.Equal(t, StatusProcessing, decodeStatus(t, first).Status)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, StatusDuplicate, decodeStatus(t, second).Status)

	f.drain(t)
	assert.Equal(t, 1, f.processor.count())
	assert.Equal(t, []metrics.Outcome{metrics.WebhookAccepted, metrics.WebhookDuplicate}, f.metrics.outcomes)
}

func TestWebhook_ConcurrentDuplicatesStartOneRun(t *testing.T) {
	f := newWebhookFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.serve(signedRequest(shippedOrder, "evt-race"))
		}()
	}
	wg.Wait()
	f.drain(t)

	assert.Equal(t, 1, f.processor.count())
}

func TestWebhook_MissingEventIDIsNotDeduplicated(t *testing.T) {
	f := newWebhookFixture(t, nil)

	a := f.serve(signedRequest(shippedOrder, ""))
	b := f.serve(signedRequest(shippedOrder, ""))

	assert.Equal(t, StatusProcessing, decodeStatus(t, a).Status)
	assert.Equal(t, StatusProcessing, decodeStatus(t, b).Status)
	f.drain(t)
	require.Equal(t, 2, f.processor.count())
	assert.NotEqual(t, f.processor.events[0].ID, f.processor.events[1].ID)
}

func TestWebhook_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id": `},
		{"not an object", `[1, 2]`},
		{"missing id", `{"name": "#1", "shipping_address": {"first_name": "Ana"}}`},
		{"wrong type", `{"id": "abc", "shipping_address": {"first_name": "Ana"}}`},
		{"address not an object", `{"id": 9, "shipping_address": "Av. Italia"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture(t, nil)

			rec := f.serve(signedRequest(tt.body, "evt-bad"))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			f.drain(t)
			assert.Zero(t, f.processor.count())
			assert.Equal(t, []metrics.Outcome{metrics.WebhookInvalid}, f.metrics.outcomes)
		})
	}
}

func TestWebhook_DedupStoreFailure(t *testing.T) {
	f := newWebhookFixture(t, failingClaimer{})

	rec := f.serve(signedRequest(shippedOrder, "evt-1"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	f.drain(t)
	assert.Zero(t, f.processor.count())
	assert.Equal(t, []metrics.Outcome{metrics.WebhookError}, f.metrics.outcomes)
}

func TestWebhook_ShuttingDown(t *testing.T) {
	f := newWebhookFixture(t, nil)
	f.drain(t)

	rec := f.serve(signedRequest(shippedOrder, "evt-late"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, f.processor.count())
	assert.Zero(t, f.store.Len(), "a delivery that never started must not hold its event id")

	// The platform retries the 503 against a replica sharing the store.
	runner := pipeline.NewTaskRunner(discardLogger())
	h := NewWebhookHandler(external.ShopifyVerifier{}, core.NewValidator(discardLogger()), f.store, runner, f.processor,
		WebhookHandlerConfig{Secret: types.SecretString(testSecret), Logger: discardLogger()})
	retry := httptest.NewRecorder()
	h.Handle(retry, signedRequest(shippedOrder, "evt-late"))

	require.Equal(t, http.StatusOK, retry.Code)
	assert.Equal(t, StatusProcessing, decodeStatus(t, retry).Status)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
	assert.Equal(t, 1, f.processor.count())
}

func TestWebhook_RespondsBeforeRunCompletes(t *testing.T) {
	f := newWebhookFixture(t, nil)
	release := make(chan struct{})
	blocking := &blockingProcessor{release: release}
	h := NewWebhookHandler(external.ShopifyVerifier{}, core.NewValidator(discardLogger()), f.store, f.runner, blocking,
		WebhookHandlerConfig{Secret: types.SecretString(testSecret), Logger: discardLogger()})
	router := chi.NewRouter()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(rec, signedRequest(shippedOrder, "evt-slow"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook response waited for the background run")
	}
	assert.Equal(t, http.StatusOK, rec.Code)
	close(release)
	f.drain(t)
}

type blockingProcessor struct {
	release chan struct{}
}

func (p *blockingProcessor) Run(ctx context.Context, event types.IncomingEvent) *pipeline.Report {
	<-p.release
	return &pipeline.Report{}
}

func TestWebhook_VerifierErrorWithoutAppErrorIs401(t *testing.T) {
	f := newWebhookFixture(t, nil)
	h := NewWebhookHandler(verifierFunc(func([]byte, string, string) error { return errors.New("nope") }),
		core.NewValidator(discardLogger()), f.store, f.runner, f.processor,
		WebhookHandlerConfig{Secret: types.SecretString(testSecret), Logger: discardLogger()})
	rec := httptest.NewRecorder()

	h.Handle(rec, signedRequest(shippedOrder, "evt-1"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type verifierFunc func(payload []byte, header, secret string) error

func (f verifierFunc) Verify(payload []byte, header, secret string) error { return f(payload, header, secret) }
