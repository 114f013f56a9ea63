// Package handlers contains the HTTP handlers of the courier webhook service.
//
// The order webhook is called directly by the store platform. It is not behind
// any auth middleware; security comes from the X-Shopify-Hmac-Sha256 header,
// an HMAC-SHA256 of the raw body under the shared secret.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"courierhook/internal/core"
	"courierhook/internal/external"
	"courierhook/internal/metrics"
	"courierhook/internal/pipeline"
	"courierhook/internal/types"
)

// Webhook headers sent by the store platform.
const (
	HeaderSignature = "X-Shopify-Hmac-Sha256"
	HeaderEventID   = "X-Shopify-Event-Id"
	HeaderTopic     = "X-Shopify-Topic"
)

// Response statuses of POST /webhook.
const (
	StatusProcessing = "processing"
	StatusIgnored    = "ignored"
	StatusDuplicate  = "duplicate"
)

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// EventClaimer records event IDs for the dedup window. Claim returns true
// exactly once per ID within ttl; Release gives the ID back when the event
// could not be started.
type EventClaimer interface {
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id string) error
}

// TaskSubmitter starts background work detached from the request.
type TaskSubmitter interface {
	Submit(ctx context.Context, id string, fn func(ctx context.Context)) (*pipeline.Task, error)
}

// EventProcessor runs one accepted event to completion.
type EventProcessor interface {
	Run(ctx context.Context, event types.IncomingEvent) *pipeline.Report
}

// StructValidator checks decoded payloads.
type StructValidator interface {
	ValidateStruct(s any) error
}

// ---------------------------------------------------------------------------
// Order Webhook Handler
// ---------------------------------------------------------------------------

// WebhookHandlerConfig holds the settings of a WebhookHandler.
type WebhookHandlerConfig struct {
	Secret   types.SecretString
	DedupTTL time.Duration
	Logger   *slog.Logger
	Metrics  metrics.PipelineMetrics
	Clock    types.Clock
}

// WebhookHandler authenticates, filters, and deduplicates order webhooks, then
// acknowledges them and hands accepted orders to the background pipeline.
type WebhookHandler struct {
	verifier  external.WebhookVerifier
	validator StructValidator
	claims    EventClaimer
	runner    TaskSubmitter
	processor EventProcessor

	secret  types.SecretString
	ttl     time.Duration
	logger  *slog.Logger
	metrics metrics.PipelineMetrics
	clock   types.Clock
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(
	verifier external.WebhookVerifier,
	validator StructValidator,
	claims EventClaimer,
	runner TaskSubmitter,
	processor EventProcessor,
	cfg WebhookHandlerConfig,
) *WebhookHandler {
	h := &WebhookHandler{
		verifier:  verifier,
		validator: validator,
		claims:    claims,
		runner:    runner,
		processor: processor,
		secret:    cfg.Secret,
		ttl:       cfg.DedupTTL,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = metrics.Noop{}
	}
	if h.clock == nil {
		h.clock = types.RealClock{}
	}
	if h.ttl <= 0 {
		h.ttl = 5 * time.Minute
	}
	return h
}

// RegisterRoutes mounts the order webhook.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.Handle)
}

// webhookResponse is the body of every 200 answer.
type webhookResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

// orderEnvelope is read before the full order so a pickup delivery is
// acknowledged whatever its other fields hold.
type orderEnvelope struct {
	ShippingAddress json.RawMessage `json:"shipping_address"`
}

func (e orderEnvelope) isLocalPickup() bool {
	raw := bytes.TrimSpace(e.ShippingAddress)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Handle processes an order webhook:
//  1. Reads the raw body (1 MB limit).
//  2. Verifies the HMAC signature. Failure answers 401 with no side effects.
//  3. Acknowledges local-pickup orders without processing them.
//  4. Parses and validates the order.
//  5. Claims the event ID; a repeat within the dedup window is acknowledged
//     as a duplicate.
//  6. Submits the background run and answers 200 before any courier I/O.
//     If the run cannot start the claim is released so a retry is accepted.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", types.GetRequestID(ctx))

	// Step 1: Read the raw body.
	payload, err := core.ReadBody(w, r, core.MaxRequestBodySize)
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		h.fail(w, r, metrics.WebhookInvalid, err)
		return
	}

	// Step 2: Verify the signature.
	signature := r.Header.Get(HeaderSignature)
	if err := h.verifier.Verify(payload, signature, h.secret.Unmask()); err != nil {
		logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			err = types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature verification failed", err)
		}
		h.fail(w, r, metrics.WebhookUnauthorized, err)
		return
	}

	// Step 3: Local pickup orders need no shipment.
	var envelope orderEnvelope
	if err := core.DecodeJSONBytes(payload, &envelope); err != nil {
		logger.WarnContext(ctx, "invalid webhook payload", "error", err)
		h.fail(w, r, metrics.WebhookInvalid, err)
		return
	}
	if envelope.isLocalPickup() {
		logger.InfoContext(ctx, "ignoring local pickup order", "event_id", r.Header.Get(HeaderEventID))
		h.respond(w, r, metrics.WebhookIgnored, webhookResponse{Status: StatusIgnored})
		return
	}

	// Step 4: Parse and validate the order.
	var order types.Order
	if err := core.DecodeJSONBytes(payload, &order); err != nil {
		logger.WarnContext(ctx, "invalid webhook payload", "error", err)
		h.fail(w, r, metrics.WebhookInvalid, err)
		return
	}
	if err := h.validator.ValidateStruct(order); err != nil {
		logger.WarnContext(ctx, "webhook order failed validation", "error", err)
		h.fail(w, r, metrics.WebhookInvalid, err)
		return
	}

	// Step 5: Deduplicate retried deliveries.
	eventID := r.Header.Get(HeaderEventID)
	if eventID == "" {
		eventID = uuid.NewString()
		logger.WarnContext(ctx, "webhook has no event id; it cannot be deduplicated",
			"order_id", order.ID,
			"generated_event_id", eventID,
		)
	}

	claimed, err := h.claims.Claim(ctx, eventID, h.ttl)
	if err != nil {
		logger.ErrorContext(ctx, "dedup store unavailable", "event_id", eventID, "error", err)
		h.fail(w, r, metrics.WebhookError, err)
		return
	}
	if !claimed {
		logger.InfoContext(ctx, "duplicate webhook delivery", "event_id", eventID, "order_id", order.ID)
		h.respond(w, r, metrics.WebhookDuplicate, webhookResponse{Status: StatusDuplicate})
		return
	}

	// Step 6: Hand off and acknowledge.
	event := types.IncomingEvent{
		ID:         eventID,
		Topic:      r.Header.Get(HeaderTopic),
		Signature:  signature,
		RawBody:    payload,
		Order:      order,
		ReceivedAt: h.clock.Now(),
	}
	runID := uuid.NewString()
	runCtx := types.WithRunID(ctx, runID)

	if _, err := h.runner.Submit(runCtx, eventID, func(ctx context.Context) {
		h.processor.Run(ctx, event)
	}); err != nil {
		logger.ErrorContext(ctx, "could not start shipment run", "event_id", eventID, "error", err)
		if relErr := h.claims.Release(ctx, eventID); relErr != nil {
			logger.ErrorContext(ctx, "failed to release event claim", "event_id", eventID, "error", relErr)
		}
		if errors.Is(err, pipeline.ErrRunnerClosed) {
			err = types.NewAppError(types.ErrCodeServiceShuttingDown, "service is shutting down", err)
		}
		h.fail(w, r, metrics.WebhookError, err)
		return
	}

	logger.InfoContext(ctx, "webhook accepted",
		"event_id", eventID,
		"order_id", order.ID,
		"run_id", runID,
	)
	h.respond(w, r, metrics.WebhookAccepted, webhookResponse{Status: StatusProcessing, RunID: runID})
}

// respond and fail flush the answer before recording the outcome so metric
// publishing never delays the acknowledgement.
func (h *WebhookHandler) respond(w http.ResponseWriter, r *http.Request, outcome metrics.Outcome, body webhookResponse) {
	core.JSON(w, r, http.StatusOK, body)
	h.record(w, r, outcome)
}

func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, outcome metrics.Outcome, err error) {
	core.Error(w, r, err)
	h.record(w, r, outcome)
}

func (h *WebhookHandler) record(w http.ResponseWriter, r *http.Request, outcome metrics.Outcome) {
	_ = http.NewResponseController(w).Flush()
	h.metrics.RecordWebhook(r.Context(), outcome)
}
