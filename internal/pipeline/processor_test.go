package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courierhook/internal/runlog"
	"courierhook/internal/types"
)

func testOrder() types.Order {
	return types.Order{
		ID:           820982911946154500,
		Name:         "#1001",
		ContactEmail: "ana@example.com",
		ShippingAddress: &types.ShippingAddress{
			FirstName: "Ana",
			LastName:  "Pérez",
			Address1:  "Av. Italia 1234",
			City:      "Montevideo",
			Phone:     "099123456",
		},
	}
}

type harness struct {
	sessions  *fakeSessions
	registrar *fakeRegistrar
	labels    *fakeLabels
	notifier  *fakeNotifier
	metrics   *fakeMetrics
}

func newHarness() *harness {
	return &harness{
		sessions:  &fakeSessions{cached: "cached-tok", loginTok: "fresh-tok"},
		registrar: &fakeRegistrar{},
		labels:    &fakeLabels{outcome: types.LabelOutcome{OK: true, Path: "etiqueta.pdf", Document: []byte("%PDF")}},
		notifier:  &fakeNotifier{},
		metrics:   &fakeMetrics{},
	}
}

func (h *harness) processor(production bool) *Processor {
	return NewProcessor(h.sessions, h.registrar, h.labels, h.notifier, ProcessorConfig{
		IsProduction: production,
		Logger:       discardLogger(),
		Metrics:      h.metrics,
	})
}

func (h *harness) run(production bool) *Report {
	return h.processor(production).Run(context.Background(), types.IncomingEvent{ID: "evt-1", Order: testOrder()})
}

func TestRun_CachedSessionSucceeds(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))

	report := h.run(true)

	require.NoError(t, report.Err)
	assert.Equal(t, []State{
		StateIdle,
		StateRegisteringWithCachedSession,
		StateFetchingLabel,
		StateDone,
		StateNotifyingFinally,
		StateTerminal,
	}, report.States)
	assert.Equal(t, 0, h.sessions.logins)
	assert.Equal(t, []string{"cached-tok"}, h.registrar.tokens)
	require.Len(t, h.labels.calls, 1)
	assert.Equal(t, "3052882", h.labels.calls[0].ShipmentCode)

	require.Len(t, h.notifier.operators, 1)
	op := h.notifier.operators[0]
	require.NotNil(t, op.customer)
	assert.Equal(t, "Ana", op.customer.FirstName)
	assert.True(t, op.label.OK)
	assert.True(t, op.prod)
	assert.False(t, runlog.HasLevel(op.entries, slog.LevelError))
	assert.False(t, runlog.HasLevel(op.entries, slog.LevelWarn))

	require.Len(t, h.notifier.customers, 1)
	assert.Equal(t, "ana@example.com", h.notifier.customers[0].Email)

	require.Len(t, h.metrics.runs, 1)
	assert.Equal(t, "succeeded", string(h.metrics.runs[0].outcome))
	assert.Empty(t, h.metrics.reauths)
}

func TestRun_StaleSessionReauthenticatesOnce(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, rejected, accepted(testOrder()))

	report := h.run(true)

	require.NoError(t, report.Err)
	assert.Equal(t, StateDone, report.Outcome())
	assert.Equal(t, 1, h.sessions.logins)
	assert.Equal(t, []string{"fresh-tok"}, h.sessions.stored)
	assert.Equal(t, []string{"cached-tok", "fresh-tok"}, h.registrar.tokens)
	assert.Equal(t, "fresh-tok", h.labels.calls[0].SessionID)
	assert.Equal(t, []bool{true}, h.metrics.reauths)
	assert.Contains(t, report.States, StateReauthenticating)
	assert.Contains(t, report.States, StateRetryingRegistration)
	assert.Len(t, h.notifier.operators, 1)
}

func TestRun_RetryRejectedFailsWithoutFurtherAttempts(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, rejected, rejected)

	report := h.run(true)

	require.ErrorIs(t, report.Err, errRegistrationRejected)
	assert.Equal(t, StateFailed, report.Outcome())
	assert.Equal(t, StateTerminal, report.Final())
	assert.Equal(t, 1, h.sessions.logins)
	assert.Len(t, h.registrar.tokens, 2)
	assert.Empty(t, h.labels.calls)
	assert.Empty(t, h.notifier.customers)

	require.Len(t, h.notifier.operators, 1)
	op := h.notifier.operators[0]
	assert.Nil(t, op.customer)
	assert.False(t, op.label.OK)
	assert.True(t, runlog.HasLevel(op.entries, slog.LevelError))
	assert.Equal(t, "failed", string(h.metrics.runs[0].outcome))
}

func TestRun_LoginFailureEndsRun(t *testing.T) {
	h := newHarness()
	h.sessions.loginErr = types.NewAppError(types.ErrCodeUpstreamCourierReject, "no session", nil)
	h.registrar.steps = append(h.registrar.steps, rejected)

	report := h.run(true)

	require.Error(t, report.Err)
	assert.Equal(t, StateFailed, report.Outcome())
	assert.Len(t, h.registrar.tokens, 1)
	assert.Empty(t, h.sessions.stored)
	assert.Equal(t, []bool{false}, h.metrics.reauths)
	assert.Len(t, h.notifier.operators, 1)
}

func TestRun_EmptyCachedTokenGoesStraightToLogin(t *testing.T) {
	h := newHarness()
	h.sessions.cached = ""
	h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))

	report := h.run(false)

	require.NoError(t, report.Err)
	assert.Equal(t, 1, h.sessions.logins)
	assert.Equal(t, []string{"fresh-tok"}, h.registrar.tokens)
}

func TestRun_TransportErrorDoesNotReauthenticate(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, func(string) (*types.ShipmentResult, error) {
		return nil, types.NewAppError(types.ErrCodeUpstreamCourier, "connection refused", nil)
	})

	report := h.run(true)

	require.Error(t, report.Err)
	assert.Equal(t, StateFailed, report.Outcome())
	assert.Equal(t, 0, h.sessions.logins)
	assert.Len(t, h.notifier.operators, 1)
}

func TestRun_CustomerNotifiedOnlyInProduction(t *testing.T) {
	for _, production := range []bool{true, false} {
		h := newHarness()
		h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))

		report := h.run(production)

		require.NoError(t, report.Err)
		if production {
			assert.Len(t, h.notifier.customers, 1)
		} else {
			assert.Empty(t, h.notifier.customers)
		}
		require.Len(t, h.notifier.operators, 1)
		assert.Equal(t, production, h.notifier.operators[0].prod)
	}
}

func TestRun_CustomerNotifyFailureStillReportsOnce(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		panic bool
	}{
		{"error", errors.New("sendgrid: 400 duplicate recipients"), false},
		{"panic", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))
			h.notifier.custErr = tt.err
			h.notifier.custPanic = tt.panic

			report := h.run(true)

			require.NoError(t, report.Err)
			assert.Equal(t, StateDone, report.Outcome())
			assert.Len(t, h.notifier.customers, 1)
			assert.Len(t, h.labels.calls, 1)

			require.Len(t, h.notifier.operators, 1)
			op := h.notifier.operators[0]
			assert.NotNil(t, op.customer)
			assert.True(t, runlog.HasLevel(op.entries, slog.LevelError))
		})
	}
}

func TestRun_LabelTransportErrorStillCompletes(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))
	h.labels.outcome = types.LabelOutcome{}
	h.labels.err = errors.New("timeout")

	report := h.run(true)

	require.NoError(t, report.Err)
	assert.Equal(t, StateDone, report.Outcome())
	assert.Len(t, h.notifier.customers, 1)
	op := h.notifier.operators[0]
	assert.False(t, op.label.OK)
	assert.NotNil(t, op.customer)
	assert.True(t, runlog.HasLevel(op.entries, slog.LevelError))
}

func TestRun_PanicStillNotifiesOperatorsOnce(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, func(string) (*types.ShipmentResult, error) {
		panic("nil map write")
	})

	var report *Report
	require.NotPanics(t, func() { report = h.run(true) })

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "nil map write")
	assert.Equal(t, StateFailed, report.Outcome())
	assert.Equal(t, StateTerminal, report.Final())
	require.Len(t, h.notifier.operators, 1)
	assert.True(t, runlog.HasLevel(h.notifier.operators[0].entries, slog.LevelError))
	assert.Len(t, h.metrics.runs, 1)
}

func TestRun_NotifierPanicIsContained(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))
	h.notifier.opPanic = true

	var report *Report
	require.NotPanics(t, func() { report = h.run(false) })

	assert.NoError(t, report.Err)
	assert.Error(t, report.NotifyErr)
	assert.Len(t, h.notifier.operators, 1)
	assert.Equal(t, StateTerminal, report.Final())
}

func TestRun_EntriesCarryRunMessages(t *testing.T) {
	h := newHarness()
	h.registrar.steps = append(h.registrar.steps, accepted(testOrder()))

	report := h.run(false)

	var messages []string
	for _, e := range report.Entries {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, "shipment run started")
	assert.Contains(t, messages, "shipment run finished")
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "evt-1", report.EventID)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "NeedsReauth", StateNeedsReauth.String())
	assert.Equal(t, "Terminal", StateTerminal.String())
	assert.Equal(t, "Unknown", State(99).String())
}
