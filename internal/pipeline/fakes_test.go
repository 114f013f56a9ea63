package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"courierhook/internal/metrics"
	"courierhook/internal/runlog"
	"courierhook/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSessions struct {
	mu        sync.Mutex
	cached    string
	cachedErr error
	loginTok  string
	loginErr  error
	logins    int
	stored    []string
}

func (f *fakeSessions) CachedToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached, f.cachedErr
}

func (f *fakeSessions) StoreToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, token)
	f.cached = token
	return nil
}

func (f *fakeSessions) Login(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	return f.loginTok, f.loginErr
}

// fakeRegistrar answers calls from a script, one step per call.
type fakeRegistrar struct {
	mu     sync.Mutex
	steps  []func(token string) (*types.ShipmentResult, error)
	tokens []string
}

func (f *fakeRegistrar) Register(_ context.Context, token string, order types.Order) (*types.ShipmentResult, error) {
	f.mu.Lock()
	i := len(f.tokens)
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if i >= len(f.steps) {
		panic("unexpected registration call")
	}
	return f.steps[i](token)
}

func accepted(order types.Order) func(string) (*types.ShipmentResult, error) {
	return func(token string) (*types.ShipmentResult, error) {
		return &types.ShipmentResult{
			OK:           true,
			TrackingCode: "TRK-1",
			OfficeCode:   "170",
			ShipmentCode: "3052882",
			Customer:     types.NewCustomerDetails(order),
			LabelParams:  types.LabelParams{OfficeCode: "170", ShipmentCode: "3052882", SessionID: token},
		}, nil
	}
}

func rejected(string) (*types.ShipmentResult, error) {
	return &types.ShipmentResult{OK: false, Raw: []byte(`{"result":1}`)}, nil
}

type fakeLabels struct {
	outcome types.LabelOutcome
	err     error
	calls   []types.LabelParams
}

func (f *fakeLabels) Fetch(_ context.Context, params types.LabelParams) (types.LabelOutcome, error) {
	f.calls = append(f.calls, params)
	return f.outcome, f.err
}

type operatorCall struct {
	entries  []runlog.Entry
	customer *types.CustomerDetails
	label    types.LabelOutcome
	prod     bool
}

type fakeNotifier struct {
	mu        sync.Mutex
	operators []operatorCall
	customers []types.CustomerDetails
	opPanic   bool
	custErr   error
	custPanic bool
}

func (f *fakeNotifier) NotifyOperators(_ context.Context, entries []runlog.Entry, customer *types.CustomerDetails, label types.LabelOutcome, isProduction bool) error {
	f.mu.Lock()
	f.operators = append(f.operators, operatorCall{entries, customer, label, isProduction})
	f.mu.Unlock()
	if f.opPanic {
		panic("smtp exploded")
	}
	return nil
}

func (f *fakeNotifier) NotifyCustomer(_ context.Context, details types.CustomerDetails, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customers = append(f.customers, details)
	if f.custPanic {
		panic("template exploded")
	}
	return f.custErr
}

type runRecord struct {
	outcome metrics.Outcome
	elapsed time.Duration
}

type fakeMetrics struct {
	metrics.Noop
	mu      sync.Mutex
	runs    []runRecord
	reauths []bool
}

func (m *fakeMetrics) RecordRun(_ context.Context, outcome metrics.Outcome, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, runRecord{outcome, d})
}

func (m *fakeMetrics) RecordReauthentication(_ context.Context, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reauths = append(m.reauths, success)
}
