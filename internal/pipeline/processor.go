// Package pipeline runs the background part of a webhook delivery: courier
// registration with a single re-login retry, label retrieval, and the
// notifications that close every run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"courierhook/internal/metrics"
	"courierhook/internal/runlog"
	"courierhook/internal/types"
)

// errRegistrationRejected ends a run whose retry after re-login was rejected.
var errRegistrationRejected = errors.New("shipment registration rejected after re-login")

// SessionSource provides courier session tokens.
type SessionSource interface {
	CachedToken(ctx context.Context) (string, error)
	StoreToken(ctx context.Context, token string) error
	Login(ctx context.Context) (string, error)
}

// ShipmentRegistrar registers an order's shipment with the courier.
type ShipmentRegistrar interface {
	Register(ctx context.Context, token string, order types.Order) (*types.ShipmentResult, error)
}

// LabelSource retrieves the shipping label of a registered shipment.
type LabelSource interface {
	Fetch(ctx context.Context, params types.LabelParams) (types.LabelOutcome, error)
}

// Notifier sends the operator report and the customer notice.
type Notifier interface {
	NotifyOperators(ctx context.Context, entries []runlog.Entry, customer *types.CustomerDetails, label types.LabelOutcome, isProduction bool) error
	NotifyCustomer(ctx context.Context, details types.CustomerDetails, trackingCode string) error
}

// ProcessorConfig holds the non-collaborator settings of a Processor.
type ProcessorConfig struct {
	IsProduction bool
	Logger       *slog.Logger
	Metrics      metrics.PipelineMetrics
	Clock        types.Clock
}

// Processor executes one shipment run per accepted event.
type Processor struct {
	sessions  SessionSource
	registrar ShipmentRegistrar
	labels    LabelSource
	notifier  Notifier

	production bool
	logger     *slog.Logger
	metrics    metrics.PipelineMetrics
	clock      types.Clock
}

// NewProcessor creates a Processor.
func NewProcessor(sessions SessionSource, registrar ShipmentRegistrar, labels LabelSource, notifier Notifier, cfg ProcessorConfig) *Processor {
	p := &Processor{
		sessions:   sessions,
		registrar:  registrar,
		labels:     labels,
		notifier:   notifier,
		production: cfg.IsProduction,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	if p.clock == nil {
		p.clock = types.RealClock{}
	}
	return p
}

// Report describes a finished run.
type Report struct {
	RunID   string
	EventID string
	// States lists every state the run passed through, in order.
	States []State
	Result *types.ShipmentResult
	Label  types.LabelOutcome
	// Entries are the log lines mailed to operators.
	Entries []runlog.Entry
	// Err is the reason the run failed, nil when it reached Done.
	Err error
	// NotifyErr is set when the operator notification could not be sent.
	NotifyErr error
}

// Final returns the last state reached.
func (r *Report) Final() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Outcome returns the state the courier part of the run settled in.
func (r *Report) Outcome() State {
	for i := len(r.States) - 1; i >= 0; i-- {
		if r.States[i].settled() {
			return r.States[i]
		}
	}
	return StateIdle
}

// Run runs the event to completion under the run ID carried by ctx (a new one
// when absent). It never panics, and the operator notification is attempted
// exactly once whatever happens before it.
func (p *Processor) Run(ctx context.Context, event types.IncomingEvent) (report *Report) {
	runID := types.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	collector := runlog.NewCollector(p.logger.Handler())
	logger := slog.New(collector).With(
		"run_id", runID,
		"event_id", event.ID,
		"order_id", event.Order.ID,
	)
	ctx = types.WithRunID(ctx, runID)
	ctx = types.WithLogger(ctx, logger)

	start := p.clock.Now()
	report = &Report{RunID: runID, EventID: event.ID, States: []State{StateIdle}}

	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorContext(ctx, "shipment run panicked", "panic", fmt.Sprint(rec))
			report.Err = fmt.Errorf("panic: %v", rec)
			report.States = append(report.States, StateFailed)
		}
		p.finish(ctx, logger, collector, report, start)
	}()

	logger.InfoContext(ctx, "shipment run started", "order", event.Order.Name)

	if err := p.execute(ctx, logger, event.Order, report); err != nil {
		logger.ErrorContext(ctx, "shipment run failed", "error", err)
		report.Err = err
		report.States = append(report.States, StateFailed)
		return report
	}
	report.States = append(report.States, StateDone)
	return report
}

func (p *Processor) execute(ctx context.Context, logger *slog.Logger, order types.Order, report *Report) error {
	enter := func(s State) {
		report.States = append(report.States, s)
		logger.DebugContext(ctx, "run state", "state", s.String())
	}

	enter(StateRegisteringWithCachedSession)
	token, err := p.sessions.CachedToken(ctx)
	if err != nil {
		return fmt.Errorf("read cached session: %w", err)
	}

	var result *types.ShipmentResult
	if token == "" {
		logger.InfoContext(ctx, "no cached courier session")
	} else {
		result, err = p.registrar.Register(ctx, token, order)
		if err != nil {
			return err
		}
	}

	if result == nil || !result.OK {
		enter(StateNeedsReauth)
		logger.InfoContext(ctx, "courier session not accepted; logging in again")

		enter(StateReauthenticating)
		token, err = p.sessions.Login(ctx)
		p.metrics.RecordReauthentication(ctx, err == nil)
		if err != nil {
			return err
		}
		if err := p.sessions.StoreToken(ctx, token); err != nil {
			logger.ErrorContext(ctx, "failed to persist courier session", "error", err)
		}

		enter(StateRetryingRegistration)
		result, err = p.registrar.Register(ctx, token, order)
		if err != nil {
			return err
		}
		if !result.OK {
			logger.WarnContext(ctx, "courier rejected the shipment", "response", string(result.Raw))
			return errRegistrationRejected
		}
	}
	report.Result = result

	if p.production {
		if err := p.notifyCustomer(ctx, result); err != nil {
			logger.ErrorContext(ctx, "customer notification failed", "error", err)
		}
	} else {
		logger.DebugContext(ctx, "customer notification skipped outside production")
	}

	enter(StateFetchingLabel)
	label, err := p.labels.Fetch(ctx, result.LabelParams)
	if err != nil {
		logger.ErrorContext(ctx, "label could not be retrieved", "error", err)
	}
	report.Label = label
	return nil
}

func (p *Processor) finish(ctx context.Context, logger *slog.Logger, collector *runlog.Collector, report *Report, start time.Time) {
	outcome := metrics.RunSucceeded
	if report.Outcome() != StateDone {
		outcome = metrics.RunFailed
	}
	elapsed := p.clock.Now().Sub(start)
	logger.InfoContext(ctx, "shipment run finished",
		"outcome", string(outcome),
		"duration_ms", elapsed.Milliseconds(),
	)

	report.States = append(report.States, StateNotifyingFinally)
	report.Entries = collector.Drain()

	var customer *types.CustomerDetails
	if report.Result != nil && report.Result.OK {
		c := report.Result.Customer
		customer = &c
	}
	report.NotifyErr = p.notifyOperators(ctx, report.Entries, customer, report.Label)

	report.States = append(report.States, StateTerminal)
	p.metrics.RecordRun(ctx, outcome, elapsed)
}

// notifyCustomer contains a notifier panic so the run still reaches the label
// fetch and the operator report.
func (p *Processor) notifyCustomer(ctx context.Context, result *types.ShipmentResult) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("customer notification panic: %v", rec)
		}
	}()
	return p.notifier.NotifyCustomer(ctx, result.Customer, result.TrackingCode)
}

func (p *Processor) notifyOperators(ctx context.Context, entries []runlog.Entry, customer *types.CustomerDetails, label types.LabelOutcome) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.ErrorContext(ctx, "operator notification panicked",
				"run_id", types.GetRunID(ctx),
				"panic", fmt.Sprint(rec),
			)
			err = fmt.Errorf("operator notification panic: %v", rec)
		}
	}()
	return p.notifier.NotifyOperators(ctx, entries, customer, label, p.production)
}
