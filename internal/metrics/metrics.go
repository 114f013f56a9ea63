// Package metrics publishes pipeline counters and timings.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"courierhook/internal/types"
)

// Outcome is the value of the Outcome dimension.
type Outcome string

// Webhook outcomes.
const (
	WebhookAccepted     Outcome = "accepted"
	WebhookIgnored      Outcome = "ignored_pickup"
	WebhookDuplicate    Outcome = "duplicate"
	WebhookUnauthorized Outcome = "unauthorized"
	WebhookInvalid      Outcome = "invalid"
	WebhookError        Outcome = "error"
)

// Run outcomes.
const (
	RunSucceeded Outcome = "succeeded"
	RunFailed    Outcome = "failed"
)

// publishTimeout bounds each PutMetricData call so metrics never hold up the
// webhook response or a run.
const publishTimeout = 2 * time.Second

// PipelineMetrics records webhook and run outcomes.
type PipelineMetrics interface {
	RecordWebhook(ctx context.Context, outcome Outcome)
	RecordRun(ctx context.Context, outcome Outcome, duration time.Duration)
	RecordReauthentication(ctx context.Context, success bool)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPipelineMetrics emits PipelineMetrics to AWS CloudWatch.
//
// Metrics emitted:
//   - WebhookOutcome: Dims {Outcome}, on every webhook response
//   - RunOutcome: Dims {Outcome}, once per background run
//   - RunDuration: Dims {Outcome}, milliseconds
//   - CourierReauthentication: Dims {Outcome}, on every re-login
type CloudWatchPipelineMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ PipelineMetrics = (*CloudWatchPipelineMetrics)(nil)

// NewCloudWatchPipelineMetrics creates metrics publishing to namespace
// (types.MetricNamespace when empty).
func NewCloudWatchPipelineMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchPipelineMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchPipelineMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchPipelineMetrics) RecordWebhook(ctx context.Context, outcome Outcome) {
	m.put(ctx, types.MetricWebhookOutcome, 1, cwtypes.StandardUnitCount, outcome)
}

func (m *CloudWatchPipelineMetrics) RecordRun(ctx context.Context, outcome Outcome, duration time.Duration) {
	m.put(ctx, types.MetricRunOutcome, 1, cwtypes.StandardUnitCount, outcome)
	m.put(ctx, types.MetricRunDuration, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds, outcome)
}

func (m *CloudWatchPipelineMetrics) RecordReauthentication(ctx context.Context, success bool) {
	outcome := RunSucceeded
	if !success {
		outcome = RunFailed
	}
	m.put(ctx, types.MetricReauthentication, 1, cwtypes.StandardUnitCount, outcome)
}

func (m *CloudWatchPipelineMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(types.DimOutcome),
						Value: aws.String(string(outcome)),
					},
				},
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", name,
			"outcome", string(outcome),
		)
	}
}

// Noop discards every metric.
type Noop struct{}

var _ PipelineMetrics = Noop{}

func (Noop) RecordWebhook(context.Context, Outcome)             {}
func (Noop) RecordRun(context.Context, Outcome, time.Duration) {}
func (Noop) RecordReauthentication(context.Context, bool)      {}
