package types

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Metric names and dimensions published by the pipeline.
const (
	MetricNamespace = "CourierHook"

	MetricWebhookOutcome   = "WebhookOutcome"
	MetricRunOutcome       = "RunOutcome"
	MetricReauthentication = "CourierReauthentication"
	MetricRunDuration      = "RunDuration"

	DimOutcome = "Outcome"
)
