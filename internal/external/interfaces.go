package external

import (
	"context"

	"courierhook/internal/types"
)

// EmailProvider abstracts the email delivery service.
// Implementations transmit pre-rendered HTML content with optional attachments.
type EmailProvider interface {
	// Send transmits an email and returns the provider's message ID.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}

// WebhookVerifier abstracts inbound webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a raw payload against the signature header value and
	// the shared secret. Returns nil on success.
	Verify(payload []byte, header string, secret string) error
}
