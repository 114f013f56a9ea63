package external

import (
	"log/slog"
	"net/http"
	"time"

	"courierhook/internal/config"
)

// ClientRegistry holds the outbound service clients that are selected purely
// from configuration. The courier client lives in its own package because it
// also needs the session store.
type ClientRegistry struct {
	Email    EmailProvider
	Verifier WebhookVerifier
}

// NewClientRegistry initializes the email provider and webhook verifier.
// EMAIL_PROVIDER=stub (the default) logs instead of sending.
func NewClientRegistry(cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := &ClientRegistry{Verifier: ShopifyVerifier{}}

	switch cfg.Email.Provider {
	case "sendgrid":
		logger.Info("initializing email provider", "provider", "sendgrid")
		reg.Email = NewSendGridClient(&http.Client{Timeout: 10 * time.Second}, SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		})
	default:
		logger.Info("initializing email provider in STUB mode", "environment", cfg.Environment)
		reg.Email = NewStubEmailProvider(logger.With("mode", "stub"))
	}

	return reg, nil
}
