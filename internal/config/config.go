// Package config defines the process configuration for the courier webhook
// service. Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format fails startup (fail fast).
package config

import (
	"time"

	"courierhook/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// productionMarker is the ENTORNO value that selects production endpoints,
// production credentials, and customer-facing emails.
const productionMarker = "PRODUCCION"

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Entorno     string `envconfig:"ENTORNO"`
	Service     string `envconfig:"SERVICE_NAME" default:"courierhook"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server  ServerConfig
	Webhook WebhookConfig
	Courier CourierConfig
	Email   EmailConfig
	Metrics MetricsConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// IsProduction reports whether the process runs against the production courier
// and is allowed to email customers.
func (c *Config) IsProduction() bool {
	return c.Entorno == productionMarker
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"3000"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// WebhookConfig holds inbound webhook authentication and dedup settings.
type WebhookConfig struct {
	Secret       SecretString  `envconfig:"SHOPIFY_SECRET" validate:"required"`
	DedupTTL     time.Duration `envconfig:"DEDUP_TTL" default:"5m"`
	DedupBackend string        `envconfig:"DEDUP_BACKEND" default:"memory" validate:"oneof=memory redis postgres"`
	RedisURL     string        `envconfig:"REDIS_URL" validate:"required_if=DedupBackend redis"`
	DatabaseURL  SecretString  `envconfig:"DATABASE_URL" validate:"required_if=DedupBackend postgres"`
}

// CourierConfig holds both courier credential sets; Active selects one.
type CourierConfig struct {
	TestUser     string       `envconfig:"DAC_USER_ID_TEST"`
	TestPassword SecretString `envconfig:"DAC_PASSWORD_TEST"`
	TestBaseURL  string       `envconfig:"DAC_WS_STAG"`
	ProdUser     string       `envconfig:"DAC_VITAGE_USER_ID"`
	ProdPassword SecretString `envconfig:"DAC_VITAGE_USER_PASS"`
	ProdBaseURL  string       `envconfig:"DAC_WS_PROD"`

	// SessionID seeds the session store on first use.
	SessionID     string `envconfig:"DAC_SESSION_ID"`
	SessionStore  string `envconfig:"SESSION_STORE" default:"dotenv" validate:"oneof=dotenv memory"`
	SessionFile   string `envconfig:"SESSION_FILE" default:".env"`
	SessionEnvKey string `envconfig:"SESSION_ENV_KEY" default:"DAC_SESSION_ID"`

	LabelPath         string        `envconfig:"LABEL_PATH" default:"etiqueta.pdf"`
	Timeout           time.Duration `envconfig:"COURIER_TIMEOUT" default:"30s"`
	SingleFlightLogin bool          `envconfig:"COURIER_SINGLE_FLIGHT_LOGIN" default:"false"`
	LogoutOnShutdown  bool          `envconfig:"COURIER_LOGOUT_ON_SHUTDOWN" default:"false"`

	SenderName  string `envconfig:"SENDER_NAME" default:"VitAge, Kalavinka"`
	SenderPhone string `envconfig:"SENDER_PHONE" default:"091 505 073"`
	Remarks     string `envconfig:"SHIPMENT_REMARKS" default:"Sin comentarios"`
}

// CourierCredentials is one resolved credential/endpoint set.
type CourierCredentials struct {
	User     string       `validate:"required"`
	Password SecretString `validate:"required"`
	BaseURL  string       `validate:"required,url"`
}

// Active returns the production set when production is true, otherwise the
// test set.
func (c CourierConfig) Active(production bool) CourierCredentials {
	if production {
		return CourierCredentials{User: c.ProdUser, Password: c.ProdPassword, BaseURL: c.ProdBaseURL}
	}
	return CourierCredentials{User: c.TestUser, Password: c.TestPassword, BaseURL: c.TestBaseURL}
}

// EmailConfig holds email delivery provider credentials and recipients.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"stub" validate:"oneof=sendgrid stub"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"VitAge"`
	// LabelRecipient receives operator notifications with the label attached.
	LabelRecipient string `envconfig:"EMAIL_ETIQUETA" validate:"required,email"`
	// DevRecipient is blind-copied on every notification.
	DevRecipient string `envconfig:"EMAIL_DEV" validate:"omitempty,email"`
	TrackingURL  string `envconfig:"TRACKING_URL" default:"https://www.dac.com.uy/envios/rastrear"`
}

// MetricsConfig holds telemetry settings.
type MetricsConfig struct {
	Backend   string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none cloudwatch"`
	Namespace string `envconfig:"METRIC_NAMESPACE" default:"CourierHook"`
	Region    string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
