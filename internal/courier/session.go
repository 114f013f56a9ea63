package courier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"

	"golang.org/x/sync/singleflight"

	"courierhook/internal/types"
)

// ErrLoginRejected is returned when the courier answers a login without a
// usable session token.
var ErrLoginRejected = errors.New("courier login rejected")

// Credentials authenticate against the courier API.
type Credentials struct {
	User     string
	Password types.SecretString
}

// SessionManagerConfig holds the configuration for creating a SessionManager.
type SessionManagerConfig struct {
	Credentials Credentials
	// SingleFlight coalesces concurrent Login calls into one upstream request.
	SingleFlight bool
	Logger       *slog.Logger
}

// SessionManager obtains and releases courier session tokens and owns the
// token store shared by all deliveries.
type SessionManager struct {
	client *Client
	creds  Credentials
	store  SessionStore
	group  *singleflight.Group
	logger *slog.Logger
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(client *Client, store SessionStore, cfg SessionManagerConfig) *SessionManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &SessionManager{
		client: client,
		creds:  cfg.Credentials,
		store:  store,
		logger: logger,
	}
	if cfg.SingleFlight {
		m.group = &singleflight.Group{}
	}
	return m
}

type loginData struct {
	SessionID string `json:"ID_Session"`
}

// Login requests a fresh session token.
func (m *SessionManager) Login(ctx context.Context) (string, error) {
	if m.group == nil {
		return m.login(ctx)
	}
	v, err, shared := m.group.Do("login", func() (any, error) {
		return m.login(ctx)
	})
	if shared {
		types.LoggerFromContext(ctx, m.logger).DebugContext(ctx, "courier login coalesced")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *SessionManager) login(ctx context.Context) (string, error) {
	logger := types.LoggerFromContext(ctx, m.logger)

	params := url.Values{}
	params.Set("Login", m.creds.User)
	params.Set("Contrasenia", m.creds.Password.Unmask())

	env, _, err := m.client.get(ctx, m.client.lookup, endpointLogin, params)
	if err != nil {
		logger.ErrorContext(ctx, "courier login failed", "error", err)
		return "", err
	}

	var data []loginData
	if env.OK() {
		// A non-array data field is treated as "no token".
		_ = json.Unmarshal(env.Data, &data)
	}
	if !env.OK() || len(data) == 0 || data[0].SessionID == "" {
		logger.ErrorContext(ctx, "courier login rejected", "result", env.Result)
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamCourierReject,
			"courier login returned no session",
			ErrLoginRejected,
			map[string]any{"result": env.Result},
		)
	}

	logger.InfoContext(ctx, "courier login succeeded")
	return data[0].SessionID, nil
}

// Logout closes a session on the courier side.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	logger := types.LoggerFromContext(ctx, m.logger)

	params := url.Values{}
	params.Set("ID_Sesion", token)

	env, _, err := m.client.get(ctx, m.client.lookup, endpointLogout, params)
	if err != nil {
		logger.ErrorContext(ctx, "courier logout failed", "error", err)
		return err
	}
	if !env.OK() {
		logger.ErrorContext(ctx, "courier logout rejected", "result", env.Result)
		return types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamCourierReject,
			"invalid session or already closed",
			nil,
			map[string]any{"result": env.Result},
		)
	}
	logger.InfoContext(ctx, "courier logout succeeded")
	return nil
}

// CachedToken returns the stored token, possibly empty or stale.
func (m *SessionManager) CachedToken(ctx context.Context) (string, error) {
	return m.store.Get(ctx)
}

// StoreToken persists token for later deliveries.
func (m *SessionManager) StoreToken(ctx context.Context, token string) error {
	return m.store.Set(ctx, token)
}
