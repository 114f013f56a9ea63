// Package courier talks to the courier's web service: session login/logout,
// shipment registration and label retrieval. Every endpoint is a GET with
// query parameters that answers with a {"result": n, "data": ...} envelope
// where result 0 means success.
package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courierhook/internal/external"
	"courierhook/internal/types"
)

// Endpoint names relative to the configured base URL.
const (
	endpointLogin    = "wsLogin"
	endpointLogout   = "wsLogOut"
	endpointRegister = "wsInGuia_Levante"
	endpointLabel    = "wsGetPegote"
)

// maxResponseSize bounds courier responses; labels are base64 PDFs.
const maxResponseSize = 16 << 20

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	BaseURL string
	Logger  *slog.Logger
}

// Client performs envelope-decoding GETs against the courier API.
//
// Two BaseClients share one circuit breaker: lookups (login, logout, label)
// may be retried by the transport, registration never is because the remote
// side is not idempotent.
type Client struct {
	lookup   *external.BaseClient
	register *external.BaseClient
	baseURL  string
	logger   *slog.Logger
}

// NewClient creates a courier Client with production retry settings.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	breaker := external.NewBreaker("courier")
	lookup := external.NewBaseClientWithBreaker(httpClient, breaker, external.RetryPolicy{
		MaxRetries: 2,
		MinWait:    500 * time.Millisecond,
		MaxWait:    5 * time.Second,
	}, "CourierHook/1.0")
	register := external.NewBaseClientWithBreaker(httpClient, breaker, external.NoRetry(), "CourierHook/1.0")
	return NewClientWithBase(lookup, register, cfg)
}

// NewClientWithBase creates a Client from pre-configured BaseClients.
func NewClientWithBase(lookup, register *external.BaseClient, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		lookup:   lookup,
		register: register,
		baseURL:  baseURL,
		logger:   logger,
	}
}

// envelope is the common response wrapper of every courier endpoint.
type envelope struct {
	Result int             `json:"result"`
	Data   json.RawMessage `json:"data"`
}

// OK reports whether the courier accepted the call.
func (e envelope) OK() bool { return e.Result == 0 }

// get calls endpoint with params and decodes the envelope. It returns the raw
// body alongside so rejections can be reported verbatim. Non-2xx statuses and
// undecodable bodies are transport failures.
func (c *Client) get(ctx context.Context, base *external.BaseClient, endpoint string, params url.Values) (envelope, []byte, error) {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return envelope{}, nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("%s: failed to create request", endpoint),
			err,
		)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := base.Do(req)
	if err != nil {
		return envelope{}, nil, wrapError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return envelope{}, nil, types.NewAppError(
			types.ErrCodeUpstreamCourier,
			fmt.Sprintf("%s: failed to read response body", endpoint),
			err,
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return envelope{}, body, types.NewAppErrorWithDetails(
			types.ErrCodeUpstreamCourier,
			fmt.Sprintf("%s: courier returned status %d", endpoint, resp.StatusCode),
			nil,
			map[string]any{"status": resp.StatusCode},
		)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, body, types.NewAppError(
			types.ErrCodeUpstreamCourier,
			fmt.Sprintf("%s: failed to decode response", endpoint),
			err,
		)
	}
	return env, body, nil
}

// wrapError maps BaseClient transport errors onto the courier error code
// while keeping circuit breaker and rate limit codes intact.
func wrapError(endpoint string, err error) error {
	var appErr *types.AppError
	if external.IsAppError(err, &appErr) {
		if appErr.Code == types.ErrCodeUpstreamUnavailable {
			return types.NewAppError(types.ErrCodeUpstreamCourier, endpoint+": "+appErr.Message, appErr)
		}
		return appErr
	}
	return types.NewAppError(
		types.ErrCodeUpstreamCourier,
		fmt.Sprintf("%s: request failed", endpoint),
		err,
	)
}
