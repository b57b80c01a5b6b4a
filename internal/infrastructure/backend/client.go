// Package backend talks to the remote identity and status service.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

const maxResponseBytes = 1 << 20

var (
	_ domain.Authenticator   = (*Client)(nil)
	_ domain.DeviceDirectory = (*Client)(nil)
	_ domain.TriggerSource   = (*Client)(nil)
)

// Config configures a Client.
type Config struct {
	IdentityURL    string
	StatusURL      string
	AuthAction     string
	LookupAction   string
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		AuthAction:     "device_login",
		LookupAction:   "get_user_device",
		RequestTimeout: 10 * time.Second,
		MaxAttempts:    3,
		BackoffBase:    2 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client issues authentication, lookup and status requests to the backend.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *logging.Logger
	sleep      SleepFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// NewClient creates a backend client.
func NewClient(config Config, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.MaxAttempts < 1 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.AuthAction == "" {
		config.AuthAction = defaults.AuthAction
	}
	if config.LookupAction == "" {
		config.LookupAction = defaults.LookupAction
	}

	c := &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logging.NewNop(),
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("backend")
	return c
}

type authResponse struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"device_name"`
	PrimaryOn  bool   `json:"primary_on"`
	Message    string `json:"message"`
}

type lookupResponse struct {
	Success    bool   `json:"success"`
	DeviceName string `json:"device_name"`
}

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Authenticate verifies device credentials. Transport and parse failures are
// retried with a linear backoff of attempt × BackoffBase; an explicit denial is
// returned immediately. Every failure is reported as an AuthRejected error.
func (c *Client) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.AuthResult, error) {
	if creds.Username == "" {
		return nil, domain.NewAuthRejectedError("missing username", nil)
	}

	form := url.Values{
		"action":   {c.config.AuthAction},
		"username": {creds.Username},
		"password": {creds.Password},
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		var resp authResponse
		err := c.postForm(ctx, c.config.IdentityURL, form, &resp)
		if err == nil {
			if !resp.Success {
				return nil, domain.NewAuthRejectedError(
					fmt.Sprintf("backend denied device %q", creds.Username), nil)
			}
			device := domain.DeviceIdentity(strings.TrimSpace(resp.DeviceName))
			if device == "" {
				device = domain.DeviceIdentity(creds.Username)
			}
			return &domain.AuthResult{
				Device:    device,
				Directive: domain.DirectiveFor(resp.PrimaryOn),
			}, nil
		}

		lastErr = err
		c.logger.Warn("authentication attempt failed", logging.Fields{
			"username": creds.Username,
			"attempt":  attempt,
			"error":    err,
		})

		if attempt == c.config.MaxAttempts {
			break
		}
		delay := time.Duration(attempt) * c.config.BackoffBase
		if err := c.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	return nil, domain.NewAuthRejectedError(
		fmt.Sprintf("authentication failed after %d attempts", c.config.MaxAttempts), lastErr)
}

// LookupUserDevice returns the device controlled by the user.
func (c *Client) LookupUserDevice(ctx context.Context, user domain.UserIdentity) (domain.DeviceIdentity, error) {
	form := url.Values{
		"action": {c.config.LookupAction},
		"email":  {string(user)},
	}

	var resp lookupResponse
	if err := c.postForm(ctx, c.config.IdentityURL, form, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", domain.NewAuthRejectedError(fmt.Sprintf("no device for user %q", user), nil)
	}
	device := strings.TrimSpace(resp.DeviceName)
	if device == "" {
		return "", domain.NewMalformedResponseError("lookup response missing device_name", nil)
	}
	return domain.DeviceIdentity(device), nil
}

// CheckGlobalTrigger polls the status endpoint. It never returns an error: an
// unreachable backend is reported as TriggerUnreachable and a malformed body as
// TriggerNotTriggered.
func (c *Client) CheckGlobalTrigger(ctx context.Context) domain.TriggerState {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.StatusURL, nil)
	if err != nil {
		c.logger.Error("failed to build status request", logging.Fields{"error": err})
		return domain.TriggerState{Kind: domain.TriggerUnreachable}
	}

	body, err := c.do(req)
	if err != nil {
		c.logger.Warn("status poll failed", logging.Fields{"error": err})
		return domain.TriggerState{Kind: domain.TriggerUnreachable}
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("malformed status response", logging.Fields{"error": err})
		return domain.TriggerState{Kind: domain.TriggerNotTriggered}
	}

	if !resp.Success || resp.Message == "" {
		return domain.TriggerState{Kind: domain.TriggerNotTriggered}
	}
	return domain.TriggerState{
		Kind:    domain.TriggerActive,
		Message: resp.Message,
		ID:      resp.ID,
	}
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.NewBackendUnreachableError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewMalformedResponseError("failed to decode backend response", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewBackendUnreachableError("backend request failed",
			errors.Wrapf(err, "%s %s", req.Method, req.URL.Redacted()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.NewBackendUnreachableError("failed to read backend response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewBackendUnreachableError(
			fmt.Sprintf("backend returned status %d", resp.StatusCode), nil)
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
