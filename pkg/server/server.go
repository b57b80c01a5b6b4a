// Package server provides an embeddable device relay gateway.
package server

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/FreePeak/device-relay-gateway/internal/builder"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/config"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
	"github.com/FreePeak/device-relay-gateway/pkg/types"
)

// Gateway is a configured relay gateway ready to run.
type Gateway struct {
	app *builder.App
}

type options struct {
	configPath    string
	addr          string
	logger        *zap.Logger
	authenticator types.Authenticator
	directory     types.DeviceDirectory
	triggers      types.TriggerSource
}

// Option configures a Gateway.
type Option func(*options)

// WithConfigFile loads settings from a YAML file in addition to RELAY_* variables.
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *options) {
		o.addr = addr
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAuthenticator replaces the HTTP identity backend for device logins.
func WithAuthenticator(a types.Authenticator) Option {
	return func(o *options) {
		o.authenticator = a
	}
}

// WithDeviceDirectory replaces the HTTP identity backend for user lookups.
func WithDeviceDirectory(d types.DeviceDirectory) Option {
	return func(o *options) {
		o.directory = d
	}
}

// WithTriggerSource replaces the HTTP status backend.
func WithTriggerSource(s types.TriggerSource) Option {
	return func(o *options) {
		o.triggers = s
	}
}

// New creates a gateway from the given options.
func New(opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway config: %w", err)
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}

	b := builder.NewGatewayBuilder().WithConfig(cfg)
	if o.logger != nil {
		b.WithLogger(logging.NewFromZap(o.logger))
	}
	if o.authenticator != nil {
		b.WithAuthenticator(o.authenticator)
	}
	if o.directory != nil {
		b.WithDeviceDirectory(o.directory)
	}
	if o.triggers != nil {
		b.WithTriggerSource(o.triggers)
	}

	app, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &Gateway{app: app}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	return g.app.Run(ctx)
}

// Handler returns the HTTP handler for mounting the endpoints in another server.
// Periodic heartbeats and trigger polls only run under Run.
func (g *Gateway) Handler() http.Handler {
	return g.app.Handler()
}

// ConnectedDevices returns the number of registered devices.
func (g *Gateway) ConnectedDevices() int {
	return g.app.Registry.Count()
}

// SendDirective delivers a directive to a connected device.
func (g *Gateway) SendDirective(ctx context.Context, device types.DeviceIdentity, directive types.Directive) bool {
	return g.app.Router.SendDirective(ctx, device, directive)
}
