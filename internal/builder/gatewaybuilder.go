package builder

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/backend"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/config"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/server"
	"github.com/FreePeak/device-relay-gateway/internal/interfaces/ws"
	"github.com/FreePeak/device-relay-gateway/internal/usecases"
)

// GatewayBuilder implements the Builder pattern for assembling a gateway App
type GatewayBuilder struct {
	config        *config.Config
	logger        *logging.Logger
	authenticator domain.Authenticator
	directory     domain.DeviceDirectory
	triggers      domain.TriggerSource
}

// NewGatewayBuilder creates a new gateway builder with default settings
func NewGatewayBuilder() *GatewayBuilder {
	return &GatewayBuilder{}
}

// WithConfig sets the gateway configuration
func (b *GatewayBuilder) WithConfig(cfg *config.Config) *GatewayBuilder {
	b.config = cfg
	return b
}

// WithLogger sets the logger
func (b *GatewayBuilder) WithLogger(logger *logging.Logger) *GatewayBuilder {
	b.logger = logger
	return b
}

// WithAuthenticator replaces the backend authenticator
func (b *GatewayBuilder) WithAuthenticator(a domain.Authenticator) *GatewayBuilder {
	b.authenticator = a
	return b
}

// WithDeviceDirectory replaces the backend user to device lookup
func (b *GatewayBuilder) WithDeviceDirectory(d domain.DeviceDirectory) *GatewayBuilder {
	b.directory = d
	return b
}

// WithTriggerSource replaces the backend status poll
func (b *GatewayBuilder) WithTriggerSource(s domain.TriggerSource) *GatewayBuilder {
	b.triggers = s
	return b
}

// Build wires every component and returns a runnable App
func (b *GatewayBuilder) Build() (*App, error) {
	cfg := b.config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(""); err != nil {
			return nil, err
		}
	}
	logger := b.logger
	if logger == nil {
		logger = logging.NewNop()
	}

	if b.authenticator == nil || b.directory == nil || b.triggers == nil {
		client := backend.NewClient(backend.Config{
			IdentityURL:    cfg.Backend.IdentityURL,
			StatusURL:      cfg.Backend.StatusURL,
			AuthAction:     cfg.Backend.AuthAction,
			LookupAction:   cfg.Backend.LookupAction,
			RequestTimeout: cfg.Backend.RequestTimeout,
			MaxAttempts:    cfg.Backend.MaxAttempts,
			BackoffBase:    cfg.Backend.BackoffBase,
		}, backend.WithLogger(logger))
		if b.authenticator == nil {
			b.authenticator = client
		}
		if b.directory == nil {
			b.directory = client
		}
		if b.triggers == nil {
			b.triggers = client
		}
	}

	registry := server.NewDeviceRegistry(cfg.Server.MaxDevices, logger)
	viewers := server.NewViewerSet()
	cache := usecases.NewIdentityCache(b.directory, logger)
	router := usecases.NewRouter(registry, viewers, cache, logger)

	sessions := usecases.NewSessionService(usecases.SessionConfig{
		Authenticator:         b.authenticator,
		Registry:              registry,
		Viewers:               viewers,
		Identity:              cache,
		Router:                router,
		ViewerIdentifyTimeout: cfg.Server.ViewerIdentifyTimeout,
		Logger:                logger,
	})

	heartbeat := usecases.NewHeartbeatSupervisor(registry,
		usecases.WithInterval(cfg.Heartbeat.Interval),
		usecases.WithMissThreshold(cfg.Heartbeat.Threshold),
		usecases.WithEvictHook(sessions.HandleEviction),
		usecases.WithHeartbeatLogger(logger),
	)
	poller := usecases.NewTriggerPoller(b.triggers, router, cfg.Trigger.PollInterval, logger)

	gateway := ws.NewGateway(ws.Config{
		DevicePath:     cfg.Server.DevicePath,
		ViewerPath:     cfg.Server.ViewerPath,
		AdmissionRate:  cfg.Server.AdmissionRate,
		AdmissionBurst: cfg.Server.AdmissionBurst,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, sessions, registry, viewers, logger)

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &App{
		addr:            cfg.Server.Addr,
		shutdownTimeout: shutdownTimeout,
		Registry:        registry,
		Viewers:         viewers,
		Router:          router,
		Gateway:         gateway,
		heartbeat:       heartbeat,
		poller:          poller,
		logger:          logger.Named("app"),
	}, nil
}

// App owns the gateway and its periodic tasks for the lifetime of the process.
type App struct {
	addr            string
	shutdownTimeout time.Duration

	Registry *server.DeviceRegistry
	Viewers  *server.ViewerSet
	Router   *usecases.Router
	Gateway  *ws.Gateway

	heartbeat *usecases.HeartbeatSupervisor
	poller    *usecases.TriggerPoller
	logger    *logging.Logger
}

// Handler returns the HTTP handler of the gateway.
func (a *App) Handler() http.Handler {
	return a.Gateway.Handler()
}

// Run serves until ctx is cancelled or a component fails, then shuts the
// gateway down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.heartbeat.Run(gctx)
	})
	g.Go(func() error {
		return a.poller.Run(gctx)
	})
	g.Go(func() error {
		return a.Gateway.Start(a.addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		return a.Gateway.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("gateway stopped", logging.Fields{"error": err})
	return err
}
