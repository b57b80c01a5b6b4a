// Package ws provides the WebSocket interface of the relay gateway.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/server"
	"github.com/FreePeak/device-relay-gateway/internal/usecases"
)

const (
	headerUsername = "x-username"
	headerPassword = "x-password"
	queryEmail     = "email"
)

// Config configures the gateway endpoints and admission control.
type Config struct {
	DevicePath     string
	ViewerPath     string
	AdmissionRate  float64
	AdmissionBurst int
	WriteTimeout   time.Duration
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{
		DevicePath:     "/ws/device",
		ViewerPath:     "/ws/viewer",
		AdmissionRate:  50,
		AdmissionBurst: 100,
		WriteTimeout:   10 * time.Second,
	}
}

// Gateway accepts device and viewer WebSocket connections and hands them to
// the session service.
type Gateway struct {
	config     Config
	sessions   *usecases.SessionService
	registry   *server.DeviceRegistry
	viewers    *server.ViewerSet
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	engine     *gin.Engine
	httpServer *http.Server
	logger     *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
	mu     sync.Mutex
}

// NewGateway creates a gateway. A non-positive admission rate disables throttling.
func NewGateway(config Config, sessions *usecases.SessionService, registry *server.DeviceRegistry, viewers *server.ViewerSet, logger *logging.Logger) *Gateway {
	defaults := DefaultConfig()
	if config.DevicePath == "" {
		config.DevicePath = defaults.DevicePath
	}
	if config.ViewerPath == "" {
		config.ViewerPath = defaults.ViewerPath
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	limit := rate.Inf
	if config.AdmissionRate > 0 {
		limit = rate.Limit(config.AdmissionRate)
	}
	burst := config.AdmissionBurst
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:   config,
		sessions: sessions,
		registry: registry,
		viewers:  viewers,
		limiter:  rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Devices and browser viewers connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.Named("gateway"),
		ctx:    ctx,
		cancel: cancel,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), g.logRequests())
	engine.GET(config.DevicePath, g.handleDevice)
	engine.GET(config.ViewerPath, g.handleViewer)
	g.engine = engine

	return g
}

// Handler returns the HTTP handler serving both endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Start listens on addr and blocks until the server stops.
func (g *Gateway) Start(addr string) error {
	g.mu.Lock()
	if g.ctx.Err() != nil {
		g.mu.Unlock()
		return nil
	}
	g.httpServer = &http.Server{
		Addr:              addr,
		Handler:           g.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := g.httpServer
	g.mu.Unlock()

	g.logger.Info("gateway listening", logging.Fields{
		"addr":        addr,
		"device_path": g.config.DevicePath,
		"viewer_path": g.config.ViewerPath,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every device and viewer with
// 1001 and waits for their lifecycles to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("gateway shutting down", logging.Fields{
		"devices": g.registry.Count(),
		"viewers": g.viewers.Users(),
	})
	var err error
	g.mu.Lock()
	g.cancel()
	srv := g.httpServer
	g.mu.Unlock()
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("shutdown deadline reached, dropping remaining connections")
		g.registry.CloseAll(domain.CloseGoingAway, domain.CloseReasonShutdown)
		g.viewers.CloseAll(domain.CloseGoingAway, domain.CloseReasonShutdown)
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (g *Gateway) handleDevice(c *gin.Context) {
	transport, ok := g.accept(c)
	if !ok {
		return
	}
	defer g.conns.Done()

	creds := credentialsFrom(c.Request.Header)
	state := g.sessions.ServeDevice(g.ctx, creds, transport)
	g.logger.Debug("device connection finished", logging.Fields{"transport": transport.ID(), "state": state.String()})
}

func (g *Gateway) handleViewer(c *gin.Context) {
	transport, ok := g.accept(c)
	if !ok {
		return
	}
	defer g.conns.Done()

	user := domain.UserIdentity(strings.TrimSpace(c.Query(queryEmail)))
	state := g.sessions.ServeViewer(g.ctx, user, transport)
	g.logger.Debug("viewer connection finished", logging.Fields{"transport": transport.ID(), "state": state.String()})
}

// accept upgrades the request and applies admission control. Throttled
// connections are upgraded and immediately closed with 1013 so the peer
// learns to back off. Device capacity is decided after authentication by the
// session service. On success the caller owns one conns slot.
func (g *Gateway) accept(c *gin.Context) (domain.Transport, bool) {
	if g.ctx.Err() != nil {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return nil, false
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", logging.Fields{"error": err, "path": c.FullPath()})
		return nil, false
	}
	transport := server.NewWSTransport(conn, g.logger, g.config.WriteTimeout)

	if !g.limiter.Allow() {
		g.logger.Warn("connection refused", logging.Fields{
			"remote": c.ClientIP(),
			"path":   c.FullPath(),
			"error":  server.ErrAdmissionThrottled,
		})
		if err := transport.Close(domain.CloseTryAgainLater, domain.CloseReasonThrottled); err != nil {
			g.logger.Debug("close after throttling failed", logging.Fields{"error": err})
		}
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		_ = transport.Close(domain.CloseGoingAway, domain.CloseReasonShutdown)
		return nil, false
	}
	g.conns.Add(1)
	return transport, true
}

func (g *Gateway) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.Debug("connection handled", logging.Fields{
			"path":     c.FullPath(),
			"remote":   c.ClientIP(),
			"duration": time.Since(start).String(),
		})
	}
}

func credentialsFrom(h http.Header) domain.Credentials {
	return domain.Credentials{
		Username: firstToken(h.Get(headerUsername)),
		Password: firstToken(h.Get(headerPassword)),
	}
}

// firstToken returns the first comma-separated element of a header value.
func firstToken(value string) string {
	if i := strings.IndexByte(value, ','); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}
