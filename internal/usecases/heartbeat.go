package usecases

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

const (
	// DefaultHeartbeatInterval is the time between supervisor cycles.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultMissThreshold is the number of consecutive misses tolerated.
	// The session is evicted on the miss after that.
	DefaultMissThreshold = 2
)

// EvictFunc is called after a device has been evicted for missing heartbeats.
type EvictFunc func(ctx context.Context, session *domain.DeviceSession)

// HeartbeatSupervisor probes every registered device periodically and evicts
// the ones that stop answering.
type HeartbeatSupervisor struct {
	registry  domain.DeviceRegistry
	interval  time.Duration
	threshold int
	onEvict   EvictFunc
	logger    *logging.Logger
}

// HeartbeatOption configures a HeartbeatSupervisor.
type HeartbeatOption func(*HeartbeatSupervisor)

// WithInterval sets the cycle interval.
func WithInterval(d time.Duration) HeartbeatOption {
	return func(h *HeartbeatSupervisor) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithMissThreshold sets the number of consecutive misses tolerated.
func WithMissThreshold(n int) HeartbeatOption {
	return func(h *HeartbeatSupervisor) {
		if n >= 0 {
			h.threshold = n
		}
	}
}

// WithEvictHook registers fn to run after each eviction.
func WithEvictHook(fn EvictFunc) HeartbeatOption {
	return func(h *HeartbeatSupervisor) {
		h.onEvict = fn
	}
}

// WithHeartbeatLogger sets the logger.
func WithHeartbeatLogger(logger *logging.Logger) HeartbeatOption {
	return func(h *HeartbeatSupervisor) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHeartbeatSupervisor creates a supervisor over registry.
func NewHeartbeatSupervisor(registry domain.DeviceRegistry, opts ...HeartbeatOption) *HeartbeatSupervisor {
	h := &HeartbeatSupervisor{
		registry:  registry,
		interval:  DefaultHeartbeatInterval,
		threshold: DefaultMissThreshold,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("heartbeat")
	return h
}

// SetEvictHook replaces the eviction hook. It must be called before Run.
func (h *HeartbeatSupervisor) SetEvictHook(fn EvictFunc) {
	h.onEvict = fn
}

// Run performs a cycle every interval until ctx is cancelled.
func (h *HeartbeatSupervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("heartbeat supervisor started", logging.Fields{
		"interval":  h.interval.String(),
		"threshold": h.threshold,
	})

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat supervisor stopped")
			return nil
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs a single supervisor cycle over a snapshot of the registry and
// returns the number of evicted devices. Sessions are probed concurrently so a
// stalled peer only delays its own probe.
func (h *HeartbeatSupervisor) Tick(ctx context.Context) int {
	var (
		wg      sync.WaitGroup
		evicted atomic.Int32
	)
	h.registry.ForEach(func(session *domain.DeviceSession) {
		missed, terminate := session.Cycle(h.threshold)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if terminate {
				if h.evict(ctx, session, missed) {
					evicted.Add(1)
				}
				return
			}
			h.probe(ctx, session)
		}()
	})
	wg.Wait()
	return int(evicted.Load())
}

func (h *HeartbeatSupervisor) probe(ctx context.Context, session *domain.DeviceSession) {
	if err := session.Transport.Ping(ctx); err != nil {
		h.logger.Warn("heartbeat probe failed", logging.Fields{
			"device": session.Identity,
			"error":  err,
		})
	}
}

// evict reports whether the session was still registered when it was removed.
func (h *HeartbeatSupervisor) evict(ctx context.Context, session *domain.DeviceSession, missed int) bool {
	h.logger.Warn("evicting unresponsive device", logging.Fields{
		"device": session.Identity,
		"missed": missed,
	})

	if session.Transport.IsOpen() {
		if err := send(ctx, session.Transport, []byte(domain.DirectiveTryAgain)); err != nil {
			h.logger.Debug("could not prompt evicted device to reconnect", logging.Fields{
				"device": session.Identity,
				"error":  err,
			})
		}
	}
	if err := session.Transport.Terminate(); err != nil {
		h.logger.Debug("terminate failed", logging.Fields{"device": session.Identity, "error": err})
	}

	if !h.registry.Deregister(session.Identity, session.Transport) {
		// A newer connection already replaced this one.
		return false
	}
	if h.onEvict != nil {
		h.onEvict(ctx, session)
	}
	return true
}
