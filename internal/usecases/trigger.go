package usecases

import (
	"context"
	"sync"
	"time"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

// DefaultPollInterval is the time between global trigger polls.
const DefaultPollInterval = 60 * time.Second

// TriggerPoller polls the backend's global trigger and broadcasts it to every
// device and viewer. A trigger with an ID is announced once.
type TriggerPoller struct {
	source   domain.TriggerSource
	router   *Router
	interval time.Duration
	logger   *logging.Logger

	mu     sync.Mutex
	lastID string
}

// NewTriggerPoller creates a poller. A non-positive interval selects the default.
func NewTriggerPoller(source domain.TriggerSource, router *Router, interval time.Duration, logger *logging.Logger) *TriggerPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &TriggerPoller{
		source:   source,
		router:   router,
		interval: interval,
		logger:   logger.Named("trigger"),
	}
}

// Run polls every interval until ctx is cancelled.
func (p *TriggerPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("trigger poller started", logging.Fields{"interval": p.interval.String()})
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("trigger poller stopped")
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll checks the trigger once and reports whether a broadcast was sent.
func (p *TriggerPoller) Poll(ctx context.Context) bool {
	state := p.source.CheckGlobalTrigger(ctx)
	switch state.Kind {
	case domain.TriggerUnreachable:
		p.logger.Debug("status backend unreachable, skipping cycle")
		return false
	case domain.TriggerNotTriggered:
		return false
	}

	if !p.claim(state.ID) {
		p.logger.Debug("trigger already announced", logging.Fields{"id": state.ID})
		return false
	}

	devices, viewers := p.router.BroadcastTrigger(ctx, state.Message)
	p.logger.Info("global trigger broadcast", logging.Fields{
		"id":                state.ID,
		"message":           state.Message,
		"devices_delivered": devices.Delivered,
		"viewers_delivered": viewers.Delivered,
	})
	return true
}

// claim records id as announced. An empty id is always announced.
func (p *TriggerPoller) claim(id string) bool {
	if id == "" {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == p.lastID {
		return false
	}
	p.lastID = id
	return true
}
