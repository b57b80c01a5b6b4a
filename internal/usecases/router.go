package usecases

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

// DeliveryReport summarizes a fan-out.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    []string
	err       error
}

// Err combines every per-target failure, or returns nil.
func (r DeliveryReport) Err() error {
	return r.err
}

type deliveryTarget struct {
	name      string
	transport domain.Transport
}

// Router delivers directives to devices and notifications to viewers.
type Router struct {
	registry domain.DeviceRegistry
	viewers  domain.ViewerDirectory
	identity domain.IdentityResolver
	logger   *logging.Logger
}

// NewRouter creates a router over the given registry, viewer directory and resolver.
func NewRouter(registry domain.DeviceRegistry, viewers domain.ViewerDirectory, identity domain.IdentityResolver, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{
		registry: registry,
		viewers:  viewers,
		identity: identity,
		logger:   logger.Named("router"),
	}
}

// SendToDevice delivers payload to the device's live transport. Commands for
// offline devices are dropped, not queued.
func (r *Router) SendToDevice(ctx context.Context, device domain.DeviceIdentity, payload []byte) bool {
	session, ok := r.registry.Lookup(device)
	if !ok || !session.Transport.IsOpen() {
		r.logger.Info("dropping message for offline device", logging.Fields{"device": device})
		return false
	}
	if err := send(ctx, session.Transport, payload); err != nil {
		r.logger.Warn("failed to send to device", logging.Fields{"device": device, "error": err})
		return false
	}
	return true
}

// SendDirective delivers a directive to a device.
func (r *Router) SendDirective(ctx context.Context, device domain.DeviceIdentity, directive domain.Directive) bool {
	return r.SendToDevice(ctx, device, []byte(directive))
}

// SendToUserDevice delivers a directive to the device controlled by user.
func (r *Router) SendToUserDevice(ctx context.Context, user domain.UserIdentity, directive domain.Directive) bool {
	device, ok := r.identity.Resolve(ctx, user)
	if !ok {
		r.logger.Info("no device known for user", logging.Fields{"user": user})
		return false
	}
	return r.SendDirective(ctx, device, directive)
}

// BroadcastToDevices sends payload to every open device transport.
func (r *Router) BroadcastToDevices(ctx context.Context, payload []byte) DeliveryReport {
	var targets []deliveryTarget
	r.registry.ForEach(func(s *domain.DeviceSession) {
		if s.Transport.IsOpen() {
			targets = append(targets, deliveryTarget{name: string(s.Identity), transport: s.Transport})
		}
	})
	report := r.fanOut(ctx, targets, payload)
	r.logReport("device broadcast", report)
	return report
}

// BroadcastToViewers sends a notification to every viewer.
func (r *Router) BroadcastToViewers(ctx context.Context, n domain.Notification) DeliveryReport {
	payload, err := n.Encode()
	if err != nil {
		r.logger.Error("failed to encode notification", logging.Fields{"type": n.Type, "error": err})
		return DeliveryReport{err: err}
	}
	report := r.fanOut(ctx, viewerTargets(r.viewers.All()), payload)
	r.logReport("viewer broadcast", report)
	return report
}

// BroadcastToViewersOf sends payload to the viewers of every user mapped to device.
func (r *Router) BroadcastToViewersOf(ctx context.Context, device domain.DeviceIdentity, payload []byte) DeliveryReport {
	var sessions []domain.ViewerSession
	for _, user := range r.identity.UsersOf(device) {
		sessions = append(sessions, r.viewers.SessionsOf(user)...)
	}
	return r.fanOut(ctx, viewerTargets(sessions), payload)
}

// NotifyViewerStatus tells the device's viewers that it connected or disconnected.
func (r *Router) NotifyViewerStatus(ctx context.Context, device domain.DeviceIdentity, status domain.DeviceStatus) DeliveryReport {
	payload, err := domain.NewStatusNotification(device, status).Encode()
	if err != nil {
		return DeliveryReport{err: err}
	}
	report := r.BroadcastToViewersOf(ctx, device, payload)
	r.logReport("status notification", report)
	return report
}

// RelayDeviceMessage forwards an opaque device frame to the device's viewers.
func (r *Router) RelayDeviceMessage(ctx context.Context, device domain.DeviceIdentity, frame []byte) DeliveryReport {
	payload, err := domain.NewDeviceMessageNotification(device, frame).Encode()
	if err != nil {
		return DeliveryReport{err: err}
	}
	return r.BroadcastToViewersOf(ctx, device, payload)
}

// BroadcastTrigger announces an active global trigger to every device and viewer.
func (r *Router) BroadcastTrigger(ctx context.Context, message string) (devices, viewers DeliveryReport) {
	devices = r.BroadcastToDevices(ctx, []byte(domain.DirectiveAutoOn))
	viewers = r.BroadcastToViewers(ctx, domain.NewTriggerNotification(message))
	return devices, viewers
}

// fanOut writes payload to each target concurrently; one failing peer never
// prevents delivery to the others.
func (r *Router) fanOut(ctx context.Context, targets []deliveryTarget, payload []byte) DeliveryReport {
	report := DeliveryReport{Attempted: len(targets)}
	if len(targets) == 0 {
		return report
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target deliveryTarget) {
			defer wg.Done()
			err := send(ctx, target.transport, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, target.name)
				report.err = multierr.Append(report.err, fmt.Errorf("%s: %w", target.name, err))
				return
			}
			report.Delivered++
		}(target)
	}
	wg.Wait()
	return report
}

func (r *Router) logReport(what string, report DeliveryReport) {
	if report.err == nil {
		r.logger.Debug(what, logging.Fields{"delivered": report.Delivered})
		return
	}
	r.logger.Warn(what+" partially failed", logging.Fields{
		"delivered": report.Delivered,
		"failed":    report.Failed,
		"error":     report.err,
	})
}

func viewerTargets(sessions []domain.ViewerSession) []deliveryTarget {
	targets := make([]deliveryTarget, 0, len(sessions))
	for _, s := range sessions {
		if s.Transport.IsOpen() {
			targets = append(targets, deliveryTarget{name: string(s.User), transport: s.Transport})
		}
	}
	return targets
}

// send writes payload, converting a panicking transport into an error.
func send(ctx context.Context, transport domain.Transport, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = domain.NewTransportError("send panicked", fmt.Errorf("%v", rec))
		}
	}()
	return transport.Send(ctx, payload)
}
