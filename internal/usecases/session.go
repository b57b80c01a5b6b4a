// Package usecases implements the gateway's connection lifecycles, routing and
// periodic supervision.
package usecases

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

// DefaultViewerIdentifyTimeout bounds the wait for a viewer's identifying frame.
const DefaultViewerIdentifyTimeout = 10 * time.Second

// LifecycleState is the state of a single connection.
type LifecycleState int

const (
	StateConnecting LifecycleState = iota
	StateAuthenticating
	StateRegistered
	StateClosing
	StateClosed
	StateRejected
)

func (s LifecycleState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// SessionService drives device and viewer connections from admission to close.
type SessionService struct {
	authenticator   domain.Authenticator
	registry        domain.DeviceRegistry
	viewers         domain.ViewerDirectory
	identity        domain.IdentityResolver
	router          *Router
	identifyTimeout time.Duration
	logger          *logging.Logger
}

// SessionConfig contains the collaborators of a SessionService.
type SessionConfig struct {
	Authenticator         domain.Authenticator
	Registry              domain.DeviceRegistry
	Viewers               domain.ViewerDirectory
	Identity              domain.IdentityResolver
	Router                *Router
	ViewerIdentifyTimeout time.Duration
	Logger                *logging.Logger
}

// NewSessionService creates a new SessionService.
func NewSessionService(config SessionConfig) *SessionService {
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := config.ViewerIdentifyTimeout
	if timeout <= 0 {
		timeout = DefaultViewerIdentifyTimeout
	}
	return &SessionService{
		authenticator:   config.Authenticator,
		registry:        config.Registry,
		viewers:         config.Viewers,
		identity:        config.Identity,
		router:          config.Router,
		identifyTimeout: timeout,
		logger:          logger.Named("session"),
	}
}

// ServeDevice authenticates a device connection, registers it and serves it
// until the peer goes away or ctx is cancelled. It returns the final state.
func (s *SessionService) ServeDevice(ctx context.Context, creds domain.Credentials, transport domain.Transport) LifecycleState {
	log := s.logger.With(logging.Fields{"transport": transport.ID(), "username": creds.Username})

	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" {
		log.Warn("device connection without username")
		s.reject(transport, log)
		return StateRejected
	}

	log.Debug("authenticating device")
	result, err := s.authenticator.Authenticate(ctx, creds)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown during device authentication")
			s.closeWith(transport, domain.CloseGoingAway, domain.CloseReasonShutdown, log)
			return StateClosed
		}
		log.Warn("device authentication failed", logging.Fields{"error": err})
		s.reject(transport, log)
		return StateRejected
	}

	// The peer may have hung up while the backend was answering.
	if !transport.IsOpen() {
		log.Info("device disconnected during authentication", logging.Fields{"device": result.Device})
		return StateClosed
	}

	session, ok := s.registry.RegisterIfRoom(result.Device, transport)
	if !ok {
		log.Warn("device registry full", logging.Fields{"device": result.Device})
		s.closeWith(transport, domain.CloseTryAgainLater, domain.CloseReasonThrottled, log)
		return StateRejected
	}
	transport.OnPong(session.Acknowledge)
	log = log.With(logging.Fields{"device": result.Device})
	log.Info("device registered", logging.Fields{"directive": result.Directive})

	s.router.SendDirective(ctx, result.Device, result.Directive)
	s.router.NotifyViewerStatus(ctx, result.Device, domain.StatusConnected)

	shuttingDown := s.serveDevice(ctx, session, log)
	s.closeDevice(context.WithoutCancel(ctx), session, shuttingDown, log)
	return StateClosed
}

func (s *SessionService) reject(transport domain.Transport, log *logging.Logger) {
	s.closeWith(transport, domain.CloseUnauthorized, domain.CloseReasonAuth, log)
}

func (s *SessionService) closeWith(transport domain.Transport, code int, reason string, log *logging.Logger) {
	if err := transport.Close(code, reason); err != nil {
		log.Debug("close failed", logging.Fields{"error": err, "code": code})
	}
}

// serveDevice relays inbound frames until the transport is done. It reports
// whether it stopped because ctx was cancelled.
func (s *SessionService) serveDevice(ctx context.Context, session *domain.DeviceSession, log *logging.Logger) bool {
	transport := session.Transport
	for {
		select {
		case <-ctx.Done():
			return true
		case <-transport.Done():
			return false
		case frame, ok := <-transport.Messages():
			if !ok {
				return false
			}
			log.Debug("device message", logging.Fields{"frame": string(frame)})
			s.router.RelayDeviceMessage(ctx, session.Identity, frame)
		}
	}
}

func (s *SessionService) closeDevice(ctx context.Context, session *domain.DeviceSession, shuttingDown bool, log *logging.Logger) {
	transport := session.Transport

	if s.registry.Deregister(session.Identity, transport) {
		log.Info("device deregistered")
		s.router.NotifyViewerStatus(ctx, session.Identity, domain.StatusDisconnected)
	} else {
		log.Debug("device entry already replaced or evicted")
	}

	if !transport.IsOpen() {
		return
	}
	if err := send(ctx, transport, []byte(domain.DirectiveTryAgain)); err != nil {
		log.Debug("could not prompt device to reconnect", logging.Fields{"error": err})
	}
	code, reason := domain.CloseNormal, ""
	if shuttingDown {
		code, reason = domain.CloseGoingAway, domain.CloseReasonShutdown
	}
	if err := transport.Close(code, reason); err != nil {
		log.Debug("close failed", logging.Fields{"error": err})
	}
}

// HandleEviction notifies viewers after the heartbeat supervisor removed a device.
func (s *SessionService) HandleEviction(ctx context.Context, session *domain.DeviceSession) {
	s.logger.Info("device evicted", logging.Fields{"device": session.Identity})
	s.router.NotifyViewerStatus(ctx, session.Identity, domain.StatusDisconnected)
}

type viewerIdentity struct {
	Email string `json:"email"`
}

type viewerCommand struct {
	Command domain.Directive `json:"command"`
}

// ServeViewer serves a viewer connection. When user is empty the first frame
// must identify the viewer, either as plain text or {"email": "..."}.
func (s *SessionService) ServeViewer(ctx context.Context, user domain.UserIdentity, transport domain.Transport) LifecycleState {
	log := s.logger.With(logging.Fields{"transport": transport.ID()})

	if user == "" {
		var ok bool
		if user, ok = s.awaitViewerIdentity(ctx, transport); !ok {
			log.Warn("viewer did not identify")
			if transport.IsOpen() {
				s.reject(transport, log)
			}
			return StateRejected
		}
	}
	log = log.With(logging.Fields{"user": user})

	viewer := domain.ViewerSession{User: user, Transport: transport}
	s.viewers.Add(viewer)
	defer s.viewers.Remove(viewer)
	log.Info("viewer joined")

	if device, ok := s.identity.Resolve(ctx, user); ok {
		s.sendCurrentStatus(ctx, viewer, device, log)
	} else {
		log.Info("no device known for viewer")
	}

	for {
		select {
		case <-ctx.Done():
			if err := transport.Close(domain.CloseGoingAway, domain.CloseReasonShutdown); err != nil {
				log.Debug("close failed", logging.Fields{"error": err})
			}
			return StateClosed
		case <-transport.Done():
			log.Info("viewer left")
			return StateClosed
		case frame, ok := <-transport.Messages():
			if !ok {
				log.Info("viewer left")
				return StateClosed
			}
			s.handleViewerFrame(ctx, user, frame, log)
		}
	}
}

func (s *SessionService) awaitViewerIdentity(ctx context.Context, transport domain.Transport) (domain.UserIdentity, bool) {
	timer := time.NewTimer(s.identifyTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-transport.Done():
	case <-timer.C:
	case frame, ok := <-transport.Messages():
		if ok {
			user := parseViewerIdentity(frame)
			return user, user != ""
		}
	}
	return "", false
}

func parseViewerIdentity(frame []byte) domain.UserIdentity {
	text := strings.TrimSpace(string(frame))
	if strings.HasPrefix(text, "{") {
		var id viewerIdentity
		if err := json.Unmarshal([]byte(text), &id); err != nil {
			return ""
		}
		text = strings.TrimSpace(id.Email)
	}
	return domain.UserIdentity(text)
}

func (s *SessionService) sendCurrentStatus(ctx context.Context, viewer domain.ViewerSession, device domain.DeviceIdentity, log *logging.Logger) {
	status := domain.StatusDisconnected
	if session, ok := s.registry.Lookup(device); ok && session.Transport.IsOpen() {
		status = domain.StatusConnected
	}
	payload, err := domain.NewStatusNotification(device, status).Encode()
	if err != nil {
		return
	}
	if err := send(ctx, viewer.Transport, payload); err != nil {
		log.Debug("failed to send current status", logging.Fields{"error": err})
	}
}

func (s *SessionService) handleViewerFrame(ctx context.Context, user domain.UserIdentity, frame []byte, log *logging.Logger) {
	directive, ok := parseViewerCommand(frame)
	if !ok {
		log.Debug("ignoring viewer frame", logging.Fields{"frame": string(frame)})
		return
	}
	if !s.router.SendToUserDevice(ctx, user, directive) {
		log.Info("viewer command not delivered", logging.Fields{"command": directive})
	}
}

// parseViewerCommand accepts {"command": "<directive>"} or a bare directive.
func parseViewerCommand(frame []byte) (domain.Directive, bool) {
	text := strings.TrimSpace(string(frame))
	directive := domain.Directive(text)
	if strings.HasPrefix(text, "{") {
		var cmd viewerCommand
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return "", false
		}
		directive = cmd.Command
	}
	return directive, directive.IsCommand()
}
