package server

import (
	"sync"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

// DeviceRegistry implements domain.DeviceRegistry with a single map guarded by a mutex.
// The lock is never held while a transport is closed or written to.
type DeviceRegistry struct {
	mu         sync.RWMutex
	sessions   map[domain.DeviceIdentity]*domain.DeviceSession
	maxDevices int
	logger     *logging.Logger
}

var _ domain.DeviceRegistry = (*DeviceRegistry)(nil)

// NewDeviceRegistry creates a registry. maxDevices of zero means unlimited.
func NewDeviceRegistry(maxDevices int, logger *logging.Logger) *DeviceRegistry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DeviceRegistry{
		sessions:   make(map[domain.DeviceIdentity]*domain.DeviceSession),
		maxDevices: maxDevices,
		logger:     logger.Named("registry"),
	}
}

// Register installs transport as the live connection of identity regardless of
// capacity. A previous transport for the same identity is removed under the lock
// and terminated before Register returns.
func (r *DeviceRegistry) Register(identity domain.DeviceIdentity, transport domain.Transport) *domain.DeviceSession {
	session, _ := r.install(identity, transport, false)
	return session
}

// RegisterIfRoom is Register bounded by the device capacity. Replacing the
// connection of an already registered identity is always allowed.
func (r *DeviceRegistry) RegisterIfRoom(identity domain.DeviceIdentity, transport domain.Transport) (*domain.DeviceSession, bool) {
	return r.install(identity, transport, true)
}

func (r *DeviceRegistry) install(identity domain.DeviceIdentity, transport domain.Transport, bounded bool) (*domain.DeviceSession, bool) {
	session := domain.NewDeviceSession(identity, transport)

	r.mu.Lock()
	previous, exists := r.sessions[identity]
	if bounded && !exists && r.maxDevices > 0 && len(r.sessions) >= r.maxDevices {
		count := len(r.sessions)
		r.mu.Unlock()
		r.logger.Warn("device refused", logging.Fields{
			"device":  identity,
			"devices": count,
			"error":   ErrRegistryFull,
		})
		return nil, false
	}
	r.sessions[identity] = session
	r.mu.Unlock()

	if exists && previous.Transport != transport && previous.Transport.IsOpen() {
		r.logger.Info("replacing existing device connection", logging.Fields{
			"device":   identity,
			"previous": previous.Transport.ID(),
			"current":  transport.ID(),
		})
		if err := previous.Transport.Terminate(); err != nil {
			r.logger.Warn("failed to terminate replaced connection", logging.Fields{
				"device": identity,
				"error":  err,
			})
		}
	}

	return session, true
}

// Lookup retrieves the session of a device.
func (r *DeviceRegistry) Lookup(identity domain.DeviceIdentity) (*domain.DeviceSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[identity]
	return session, ok
}

// Deregister removes the device only if transport is still its registered connection.
func (r *DeviceRegistry) Deregister(identity domain.DeviceIdentity, transport domain.Transport) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[identity]
	if !ok || session.Transport != transport {
		return false
	}
	delete(r.sessions, identity)
	return true
}

// ForEach calls fn for every session in a snapshot taken under the read lock.
func (r *DeviceRegistry) ForEach(fn func(*domain.DeviceSession)) {
	for _, session := range r.snapshot() {
		fn(session)
	}
}

func (r *DeviceRegistry) snapshot() []*domain.DeviceSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.DeviceSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Count returns the number of registered devices.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every registered transport with the given code and empties the registry.
func (r *DeviceRegistry) CloseAll(code int, reason string) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[domain.DeviceIdentity]*domain.DeviceSession)
	r.mu.Unlock()

	for _, session := range sessions {
		if err := session.Transport.Close(code, reason); err != nil {
			r.logger.Debug("close failed", logging.Fields{"device": session.Identity, "error": err})
		}
	}
}
