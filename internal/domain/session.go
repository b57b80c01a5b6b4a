package domain

import (
	"sync"
	"time"
)

// DeviceSession is a registered device connection together with its liveness state.
// It is created by the registry on registration and discarded when the device is
// deregistered or replaced.
type DeviceSession struct {
	Identity    DeviceIdentity
	Transport   Transport
	ConnectedAt time.Time

	mu     sync.Mutex
	alive  bool
	missed int
}

// NewDeviceSession creates a session that is considered alive.
func NewDeviceSession(identity DeviceIdentity, transport Transport) *DeviceSession {
	return &DeviceSession{
		Identity:    identity,
		Transport:   transport,
		ConnectedAt: time.Now(),
		alive:       true,
	}
}

// Acknowledge records a probe acknowledgment.
func (s *DeviceSession) Acknowledge() {
	s.mu.Lock()
	s.alive = true
	s.missed = 0
	s.mu.Unlock()
}

// Alive reports whether an acknowledgment arrived since the last cycle.
func (s *DeviceSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// Missed returns the number of consecutive unanswered probes.
func (s *DeviceSession) Missed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

// Cycle advances the heartbeat state by one supervisor cycle and reports the
// resulting miss count and whether the session has exceeded the threshold.
// The caller sends a new probe whenever terminate is false.
func (s *DeviceSession) Cycle(threshold int) (missed int, terminate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.alive {
		s.missed = 0
		s.alive = false
		return 0, false
	}

	s.missed++
	return s.missed, s.missed > threshold
}

// ViewerSession is one browser connection observing a user's device.
type ViewerSession struct {
	User      UserIdentity
	Transport Transport
}
