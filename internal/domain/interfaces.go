package domain

import "context"

// Transport is a persistent, bidirectional text-frame connection to a peer.
type Transport interface {
	// ID returns a unique identifier for this connection.
	ID() string

	// Send writes a single text frame.
	Send(ctx context.Context, payload []byte) error

	// Ping sends a liveness probe. The acknowledgment is delivered to the OnPong callback.
	Ping(ctx context.Context) error

	// OnPong registers the callback invoked for every probe acknowledgment.
	OnPong(fn func())

	// Messages returns inbound text frames. The channel is closed once the transport is done.
	Messages() <-chan []byte

	// Done is closed when the transport is no longer usable.
	Done() <-chan struct{}

	// IsOpen reports whether the transport can still carry frames.
	IsOpen() bool

	// Close sends a close frame with the given code and reason, then releases the connection.
	Close(code int, reason string) error

	// Terminate drops the connection without a closing handshake.
	Terminate() error
}

// DeviceRegistry is the authoritative mapping of device identity to its live session.
type DeviceRegistry interface {
	// Register installs a new session, terminating any open transport it replaces.
	Register(identity DeviceIdentity, transport Transport) *DeviceSession

	// RegisterIfRoom is Register bounded by capacity. It reports false when a
	// new identity does not fit; replacements always fit.
	RegisterIfRoom(identity DeviceIdentity, transport Transport) (*DeviceSession, bool)

	// Lookup returns the current session for a device.
	Lookup(identity DeviceIdentity) (*DeviceSession, bool)

	// Deregister removes the entry only if it still holds the given transport.
	Deregister(identity DeviceIdentity, transport Transport) bool

	// ForEach calls fn for a snapshot of all registered sessions.
	ForEach(fn func(*DeviceSession))

	// Count returns the number of registered devices.
	Count() int
}

// ViewerDirectory holds the viewer sessions grouped by user identity.
type ViewerDirectory interface {
	// Add joins a viewer to its user's set.
	Add(session ViewerSession)

	// Remove leaves the set. Removing an unknown viewer is a no-op.
	Remove(session ViewerSession)

	// SessionsOf returns a snapshot of the viewers of a user.
	SessionsOf(user UserIdentity) []ViewerSession

	// All returns a snapshot of every viewer session.
	All() []ViewerSession
}

// Authenticator verifies device credentials with the identity backend.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*AuthResult, error)
}

// DeviceDirectory looks up the device a user controls.
type DeviceDirectory interface {
	LookupUserDevice(ctx context.Context, user UserIdentity) (DeviceIdentity, error)
}

// TriggerSource reports the state of the global trigger.
type TriggerSource interface {
	CheckGlobalTrigger(ctx context.Context) TriggerState
}

// IdentityResolver maps users to devices.
type IdentityResolver interface {
	// Resolve returns the device controlled by the user, if known.
	Resolve(ctx context.Context, user UserIdentity) (DeviceIdentity, bool)

	// UsersOf returns the users already known to control the device.
	UsersOf(device DeviceIdentity) []UserIdentity
}
