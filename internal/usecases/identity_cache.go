package usecases

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
	"github.com/FreePeak/device-relay-gateway/internal/infrastructure/logging"
)

// IdentityCache memoizes the user to device mapping for the lifetime of the process.
// Entries are never expired; a changed mapping is only observed after a restart.
type IdentityCache struct {
	directory domain.DeviceDirectory
	logger    *logging.Logger

	mu      sync.RWMutex
	entries map[domain.UserIdentity]domain.DeviceIdentity

	lookups singleflight.Group
}

var _ domain.IdentityResolver = (*IdentityCache)(nil)

// NewIdentityCache creates a cache backed by directory.
func NewIdentityCache(directory domain.DeviceDirectory, logger *logging.Logger) *IdentityCache {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &IdentityCache{
		directory: directory,
		logger:    logger.Named("identity_cache"),
		entries:   make(map[domain.UserIdentity]domain.DeviceIdentity),
	}
}

// Resolve returns the device controlled by user. A miss performs one backend
// lookup, shared by concurrent callers; failures are not cached.
func (c *IdentityCache) Resolve(ctx context.Context, user domain.UserIdentity) (domain.DeviceIdentity, bool) {
	if user == "" {
		return "", false
	}
	if device, ok := c.peek(user); ok {
		return device, true
	}

	// The lookup is shared with other callers and must outlive a cancelled caller.
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := c.lookups.Do(string(user), func() (interface{}, error) {
		if device, ok := c.peek(user); ok {
			return device, nil
		}
		device, err := c.directory.LookupUserDevice(lookupCtx, user)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[user] = device
		c.mu.Unlock()
		return device, nil
	})
	if err != nil {
		c.logger.Warn("user device lookup failed", logging.Fields{"user": user, "error": err})
		return "", false
	}
	return v.(domain.DeviceIdentity), true
}

func (c *IdentityCache) peek(user domain.UserIdentity) (domain.DeviceIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	device, ok := c.entries[user]
	return device, ok
}

// UsersOf returns the cached users mapped to device. It never calls the backend.
func (c *IdentityCache) UsersOf(device domain.DeviceIdentity) []domain.UserIdentity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var users []domain.UserIdentity
	for user, d := range c.entries {
		if d == device {
			users = append(users, user)
		}
	}
	return users
}

// Len returns the number of memoized users.
func (c *IdentityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
