package server

import (
	"sync"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
)

// ViewerSet implements domain.ViewerDirectory. Viewers are grouped by user and
// keyed by transport ID, so several tabs of one user coexist.
type ViewerSet struct {
	mu    sync.RWMutex
	users map[domain.UserIdentity]map[string]domain.ViewerSession
}

var _ domain.ViewerDirectory = (*ViewerSet)(nil)

// NewViewerSet creates an empty viewer set.
func NewViewerSet() *ViewerSet {
	return &ViewerSet{
		users: make(map[domain.UserIdentity]map[string]domain.ViewerSession),
	}
}

// Add joins a viewer to its user's set.
func (v *ViewerSet) Add(session domain.ViewerSession) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sessions := v.users[session.User]
	if sessions == nil {
		sessions = make(map[string]domain.ViewerSession)
		v.users[session.User] = sessions
	}
	sessions[session.Transport.ID()] = session
}

// Remove leaves the set and prunes the user entry once empty.
func (v *ViewerSet) Remove(session domain.ViewerSession) {
	v.mu.Lock()
	defer v.mu.Unlock()

	sessions := v.users[session.User]
	if sessions == nil {
		return
	}
	delete(sessions, session.Transport.ID())
	if len(sessions) == 0 {
		delete(v.users, session.User)
	}
}

// SessionsOf returns a snapshot of a user's viewers.
func (v *ViewerSet) SessionsOf(user domain.UserIdentity) []domain.ViewerSession {
	v.mu.RLock()
	defer v.mu.RUnlock()

	sessions := v.users[user]
	out := make([]domain.ViewerSession, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// All returns a snapshot of every viewer.
func (v *ViewerSet) All() []domain.ViewerSession {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []domain.ViewerSession
	for _, sessions := range v.users {
		for _, s := range sessions {
			out = append(out, s)
		}
	}
	return out
}

// Users returns the number of distinct users with at least one viewer.
func (v *ViewerSet) Users() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.users)
}

// CloseAll closes every viewer transport and empties the set.
func (v *ViewerSet) CloseAll(code int, reason string) {
	v.mu.Lock()
	users := v.users
	v.users = make(map[domain.UserIdentity]map[string]domain.ViewerSession)
	v.mu.Unlock()

	for _, sessions := range users {
		for _, s := range sessions {
			_ = s.Transport.Close(code, reason)
		}
	}
}
