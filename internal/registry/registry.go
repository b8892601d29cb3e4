// Package registry tracks the single live connection of each online user.
package registry

import "sync"

// Conn is a live transport handle that frames can be pushed to.
type Conn interface {
	Send(frame any) error
	Close(code int, reason string) error
}

// Session is the registry entry for one online user.
type Session struct {
	UserID      string
	DisplayName string
	Conn        Conn
}

// Registry maps user ids to their live session. Implementations must be
// safe for concurrent use; a distributed implementation can replace Local
// without changes to the gateway.
type Registry interface {
	// Register stores the session for userID, replacing any previous one.
	// The superseded handle is returned but not closed.
	Register(userID, displayName string, conn Conn) (previous Conn, replaced bool)
	// Unregister removes the session for userID if present.
	Unregister(userID string)
	// Release removes the session for userID only while it still holds conn.
	Release(userID string, conn Conn) bool
	Lookup(userID string) (Session, bool)
	Count() int
}

// Local is the in-process Registry.
type Local struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

var _ Registry = (*Local)(nil)

func NewLocal() *Local {
	return &Local{sessions: make(map[string]Session)}
}

func (r *Local) Register(userID, displayName string, conn Conn) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.sessions[userID]
	r.sessions[userID] = Session{UserID: userID, DisplayName: displayName, Conn: conn}
	if !ok || prev.Conn == conn {
		return nil, false
	}
	return prev.Conn, true
}

func (r *Local) Unregister(userID string) {
	r.mu.Lock()
	delete(r.sessions, userID)
	r.mu.Unlock()
}

func (r *Local) Release(userID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok || s.Conn != conn {
		return false
	}
	delete(r.sessions, userID)
	return true
}

func (r *Local) Lookup(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *Local) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
