package ws

import (
	"sort"
	"sync"

	"palaver/internal/models"
)

// Registry is the single source of truth for who is online. It owns both the
// connection-to-identity mapping and the reverse index, so the two views
// cannot drift apart. All methods are safe for concurrent use; the read
// methods return snapshots so callers send outside the lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Conn]models.Identity
	byUser map[string][]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[*Conn]models.Identity),
		byUser: make(map[string][]*Conn),
	}
}

// Admit registers a new live entry. Admitting the same handle twice returns
// models.ErrDuplicateAdmission.
func (r *Registry) Admit(c *Conn, identity models.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; ok {
		return models.ErrDuplicateAdmission
	}
	r.conns[c] = identity
	r.byUser[identity.UserID] = append(r.byUser[identity.UserID], c)
	return nil
}

// Retire removes an entry. Idempotent: retiring an unknown or already-retired
// connection reports ok=false and changes nothing. last is true when this was
// the identity's final live connection.
func (r *Registry) Retire(c *Conn) (identity models.Identity, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok = r.conns[c]
	if !ok {
		return models.Identity{}, false, false
	}
	delete(r.conns, c)

	owned := r.byUser[identity.UserID]
	remaining := owned[:0]
	for _, other := range owned {
		if other != c {
			remaining = append(remaining, other)
		}
	}
	if len(remaining) == 0 {
		delete(r.byUser, identity.UserID)
		return identity, true, true
	}
	r.byUser[identity.UserID] = remaining
	return identity, false, true
}

// ListIdentities returns the distinct identities currently present, sorted
// by username.
func (r *Registry) ListIdentities() []models.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]models.Identity, 0, len(r.byUser))
	for _, owned := range r.byUser {
		identities = append(identities, r.conns[owned[0]])
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Username < identities[j].Username
	})
	return identities
}

// ConnectionsFor returns every live connection owned by the identity, which
// may be none.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Conn(nil), r.byUser[userID]...)
}

// AllConnections returns every live connection.
func (r *Registry) AllConnections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionsExcept returns every live connection not owned by the identity.
func (r *Registry) ConnectionsExcept(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Conn
	for c, identity := range r.conns {
		if identity.UserID != userID {
			conns = append(conns, c)
		}
	}
	return conns
}

// OnlineUserIDs returns the set of user ids with at least one live connection.
func (r *Registry) OnlineUserIDs() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := make(map[string]struct{}, len(r.byUser))
	for userID := range r.byUser {
		online[userID] = struct{}{}
	}
	return online
}
