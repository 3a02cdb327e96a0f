// Package registry tracks which identities are connected and on which
// connection handles, and derives presence from that.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatrelay/models"
)

type Session struct {
	ID          string
	Handle      string
	Identity    models.Identity
	ConnectedAt time.Time
}

type Policy struct {
	SingleSession bool // reject a second session for the same identity
	MaxSessions   int  // <=0 means unlimited
}

type known struct {
	identity models.Identity
	lastSeen *time.Time
}

type Registry struct {
	mu         sync.RWMutex
	policy     Policy
	sessions   map[string]*Session            // handle -> session
	byIdentity map[string]map[string]struct{} // identity id -> handles
	known      map[string]*known
	order      []string // identity ids, first-seen order

	writer *Writer
	clock  func() time.Time
}

// New creates a registry. writer may be nil when presence is not persisted.
func New(policy Policy, writer *Writer) *Registry {
	return &Registry{
		policy:     policy,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]struct{}),
		known:      make(map[string]*known),
		writer:     writer,
		clock:      time.Now,
	}
}

// Seed records identities that exist but are not connected, in the given order.
func (r *Registry) Seed(ids []models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.trackLocked(id)
	}
}

// Track adds a single identity (e.g. right after signup).
func (r *Registry) Track(id models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackLocked(id)
}

func (r *Registry) trackLocked(id models.Identity) *known {
	k, ok := r.known[id.ID]
	if !ok {
		k = &known{identity: id, lastSeen: id.LastSeen}
		r.known[id.ID] = k
		r.order = append(r.order, id.ID)
		return k
	}
	k.identity.Username = id.Username
	return k
}

// Register binds handle to identity.
func (r *Registry) Register(handle string, identity models.Identity) (string, error) {
	r.mu.Lock()

	if _, ok := r.sessions[handle]; ok {
		r.mu.Unlock()
		return "", errors.Wrapf(models.ErrAlreadyConnected, "handle %s already registered", handle)
	}
	if r.policy.SingleSession && len(r.byIdentity[identity.ID]) > 0 {
		r.mu.Unlock()
		return "", errors.Wrapf(models.ErrAlreadyConnected, "%s already has a session", identity.Username)
	}
	if r.policy.MaxSessions > 0 && len(r.sessions) >= r.policy.MaxSessions {
		r.mu.Unlock()
		return "", errors.Wrapf(models.ErrCapacityExceeded, "max %d sessions", r.policy.MaxSessions)
	}

	now := r.clock().UTC()
	sess := &Session{
		ID:          uuid.NewString(),
		Handle:      handle,
		Identity:    identity,
		ConnectedAt: now,
	}
	r.sessions[handle] = sess
	r.trackLocked(identity)

	handles := r.byIdentity[identity.ID]
	if handles == nil {
		handles = make(map[string]struct{})
		r.byIdentity[identity.ID] = handles
	}
	handles[handle] = struct{}{}
	cameOnline := len(handles) == 1
	r.mu.Unlock()

	if cameOnline && r.writer != nil {
		r.writer.Enqueue(identity.ID, true, now)
	}
	return sess.ID, nil
}

// Unregister removes handle. Unknown handles are ignored.
func (r *Registry) Unregister(handle string) (Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[handle]
	if !ok {
		r.mu.Unlock()
		return Session{}, false
	}
	delete(r.sessions, handle)

	id := sess.Identity.ID
	wentOffline := false
	if handles := r.byIdentity[id]; handles != nil {
		delete(handles, handle)
		if len(handles) == 0 {
			delete(r.byIdentity, id)
			wentOffline = true
		}
	}

	now := r.clock().UTC()
	if wentOffline {
		if k := r.known[id]; k != nil {
			k.lastSeen = &now
		}
	}
	out := *sess
	r.mu.Unlock()

	if wentOffline && r.writer != nil {
		r.writer.Enqueue(id, false, now)
	}
	return out, true
}

func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identityID]) > 0
}

func (r *Registry) Lookup(handle string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[handle]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Handles returns the handles bound to identityID.
func (r *Registry) Handles(identityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byIdentity[identityID]))
	for h := range r.byIdentity[identityID] {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot lists every known identity in first-seen order with its presence.
func (r *Registry) Snapshot() []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PresenceEntry, 0, len(r.order))
	for _, id := range r.order {
		k := r.known[id]
		online := len(r.byIdentity[id]) > 0
		entry := models.PresenceEntry{
			Identity: k.identity,
			IsOnline: online,
		}
		entry.Identity.IsOnline = online
		entry.Identity.PasswordHash = ""
		if k.lastSeen != nil {
			t := *k.lastSeen
			entry.LastSeen = &t
			entry.Identity.LastSeen = &t
		}
		out = append(out, entry)
	}
	return out
}
