package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatrelay/models"
)

// Memory keeps identities and messages in process memory.
type Memory struct {
	mu         sync.RWMutex
	identities []models.Identity
	byName     map[string]int
	messages   []models.Message
}

func NewMemory() *Memory {
	return &Memory{byName: make(map[string]int)}
}

func (m *Memory) CreateIdentity(ctx context.Context, username, password string) (models.Identity, error) {
	if err := ValidateCredentials(username, password); err != nil {
		return models.Identity{}, err
	}
	hashed, err := HashPassword(password)
	if err != nil {
		return models.Identity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byName[username]; ok {
		return models.Identity{}, models.ErrUsernameTaken
	}
	id := models.Identity{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}
	m.byName[username] = len(m.identities)
	m.identities = append(m.identities, id)
	return id, nil
}

func (m *Memory) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	m.mu.RLock()
	idx, ok := m.byName[username]
	var id models.Identity
	if ok {
		id = m.identities[idx]
	}
	m.mu.RUnlock()

	if !ok || !CheckPassword(id.PasswordHash, password) {
		return models.Identity{}, models.ErrAuthFailure
	}
	return id, nil
}

func (m *Memory) Identities(ctx context.Context) ([]models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Identity, len(m.identities))
	copy(out, m.identities)
	return out, nil
}

func (m *Memory) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.identities {
		if m.identities[i].ID == identityID {
			m.identities[i].IsOnline = online
			if !online {
				t := lastSeen
				m.identities[i].LastSeen = &t
			}
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "identity %s", identityID)
}

func (m *Memory) Append(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg.Clone())
	return nil
}

func (m *Memory) Update(ctx context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == msg.ID {
			m.messages[i] = msg.Clone()
			return nil
		}
	}
	return errors.Wrapf(models.ErrNotFound, "message %s", msg.ID)
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) LoadRecent(ctx context.Context, since time.Time) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Message
	for _, msg := range m.messages {
		if msg.Timestamp.After(since) {
			out = append(out, msg.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	return nil
}

func (m *Memory) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.messages[:0]
	removed := 0
	for _, msg := range m.messages {
		if msg.Timestamp.After(cutoff) {
			kept = append(kept, msg)
		} else {
			removed++
		}
	}
	m.messages = kept
	return removed, nil
}
