// Package msglog is the ordered, authoritative collection of chat messages.
// Reads are served from memory; every mutation is written through to a
// store.MessageStore before it becomes visible.
package msglog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatrelay/models"
	"chatrelay/store"
)

type Log struct {
	mu       sync.RWMutex
	messages []models.Message // non-decreasing Timestamp; ties in insertion order
	store    store.MessageStore
	clock    func() time.Time
}

func New(s store.MessageStore) *Log {
	return &Log{store: s, clock: time.Now}
}

// Load replaces the in-memory copy with what the store holds inside window.
func (l *Log) Load(ctx context.Context, window time.Duration) error {
	msgs, err := l.store.LoadRecent(ctx, l.since(window))
	if err != nil {
		return errors.Wrap(err, "load message log")
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	l.mu.Lock()
	l.messages = msgs
	l.mu.Unlock()
	return nil
}

func (l *Log) since(window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return l.clock().Add(-window)
}

func storageErr(err error) error {
	if errors.Is(err, models.ErrStorageUnavailable) {
		return err
	}
	return errors.Wrap(models.ErrStorageUnavailable, err.Error())
}

// Append assigns an id and timestamp when missing and stores msg.
func (l *Log) Append(ctx context.Context, msg models.Message) (models.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.clock().UTC().Truncate(time.Millisecond)
	}
	msg = msg.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, m := range l.messages {
		if m.ID == msg.ID {
			return models.Message{}, errors.Errorf("duplicate message id %s", msg.ID)
		}
	}
	if err := l.store.Append(ctx, msg); err != nil {
		return models.Message{}, storageErr(err)
	}

	// first position whose timestamp is strictly later keeps ties stable
	i := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].Timestamp.After(msg.Timestamp)
	})
	l.messages = append(l.messages, models.Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = msg

	return msg.Clone(), nil
}

func (l *Log) indexLocked(id string) int {
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Edit replaces the text of message id. Only the author may edit.
func (l *Log) Edit(ctx context.Context, id, newText, requesterID string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(id)
	if i < 0 {
		return models.Message{}, errors.Wrapf(models.ErrNotFound, "message %s", id)
	}
	if l.messages[i].AuthorID != requesterID {
		return models.Message{}, errors.Wrapf(models.ErrForbidden, "message %s belongs to another user", id)
	}

	updated := l.messages[i].Clone()
	updated.Text = models.StringPtr(newText)
	updated.Edited = true
	if err := l.store.Update(ctx, updated); err != nil {
		return models.Message{}, storageErr(err)
	}
	l.messages[i] = updated
	return updated.Clone(), nil
}

// Delete removes message id. It returns false when the id is unknown.
func (l *Log) Delete(ctx context.Context, id, requesterID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(id)
	if i < 0 {
		return false, nil
	}
	if l.messages[i].AuthorID != requesterID {
		return false, errors.Wrapf(models.ErrForbidden, "message %s belongs to another user", id)
	}
	if err := l.store.Delete(ctx, id); err != nil {
		return false, storageErr(err)
	}
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	return true, nil
}

// MarkRead flags message id as read. Any viewer may do this.
func (l *Log) MarkRead(ctx context.Context, id string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexLocked(id)
	if i < 0 {
		return models.Message{}, errors.Wrapf(models.ErrNotFound, "message %s", id)
	}
	if l.messages[i].Read {
		return l.messages[i].Clone(), nil
	}

	updated := l.messages[i].Clone()
	updated.Read = true
	if err := l.store.Update(ctx, updated); err != nil {
		return models.Message{}, storageErr(err)
	}
	l.messages[i] = updated
	return updated.Clone(), nil
}

func (l *Log) DeleteAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.DeleteAll(ctx); err != nil {
		return storageErr(err)
	}
	l.messages = nil
	return nil
}

// LoadRecent returns messages newer than now-window, oldest first. A window
// <= 0 returns everything.
func (l *Log) LoadRecent(window time.Duration) []models.Message {
	since := l.since(window)

	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if !since.IsZero() {
		start = sort.Search(len(l.messages), func(i int) bool {
			return l.messages[i].Timestamp.After(since)
		})
	}
	out := make([]models.Message, 0, len(l.messages)-start)
	for _, m := range l.messages[start:] {
		out = append(out, m.Clone())
	}
	return out
}

// Get returns a copy of message id.
func (l *Log) Get(id string) (models.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := l.indexLocked(id)
	if i < 0 {
		return models.Message{}, false
	}
	return l.messages[i].Clone(), true
}

// SweepExpired removes every message with Timestamp <= cutoff.
func (l *Log) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := sort.Search(len(l.messages), func(i int) bool {
		return l.messages[i].Timestamp.After(cutoff)
	})
	// the store may hold rows older than what was loaded, so always ask it
	if _, err := l.store.DeleteOlderThan(ctx, cutoff); err != nil {
		return 0, storageErr(err)
	}
	if n > 0 {
		l.messages = append([]models.Message(nil), l.messages[n:]...)
	}
	return n, nil
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
