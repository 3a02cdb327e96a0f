package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"chatrelay/logger"
	"chatrelay/models"
)

const (
	usersFile    = "users.json"
	messagesFile = "messages.json"
)

// File keeps the authoritative copy in memory and flushes it to two JSON files
// from a single writer goroutine, so concurrent events never interleave a
// read-modify-write of the files.
type File struct {
	*Memory

	dir      string
	interval time.Duration
	dirty    chan struct{}
	stop     chan struct{}
	done     chan struct{}
	writeMu  sync.Mutex
	stopOnce sync.Once
}

type fileUser struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	Password  string     `json:"password"`
	IsOnline  bool       `json:"isOnline"`
	LastSeen  *time.Time `json:"lastSeen"`
	CreatedAt time.Time  `json:"createdAt"`
}

type fileMessage struct {
	ID         string             `json:"id"`
	UserID     string             `json:"userId"`
	Username   string             `json:"username"`
	Text       *string            `json:"text,omitempty"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	Edited     bool               `json:"edited"`
	Read       bool               `json:"read"`
}

// OpenFile loads dir/users.json and dir/messages.json (missing files are empty)
// and starts the flusher. interval batches bursts of writes; 0 flushes immediately.
func OpenFile(dir string, interval time.Duration) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	f := &File{
		Memory:   NewMemory(),
		dir:      dir,
		interval: interval,
		dirty:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := f.load(); err != nil {
		return nil, err
	}

	go f.flusher()
	return f, nil
}

func (f *File) load() error {
	var users []fileUser
	if err := readJSON(filepath.Join(f.dir, usersFile), &users); err != nil {
		return err
	}
	var msgs []fileMessage
	if err := readJSON(filepath.Join(f.dir, messagesFile), &msgs); err != nil {
		return err
	}

	for _, u := range users {
		f.byName[u.Username] = len(f.identities)
		f.identities = append(f.identities, models.Identity{
			ID:           u.ID,
			Username:     u.Username,
			PasswordHash: u.Password,
			IsOnline:     false, // nobody is connected right after a restart
			LastSeen:     u.LastSeen,
			CreatedAt:    u.CreatedAt,
		})
	}
	for _, m := range msgs {
		f.messages = append(f.messages, models.Message{
			ID:         m.ID,
			AuthorID:   m.UserID,
			AuthorName: m.Username,
			Text:       m.Text,
			Attachment: m.Attachment,
			Timestamp:  m.Timestamp,
			Edited:     m.Edited,
			Read:       m.Read,
		})
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(models.ErrStorageUnavailable, "read %s: %v", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *File) markDirty() {
	select {
	case f.dirty <- struct{}{}:
	default:
	}
}

func (f *File) flusher() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-f.dirty:
		}
		if f.interval > 0 {
			select {
			case <-time.After(f.interval):
			case <-f.stop:
				return
			}
		}
		if err := f.Flush(); err != nil {
			logger.Errorf("[store] flush %s failed: %v", f.dir, err)
		}
	}
}

// Flush writes the current state to disk.
func (f *File) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	users := make([]fileUser, 0, len(f.identities))
	for _, id := range f.identities {
		users = append(users, fileUser{
			ID:        id.ID,
			Username:  id.Username,
			Password:  id.PasswordHash,
			IsOnline:  id.IsOnline,
			LastSeen:  id.LastSeen,
			CreatedAt: id.CreatedAt,
		})
	}
	msgs := make([]fileMessage, 0, len(f.messages))
	for _, m := range f.messages {
		msgs = append(msgs, fileMessage{
			ID:         m.ID,
			UserID:     m.AuthorID,
			Username:   m.AuthorName,
			Text:       m.Text,
			Attachment: m.Attachment,
			Timestamp:  m.Timestamp,
			Edited:     m.Edited,
			Read:       m.Read,
		})
	}
	f.mu.RUnlock()

	if err := writeJSON(filepath.Join(f.dir, usersFile), users); err != nil {
		return errors.Wrapf(models.ErrStorageUnavailable, "write users: %v", err)
	}
	if err := writeJSON(filepath.Join(f.dir, messagesFile), msgs); err != nil {
		return errors.Wrapf(models.ErrStorageUnavailable, "write messages: %v", err)
	}
	return nil
}

// Close stops the flusher and performs a final flush.
func (f *File) Close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
	return f.Flush()
}

func (f *File) CreateIdentity(ctx context.Context, username, password string) (models.Identity, error) {
	id, err := f.Memory.CreateIdentity(ctx, username, password)
	if err == nil {
		f.markDirty()
	}
	return id, err
}

func (f *File) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	err := f.Memory.UpdatePresence(ctx, identityID, online, lastSeen)
	if err == nil {
		f.markDirty()
	}
	return err
}

func (f *File) Append(ctx context.Context, m models.Message) error {
	err := f.Memory.Append(ctx, m)
	if err == nil {
		f.markDirty()
	}
	return err
}

func (f *File) Update(ctx context.Context, m models.Message) error {
	err := f.Memory.Update(ctx, m)
	if err == nil {
		f.markDirty()
	}
	return err
}

func (f *File) Delete(ctx context.Context, id string) error {
	err := f.Memory.Delete(ctx, id)
	if err == nil {
		f.markDirty()
	}
	return err
}

func (f *File) DeleteAll(ctx context.Context) error {
	err := f.Memory.DeleteAll(ctx)
	if err == nil {
		f.markDirty()
	}
	return err
}

func (f *File) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := f.Memory.DeleteOlderThan(ctx, cutoff)
	if err == nil && n > 0 {
		f.markDirty()
	}
	return n, err
}
