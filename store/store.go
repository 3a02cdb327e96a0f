// Package store defines the persistence collaborators of the relay and the
// in-process implementations of them. The SQLite and PostgreSQL backends live in
// the db and pgstore packages.
package store

import (
	"context"
	"time"

	"chatrelay/models"
)

type CredentialStore interface {
	CreateIdentity(ctx context.Context, username, password string) (models.Identity, error)
	Authenticate(ctx context.Context, username, password string) (models.Identity, error)
	// Identities returns every identity in creation order.
	Identities(ctx context.Context) ([]models.Identity, error)
	PresenceSink
}

// PresenceSink receives best-effort online/last-seen updates.
type PresenceSink interface {
	UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error
}

// MessageStore is the durable side of the message log.
type MessageStore interface {
	Append(ctx context.Context, m models.Message) error
	Update(ctx context.Context, m models.Message) error
	Delete(ctx context.Context, id string) error
	// LoadRecent returns messages with Timestamp > since, oldest first.
	LoadRecent(ctx context.Context, since time.Time) ([]models.Message, error)
	DeleteAll(ctx context.Context) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
