// Package pgstore is the PostgreSQL backend, built on a pgx connection pool.
package pgstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"chatrelay/models"
	"chatrelay/store"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ store.CredentialStore = (*Store)(nil)
	_ store.MessageStore    = (*Store)(nil)
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS relay_users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	)`,
	`CREATE TABLE IF NOT EXISTS relay_messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		author_id TEXT NOT NULL,
		author_name TEXT NOT NULL,
		text TEXT,
		media_type TEXT,
		media_name TEXT,
		media_data TEXT,
		ts TIMESTAMPTZ NOT NULL,
		edited BOOLEAN NOT NULL DEFAULT FALSE,
		read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS relay_messages_ts ON relay_messages(ts, seq)`,
	`UPDATE relay_users SET is_online = FALSE WHERE is_online`,
}

// Open connects to databaseURL and creates the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	for _, q := range schema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, errors.Wrap(err, "create schema")
		}
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func unavailable(err error, op string) error {
	return errors.Wrapf(models.ErrStorageUnavailable, "%s: %v", op, err)
}

func (s *Store) CreateIdentity(ctx context.Context, username, password string) (models.Identity, error) {
	if err := store.ValidateCredentials(username, password); err != nil {
		return models.Identity{}, err
	}
	hashed, err := store.HashPassword(password)
	if err != nil {
		return models.Identity{}, err
	}

	id := models.Identity{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hashed,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO relay_users (id, username, password, created_at) VALUES ($1, $2, $3, $4)",
		id.ID, id.Username, id.PasswordHash, id.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Identity{}, models.ErrUsernameTaken
		}
		return models.Identity{}, unavailable(err, "create user")
	}
	return id, nil
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT id, username, password, is_online, last_seen, created_at FROM relay_users WHERE username = $1",
		username,
	)
	id, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Identity{}, models.ErrAuthFailure
	}
	if err != nil {
		return models.Identity{}, unavailable(err, "authenticate")
	}
	if !store.CheckPassword(id.PasswordHash, password) {
		return models.Identity{}, models.ErrAuthFailure
	}
	return id, nil
}

func (s *Store) Identities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id, username, password, is_online, last_seen, created_at FROM relay_users ORDER BY seq ASC",
	)
	if err != nil {
		return nil, unavailable(err, "list users")
	}
	defer rows.Close()

	var ids []models.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, unavailable(err, "scan user")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	var tag pgconn.CommandTag
	var err error
	if online {
		tag, err = s.pool.Exec(ctx, "UPDATE relay_users SET is_online = TRUE WHERE id = $1", identityID)
	} else {
		tag, err = s.pool.Exec(ctx,
			"UPDATE relay_users SET is_online = FALSE, last_seen = $1 WHERE id = $2", lastSeen.UTC(), identityID)
	}
	if err != nil {
		return unavailable(err, "update presence")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "identity %s", identityID)
	}
	return nil
}

func scanIdentity(row pgx.Row) (models.Identity, error) {
	var id models.Identity
	var lastSeen *time.Time
	if err := row.Scan(&id.ID, &id.Username, &id.PasswordHash, &id.IsOnline, &lastSeen, &id.CreatedAt); err != nil {
		return models.Identity{}, err
	}
	if lastSeen != nil {
		t := lastSeen.UTC()
		id.LastSeen = &t
	}
	id.CreatedAt = id.CreatedAt.UTC()
	return id, nil
}

func (s *Store) Append(ctx context.Context, m models.Message) error {
	var mediaType, mediaName, mediaData *string
	if m.Attachment != nil {
		mediaType, mediaName, mediaData = &m.Attachment.Type, &m.Attachment.Name, &m.Attachment.Data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_messages (id, author_id, author_name, text, media_type, media_name, media_data, ts, edited, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.AuthorID, m.AuthorName, m.Text, mediaType, mediaName, mediaData, m.Timestamp.UTC(), m.Edited, m.Read,
	)
	if err != nil {
		return unavailable(err, "append message")
	}
	return nil
}

func (s *Store) Update(ctx context.Context, m models.Message) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE relay_messages SET text = $1, edited = $2, read = $3 WHERE id = $4",
		m.Text, m.Edited, m.Read, m.ID,
	)
	if err != nil {
		return unavailable(err, "update message")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "message %s", m.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM relay_messages WHERE id = $1", id); err != nil {
		return unavailable(err, "delete message")
	}
	return nil
}

func (s *Store) LoadRecent(ctx context.Context, since time.Time) ([]models.Message, error) {
	query := `
		SELECT id, author_id, author_name, text, media_type, media_name, media_data, ts, edited, read
		FROM relay_messages`
	var args []interface{}
	if !since.IsZero() {
		query += " WHERE ts > $1"
		args = append(args, since.UTC())
	}
	query += " ORDER BY ts ASC, seq ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "load messages")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var mediaType, mediaName, mediaData *string
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &m.Text, &mediaType, &mediaName, &mediaData,
			&m.Timestamp, &m.Edited, &m.Read); err != nil {
			return nil, unavailable(err, "scan message")
		}
		m.Timestamp = m.Timestamp.UTC()
		if mediaType != nil {
			a := models.Attachment{Type: *mediaType}
			if mediaName != nil {
				a.Name = *mediaName
			}
			if mediaData != nil {
				a.Data = *mediaData
			}
			m.Attachment = &a
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM relay_messages"); err != nil {
		return unavailable(err, "delete all messages")
	}
	return nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM relay_messages WHERE ts <= $1", cutoff.UTC())
	if err != nil {
		return 0, unavailable(err, "sweep messages")
	}
	return int(tag.RowsAffected()), nil
}

// reset empties both tables; used by tests against a shared database.
func (s *Store) reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE relay_messages, relay_users")
	return err
}
