package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"chatrelay/models"
	"chatrelay/store"
)

// DB is the SQLite backend for both the credential store and the message store.
type DB struct {
	conn *sql.DB
}

var (
	_ store.CredentialStore = (*DB)(nil)
	_ store.MessageStore    = (*DB)(nil)
)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS relay_users (
			id TEXT PRIMARY KEY,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relay_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			author_id TEXT NOT NULL,
			author_name TEXT NOT NULL,
			text TEXT,
			media_type TEXT,
			media_name TEXT,
			media_data TEXT,
			timestamp INTEGER NOT NULL,
			edited INTEGER NOT NULL DEFAULT 0,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_messages_timestamp ON relay_messages(timestamp, seq)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate adds the presence columns to databases created before they existed.
func (db *DB) migrate() error {
	if !db.columnExists("relay_users", "is_online") {
		if _, err := db.conn.Exec("ALTER TABLE relay_users ADD COLUMN is_online INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}

	if !db.columnExists("relay_users", "last_seen") {
		if _, err := db.conn.Exec("ALTER TABLE relay_users ADD COLUMN last_seen INTEGER"); err != nil {
			return err
		}
	}

	// nobody is connected right after a restart
	_, err := db.conn.Exec("UPDATE relay_users SET is_online = 0 WHERE is_online <> 0")
	return err
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func unavailable(err error, op string) error {
	return errors.Wrapf(models.ErrStorageUnavailable, "%s: %v", op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

// User methods

func (db *DB) CreateIdentity(ctx context.Context, username, password string) (models.Identity, error) {
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
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO relay_users (id, login, password, created_at) VALUES (?, ?, ?, ?)",
		id.ID, id.Username, id.PasswordHash, toMillis(id.CreatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.Identity{}, models.ErrUsernameTaken
		}
		return models.Identity{}, unavailable(err, "create user")
	}
	return id, nil
}

func (db *DB) Authenticate(ctx context.Context, username, password string) (models.Identity, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, login, password, is_online, last_seen, created_at FROM relay_users WHERE login = ?",
		username,
	)
	id, err := scanIdentity(row)
	if err == sql.ErrNoRows {
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

func (db *DB) Identities(ctx context.Context) ([]models.Identity, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, login, password, is_online, last_seen, created_at FROM relay_users ORDER BY created_at ASC, rowid ASC",
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

// UpdatePresence records online state; lastSeen is only stored when going offline.
func (db *DB) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	var result sql.Result
	var err error
	if online {
		result, err = db.conn.ExecContext(ctx, "UPDATE relay_users SET is_online = 1 WHERE id = ?", identityID)
	} else {
		result, err = db.conn.ExecContext(ctx,
			"UPDATE relay_users SET is_online = 0, last_seen = ? WHERE id = ?",
			toMillis(lastSeen), identityID,
		)
	}
	if err != nil {
		return unavailable(err, "update presence")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable(err, "update presence")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(models.ErrNotFound, "identity %s", identityID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row scanner) (models.Identity, error) {
	var id models.Identity
	var online int
	var lastSeen sql.NullInt64
	var created int64
	if err := row.Scan(&id.ID, &id.Username, &id.PasswordHash, &online, &lastSeen, &created); err != nil {
		return models.Identity{}, err
	}
	id.IsOnline = online != 0
	id.CreatedAt = fromMillis(created)
	if lastSeen.Valid {
		t := fromMillis(lastSeen.Int64)
		id.LastSeen = &t
	}
	return id, nil
}

// Message methods

func (db *DB) Append(ctx context.Context, m models.Message) error {
	var mediaType, mediaName, mediaData sql.NullString
	if m.Attachment != nil {
		mediaType = sql.NullString{String: m.Attachment.Type, Valid: true}
		mediaName = sql.NullString{String: m.Attachment.Name, Valid: true}
		mediaData = sql.NullString{String: m.Attachment.Data, Valid: true}
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO relay_messages (id, author_id, author_name, text, media_type, media_name, media_data, timestamp, edited, read)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.AuthorName, nullString(m.Text), mediaType, mediaName, mediaData,
		toMillis(m.Timestamp), m.Edited, m.Read,
	)
	if err != nil {
		return unavailable(err, "append message")
	}
	return nil
}

func (db *DB) Update(ctx context.Context, m models.Message) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE relay_messages SET text = ?, edited = ?, read = ? WHERE id = ?",
		nullString(m.Text), m.Edited, m.Read, m.ID,
	)
	if err != nil {
		return unavailable(err, "update message")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return unavailable(err, "update message")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(models.ErrNotFound, "message %s", m.ID)
	}
	return nil
}

func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM relay_messages WHERE id = ?", id); err != nil {
		return unavailable(err, "delete message")
	}
	return nil
}

func (db *DB) LoadRecent(ctx context.Context, since time.Time) ([]models.Message, error) {
	sinceMS := int64(-1 << 62)
	if !since.IsZero() {
		sinceMS = toMillis(since)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, author_id, author_name, text, media_type, media_name, media_data, timestamp, edited, read
		FROM relay_messages
		WHERE timestamp > ?
		ORDER BY timestamp ASC, seq ASC
	`, sinceMS)
	if err != nil {
		return nil, unavailable(err, "load messages")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var text, mediaType, mediaName, mediaData sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.AuthorName, &text, &mediaType, &mediaName, &mediaData,
			&ts, &m.Edited, &m.Read); err != nil {
			return nil, unavailable(err, "scan message")
		}
		m.Timestamp = fromMillis(ts)
		if text.Valid {
			m.Text = models.StringPtr(text.String)
		}
		if mediaType.Valid {
			m.Attachment = &models.Attachment{Type: mediaType.String, Name: mediaName.String, Data: mediaData.String}
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) DeleteAll(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM relay_messages"); err != nil {
		return unavailable(err, "delete all messages")
	}
	return nil
}

func (db *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM relay_messages WHERE timestamp <= ?", toMillis(cutoff))
	if err != nil {
		return 0, unavailable(err, "sweep messages")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable(err, "sweep messages")
	}
	return int(n), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
