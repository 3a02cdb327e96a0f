package models

import "time"

type Identity struct {
	ID           string
	Username     string
	PasswordHash string // bcrypt
	IsOnline     bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// Attachment is carried as-is; Data is whatever the client sent (usually a data URL).
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Data string `json:"data"`
}

type Message struct {
	ID         string
	AuthorID   string
	AuthorName string
	Text       *string
	Attachment *Attachment
	Timestamp  time.Time
	Edited     bool
	Read       bool
}

// IsMedia reports whether the message carries an attachment.
func (m Message) IsMedia() bool {
	return m.Attachment != nil
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	c := m
	if m.Text != nil {
		t := *m.Text
		c.Text = &t
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return c
}

type PresenceEntry struct {
	Identity Identity
	IsOnline bool
	LastSeen *time.Time
}

// StringPtr is a small helper for optional text fields.
func StringPtr(s string) *string {
	return &s
}
