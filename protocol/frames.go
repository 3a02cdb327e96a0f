package protocol

import (
	"encoding/json"
	"time"

	"chatrelay/models"
)

// Outbound frame types.
const (
	OutLoginResult    = "loginResult"
	OutSignupResult   = "signupResult"
	OutChatMessage    = "chatMessage"
	OutMediaMessage   = "mediaMessage"
	OutMessageEdited  = "messageEdited"
	OutMessageDeleted = "messageDeleted"
	OutMessageRead    = "messageRead"
	OutHistory        = "history"
	OutUserStatus     = "userStatus"
	OutClearChat      = "clearChat"
	OutError          = "error"
	OutPong           = "pong"
	OutBye            = "bye"
)

type MessageView struct {
	ID         string             `json:"id"`
	UserID     string             `json:"userId"`
	Username   string             `json:"username"`
	Text       *string            `json:"text,omitempty"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
	Timestamp  int64              `json:"timestamp"`
	Edited     bool               `json:"edited"`
	Read       bool               `json:"read"`
	IsMe       bool               `json:"isMe"`
}

type PresenceView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
	LastSeen *int64 `json:"lastSeen"`
	IsMe     bool   `json:"isMe"`
}

type IdentityView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Result struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Identity *IdentityView `json:"identity,omitempty"`
	Token    string        `json:"token,omitempty"`
}

type ErrorBody struct {
	Op      string `json:"op"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type Bye struct {
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

type Deleted struct {
	ID string `json:"id"`
}

// Encode builds a complete outbound frame.
func Encode(typ string, data interface{}) []byte {
	env := struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{typ, data}
	b, err := json.Marshal(env)
	if err != nil {
		// every payload above is plain data; reaching here is a programming error
		panic(err)
	}
	return b
}

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// ViewMessage renders m as seen by viewerID.
func ViewMessage(m models.Message, viewerID string) MessageView {
	return MessageView{
		ID:         m.ID,
		UserID:     m.AuthorID,
		Username:   m.AuthorName,
		Text:       m.Text,
		Attachment: m.Attachment,
		Timestamp:  millis(m.Timestamp),
		Edited:     m.Edited,
		Read:       m.Read,
		IsMe:       m.AuthorID == viewerID,
	}
}

func ViewHistory(msgs []models.Message, viewerID string) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ViewMessage(m, viewerID))
	}
	return out
}

// ViewPresence renders a registry snapshot without password hashes.
func ViewPresence(entries []models.PresenceEntry, viewerID string) []PresenceView {
	out := make([]PresenceView, 0, len(entries))
	for _, e := range entries {
		v := PresenceView{
			ID:       e.Identity.ID,
			Username: e.Identity.Username,
			IsOnline: e.IsOnline,
			IsMe:     e.Identity.ID == viewerID,
		}
		if e.LastSeen != nil {
			ms := millis(*e.LastSeen)
			v.LastSeen = &ms
		}
		out = append(out, v)
	}
	return out
}

// MessageFrameType picks chatMessage or mediaMessage.
func MessageFrameType(m models.Message) string {
	if m.IsMedia() {
		return OutMediaMessage
	}
	return OutChatMessage
}

func ErrorFrame(op string, err error) []byte {
	return Encode(OutError, ErrorBody{Op: op, Kind: models.Kind(err), Message: models.PublicMessage(err)})
}
