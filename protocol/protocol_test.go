package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
)

func TestParseEventEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{"login", `{"type":"login","data":{"username":"alice","password":"pw"}}`, Login{Username: "alice", Password: "pw"}},
		{"chat with data", `{"type":"chatMessage","data":{"text":"hi"}}`, ChatMessage{Text: "hi"}},
		{"chat flat alias", `{"type":"chat","text":"hi"}`, ChatMessage{Text: "hi"}},
		{"media", `{"type":"mediaMessage","data":{"type":"image/png","name":"a.png","data":"data:image/png;base64,AA=="}}`,
			MediaMessage{MediaType: "image/png", Name: "a.png", Data: "data:image/png;base64,AA=="}},
		{"edit", `{"type":"editMessage","data":{"id":"m1","text":"new"}}`, EditMessage{ID: "m1", Text: "new"}},
		{"delete", `{"type":"deleteMessage","data":{"id":"m1"}}`, DeleteMessage{ID: "m1"}},
		{"read", `{"type":"markRead","data":{"id":"m1"}}`, MarkRead{ID: "m1"}},
		{"logout", `{"type":"logout"}`, Logout{}},
		{"delete_all alias", `{"type":"delete_all"}`, ClearAll{}},
		{"ping", `{"type":"ping"}`, Ping{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEvent(%s) failed: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestParseEventMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"teleport"}`,
		`{"type":"chatMessage","data":{"text":42}}`,
		`{"type":"mediaMessage","name":"x"}`,
	} {
		_, err := ParseEvent([]byte(raw))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("ParseEvent(%s): expected ErrMalformedEvent, got %v", raw, err)
		}
	}
}

func TestViewMessageIsMe(t *testing.T) {
	m := models.Message{
		ID:         "m1",
		AuthorID:   "alice-id",
		AuthorName: "alice",
		Text:       models.StringPtr("hi"),
		Timestamp:  time.UnixMilli(1500),
	}

	if v := ViewMessage(m, "alice-id"); !v.IsMe || v.Timestamp != 1500 {
		t.Errorf("Expected isMe=true ts=1500 for author, got %+v", v)
	}
	if v := ViewMessage(m, "bob-id"); v.IsMe {
		t.Errorf("Expected isMe=false for other viewer, got %+v", v)
	}
}

func TestViewPresenceOmitsHash(t *testing.T) {
	seen := time.UnixMilli(2000)
	entries := []models.PresenceEntry{
		{Identity: models.Identity{ID: "a", Username: "alice", PasswordHash: "secret"}, IsOnline: true},
		{Identity: models.Identity{ID: "b", Username: "bob", PasswordHash: "secret"}, LastSeen: &seen},
	}

	b, err := json.Marshal(ViewPresence(entries, "b"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `[{"id":"a","username":"alice","isOnline":true,"lastSeen":null,"isMe":false},` +
		`{"id":"b","username":"bob","isOnline":false,"lastSeen":2000,"isMe":true}]`
	if string(b) != want {
		t.Errorf("Expected %s, got %s", want, b)
	}
}

func TestErrorFrame(t *testing.T) {
	frame := ErrorFrame("editMessage", errors.Wrap(models.ErrForbidden, "not the author"))

	var env struct {
		Type string    `json:"type"`
		Data ErrorBody `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if env.Type != OutError || env.Data.Kind != "Forbidden" || env.Data.Op != "editMessage" {
		t.Errorf("Unexpected error frame: %s", frame)
	}
	if env.Data.Message != "not the author: forbidden" {
		t.Errorf("Expected request detail kept, got %q", env.Data.Message)
	}
}

// TestErrorFrameHidesStorageDetail tests that backend error text never
// reaches the client
func TestErrorFrameHidesStorageDetail(t *testing.T) {
	cause := errors.Wrap(models.ErrStorageUnavailable, "append message: dial tcp 10.0.0.5:5432: connection refused")
	for _, err := range []error{cause, errors.New("pq: relation does not exist")} {
		var env struct {
			Data ErrorBody `json:"data"`
		}
		if e := json.Unmarshal(ErrorFrame("chatMessage", err), &env); e != nil {
			t.Fatalf("Unmarshal failed: %v", e)
		}
		if strings.Contains(env.Data.Message, "10.0.0.5") || strings.Contains(env.Data.Message, "relation") {
			t.Errorf("Expected driver detail hidden, got %q", env.Data.Message)
		}
	}
}
