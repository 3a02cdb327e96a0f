package protocol

import (
	"encoding/json"
	"strings"

	"chatrelay/models"

	"github.com/pkg/errors"
)

// ErrMalformedEvent is returned for frames that cannot be decoded into a known event.
var ErrMalformedEvent = models.ErrMalformedEvent

// Inbound event types.
const (
	TypeLogin         = "login"
	TypeSignup        = "signup"
	TypeChatMessage   = "chatMessage"
	TypeMediaMessage  = "mediaMessage"
	TypeEditMessage   = "editMessage"
	TypeDeleteMessage = "deleteMessage"
	TypeMarkRead      = "markRead"
	TypeLogout        = "logout"
	TypeClearAll      = "clearAll"
	TypePing          = "ping"
)

// Older clients use these names.
var aliases = map[string]string{
	"chat":           TypeChatMessage,
	"message":        TypeChatMessage,
	"media":          TypeMediaMessage,
	"edit-message":   TypeEditMessage,
	"update-message": TypeEditMessage,
	"delete-message": TypeDeleteMessage,
	"read":           TypeMarkRead,
	"delete_all":     TypeClearAll,
	"bye":            TypeLogout,
}

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is one of the inbound event structs below.
type Event interface {
	Type() string
}

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Signup struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChatMessage struct {
	Text string `json:"text"`
}

type MediaMessage struct {
	MediaType string `json:"type"`
	Name      string `json:"name"`
	Data      string `json:"data"`
}

type EditMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type DeleteMessage struct {
	ID string `json:"id"`
}

type MarkRead struct {
	ID string `json:"id"`
}

type Logout struct{}

type ClearAll struct{}

type Ping struct{}

func (Login) Type() string         { return TypeLogin }
func (Signup) Type() string        { return TypeSignup }
func (ChatMessage) Type() string   { return TypeChatMessage }
func (MediaMessage) Type() string  { return TypeMediaMessage }
func (EditMessage) Type() string   { return TypeEditMessage }
func (DeleteMessage) Type() string { return TypeDeleteMessage }
func (MarkRead) Type() string      { return TypeMarkRead }
func (Logout) Type() string        { return TypeLogout }
func (ClearAll) Type() string      { return TypeClearAll }
func (Ping) Type() string          { return TypePing }

// ParseEvent decodes one inbound frame. The payload may sit under "data" or
// directly next to "type".
func ParseEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}

	typ := strings.TrimSpace(env.Type)
	if alias, ok := aliases[typ]; ok {
		typ = alias
	}
	if typ == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "missing type")
	}

	payload := []byte(env.Data)
	if len(payload) == 0 || string(payload) == "null" {
		payload = raw
	}

	var ev Event
	var err error
	switch typ {
	case TypeLogin:
		var e Login
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeSignup:
		var e Signup
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeChatMessage:
		var e ChatMessage
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeMediaMessage:
		// the top-level "type" collides with the media type, so only "data" is accepted here
		var e MediaMessage
		if len(env.Data) == 0 {
			return nil, errors.Wrap(ErrMalformedEvent, "mediaMessage requires data")
		}
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case TypeEditMessage:
		var e EditMessage
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeDeleteMessage:
		var e DeleteMessage
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeMarkRead:
		var e MarkRead
		err = json.Unmarshal(payload, &e)
		ev = e
	case TypeLogout:
		ev = Logout{}
	case TypeClearAll:
		ev = ClearAll{}
	case TypePing:
		ev = Ping{}
	default:
		return nil, errors.Wrapf(ErrMalformedEvent, "unknown type %q", env.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "%s: %v", typ, err)
	}

	return ev, nil
}
