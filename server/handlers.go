package server

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/auth"
	"chatrelay/events"
	"chatrelay/logger"
	"chatrelay/models"
	"chatrelay/protocol"
	"chatrelay/router"
)

const storeTimeout = 10 * time.Second

// Handle processes one inbound frame from c. It returns false once c is
// closed and the transport should stop reading.
func (s *Server) Handle(c *Client, raw []byte) bool {
	if c.State() == StateClosed {
		return false
	}

	ev, err := protocol.ParseEvent(raw)
	if err != nil {
		logger.Debug("bad frame", zap.String("handle", c.Handle), zap.Error(err))
		s.reply(c, protocol.ErrorFrame("", err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	switch e := ev.(type) {
	case protocol.Ping:
		s.reply(c, protocol.Encode(protocol.OutPong, nil))
	case protocol.Login:
		s.handleLogin(ctx, c, e)
	case protocol.Signup:
		s.handleSignup(ctx, c, e)
	case protocol.Logout:
		s.Close(c, "logout")
	default:
		id, ok := c.Identity()
		if !ok {
			s.reply(c, protocol.ErrorFrame(ev.Type(), errors.Wrap(models.ErrAuthFailure, "login required")))
			return true
		}
		switch e := ev.(type) {
		case protocol.ChatMessage:
			s.handleChat(ctx, c, id, e)
		case protocol.MediaMessage:
			s.handleMedia(ctx, c, id, e)
		case protocol.EditMessage:
			s.handleEdit(ctx, c, id, e)
		case protocol.DeleteMessage:
			s.handleDelete(ctx, c, id, e)
		case protocol.MarkRead:
			s.handleMarkRead(ctx, c, e)
		case protocol.ClearAll:
			s.handleClearAll(ctx, c, id)
		}
	}
	return c.State() != StateClosed
}

// publicMessage keeps storage and lookup details out of replies.
func publicMessage(err error) string {
	if errors.Is(err, ErrShuttingDown) {
		return ErrShuttingDown.Error()
	}
	return models.PublicMessage(err)
}

func (s *Server) handleLogin(ctx context.Context, c *Client, e protocol.Login) {
	if id, ok := c.Identity(); ok {
		s.reply(c, protocol.Encode(protocol.OutLoginResult, protocol.Result{
			Success:  true,
			Identity: &protocol.IdentityView{ID: id.ID, Username: id.Username},
		}))
		return
	}

	id, err := s.creds.Authenticate(ctx, e.Username, e.Password)
	if err == nil {
		err = s.establish(c, id)
	}
	if err != nil {
		logger.Info("login failed",
			zap.String("user", e.Username),
			zap.String("remote", c.Remote),
			zap.String("kind", models.Kind(err)))
		s.reply(c, protocol.Encode(protocol.OutLoginResult, protocol.Result{Success: false, Message: publicMessage(err)}))
	}
}

// Signup creates an identity, honouring MaxUsers.
func (s *Server) Signup(ctx context.Context, username, password string) (models.Identity, error) {
	username = strings.TrimSpace(username)

	s.signups.Lock()
	defer s.signups.Unlock()

	if s.opts.MaxUsers > 0 {
		ids, err := s.creds.Identities(ctx)
		if err != nil {
			return models.Identity{}, err
		}
		if len(ids) >= s.opts.MaxUsers {
			return models.Identity{}, errors.Wrapf(models.ErrCapacityExceeded, "max %d users", s.opts.MaxUsers)
		}
	}
	id, err := s.creds.CreateIdentity(ctx, username, password)
	if err != nil {
		return models.Identity{}, err
	}
	id.PasswordHash = ""
	s.registry.Track(id)
	s.broadcastPresence()
	logger.Info("user signed up", zap.String("user", id.Username))
	return id, nil
}

// Login verifies credentials and issues a bearer token for token connects.
func (s *Server) Login(ctx context.Context, username, password string) (models.Identity, string, time.Time, error) {
	id, err := s.creds.Authenticate(ctx, strings.TrimSpace(username), password)
	if err != nil {
		return models.Identity{}, "", time.Time{}, err
	}
	id.PasswordHash = ""
	token, exp, err := auth.Issue(s.opts.Auth, id)
	if err != nil {
		return models.Identity{}, "", time.Time{}, err
	}
	return id, token, exp, nil
}

func (s *Server) handleSignup(ctx context.Context, c *Client, e protocol.Signup) {
	id, err := s.Signup(ctx, e.Username, e.Password)
	if err != nil {
		logger.Info("signup failed", zap.String("user", e.Username), zap.String("kind", models.Kind(err)))
		s.reply(c, protocol.Encode(protocol.OutSignupResult, protocol.Result{Success: false, Message: publicMessage(err)}))
		return
	}
	s.reply(c, protocol.Encode(protocol.OutSignupResult, protocol.Result{
		Success:  true,
		Identity: &protocol.IdentityView{ID: id.ID, Username: id.Username},
	}))
}

func (s *Server) checkText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.Wrap(models.ErrMalformedEvent, "empty message")
	}
	if s.opts.MaxTextLength > 0 && utf8.RuneCountInString(text) > s.opts.MaxTextLength {
		return errors.Wrapf(models.ErrMalformedEvent, "message longer than %d characters", s.opts.MaxTextLength)
	}
	return nil
}

func messageEvent(typ string, m models.Message) router.Event {
	return router.PerRecipient(func(r router.Recipient) []byte {
		return protocol.Encode(typ, protocol.ViewMessage(m, r.IdentityID))
	})
}

// post appends msg and broadcasts it to every session.
func (s *Server) post(ctx context.Context, c *Client, op string, msg models.Message) {
	s.fanout.Lock()
	m, err := s.log.Append(ctx, msg)
	if err == nil {
		s.router.Publish(messageEvent(protocol.MessageFrameType(m), m), router.All)
	}
	s.fanout.Unlock()

	if err == nil {
		s.events.Emit(events.Event{Kind: events.MessagePosted, ActorID: m.AuthorID, Actor: m.AuthorName, MessageID: m.ID})
	}

	if err != nil {
		logger.Error("append failed", zap.String("handle", c.Handle), zap.Error(err))
		s.reply(c, protocol.ErrorFrame(op, err))
	}
}

func (s *Server) handleChat(ctx context.Context, c *Client, id models.Identity, e protocol.ChatMessage) {
	if err := s.checkText(e.Text); err != nil {
		s.reply(c, protocol.ErrorFrame(e.Type(), err))
		return
	}
	s.post(ctx, c, e.Type(), models.Message{
		AuthorID:   id.ID,
		AuthorName: id.Username,
		Text:       models.StringPtr(e.Text),
	})
}

func (s *Server) handleMedia(ctx context.Context, c *Client, id models.Identity, e protocol.MediaMessage) {
	switch {
	case e.Data == "":
		s.reply(c, protocol.ErrorFrame(e.Type(), errors.Wrap(models.ErrMalformedEvent, "empty media")))
		return
	case s.opts.MaxMediaBytes > 0 && len(e.Data) > s.opts.MaxMediaBytes:
		s.reply(c, protocol.ErrorFrame(e.Type(), errors.Wrapf(models.ErrMalformedEvent, "media larger than %d bytes", s.opts.MaxMediaBytes)))
		return
	}
	s.post(ctx, c, e.Type(), models.Message{
		AuthorID:   id.ID,
		AuthorName: id.Username,
		Attachment: &models.Attachment{Type: e.MediaType, Name: e.Name, Data: e.Data},
	})
}

func (s *Server) handleEdit(ctx context.Context, c *Client, id models.Identity, e protocol.EditMessage) {
	if err := s.checkText(e.Text); err != nil {
		s.reply(c, protocol.ErrorFrame(e.Type(), err))
		return
	}

	s.fanout.Lock()
	m, err := s.log.Edit(ctx, e.ID, e.Text, id.ID)
	if err == nil {
		s.router.Publish(messageEvent(protocol.OutMessageEdited, m), router.All)
	}
	s.fanout.Unlock()

	if err != nil {
		s.reply(c, protocol.ErrorFrame(e.Type(), err))
		return
	}
	s.events.Emit(events.Event{Kind: events.MessageEdited, ActorID: id.ID, Actor: id.Username, MessageID: m.ID})
}

func (s *Server) handleDelete(ctx context.Context, c *Client, id models.Identity, e protocol.DeleteMessage) {
	s.fanout.Lock()
	ok, err := s.log.Delete(ctx, e.ID, id.ID)
	if err == nil && ok {
		s.router.Publish(router.Frame(protocol.Encode(protocol.OutMessageDeleted, protocol.Deleted{ID: e.ID})), router.All)
	}
	s.fanout.Unlock()

	if err == nil && !ok {
		err = errors.Wrapf(models.ErrNotFound, "message %s", e.ID)
	}
	if err != nil {
		s.reply(c, protocol.ErrorFrame(e.Type(), err))
		return
	}
	s.events.Emit(events.Event{Kind: events.MessageDeleted, ActorID: id.ID, Actor: id.Username, MessageID: e.ID})
}

func (s *Server) handleMarkRead(ctx context.Context, c *Client, e protocol.MarkRead) {
	s.fanout.Lock()
	m, err := s.log.MarkRead(ctx, e.ID)
	if err == nil {
		s.router.Publish(messageEvent(protocol.OutMessageRead, m), router.All)
	}
	s.fanout.Unlock()

	if err != nil {
		s.reply(c, protocol.ErrorFrame(e.Type(), err))
		return
	}
	if id, ok := c.Identity(); ok {
		s.events.Emit(events.Event{Kind: events.MessageRead, ActorID: id.ID, Actor: id.Username, MessageID: m.ID})
	}
}

func (s *Server) handleClearAll(ctx context.Context, c *Client, id models.Identity) {
	if err := s.ClearAll(ctx); err != nil {
		s.reply(c, protocol.ErrorFrame(protocol.TypeClearAll, err))
		return
	}
	logger.Info("chat cleared", zap.String("by", id.Username))
}

// ClearAll deletes every message and tells every session.
func (s *Server) ClearAll(ctx context.Context) error {
	s.fanout.Lock()
	defer s.fanout.Unlock()
	if err := s.log.DeleteAll(ctx); err != nil {
		return err
	}
	s.router.Publish(router.Frame(protocol.Encode(protocol.OutClearChat, nil)), router.All)
	s.events.Emit(events.Event{Kind: events.ChatCleared})
	return nil
}

// RecentMessages returns what a newly connected session would see.
func (s *Server) RecentMessages() []models.Message {
	return s.log.LoadRecent(s.opts.RetentionWindow)
}

// Presence returns the current presence list.
func (s *Server) Presence() []models.PresenceEntry {
	return s.registry.Snapshot()
}
