package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/auth"
	"chatrelay/config"
	"chatrelay/events"
	"chatrelay/logger"
	"chatrelay/models"
	"chatrelay/msglog"
	"chatrelay/protocol"
	"chatrelay/registry"
	"chatrelay/router"
	"chatrelay/store"
	"chatrelay/sweeper"
)

var ErrShuttingDown = errors.New("server is shutting down")

type Options struct {
	Port         int
	HTTPAddr     string
	AuthTimeout  time.Duration // unauthenticated connections, counted from connect
	IdleTimeout  time.Duration // authenticated connections, counted from last inbound frame
	WriteTimeout time.Duration

	RetentionWindow time.Duration
	SweepInterval   time.Duration

	SendQueue      int
	MaxConnections int // concurrent TCP connections, 0 = unlimited
	MaxUsers       int
	MaxTextLength  int
	MaxMediaBytes  int

	Auth       auth.Options
	AdminToken string
}

func OptionsFromConfig(cfg *config.Config) Options {
	a := auth.DefaultOptions([]byte(cfg.JWTSecret))
	a.TTL = cfg.TokenTTL
	return Options{
		Port:            cfg.Port,
		HTTPAddr:        cfg.HTTPAddr,
		AuthTimeout:     cfg.AuthTimeout,
		IdleTimeout:     cfg.IdleTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RetentionWindow: cfg.RetentionWindow,
		SweepInterval:   cfg.SweepInterval,
		SendQueue:       cfg.SendQueue,
		MaxConnections:  cfg.MaxConnections,
		MaxUsers:        cfg.MaxUsers,
		MaxTextLength:   cfg.MaxTextLength,
		MaxMediaBytes:   cfg.MaxMediaBytes,
		Auth:            a,
		AdminToken:      cfg.AdminToken,
	}
}

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// Client is one transport connection.
type Client struct {
	Handle      string
	Remote      string
	ConnectedAt time.Time

	sink router.Sink

	mu       sync.Mutex
	state    State
	identity models.Identity

	closeOnce sync.Once
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Identity() (models.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.state == StateAuthenticated
}

type Server struct {
	opts     Options
	creds    store.CredentialStore
	log      *msglog.Log
	registry *registry.Registry
	presence *registry.Writer
	router   *router.Router
	sweeper  *sweeper.Sweeper
	events   *events.Tap

	mu           sync.RWMutex
	clients      map[string]*Client
	shuttingDown bool
	started      time.Time

	// held across a log mutation and its broadcast so every session sees
	// changes in log order
	fanout sync.Mutex
	// serializes snapshot+publish of presence
	presenceMu sync.Mutex

	signups sync.Mutex

	listener net.Listener
	httpSrv  *http.Server
	done     chan struct{}
	stopped  chan struct{}
}

// New wires the controller. presence may be nil when the registry was built
// without a writer.
func New(opts Options, creds store.CredentialStore, log *msglog.Log, reg *registry.Registry, presence *registry.Writer) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	s := &Server{
		opts:     opts,
		creds:    creds,
		log:      log,
		registry: reg,
		presence: presence,
		clients:  make(map[string]*Client),
		started:  time.Now(),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	s.router = router.New(opts.SendQueue, s.onEvict)
	s.sweeper = sweeper.New(opts.SweepInterval, opts.RetentionWindow, log.SweepExpired, s.onSwept)
	return s
}

// SetEvents mirrors chat activity to tap. Call it before serving.
func (s *Server) SetEvents(tap *events.Tap) {
	s.events = tap
}

// StartSweeper begins retention sweeping; the first sweep runs immediately.
func (s *Server) StartSweeper(ctx context.Context) {
	if s.opts.RetentionWindow <= 0 {
		logger.Info("retention disabled")
		return
	}
	s.sweeper.Start(ctx)
}

// Sweep runs a retention sweep now.
func (s *Server) Sweep(ctx context.Context) (int, error) {
	if s.opts.RetentionWindow <= 0 {
		return 0, nil
	}
	n, ran, err := s.sweeper.RunOnce(ctx)
	if !ran {
		return 0, errors.New("sweep already in progress")
	}
	return n, err
}

func (s *Server) closing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shuttingDown
}

// Open registers a new connection. A non-nil pre identity was already
// verified by the transport (token connect) and is logged in right away.
func (s *Server) Open(sink router.Sink, remote string, pre *models.Identity) *Client {
	c := &Client{
		Handle:      uuid.NewString(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		sink:        sink,
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		c.state = StateClosed
		sink.Send(protocol.Encode(protocol.OutBye, protocol.Bye{Reason: "shutdown"}))
		sink.Close()
		return c
	}
	s.clients[c.Handle] = c
	s.mu.Unlock()

	logger.Debug("connection opened", zap.String("handle", c.Handle), zap.String("remote", remote))

	if pre != nil {
		if err := s.establish(c, *pre); err != nil {
			s.reply(c, protocol.Encode(protocol.OutLoginResult, protocol.Result{Success: false, Message: err.Error()}))
		}
	}
	return c
}

// reply sends a frame to c alone. Before authentication it is written
// straight to the sink from the caller's goroutine; afterwards it goes through
// the router so it stays ordered with broadcasts.
func (s *Server) reply(c *Client, frame []byte) {
	if c.State() == StateAuthenticated {
		s.router.SendTo(c.Handle, frame)
		return
	}
	if err := c.sink.Send(frame); err != nil {
		logger.Debug("direct send failed", zap.String("handle", c.Handle), zap.Error(err))
	}
}

// establish moves c to Authenticated.
func (s *Server) establish(c *Client, id models.Identity) error {
	if s.closing() {
		return ErrShuttingDown
	}
	c.mu.Lock()
	if c.state != StateUnauthenticated {
		c.mu.Unlock()
		return errors.Wrap(models.ErrAlreadyConnected, "connection already logged in")
	}
	c.mu.Unlock()

	id.PasswordHash = ""
	if _, err := s.registry.Register(c.Handle, id); err != nil {
		return err
	}
	// a post in flight reaches the new session in history or live, not both
	s.fanout.Lock()
	if err := s.router.Attach(c.Handle, id.ID, c.sink); err != nil {
		s.fanout.Unlock()
		s.registry.Unregister(c.Handle)
		return err
	}

	c.mu.Lock()
	c.state = StateAuthenticated
	c.identity = id
	c.mu.Unlock()

	result := protocol.Result{
		Success:  true,
		Identity: &protocol.IdentityView{ID: id.ID, Username: id.Username},
	}
	s.router.SendTo(c.Handle, protocol.Encode(protocol.OutLoginResult, result))
	history := s.log.LoadRecent(s.opts.RetentionWindow)
	s.router.SendTo(c.Handle, protocol.Encode(protocol.OutHistory, protocol.ViewHistory(history, id.ID)))
	s.fanout.Unlock()

	s.broadcastPresence()
	s.events.Emit(events.Event{Kind: events.SessionOpened, ActorID: id.ID, Actor: id.Username})
	logger.Info("user logged in",
		zap.String("user", id.Username),
		zap.String("handle", c.Handle),
		zap.String("remote", c.Remote))
	return nil
}

// Close ends c. Safe to call more than once and from any goroutine.
func (s *Server) Close(c *Client, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasAuthenticated := c.state == StateAuthenticated
		id := c.identity
		c.state = StateClosed
		c.mu.Unlock()

		s.mu.Lock()
		delete(s.clients, c.Handle)
		shuttingDown := s.shuttingDown
		s.mu.Unlock()

		if wasAuthenticated {
			done := s.router.Detach(c.Handle)
			s.registry.Unregister(c.Handle)
			if !shuttingDown {
				s.broadcastPresence()
			}
			select {
			case <-done:
			case <-time.After(s.opts.WriteTimeout):
				logger.Warn("writer did not drain in time", zap.String("handle", c.Handle))
			}
			s.events.Emit(events.Event{Kind: events.SessionClosed, ActorID: id.ID, Actor: id.Username})
			logger.Info("user disconnected",
				zap.String("user", id.Username),
				zap.String("handle", c.Handle),
				zap.String("reason", reason))
		} else {
			logger.Debug("connection closed", zap.String("handle", c.Handle), zap.String("reason", reason))
		}
		c.sink.Close()
	})
}

func (s *Server) onEvict(rc router.Recipient, cause error) {
	s.mu.RLock()
	c, ok := s.clients[rc.Handle]
	s.mu.RUnlock()
	if ok {
		s.Close(c, "evicted: "+cause.Error())
	}
}

func (s *Server) onSwept(removed int) {
	s.events.Emit(events.Event{Kind: events.MessagesSwept, Count: removed})
	s.fanout.Lock()
	defer s.fanout.Unlock()
	msgs := s.log.LoadRecent(s.opts.RetentionWindow)
	s.router.Publish(router.PerRecipient(func(r router.Recipient) []byte {
		return protocol.Encode(protocol.OutHistory, protocol.ViewHistory(msgs, r.IdentityID))
	}), router.All)
}

func (s *Server) broadcastPresence() {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	snap := s.registry.Snapshot()
	s.router.Publish(router.PerRecipient(func(r router.Recipient) []byte {
		return protocol.Encode(protocol.OutUserStatus, protocol.ViewPresence(snap, r.IdentityID))
	}), router.All)
}

// Shutdown says bye to every connection, stops background work and flushes
// pending presence writes.
func (s *Server) Shutdown(reason string, completion time.Time) {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	ln, httpSrv := s.listener, s.httpSrv
	s.mu.Unlock()
	close(s.done)
	defer close(s.stopped)

	logger.Info("shutting down", zap.String("reason", reason), zap.Int("connections", len(clients)))

	if ln != nil {
		ln.Close()
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		httpSrv.Shutdown(ctx)
		cancel()
	}
	s.sweeper.Stop()

	bye := protocol.Bye{Reason: reason}
	if !completion.IsZero() {
		bye.Details = completion.UTC().Format(time.RFC3339)
	}
	frame := protocol.Encode(protocol.OutBye, bye)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			s.reply(c, frame)
			s.Close(c, "shutdown")
		}(c)
	}
	wg.Wait()
	s.router.Close()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.presence.Close(ctx); err != nil {
			logger.Warn("presence writer did not drain", zap.Error(err))
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.events.Close(ctx); err != nil {
		logger.Warn("event tap did not drain", zap.Error(err))
	}
	cancel()
}

// Done is closed once Shutdown starts.
func (s *Server) Done() <-chan struct{} { return s.done }

// Stopped is closed once Shutdown has finished.
func (s *Server) Stopped() <-chan struct{} { return s.stopped }

type Stats struct {
	Uptime          string       `json:"uptime"`
	Connections     int          `json:"connections"`
	Sessions        int          `json:"sessions"`
	Users           []string     `json:"users"`
	Messages        int          `json:"messages"`
	FramesDelivered int64        `json:"framesDelivered"`
	Evictions       int64        `json:"evictions"`
	Sweeps          int64        `json:"sweeps"`
	Swept           int64        `json:"swept"`
	Events          events.Stats `json:"events"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	conns := len(s.clients)
	s.mu.RUnlock()

	users := []string{}
	for _, e := range s.registry.Snapshot() {
		if e.IsOnline {
			users = append(users, e.Identity.Username)
		}
	}
	rs := s.router.Stats()
	ss := s.sweeper.Stats()
	return Stats{
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
		Connections:     conns,
		Sessions:        s.registry.Count(),
		Users:           users,
		Messages:        s.log.Len(),
		FramesDelivered: rs.Delivered,
		Evictions:       rs.Evicted,
		Sweeps:          ss.Runs,
		Swept:           ss.Removed,
		Events:          s.events.Stats(),
	}
}
