package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/auth"
	"chatrelay/logger"
	"chatrelay/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (w *wsSink) Send(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timeout > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

func (w *wsSink) Close() error {
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return ""
}

// identityForToken resolves a bearer token to a known identity.
func (s *Server) identityForToken(ctx context.Context, token string) (*models.Identity, error) {
	id, _, err := auth.Verify(s.opts.Auth, token)
	if err != nil {
		return nil, err
	}
	ids, err := s.creds.Identities(ctx)
	if err != nil {
		return nil, err
	}
	for _, known := range ids {
		if known.ID == id {
			known.PasswordHash = ""
			return &known, nil
		}
	}
	return nil, errors.Wrap(models.ErrAuthFailure, "unknown identity")
}

func (s *Server) pingInterval() time.Duration {
	d := 30 * time.Second
	if s.opts.IdleTimeout > 0 && s.opts.IdleTimeout/2 < d {
		d = s.opts.IdleTimeout / 2
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// handleWS upgrades GET /ws. A valid token logs the connection in straight
// away; otherwise the client sends a login event like on the line protocol.
func (s *Server) handleWS(gc *gin.Context) {
	var pre *models.Identity
	if token := bearerToken(gc); token != "" {
		ctx, cancel := context.WithTimeout(gc.Request.Context(), storeTimeout)
		id, err := s.identityForToken(ctx, token)
		cancel()
		if err != nil {
			gc.JSON(httpStatus(err), errorJSON(err))
			return
		}
		pre = id
	}

	ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		logger.Infof("upgrade websocket error: %v", err)
		return
	}
	ws.SetReadLimit(int64(s.maxFrameBytes()))

	c := s.Open(&wsSink{conn: ws, timeout: s.opts.WriteTimeout}, gc.ClientIP(), pre)
	defer s.Close(c, "disconnect")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		t := time.NewTicker(s.pingInterval())
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// only data frames move the idle deadline; pongs do not
	for {
		ws.SetReadDeadline(s.readDeadline(c))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
			case errors.As(err, &netErr) && netErr.Timeout():
				s.timeoutBye(c)
			default:
				logger.Debug("websocket read failed", zap.String("remote", c.Remote), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !s.Handle(c, data) {
			return
		}
	}
}
