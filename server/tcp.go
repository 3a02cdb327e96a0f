package server

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"chatrelay/logger"
	"chatrelay/protocol"
)

// connSink writes newline-terminated frames to a stream connection.
type connSink struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *connSink) Send(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	_, err := c.conn.Write(buf)
	return err
}

func (c *connSink) Close() error { return c.conn.Close() }

func (s *Server) maxFrameBytes() int {
	if s.opts.MaxMediaBytes > 0 {
		return s.opts.MaxMediaBytes + 64*1024
	}
	return 16 << 20
}

// ListenTCP accepts line-protocol connections on Port until Shutdown.
func (s *Server) ListenTCP() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(s.opts.Port))
	if err != nil {
		return errors.Wrap(err, "listen tcp")
	}
	return s.ServeTCP(ln)
}

func (s *Server) ServeTCP(ln net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	if s.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConnections)
	}
	s.listener = ln
	s.mu.Unlock()

	logger.Infof("chatrelay listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Errorf("error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) readDeadline(c *Client) time.Time {
	if c.State() == StateAuthenticated {
		if s.opts.IdleTimeout > 0 {
			return time.Now().Add(s.opts.IdleTimeout)
		}
		return time.Time{}
	}
	if s.opts.AuthTimeout > 0 {
		return c.ConnectedAt.Add(s.opts.AuthTimeout)
	}
	return time.Time{}
}

func (s *Server) timeoutBye(c *Client) {
	reason := "idle timeout"
	if c.State() != StateAuthenticated {
		reason = "login timeout"
	}
	logger.Info("closing connection", zap.String("handle", c.Handle), zap.String("remote", c.Remote), zap.String("reason", reason))
	s.reply(c, protocol.Encode(protocol.OutBye, protocol.Bye{Reason: "timeout", Details: reason}))
	s.Close(c, reason)
}

func (s *Server) handleConnection(conn net.Conn) {
	c := s.Open(&connSink{conn: conn, timeout: s.opts.WriteTimeout}, conn.RemoteAddr().String(), nil)
	defer s.Close(c, "disconnect")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.maxFrameBytes())

	for {
		conn.SetReadDeadline(s.readDeadline(c))
		if !scanner.Scan() {
			err := scanner.Err()
			var netErr net.Error
			switch {
			case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.As(err, &netErr) && netErr.Timeout():
				s.timeoutBye(c)
			case errors.Is(err, bufio.ErrTooLong):
				s.reply(c, protocol.ErrorFrame("", errors.Wrap(protocol.ErrMalformedEvent, "frame too large")))
			default:
				logger.Debug("read failed", zap.String("remote", c.Remote), zap.Error(err))
			}
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !s.Handle(c, line) {
			return
		}
	}
}
