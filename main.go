package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/events"
	"chatrelay/logger"
	"chatrelay/mongostore"
	"chatrelay/msglog"
	"chatrelay/pgstore"
	"chatrelay/presence"
	"chatrelay/registry"
	"chatrelay/server"
	"chatrelay/store"
)

// backend is a store serving both credentials and messages.
type backend interface {
	store.CredentialStore
	store.MessageStore
	Close() error
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.Store {
	case "memory":
		return memoryBackend{store.NewMemory()}, nil
	case "file":
		return store.OpenFile(cfg.DataDir, time.Second)
	case "sqlite":
		return db.New(cfg.DBPath)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("RELAY_DATABASE_URL is required for the postgres store")
		}
		return pgstore.Open(ctx, cfg.DatabaseURL)
	case "mongo":
		if cfg.MongoURL == "" {
			return nil, errors.New("RELAY_MONGO_URL is required for the mongo store")
		}
		return mongostore.Open(ctx, cfg.MongoURL, cfg.MongoDB)
	}
	return nil, errors.Errorf("unknown store %q", cfg.Store)
}

// openEventTap connects whichever brokers are configured. A broker that cannot
// be reached is logged and skipped; chat keeps working without it.
func openEventTap(cfg *config.Config) *events.Tap {
	var sinks []events.Sink
	if cfg.NATSURL != "" {
		n, err := events.DialNATS(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			logger.Warnf("Event tap: nats disabled: %v", err)
		} else {
			sinks = append(sinks, n)
		}
	}
	if cfg.KafkaBrokers != "" {
		k, err := events.DialKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Warnf("Event tap: kafka disabled: %v", err)
		} else {
			sinks = append(sinks, k)
		}
	}
	return events.NewTap(cfg.EventQueue, sinks...)
}

func main() {
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backing, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.Store, err)
	}
	defer backing.Close()

	sinks := []store.PresenceSink{backing}
	if cfg.RedisAddr != "" {
		mirror, err := presence.NewRedisMirror(ctx, presence.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer mirror.Close()
		if err := mirror.Reset(ctx); err != nil {
			logger.Warnf("Failed to reset redis presence: %v", err)
		}
		sinks = append(sinks, mirror)
	}

	identities, err := backing.Identities(ctx)
	if err != nil {
		logger.Fatalf("Failed to load users: %v", err)
	}
	writer := registry.NewWriter(cfg.PresenceRetries, 1024, sinks...)
	reg := registry.New(registry.Policy{SingleSession: cfg.SingleSession, MaxSessions: cfg.MaxSessions}, writer)
	reg.Seed(identities)

	messages := msglog.New(backing)
	if err := messages.Load(ctx, cfg.RetentionWindow); err != nil {
		logger.Fatalf("Failed to load messages: %v", err)
	}
	logger.Info("state loaded",
		zap.String("store", cfg.Store),
		zap.Int("users", len(identities)),
		zap.Int("messages", messages.Len()))

	srv := server.New(server.OptionsFromConfig(cfg), backing, messages, reg, writer)
	srv.SetEvents(openEventTap(cfg))
	srv.StartSweeper(ctx)

	// Start control socket for management commands
	go startControlSocket(cfg.ControlSocket, srv)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Infof("Received signal %v, shutting down...", sig)
		srv.Shutdown("maintenance", time.Time{})
	}()

	errc := make(chan error, 2)
	go func() { errc <- srv.ListenTCP() }()
	go func() { errc <- srv.ListenHTTP() }()

	select {
	case err := <-errc:
		if err != nil {
			logger.Errorf("listener failed: %v", err)
		}
		srv.Shutdown("error", time.Time{})
	case <-srv.Done():
	}
	<-srv.Stopped()
	os.Remove(cfg.ControlSocket)
	logger.Info("bye")
}

func startControlSocket(path string, srv *server.Server) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		logger.Errorf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	logger.Infof("Control socket listening on %s", path)

	go func() {
		<-srv.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-srv.Done():
				return
			default:
				continue
			}
		}
		go handleControlCommand(srv, conn)
	}
}

func handleControlCommand(srv *server.Server, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch parts[0] {
	case "stats":
		stats, _ := json.Marshal(srv.Stats())
		conn.Write([]byte("OK|" + string(stats) + "\n"))

	case "sweep":
		n, err := srv.Sweep(ctx)
		if err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|removed=" + strconv.Itoa(n) + "\n"))

	case "clear":
		if err := srv.ClearAll(ctx); err != nil {
			conn.Write([]byte("ERROR|" + err.Error() + "\n"))
			return
		}
		conn.Write([]byte("OK|cleared\n"))

	case "shutdown":
		reason := "maintenance"
		var completionTime time.Time

		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			completionTime, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		conn.Close()

		logger.Info("shutdown requested", zap.String("reason", reason), zap.Time("completion", completionTime))
		srv.Shutdown(reason, completionTime)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
