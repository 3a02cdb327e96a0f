package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port          int    // line-protocol TCP listener
	HTTPAddr      string // gin: websocket + admin API
	ControlSocket string

	Store       string // memory, file, sqlite, postgres, mongo
	DBPath      string
	DataDir     string
	DatabaseURL string
	MongoURL    string
	MongoDB     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL      string // event tap, optional
	NATSPrefix   string
	KafkaBrokers string // event tap, optional
	KafkaTopic   string
	EventQueue   int

	JWTSecret  string
	TokenTTL   time.Duration
	AdminToken string

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	RetentionWindow time.Duration
	SweepInterval   time.Duration

	SendQueue       int
	MaxConnections  int
	MaxSessions     int
	MaxUsers        int
	SingleSession   bool
	MaxTextLength   int
	MaxMediaBytes   int
	PresenceRetries int

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:            3215,
		HTTPAddr:        ":3000",
		ControlSocket:   "/tmp/chatrelay.sock",
		Store:           "sqlite",
		DBPath:          "chatrelay.db",
		DataDir:         "data",
		MongoDB:         "chatrelay",
		NATSPrefix:      "chatrelay",
		KafkaTopic:      "chatrelay.events",
		EventQueue:      1024,
		JWTSecret:       "change-me",
		TokenTTL:        24 * time.Hour,
		AuthTimeout:     30 * time.Second,
		IdleTimeout:     120 * time.Second,
		WriteTimeout:    10 * time.Second,
		RetentionWindow: 24 * time.Hour,
		SweepInterval:   time.Hour,
		SendQueue:       64,
		MaxTextLength:   4096,
		MaxMediaBytes:   8 << 20,
		PresenceRetries: 3,
		LogLevel:        "info",
	}

	cfg.Port = envInt("RELAY_PORT", cfg.Port)
	cfg.HTTPAddr = envString("RELAY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.ControlSocket = envString("RELAY_CONTROL_SOCKET", cfg.ControlSocket)

	cfg.Store = strings.ToLower(envString("RELAY_STORE", cfg.Store))
	cfg.DBPath = envString("RELAY_DB_PATH", cfg.DBPath)
	cfg.DataDir = envString("RELAY_DATA_DIR", cfg.DataDir)
	cfg.DatabaseURL = envString("RELAY_DATABASE_URL", cfg.DatabaseURL)
	cfg.MongoURL = envString("RELAY_MONGO_URL", cfg.MongoURL)
	cfg.MongoDB = envString("RELAY_MONGO_DB", cfg.MongoDB)

	cfg.RedisAddr = envString("RELAY_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("RELAY_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("RELAY_REDIS_DB", cfg.RedisDB)

	cfg.NATSURL = envString("RELAY_NATS_URL", cfg.NATSURL)
	cfg.NATSPrefix = envString("RELAY_NATS_PREFIX", cfg.NATSPrefix)
	cfg.KafkaBrokers = envString("RELAY_KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envString("RELAY_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.EventQueue = envInt("RELAY_EVENT_QUEUE", cfg.EventQueue)

	cfg.JWTSecret = envString("RELAY_JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envDuration("RELAY_TOKEN_TTL", cfg.TokenTTL)
	cfg.AdminToken = envString("RELAY_ADMIN_TOKEN", cfg.AdminToken)

	cfg.AuthTimeout = envDuration("RELAY_AUTH_TIMEOUT", cfg.AuthTimeout)
	cfg.IdleTimeout = envDuration("RELAY_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.WriteTimeout = envDuration("RELAY_WRITE_TIMEOUT", cfg.WriteTimeout)

	cfg.RetentionWindow = envDuration("RELAY_RETENTION", cfg.RetentionWindow)
	cfg.SweepInterval = envDuration("RELAY_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.SendQueue = envInt("RELAY_SEND_QUEUE", cfg.SendQueue)
	cfg.MaxConnections = envInt("RELAY_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.MaxSessions = envInt("RELAY_MAX_SESSIONS", cfg.MaxSessions)
	cfg.MaxUsers = envInt("RELAY_MAX_USERS", cfg.MaxUsers)
	cfg.SingleSession = envBool("RELAY_SINGLE_SESSION", cfg.SingleSession)
	cfg.MaxTextLength = envInt("RELAY_MAX_TEXT", cfg.MaxTextLength)
	cfg.MaxMediaBytes = envInt("RELAY_MAX_MEDIA", cfg.MaxMediaBytes)
	cfg.PresenceRetries = envInt("RELAY_PRESENCE_RETRIES", cfg.PresenceRetries)

	cfg.LogLevel = envString("RELAY_LOG_LEVEL", cfg.LogLevel)

	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDuration accepts Go durations ("90s", "24h") or a bare number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
