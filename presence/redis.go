// Package presence mirrors online state into Redis so other tools can read it
// without talking to the relay.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"chatrelay/models"
)

const (
	onlineSet  = "relay:online"
	keyPrefix  = "relay:presence:"
	lastSeenKv = "lastSeen"
	onlineKv   = "online"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type RedisMirror struct {
	client *redis.Client
}

func NewRedisMirror(ctx context.Context, c Config) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &RedisMirror{client: rdb}, nil
}

func presenceKey(identityID string) string { return keyPrefix + identityID }

// UpdatePresence writes relay:presence:<id> and maintains the relay:online set.
func (r *RedisMirror) UpdatePresence(ctx context.Context, identityID string, online bool, lastSeen time.Time) error {
	pipe := r.client.TxPipeline()
	if online {
		pipe.HSet(ctx, presenceKey(identityID), onlineKv, "1")
		pipe.SAdd(ctx, onlineSet, identityID)
	} else {
		pipe.HSet(ctx, presenceKey(identityID), onlineKv, "0", lastSeenKv, strconv.FormatInt(lastSeen.UnixMilli(), 10))
		pipe.SRem(ctx, onlineSet, identityID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(models.ErrStorageUnavailable, "redis presence: %v", err)
	}
	return nil
}

// Lookup reads back what UpdatePresence wrote.
func (r *RedisMirror) Lookup(ctx context.Context, identityID string) (online bool, lastSeen *time.Time, err error) {
	vals, err := r.client.HGetAll(ctx, presenceKey(identityID)).Result()
	if err != nil {
		return false, nil, errors.Wrapf(models.ErrStorageUnavailable, "redis presence: %v", err)
	}
	online = vals[onlineKv] == "1"
	if ms, ok := vals[lastSeenKv]; ok {
		if n, perr := strconv.ParseInt(ms, 10, 64); perr == nil {
			t := time.UnixMilli(n).UTC()
			lastSeen = &t
		}
	}
	return online, lastSeen, nil
}

// Online lists identity ids currently marked online.
func (r *RedisMirror) Online(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, onlineSet).Result()
	if err != nil {
		return nil, errors.Wrapf(models.ErrStorageUnavailable, "redis presence: %v", err)
	}
	return ids, nil
}

// Reset clears the online set; called at startup since no session survives a restart.
func (r *RedisMirror) Reset(ctx context.Context) error {
	return r.client.Del(ctx, onlineSet).Err()
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}
