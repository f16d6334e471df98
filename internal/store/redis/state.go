// Package redis holds the runtime's fast, restart-surviving state: the
// per-session indicator snapshot, the liveness heartbeat and published
// composite candles.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intraday-runtime/internal/logger"
	"intraday-runtime/internal/model"
)

const (
	// HeartbeatKey holds the latest runtime heartbeat.
	HeartbeatKey = "runtime:heartbeat"

	snapshotKeyPrefix = "indicator:snapshot:"
	snapshotTTL       = 24 * time.Hour
	heartbeatTTL      = 3 * time.Minute
)

// Config configures the redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// NewClient creates a redis client and pings the server.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Component("redis").Info("connected", "addr", cfg.Addr)
	return client, nil
}

// kv is the subset of the redis client the store uses.
type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// StateStore implements model.SnapshotStore and the heartbeat on redis.
type StateStore struct {
	rdb kv
	log *slog.Logger
}

var _ model.SnapshotStore = (*StateStore)(nil)

// NewStateStore wraps a redis client.
func NewStateStore(rdb kv) *StateStore {
	return &StateStore{rdb: rdb, log: logger.Component("redis-state")}
}

// SnapshotKey is the redis key of a session's indicator snapshot.
func SnapshotKey(session string) string { return snapshotKeyPrefix + session }

// SaveSnapshotJSON stores the snapshot for session with a 24h TTL.
func (s *StateStore) SaveSnapshotJSON(ctx context.Context, session string, data []byte) error {
	if err := s.rdb.Set(ctx, SnapshotKey(session), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", session, err)
	}
	return nil
}

// LoadSnapshotJSON returns nil, nil when no snapshot exists.
func (s *StateStore) LoadSnapshotJSON(ctx context.Context, session string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, SnapshotKey(session)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get snapshot %s: %w", session, err)
	}
	return data, nil
}

// Heartbeat is the liveness record written periodically by the runtime.
type Heartbeat struct {
	TS            time.Time `json:"ts"`
	Session       string    `json:"session"`
	Ticks         int64     `json:"ticks"`
	DroppedTicks  int64     `json:"dropped_ticks"`
	OpenPositions int       `json:"open_positions"`
	QueueDepth    int       `json:"queue_depth"`
}

// WriteHeartbeat stores hb under HeartbeatKey. The key expires if the
// runtime stops writing it.
func (s *StateStore) WriteHeartbeat(ctx context.Context, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := s.rdb.Set(ctx, HeartbeatKey, data, heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("redis set heartbeat: %w", err)
	}
	return nil
}

// ReadHeartbeat returns the last heartbeat, or ok=false if none is live.
func (s *StateStore) ReadHeartbeat(ctx context.Context) (Heartbeat, bool, error) {
	data, err := s.rdb.Get(ctx, HeartbeatKey).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return Heartbeat{}, false, nil
		}
		return Heartbeat{}, false, fmt.Errorf("redis get heartbeat: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, false, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	return hb, true, nil
}

// CandleChannel is the pubsub channel of an instrument's candles of width
// tf seconds.
func CandleChannel(tf int, exchange, token string) string {
	return "pub:candle:" + strconv.Itoa(tf) + "s:" + exchange + ":" + token
}

// PublishCandle publishes a closed candle for dashboards. Best-effort.
func (s *StateStore) PublishCandle(ctx context.Context, c model.Candle) {
	if err := s.rdb.Publish(ctx, CandleChannel(c.TF, c.Exchange, c.Token), c.JSON()).Err(); err != nil {
		s.log.Debug("candle publish failed", "key", c.Key(), "error", err)
	}
}
