// ABOUTME: Redis-backed presence mirror so other nodes and services can see who is online
// ABOUTME: Per-user and per-room sorted sets of connections scored by expiry, plus an expiring online set

package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisMirror
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a connection entry survives without a refresh
	TTL time.Duration
	// NodeID prefixes connection members so nodes never collide
	NodeID string
}

// onlineKey is a sorted set of user IDs scored by the expiry (unix millis) of
// the user's longest-lived connection. Readers prune it before use, so a node
// that dies without sending Disconnected stops counting once its entries lapse.
const onlineKey = "chat:presence:online"

func userKey(userID string) string { return "chat:presence:" + userID }

func roomKey(roomID, userID string) string { return "chat:room:" + roomID + ":" + userID }

// KEYS[1] = user key, KEYS[2] = online set
// ARGV[1] = member, ARGV[2] = expireAtMillis, ARGV[3] = user id, ARGV[4] = key ttl millis
var connectScript = redis.NewScript(`
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
local top = redis.call("ZRANGE", KEYS[1], -1, -1, "WITHSCORES")
redis.call("ZADD", KEYS[2], top[2], ARGV[3])
return redis.call("ZCARD", KEYS[1])
`)

// KEYS[1] = user key, KEYS[2] = online set
// ARGV[1] = member, ARGV[2] = nowMillis, ARGV[3] = user id
// Returns the number of live connections left for the user.
var disconnectScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local left = redis.call("ZCARD", KEYS[1])
if left == 0 then
  redis.call("DEL", KEYS[1])
  redis.call("ZREM", KEYS[2], ARGV[3])
else
  local top = redis.call("ZRANGE", KEYS[1], -1, -1, "WITHSCORES")
  redis.call("ZADD", KEYS[2], top[2], ARGV[3])
end
return left
`)

// RedisMirror mirrors registry transitions into Redis.
type RedisMirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	nodeID string
}

// NewRedisMirror connects and pings Redis.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisMirror{rdb: rdb, ttl: cfg.TTL, nodeID: cfg.NodeID}, nil
}

func (m *RedisMirror) member(connID string) string {
	if m.nodeID == "" {
		return connID
	}
	return m.nodeID + "/" + connID
}

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Connected records the connection with an expiry of now+TTL.
func (m *RedisMirror) Connected(ctx context.Context, userID, connID string) error {
	expireAt := time.Now().Add(m.ttl).UnixMilli()
	keys := []string{userKey(userID), onlineKey}
	if err := connectScript.Run(ctx, m.rdb, keys, m.member(connID), expireAt, userID, (2 * m.ttl).Milliseconds()).Err(); err != nil {
		return fmt.Errorf("recording presence: %w", err)
	}
	return nil
}

// Disconnected removes the connection and drops the user from the online set
// when nothing live remains.
func (m *RedisMirror) Disconnected(ctx context.Context, userID, connID string) error {
	keys := []string{userKey(userID), onlineKey}
	if err := disconnectScript.Run(ctx, m.rdb, keys, m.member(connID), time.Now().UnixMilli(), userID).Err(); err != nil {
		return fmt.Errorf("clearing presence: %w", err)
	}
	return nil
}

// Refresh extends the expiry of a live connection.
func (m *RedisMirror) Refresh(ctx context.Context, userID, connID string) error {
	return m.Connected(ctx, userID, connID)
}

// IsOnline reports whether the user has an unexpired connection on any node.
func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.rdb.ZCount(ctx, userKey(userID), "("+millis(time.Now()), "+inf").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("counting presence: %w", err)
	}
	return n > 0, nil
}

// Snapshot returns the online users across all nodes, dropping users whose
// every connection has expired.
func (m *RedisMirror) Snapshot(ctx context.Context) ([]string, error) {
	now := millis(time.Now())
	var users *redis.StringSliceCmd
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, onlineKey, "-inf", now)
		users = pipe.ZRangeByScore(ctx, onlineKey, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading online set: %w", err)
	}
	return users.Val(), nil
}

// RoomJoined records that connID of userID has joined the conversation room.
// The entry expires after TTL unless refreshed.
func (m *RedisMirror) RoomJoined(ctx context.Context, roomID, userID, connID string) error {
	key := roomKey(roomID, userID)
	expireAt := time.Now().Add(m.ttl).UnixMilli()
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(expireAt), Member: m.member(connID)})
		pipe.PExpire(ctx, key, 2*m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording room membership: %w", err)
	}
	return nil
}

// RoomLeft removes connID from the conversation room.
func (m *RedisMirror) RoomLeft(ctx context.Context, roomID, userID, connID string) error {
	if err := m.rdb.ZRem(ctx, roomKey(roomID, userID), m.member(connID)).Err(); err != nil {
		return fmt.Errorf("clearing room membership: %w", err)
	}
	return nil
}

// RoomHasUser reports whether userID has an unexpired connection joined to
// the conversation room on any node.
func (m *RedisMirror) RoomHasUser(ctx context.Context, roomID, userID string) (bool, error) {
	n, err := m.rdb.ZCount(ctx, roomKey(roomID, userID), "("+millis(time.Now()), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("counting room membership: %w", err)
	}
	return n > 0, nil
}

// Close releases the Redis client.
func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}

var _ Mirror = (*RedisMirror)(nil)
