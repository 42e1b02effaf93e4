// Package directory mirrors online users into Redis so several API instances
// can answer "who is online" together.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/spark/backend/internal/realtime"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "spark:online:"
	defaultTTL    = 2 * time.Minute
	scanBatchSize = 100
)

var (
	ErrMissingClient   = errors.New("directory: redis client required")
	ErrMissingInstance = errors.New("directory: instance id required")
)

// presenceRecord is the JSON stored per user and API instance.
type presenceRecord struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email,omitempty"`
	Connections  int       `json:"connections"`
	LastActivity time.Time `json:"lastActivity"`
}

// Config describes a RedisDirectory.
type Config struct {
	Client     *redis.Client
	InstanceID string
	TTL        time.Duration
	Prefix     string
	Clock      func() time.Time
}

// RedisDirectory keeps one hash per online user, keyed by API instance, so an
// instance losing its last connection for a user does not hide connections held
// elsewhere. Keys expire after TTL unless refreshed by a heartbeat.
type RedisDirectory struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
	prefix   string
	clock    func() time.Time
}

// NewRedisDirectory parses redisURL, verifies connectivity and builds a directory.
func NewRedisDirectory(ctx context.Context, redisURL, instanceID string, ttl time.Duration) (*RedisDirectory, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisDirectoryWithClient(Config{Client: client, InstanceID: instanceID, TTL: ttl})
}

// NewRedisDirectoryWithClient builds a directory from an existing client.
func NewRedisDirectoryWithClient(cfg Config) (*RedisDirectory, error) {
	if cfg.Client == nil {
		return nil, ErrMissingClient
	}
	instance := strings.TrimSpace(cfg.InstanceID)
	if instance == "" {
		return nil, ErrMissingInstance
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RedisDirectory{
		client:   cfg.Client,
		instance: instance,
		ttl:      ttl,
		prefix:   prefix,
		clock:    clock,
	}, nil
}

func (d *RedisDirectory) key(userID string) string {
	return d.prefix + userID
}

// MarkOnline records this instance's view of the user and refreshes the TTL.
func (d *RedisDirectory) MarkOnline(ctx context.Context, user realtime.OnlineUser) error {
	if user.ActiveConnectionCount == 0 {
		return d.MarkOffline(ctx, user.UserID)
	}
	payload, err := json.Marshal(presenceRecord{
		UserID:       user.UserID,
		DisplayName:  user.DisplayName,
		Email:        user.Email,
		Connections:  user.ActiveConnectionCount,
		LastActivity: user.LastActivity.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := d.key(user.UserID)
	pipe := d.client.TxPipeline()
	pipe.HSet(ctx, key, d.instance, payload)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	return nil
}

// MarkOffline removes this instance's entry for the user.
func (d *RedisDirectory) MarkOffline(ctx context.Context, userID string) error {
	if err := d.client.HDel(ctx, d.key(userID), d.instance).Err(); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

// List merges every instance's entries into one snapshot per user, ignoring
// entries whose activity is older than the TTL.
func (d *RedisDirectory) List(ctx context.Context) ([]realtime.OnlineUser, error) {
	cutoff := d.clock().Add(-d.ttl)
	merged := make(map[string]*realtime.OnlineUser)

	iter := d.client.Scan(ctx, 0, d.prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		entries, err := d.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("read presence: %w", err)
		}
		for _, raw := range entries {
			var record presenceRecord
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				continue
			}
			if record.LastActivity.Before(cutoff) || record.Connections <= 0 {
				continue
			}
			user, ok := merged[record.UserID]
			if !ok {
				user = &realtime.OnlineUser{
					UserID:      record.UserID,
					DisplayName: record.DisplayName,
					Email:       record.Email,
					IsOnline:    true,
				}
				merged[record.UserID] = user
			}
			user.ActiveConnectionCount += record.Connections
			if record.LastActivity.After(user.LastActivity) {
				user.LastActivity = record.LastActivity
				if record.DisplayName != "" {
					user.DisplayName = record.DisplayName
				}
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}

	users := make([]realtime.OnlineUser, 0, len(merged))
	for _, user := range merged {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users, nil
}

// Ping checks if Redis is reachable.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
