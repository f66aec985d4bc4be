package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultTTL = 5 * time.Second
	keyPrefix  = "unread:"
	genPrefix  = "unread-gen:"
	// Generations must outlive any in-flight computation.
	genTTL = 24 * time.Hour
)

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds ARGV[1].
var setIfGeneration = goredis.NewScript(`
local cur = redis.call('GET', KEYS[2])
if not cur then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.UnreadCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: %sREDIS_URL is required", config.EnvPrefix)
	}
	return LoadFromURL(ctx, cfg.RedisURL, cfg.UnreadCacheTTL)
}

// LoadFromURL creates an UnreadCache from a redis:// URL.
func LoadFromURL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.UnreadCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisUnreadCache{client: client, ttl: ttl}, nil
}

type redisUnreadCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func unreadKey(userID string) string {
	return keyPrefix + userID
}

func genKey(userID string) string {
	return genPrefix + userID
}

func (c *redisUnreadCache) Available() bool {
	return true
}

func (c *redisUnreadCache) Get(ctx context.Context, userID string) (*registrycache.CachedUnread, error) {
	data, err := c.client.Get(ctx, unreadKey(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedUnread
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisUnreadCache) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Get(ctx, genKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *redisUnreadCache) Set(ctx context.Context, userID string, gen int64, entry registrycache.CachedUnread, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	stored, err := setIfGeneration.Run(ctx, c.client,
		[]string{unreadKey(userID), genKey(userID)},
		strconv.FormatInt(gen, 10), data, ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate bumps each user's generation and drops the cached entry in one
// transaction.
func (c *redisUnreadCache) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.Incr(ctx, genKey(id))
			pipe.Expire(ctx, genKey(id), genTTL)
			pipe.Del(ctx, unreadKey(id))
		}
		return nil
	})
	return err
}

func (c *redisUnreadCache) Close() error {
	return c.client.Close()
}

var _ registrycache.UnreadCache = (*redisUnreadCache)(nil)
