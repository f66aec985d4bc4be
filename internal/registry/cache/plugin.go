package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-service/internal/model"
)

// CachedUnread is a complete per-conversation unread breakdown for one user.
type CachedUnread struct {
	Conversations []model.UnreadCount `json:"conversations"`
	ComputedAt    time.Time           `json:"computedAt"`
}

// Total sums the cached per-conversation counts.
func (c *CachedUnread) Total() int64 {
	var total int64
	for _, uc := range c.Conversations {
		total += uc.Count
	}
	return total
}

// UnreadCache caches unread breakdowns per user. Only breakdowns computed
// without any per-conversation failure may be stored.
//
// Every Invalidate advances the user's generation. A breakdown is stored
// only if the generation read before computing it is still current, so an
// invalidation that races with a computation is never overwritten by it.
type UnreadCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, userID string) (*CachedUnread, error)
	// Generation returns the user's current invalidation generation.
	Generation(ctx context.Context, userID string) (int64, error)
	// Set stores entry if the user's generation still equals gen and
	// reports whether it did.
	Set(ctx context.Context, userID string, gen int64, entry CachedUnread, ttl time.Duration) (bool, error)
	Invalidate(ctx context.Context, userIDs ...string) error
	// Close releases the backing connection.
	Close() error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (UnreadCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
