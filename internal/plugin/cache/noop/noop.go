package noop

import (
	"context"
	"time"

	"github.com/chirino/conversation-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.UnreadCache, error) {
			return New(), nil
		},
	})
}

// New returns a cache that never stores anything.
func New() cache.UnreadCache { return &noopUnreadCache{} }

type noopUnreadCache struct{}

func (n *noopUnreadCache) Available() bool { return false }
func (n *noopUnreadCache) Get(_ context.Context, _ string) (*cache.CachedUnread, error) {
	return nil, nil
}
func (n *noopUnreadCache) Generation(_ context.Context, _ string) (int64, error) { return 0, nil }
func (n *noopUnreadCache) Set(_ context.Context, _ string, _ int64, _ cache.CachedUnread, _ time.Duration) (bool, error) {
	return false, nil
}
func (n *noopUnreadCache) Invalidate(_ context.Context, _ ...string) error { return nil }
func (n *noopUnreadCache) Close() error                                     { return nil }

var _ cache.UnreadCache = (*noopUnreadCache)(nil)
