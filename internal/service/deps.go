package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
)

// Deps are the collaborators shared by the conversation services. Nothing
// here is process-global; tests build their own.
type Deps struct {
	Store registrystore.ConversationStore
	// Cache is optional.
	Cache  registrycache.UnreadCache
	Logger *log.Logger
	Clock  func() time.Time

	// StoreTimeout bounds each individual store call. Zero disables it.
	StoreTimeout   time.Duration
	UnreadFanout   int
	UnreadCacheTTL time.Duration
}

// SystemClock is the default clock. Timestamps are UTC with microsecond
// precision so they survive a round trip through every store.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = log.Default()
	}
	if d.Clock == nil {
		d.Clock = SystemClock
	}
	if d.UnreadFanout <= 0 {
		d.UnreadFanout = 8
	}
	return d
}

func (d Deps) now() time.Time { return d.Clock() }

// call derives the context for a single store call.
func (d Deps) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.StoreTimeout)
}

func (d Deps) cacheEnabled() bool {
	return d.Cache != nil && d.Cache.Available()
}

// invalidateUnread drops cached unread totals. Failures only cost freshness
// until the entry expires.
func (d Deps) invalidateUnread(ctx context.Context, userIDs ...string) {
	if !d.cacheEnabled() || len(userIDs) == 0 {
		return
	}
	cctx, cancel := d.call(ctx)
	defer cancel()
	if err := d.Cache.Invalidate(cctx, userIDs...); err != nil {
		d.Logger.Warn("Failed to invalidate unread cache", "users", userIDs, "err", err)
	}
}
