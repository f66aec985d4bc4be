package service

import (
	"context"
	"sync/atomic"

	"github.com/chirino/conversation-service/internal/model"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	"github.com/chirino/conversation-service/internal/security"
	"golang.org/x/sync/errgroup"
)

// UnreadService sums unread messages over a user's active conversations.
// It never fails: conversations whose count cannot be read are left out.
type UnreadService struct {
	d Deps
}

func NewUnreadService(d Deps) *UnreadService {
	return &UnreadService{d: d.withDefaults()}
}

// GetUnreadCount returns the total number of unread messages for userID.
func (s *UnreadService) GetUnreadCount(ctx context.Context, userID string) int64 {
	var total int64
	for _, uc := range s.GetUnreadBreakdown(ctx, userID) {
		total += uc.Count
	}
	return total
}

// GetUnreadBreakdown returns per-conversation unread counts for userID in
// the order the user joined the conversations.
func (s *UnreadService) GetUnreadBreakdown(ctx context.Context, userID string) []model.UnreadCount {
	if cached := s.cached(ctx, userID); cached != nil {
		return cached.Conversations
	}

	gen, cacheable := s.generation(ctx, userID)
	counts, complete := s.compute(ctx, userID)
	if complete && cacheable {
		s.store(ctx, userID, gen, counts)
	}
	return counts
}

// generation reads the user's cache generation before counting. A
// concurrent invalidation then makes the later store a no-op.
func (s *UnreadService) generation(ctx context.Context, userID string) (int64, bool) {
	if !s.d.cacheEnabled() {
		return 0, false
	}
	cctx, cancel := s.d.call(ctx)
	defer cancel()
	gen, err := s.d.Cache.Generation(cctx, userID)
	if err != nil {
		s.d.Logger.Warn("Unread cache generation lookup failed", "user", userID, "err", err)
		return 0, false
	}
	return gen, true
}

func (s *UnreadService) store(ctx context.Context, userID string, gen int64, counts []model.UnreadCount) {
	entry := registrycache.CachedUnread{Conversations: counts, ComputedAt: s.d.now()}
	cctx, cancel := s.d.call(ctx)
	defer cancel()
	stored, err := s.d.Cache.Set(cctx, userID, gen, entry, s.d.UnreadCacheTTL)
	if err != nil {
		s.d.Logger.Warn("Failed to cache unread counts", "user", userID, "err", err)
		return
	}
	if !stored {
		s.d.Logger.Debug("Unread counts invalidated while computing; not cached", "user", userID)
	}
}

func (s *UnreadService) cached(ctx context.Context, userID string) *registrycache.CachedUnread {
	if !s.d.cacheEnabled() {
		return nil
	}
	cctx, cancel := s.d.call(ctx)
	defer cancel()
	entry, err := s.d.Cache.Get(cctx, userID)
	if err != nil {
		s.d.Logger.Warn("Unread cache lookup failed", "user", userID, "err", err)
		return nil
	}
	if entry == nil {
		if security.CacheMissesTotal != nil {
			security.CacheMissesTotal.Inc()
		}
		return nil
	}
	if security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	return entry
}

// compute fans out one count per active episode, at most UnreadFanout at a
// time, each under its own store timeout. complete is false when any part
// of the answer is missing.
func (s *UnreadService) compute(ctx context.Context, userID string) (counts []model.UnreadCount, complete bool) {
	lctx, cancel := s.d.call(ctx)
	episodes, err := s.d.Store.ListActiveParticipations(lctx, userID)
	cancel()
	if err != nil {
		s.d.Logger.Warn("Failed to list participations for unread count", "user", userID, "err", err)
		return []model.UnreadCount{}, false
	}

	results := make([]*model.UnreadCount, len(episodes))
	var failures atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.d.UnreadFanout)
	for i, p := range episodes {
		g.Go(func() error {
			cctx, cancel := s.d.call(ctx)
			defer cancel()
			n, err := s.d.Store.CountUnread(cctx, p.ConversationID, userID, p.ReadCursor())
			if err != nil {
				failures.Add(1)
				if security.UnreadPartialFailuresTotal != nil {
					security.UnreadPartialFailuresTotal.Inc()
				}
				s.d.Logger.Warn("Excluding conversation from unread count", "user", userID, "conversation", p.ConversationID, "err", err)
				return nil
			}
			results[i] = &model.UnreadCount{ConversationID: p.ConversationID, Count: n}
			return nil
		})
	}
	_ = g.Wait()

	counts = make([]model.UnreadCount, 0, len(results))
	for _, r := range results {
		if r != nil {
			counts = append(counts, *r)
		}
	}
	return counts, failures.Load() == 0
}
