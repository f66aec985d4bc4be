package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/model"
	"github.com/chirino/conversation-service/internal/plugin/store/sqlite"
	"github.com/chirino/conversation-service/internal/plugin/store/sqlstore"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock ticks one second per reading so every event gets a distinct time.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	store      registrystore.ConversationStore
	clock      *testClock
	guard      *Guard
	membership *MembershipService
	reads      *ReadCursorService
	unread     *UnreadService
	messages   *MessageService
}

func openSQLite(t *testing.T) registrystore.ConversationStore {
	t.Helper()
	db, err := sqlite.Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	s := sqlstore.New(db, sqlite.Dialect)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, wrap func(registrystore.ConversationStore) registrystore.ConversationStore, cache registrycache.UnreadCache) *fixture {
	t.Helper()
	return newFixtureWithTimeout(t, wrap, cache, 5*time.Second)
}

func newFixtureWithTimeout(t *testing.T, wrap func(registrystore.ConversationStore) registrystore.ConversationStore, cache registrycache.UnreadCache, storeTimeout time.Duration) *fixture {
	t.Helper()
	st := openSQLite(t)
	if wrap != nil {
		st = wrap(st)
	}
	clock := newTestClock()
	d := Deps{
		Store:          st,
		Cache:          cache,
		Logger:         log.New(io.Discard),
		Clock:          clock.Now,
		StoreTimeout:   storeTimeout,
		UnreadFanout:   4,
		UnreadCacheTTL: time.Minute,
	}
	guard := NewGuard(d)
	return &fixture{
		store:      st,
		clock:      clock,
		guard:      guard,
		membership: NewMembershipService(d, guard),
		reads:      NewReadCursorService(d, guard),
		unread:     NewUnreadService(d),
		messages:   NewMessageService(d, guard),
	}
}

func (f *fixture) group(t *testing.T, admin string, members ...string) uuid.UUID {
	t.Helper()
	conv, _, err := f.membership.CreateConversation(context.Background(), admin, model.ConversationKindGroup, "team", members)
	require.NoError(t, err)
	return conv.ID
}

func (f *fixture) send(t *testing.T, convID uuid.UUID, sender string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.messages.AppendMessage(context.Background(), convID, sender, "hello")
		require.NoError(t, err)
	}
}

func requireKind(t *testing.T, kind string, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, registrystore.KindOf(err), "err: %v", err)
}

func TestRemoveParticipantTwice(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "mallory")

	p, err := f.membership.RemoveParticipant(ctx, g, "alice", "mallory")
	require.NoError(t, err)
	require.NotNil(t, p.LeftAt)

	_, err = f.membership.RemoveParticipant(ctx, g, "alice", "mallory")
	requireKind(t, registrystore.KindNotMember, err)

	active, err := f.guard.IsActiveParticipant(ctx, g, "mallory")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestUnreadCountAcrossConversations(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	c1 := f.group(t, "alice", "ursula")
	c2 := f.group(t, "bob", "ursula")

	f.send(t, c1, "alice", 3)
	f.send(t, c2, "bob", 1)
	_, err := f.reads.MarkAsRead(ctx, c2, "ursula")
	require.NoError(t, err)
	f.send(t, c1, "ursula", 2) // own messages never count

	assert.Equal(t, int64(3), f.unread.GetUnreadCount(ctx, "ursula"))

	breakdown := f.unread.GetUnreadBreakdown(ctx, "ursula")
	require.Len(t, breakdown, 2)
	byConv := map[uuid.UUID]int64{}
	for _, uc := range breakdown {
		byConv[uc.ConversationID] = uc.Count
	}
	assert.Equal(t, int64(3), byConv[c1])
	assert.Equal(t, int64(0), byConv[c2])
}

func TestNonAdminCannotAdd(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "mallory")

	_, err := f.membership.AddParticipant(ctx, g, "mallory", "xavier")
	requireKind(t, registrystore.KindPermissionDenied, err)

	ps, err := f.store.ListActiveParticipants(ctx, g)
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	_, err = f.membership.AddParticipant(ctx, g, "outsider", "xavier")
	requireKind(t, registrystore.KindPermissionDenied, err)
}

func TestMarkAsReadAfterLeaving(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "ursula")

	_, err := f.membership.RemoveParticipant(ctx, g, "ursula", "ursula")
	require.NoError(t, err)

	_, err = f.reads.MarkAsRead(ctx, g, "ursula")
	requireKind(t, registrystore.KindNotMember, err)
}

func TestLeftParticipantLosesAdminRights(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	_, err := f.membership.SetRole(ctx, g, "alice", "bob", model.RoleAdmin)
	require.NoError(t, err)
	_, err = f.membership.RemoveParticipant(ctx, g, "bob", "bob")
	require.NoError(t, err)

	isAdmin, err := f.guard.IsAdmin(ctx, g, "bob")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	_, err = f.membership.AddParticipant(ctx, g, "bob", "carol")
	requireKind(t, registrystore.KindPermissionDenied, err)
}

func TestDirectConversationMembershipIsFixed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	conv, ps, err := f.membership.CreateConversation(ctx, "alice", model.ConversationKindDirect, "ignored", []string{"bob", "alice"})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Empty(t, conv.Title)
	for _, p := range ps {
		assert.Equal(t, model.RoleMember, p.Role)
	}

	for _, acting := range []string{"alice", "bob", "carol"} {
		_, err = f.membership.AddParticipant(ctx, conv.ID, acting, "carol")
		requireKind(t, registrystore.KindInvalidOperation, err)
		_, err = f.membership.RemoveParticipant(ctx, conv.ID, acting, "bob")
		requireKind(t, registrystore.KindInvalidOperation, err)
		_, err = f.membership.RemoveParticipant(ctx, conv.ID, acting, acting)
		requireKind(t, registrystore.KindInvalidOperation, err)
	}

	active, err := f.store.ListActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, _, err := f.membership.CreateConversation(ctx, "alice", model.ConversationKind("channel"), "", nil)
	requireKind(t, registrystore.KindBadRequest, err)

	_, _, err = f.membership.CreateConversation(ctx, "alice", model.ConversationKindDirect, "", []string{"bob", "carol"})
	requireKind(t, registrystore.KindBadRequest, err)

	_, _, err = f.membership.CreateConversation(ctx, "alice", model.ConversationKindDirect, "", []string{"alice"})
	requireKind(t, registrystore.KindBadRequest, err)

	conv, ps, err := f.membership.CreateConversation(ctx, "alice", model.ConversationKindGroup, "team", []string{"bob", "bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, "team", conv.Title)
	require.Len(t, ps, 2)
	assert.Equal(t, "alice", ps[0].UserID)
	assert.Equal(t, model.RoleAdmin, ps[0].Role)
	assert.Equal(t, model.RoleMember, ps[1].Role)
}

func TestAddParticipant(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	p, err := f.membership.AddParticipant(ctx, g, "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, p.Role)
	assert.Nil(t, p.LastReadAt)
	assert.True(t, p.IsActive())

	_, err = f.membership.AddParticipant(ctx, g, "alice", "carol")
	requireKind(t, registrystore.KindAlreadyMember, err)

	_, err = f.membership.AddParticipant(ctx, uuid.New(), "alice", "carol")
	requireKind(t, registrystore.KindNotFound, err)

	_, err = f.membership.AddParticipant(ctx, g, "alice", " ")
	requireKind(t, registrystore.KindBadRequest, err)
}

func TestLastAdminCannotLeaveOrBeRemoved(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	_, err := f.membership.RemoveParticipant(ctx, g, "alice", "alice")
	requireKind(t, registrystore.KindLastAdminViolation, err)

	_, err = f.membership.SetRole(ctx, g, "alice", "alice", model.RoleMember)
	requireKind(t, registrystore.KindLastAdminViolation, err)

	isAdmin, err := f.guard.IsAdmin(ctx, g, "alice")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	// Promoting someone else is the way out.
	_, err = f.membership.SetRole(ctx, g, "alice", "bob", model.RoleAdmin)
	require.NoError(t, err)
	_, err = f.membership.RemoveParticipant(ctx, g, "bob", "alice")
	require.NoError(t, err)
	_, err = f.membership.RemoveParticipant(ctx, g, "bob", "bob")
	requireKind(t, registrystore.KindLastAdminViolation, err)
}

func TestSetRoleRequiresAdmin(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob", "carol")

	_, err := f.membership.SetRole(ctx, g, "bob", "bob", model.RoleAdmin)
	requireKind(t, registrystore.KindPermissionDenied, err)

	_, err = f.membership.SetRole(ctx, g, "alice", "bob", model.Role("owner"))
	requireKind(t, registrystore.KindBadRequest, err)

	_, err = f.membership.SetRole(ctx, g, "alice", "dave", model.RoleAdmin)
	requireKind(t, registrystore.KindNotMember, err)
}

func TestMarkAsReadIsMonotonic(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	first, err := f.reads.MarkAsRead(ctx, g, "bob")
	require.NoError(t, err)
	require.NotNil(t, first.LastReadAt)

	f.clock.Set(first.LastReadAt.Add(-time.Hour))
	second, err := f.reads.MarkAsRead(ctx, g, "bob")
	require.NoError(t, err)
	require.NotNil(t, second.LastReadAt)
	assert.True(t, second.LastReadAt.Equal(*first.LastReadAt), "cursor moved from %v to %v", first.LastReadAt, second.LastReadAt)
}

func TestUnreadRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	f.send(t, g, "alice", 2)
	assert.Equal(t, int64(2), f.unread.GetUnreadCount(ctx, "bob"))

	_, err := f.reads.MarkAsRead(ctx, g, "bob")
	require.NoError(t, err)
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))

	f.send(t, g, "alice", 1)
	assert.Equal(t, int64(1), f.unread.GetUnreadCount(ctx, "bob"))
}

func TestRejoinCountsFromEpoch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	f.send(t, g, "alice", 2)
	_, err := f.reads.MarkAsRead(ctx, g, "bob")
	require.NoError(t, err)
	_, err = f.membership.RemoveParticipant(ctx, g, "alice", "bob")
	require.NoError(t, err)
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))

	_, err = f.membership.AddParticipant(ctx, g, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.unread.GetUnreadCount(ctx, "bob"))
}

func TestDeletedMessagesAreNotUnread(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	msg, err := f.messages.AppendMessage(ctx, g, "alice", "oops")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.unread.GetUnreadCount(ctx, "bob"))

	require.NoError(t, f.messages.DeleteMessage(ctx, g, msg.ID, "alice"))
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))

	_, err = f.messages.AppendMessage(ctx, g, "outsider", "hi")
	requireKind(t, registrystore.KindNotMember, err)
}

func TestGetConversationRequiresParticipation(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	conv, err := f.membership.GetConversation(ctx, g, "bob")
	require.NoError(t, err)
	assert.Equal(t, g, conv.ID)

	_, err = f.membership.GetConversation(ctx, g, "carol")
	requireKind(t, registrystore.KindPermissionDenied, err)

	_, err = f.membership.GetConversation(ctx, uuid.New(), "bob")
	requireKind(t, registrystore.KindNotFound, err)

	ps, err := f.membership.ListParticipants(ctx, g, "bob")
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	_, err = f.membership.ListParticipants(ctx, g, "carol")
	requireKind(t, registrystore.KindNotMember, err)
}

// flakyStore fails CountUnread for selected conversations and, optionally,
// every ListActiveParticipations call. afterCount runs after each successful
// count, before it is returned.
type flakyStore struct {
	registrystore.ConversationStore
	mu         sync.Mutex
	failCount  map[uuid.UUID]bool
	failList   bool
	afterCount func()
}

func (s *flakyStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (int64, error) {
	s.mu.Lock()
	fail := s.failCount[conversationID]
	after := s.afterCount
	s.mu.Unlock()
	if fail {
		return 0, &registrystore.UnavailableError{Op: "count unread", Err: context.DeadlineExceeded}
	}
	n, err := s.ConversationStore.CountUnread(ctx, conversationID, userID, since)
	if err == nil && after != nil {
		after()
	}
	return n, err
}

func (s *flakyStore) ListActiveParticipations(ctx context.Context, userID string) ([]model.Participant, error) {
	s.mu.Lock()
	fail := s.failList
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.ConversationStore.ListActiveParticipations(ctx, userID)
}

func (s *flakyStore) set(fn func(s *flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func TestUnreadPartialFailureIsolation(t *testing.T) {
	flaky := &flakyStore{failCount: map[uuid.UUID]bool{}}
	f := newFixture(t, func(inner registrystore.ConversationStore) registrystore.ConversationStore {
		flaky.ConversationStore = inner
		return flaky
	}, nil)
	ctx := context.Background()

	var convs []uuid.UUID
	for i := 0; i < 6; i++ {
		c := f.group(t, "alice", "bob")
		f.send(t, c, "alice", i+1)
		convs = append(convs, c)
	}
	assert.Equal(t, int64(1+2+3+4+5+6), f.unread.GetUnreadCount(ctx, "bob"))

	flaky.set(func(s *flakyStore) { s.failCount[convs[2]] = true })
	assert.Equal(t, int64(1+2+4+5+6), f.unread.GetUnreadCount(ctx, "bob"))
	assert.Len(t, f.unread.GetUnreadBreakdown(ctx, "bob"), 5)

	flaky.set(func(s *flakyStore) { s.failList = true })
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))
	assert.Empty(t, f.unread.GetUnreadBreakdown(ctx, "bob"))
}

// memoryCache is an UnreadCache kept in a map.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]registrycache.CachedUnread
	gens    map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		entries: map[string]registrycache.CachedUnread{},
		gens:    map[string]int64{},
	}
}

func (c *memoryCache) Available() bool { return true }

func (c *memoryCache) Get(_ context.Context, userID string) (*registrycache.CachedUnread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memoryCache) Generation(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[userID], nil
}

func (c *memoryCache) Set(_ context.Context, userID string, gen int64, entry registrycache.CachedUnread, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[userID] != gen {
		return false, nil
	}
	c.entries[userID] = entry
	return true, nil
}

func (c *memoryCache) Invalidate(_ context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range userIDs {
		c.gens[u]++
		delete(c.entries, u)
	}
	return nil
}

func (c *memoryCache) Close() error { return nil }

func (c *memoryCache) has(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[userID]
	return ok
}

func TestUnreadCacheInvalidation(t *testing.T) {
	cache := newMemoryCache()
	f := newFixture(t, nil, cache)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	f.send(t, g, "alice", 2)
	assert.Equal(t, int64(2), f.unread.GetUnreadCount(ctx, "bob"))
	assert.True(t, cache.has("bob"))

	_, err := f.reads.MarkAsRead(ctx, g, "bob")
	require.NoError(t, err)
	assert.False(t, cache.has("bob"))
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))
	assert.True(t, cache.has("bob"))

	f.send(t, g, "alice", 1)
	assert.False(t, cache.has("bob"))
	assert.Equal(t, int64(1), f.unread.GetUnreadCount(ctx, "bob"))

	_, err = f.membership.RemoveParticipant(ctx, g, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, cache.has("bob"))
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))
}

func TestIncompleteUnreadIsNotCached(t *testing.T) {
	cache := newMemoryCache()
	flaky := &flakyStore{failCount: map[uuid.UUID]bool{}}
	f := newFixture(t, func(inner registrystore.ConversationStore) registrystore.ConversationStore {
		flaky.ConversationStore = inner
		return flaky
	}, cache)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")
	f.send(t, g, "alice", 1)

	flaky.set(func(s *flakyStore) { s.failCount[g] = true })
	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))
	assert.False(t, cache.has("bob"))

	flaky.set(func(s *flakyStore) { s.failCount[g] = false })
	assert.Equal(t, int64(1), f.unread.GetUnreadCount(ctx, "bob"))
	assert.True(t, cache.has("bob"))
}

func TestConcurrentRemovalOfLastTwoAdmins(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")
	_, err := f.membership.SetRole(ctx, g, "alice", "bob", model.RoleAdmin)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.membership.RemoveParticipant(ctx, g, u, u)
		}()
	}
	wg.Wait()

	kinds := []string{registrystore.KindOf(errs[0]), registrystore.KindOf(errs[1])}
	assert.ElementsMatch(t, []string{"", registrystore.KindLastAdminViolation}, kinds)

	ps, err := f.store.ListActiveParticipants(ctx, g)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].IsActiveAdmin())
}

func TestInvalidationDuringUnreadComputeIsNotOverwritten(t *testing.T) {
	cache := newMemoryCache()
	flaky := &flakyStore{failCount: map[uuid.UUID]bool{}}
	f := newFixture(t, func(inner registrystore.ConversationStore) registrystore.ConversationStore {
		flaky.ConversationStore = inner
		return flaky
	}, cache)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")
	f.send(t, g, "alice", 2)

	// bob reads the conversation after his count was taken but before the
	// total is cached.
	var once sync.Once
	flaky.set(func(s *flakyStore) {
		s.afterCount = func() {
			once.Do(func() {
				_, err := f.reads.MarkAsRead(ctx, g, "bob")
				assert.NoError(t, err)
			})
		}
	})

	assert.Equal(t, int64(2), f.unread.GetUnreadCount(ctx, "bob"))
	assert.False(t, cache.has("bob"))

	assert.Zero(t, f.unread.GetUnreadCount(ctx, "bob"))
	assert.True(t, cache.has("bob"))
}

// slowStore blocks selected calls until their context expires and then
// hands the expired context to the real store.
type slowStore struct {
	registrystore.ConversationStore
	slowCount map[uuid.UUID]bool
	slowFind  atomic.Bool
}

func (s *slowStore) CountUnread(ctx context.Context, conversationID uuid.UUID, userID string, since time.Time) (int64, error) {
	if s.slowCount[conversationID] {
		<-ctx.Done()
	}
	return s.ConversationStore.CountUnread(ctx, conversationID, userID, since)
}

func (s *slowStore) FindActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*model.Participant, error) {
	if s.slowFind.Load() {
		<-ctx.Done()
	}
	return s.ConversationStore.FindActiveParticipant(ctx, conversationID, userID)
}

func newSlowFixture(t *testing.T, storeTimeout time.Duration) (*fixture, *slowStore) {
	t.Helper()
	slow := &slowStore{slowCount: map[uuid.UUID]bool{}}
	f := newFixtureWithTimeout(t, func(inner registrystore.ConversationStore) registrystore.ConversationStore {
		slow.ConversationStore = inner
		return slow
	}, nil, storeTimeout)
	return f, slow
}

func TestSlowConversationIsDroppedFromUnreadTotal(t *testing.T) {
	const storeTimeout = 100 * time.Millisecond
	f, slow := newSlowFixture(t, storeTimeout)
	ctx := context.Background()
	c1 := f.group(t, "alice", "bob")
	c2 := f.group(t, "alice", "bob")
	f.send(t, c1, "alice", 1)
	f.send(t, c2, "alice", 2)

	slow.slowCount[c2] = true
	start := time.Now()
	total := f.unread.GetUnreadCount(ctx, "bob")
	elapsed := time.Since(start)

	assert.Equal(t, int64(1), total)
	assert.GreaterOrEqual(t, elapsed, storeTimeout)
	assert.Less(t, elapsed, 20*storeTimeout)
}

func TestStoreTimeoutIsRetryable(t *testing.T) {
	f, slow := newSlowFixture(t, 100*time.Millisecond)
	ctx := context.Background()
	g := f.group(t, "alice", "bob")

	slow.slowFind.Store(true)

	_, err := f.membership.AddParticipant(ctx, g, "alice", "carol")
	requireKind(t, registrystore.KindUnavailable, err)
	assert.True(t, registrystore.IsRetryable(err))

	_, err = f.reads.MarkAsRead(ctx, g, "bob")
	requireKind(t, registrystore.KindUnavailable, err)
	assert.True(t, registrystore.IsRetryable(err))

	slow.slowFind.Store(false)
	_, err = f.membership.AddParticipant(ctx, g, "alice", "carol")
	require.NoError(t, err)
}
