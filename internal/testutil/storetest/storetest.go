// Package storetest is a behavioural suite every ConversationStore plugin
// must pass. Each case works on its own conversation and user names so the
// cases can share one database.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/model"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the suite against the store returned by open.
func Run(t *testing.T, open func(t *testing.T) registrystore.ConversationStore) {
	s := open(t)
	t.Cleanup(func() { _ = s.Close() })

	cases := []struct {
		name string
		fn   func(t *testing.T, s registrystore.ConversationStore)
	}{
		{"CreateAndGetConversation", testCreateAndGet},
		{"GetMissingConversation", testGetMissing},
		{"InsertDuplicateParticipant", testInsertDuplicate},
		{"DeactivateNonMember", testDeactivateNonMember},
		{"DeactivateLastAdmin", testDeactivateLastAdmin},
		{"DeactivateOneOfTwoAdmins", testDeactivateOneOfTwoAdmins},
		{"RejoinStartsNewEpisode", testRejoin},
		{"UpdateParticipantRole", testUpdateRole},
		{"AdvanceReadCursorIsMonotonic", testAdvanceMonotonic},
		{"AdvanceReadCursorAfterLeave", testAdvanceAfterLeave},
		{"CountUnread", testCountUnread},
		{"DeleteMessage", testDeleteMessage},
		{"ListActiveParticipations", testListParticipations},
		{"ConcurrentAdminRemoval", testConcurrentAdminRemoval},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, s) })
	}
}

// now is truncated to milliseconds, the coarsest precision of any backend.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func user(t *testing.T, name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func newGroup(t *testing.T, s registrystore.ConversationStore, admins []string, members ...string) model.Conversation {
	t.Helper()
	at := now()
	conv := model.Conversation{ID: uuid.New(), Kind: model.ConversationKindGroup, Title: "group", CreatedAt: at}
	var ps []model.Participant
	for _, u := range admins {
		ps = append(ps, model.Participant{ID: uuid.New(), UserID: u, Role: model.RoleAdmin, JoinedAt: at})
	}
	for _, u := range members {
		ps = append(ps, model.Participant{ID: uuid.New(), UserID: u, Role: model.RoleMember, JoinedAt: at})
	}
	created, _, err := s.CreateConversation(context.Background(), conv, ps)
	require.NoError(t, err)
	return *created
}

func testCreateAndGet(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, model.ConversationKindGroup, got.Kind)
	assert.Equal(t, "group", got.Title)

	ps, err := s.ListActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	users := []string{ps[0].UserID, ps[1].UserID}
	assert.ElementsMatch(t, []string{alice, bob}, users)
	for _, p := range ps {
		assert.True(t, p.IsActive())
		assert.Nil(t, p.LastReadAt)
	}

	p, err := s.FindActiveParticipant(ctx, conv.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)
}

func testGetMissing(t *testing.T, s registrystore.ConversationStore) {
	_, err := s.GetConversation(context.Background(), uuid.New())
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))

	_, err = s.FindActiveParticipant(context.Background(), uuid.New(), "nobody")
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
}

func testInsertDuplicate(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)

	_, err := s.InsertParticipant(ctx, model.Participant{
		ConversationID: conv.ID, UserID: bob, Role: model.RoleMember, JoinedAt: now(),
	})
	require.Error(t, err)
	assert.Equal(t, registrystore.KindAlreadyMember, registrystore.KindOf(err))

	ps, err := s.ListActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func testDeactivateNonMember(t *testing.T, s registrystore.ConversationStore) {
	alice := user(t, "alice")
	conv := newGroup(t, s, []string{alice})

	_, err := s.DeactivateParticipant(context.Background(), conv.ID, user(t, "carol"), now())
	assert.Equal(t, registrystore.KindNotMember, registrystore.KindOf(err))
}

func testDeactivateLastAdmin(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)

	_, err := s.DeactivateParticipant(ctx, conv.ID, alice, now())
	assert.Equal(t, registrystore.KindLastAdminViolation, registrystore.KindOf(err))

	p, err := s.FindActiveParticipant(ctx, conv.ID, alice)
	require.NoError(t, err)
	assert.True(t, p.IsActiveAdmin())

	_, err = s.UpdateParticipantRole(ctx, conv.ID, alice, model.RoleMember)
	assert.Equal(t, registrystore.KindLastAdminViolation, registrystore.KindOf(err))

	// Members can always leave.
	left, err := s.DeactivateParticipant(ctx, conv.ID, bob, now())
	require.NoError(t, err)
	require.NotNil(t, left.LeftAt)
	assert.IsType(t, model.Left{}, left.State())
}

func testDeactivateOneOfTwoAdmins(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice, bob})

	_, err := s.DeactivateParticipant(ctx, conv.ID, alice, now())
	require.NoError(t, err)

	_, err = s.DeactivateParticipant(ctx, conv.ID, bob, now())
	assert.Equal(t, registrystore.KindLastAdminViolation, registrystore.KindOf(err))

	_, err = s.DeactivateParticipant(ctx, conv.ID, alice, now())
	assert.Equal(t, registrystore.KindNotMember, registrystore.KindOf(err))
}

func testRejoin(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)

	first, err := s.FindActiveParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	_, err = s.AdvanceReadCursor(ctx, first.ID, now())
	require.NoError(t, err)
	_, err = s.DeactivateParticipant(ctx, conv.ID, bob, now())
	require.NoError(t, err)

	again, err := s.InsertParticipant(ctx, model.Participant{
		ConversationID: conv.ID, UserID: bob, Role: model.RoleMember, JoinedAt: now(),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)
	assert.Nil(t, again.LastReadAt)

	active, err := s.FindActiveParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, again.ID, active.ID)
}

func testUpdateRole(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)

	p, err := s.UpdateParticipantRole(ctx, conv.ID, bob, model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)

	// With bob promoted, alice may step down and then leave.
	p, err = s.UpdateParticipantRole(ctx, conv.ID, alice, model.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, model.RoleMember, p.Role)

	_, err = s.DeactivateParticipant(ctx, conv.ID, bob, now())
	assert.Equal(t, registrystore.KindLastAdminViolation, registrystore.KindOf(err))

	_, err = s.UpdateParticipantRole(ctx, conv.ID, user(t, "carol"), model.RoleAdmin)
	assert.Equal(t, registrystore.KindNotMember, registrystore.KindOf(err))
}

func testAdvanceMonotonic(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice := user(t, "alice")
	conv := newGroup(t, s, []string{alice})
	p, err := s.FindActiveParticipant(ctx, conv.ID, alice)
	require.NoError(t, err)

	t2 := now()
	t1 := t2.Add(-time.Minute)

	got, err := s.AdvanceReadCursor(ctx, p.ID, t2)
	require.NoError(t, err)
	require.NotNil(t, got.LastReadAt)
	assert.WithinDuration(t, t2, *got.LastReadAt, time.Millisecond)

	got, err = s.AdvanceReadCursor(ctx, p.ID, t1)
	require.NoError(t, err)
	require.NotNil(t, got.LastReadAt)
	assert.WithinDuration(t, t2, *got.LastReadAt, time.Millisecond)

	t3 := t2.Add(time.Minute)
	got, err = s.AdvanceReadCursor(ctx, p.ID, t3)
	require.NoError(t, err)
	assert.WithinDuration(t, t3, *got.LastReadAt, time.Millisecond)
}

func testAdvanceAfterLeave(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)
	p, err := s.FindActiveParticipant(ctx, conv.ID, bob)
	require.NoError(t, err)
	_, err = s.DeactivateParticipant(ctx, conv.ID, bob, now())
	require.NoError(t, err)

	_, err = s.AdvanceReadCursor(ctx, p.ID, now())
	assert.Equal(t, registrystore.KindNotMember, registrystore.KindOf(err))

	_, err = s.AdvanceReadCursor(ctx, uuid.New(), now())
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
}

func appendAt(t *testing.T, s registrystore.ConversationStore, convID uuid.UUID, sender string, at time.Time) model.Message {
	t.Helper()
	msg, err := s.AppendMessage(context.Background(), model.Message{
		ConversationID: convID, SenderID: sender, Body: "hi", CreatedAt: at,
	})
	require.NoError(t, err)
	return *msg
}

func testCountUnread(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)
	base := now()

	appendAt(t, s, conv.ID, alice, base.Add(-time.Second))
	appendAt(t, s, conv.ID, alice, base.Add(time.Second))
	appendAt(t, s, conv.ID, alice, base.Add(2*time.Second))
	appendAt(t, s, conv.ID, bob, base.Add(3*time.Second))

	n, err := s.CountUnread(ctx, conv.ID, bob, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = s.CountUnread(ctx, conv.ID, bob, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The boundary is exclusive.
	n, err = s.CountUnread(ctx, conv.ID, bob, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.CountUnread(ctx, conv.ID, alice, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testDeleteMessage(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice}, bob)
	msg := appendAt(t, s, conv.ID, alice, now())

	n, err := s.CountUnread(ctx, conv.ID, bob, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.DeleteMessage(ctx, conv.ID, msg.ID))
	n, err = s.CountUnread(ctx, conv.ID, bob, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, n)

	err = s.DeleteMessage(ctx, uuid.New(), msg.ID)
	assert.Equal(t, registrystore.KindNotFound, registrystore.KindOf(err))
}

func testListParticipations(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	c1 := newGroup(t, s, []string{alice}, bob)
	c2 := newGroup(t, s, []string{alice}, bob)
	newGroup(t, s, []string{alice})

	_, err := s.DeactivateParticipant(ctx, c2.ID, bob, now())
	require.NoError(t, err)

	ps, err := s.ListActiveParticipations(ctx, bob)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, c1.ID, ps[0].ConversationID)

	ps, err = s.ListActiveParticipations(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, ps, 3)
}

func testConcurrentAdminRemoval(t *testing.T, s registrystore.ConversationStore) {
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")
	conv := newGroup(t, s, []string{alice, bob})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []string{alice, bob} {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = s.DeactivateParticipant(ctx, conv.ID, u, now())
		}(i, u)
	}
	wg.Wait()

	var ok, lastAdmin int
	for _, err := range errs {
		switch registrystore.KindOf(err) {
		case registrystore.KindLastAdminViolation:
			lastAdmin++
		default:
			if err == nil {
				ok++
			}
		}
	}
	assert.Equal(t, 1, ok, "errors: %v", errs)
	assert.Equal(t, 1, lastAdmin, "errors: %v", errs)

	ps, err := s.ListActiveParticipants(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.True(t, ps[0].IsActiveAdmin())
}
