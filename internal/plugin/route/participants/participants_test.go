package participants

import (
	"net/http"
	"testing"

	"github.com/chirino/conversation-service/internal/plugin/route/conversations"
	"github.com/chirino/conversation-service/internal/testutil/testsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*testsvc.Env, string) {
	t.Helper()
	env := testsvc.New(t)
	conversations.MountRoutes(env.Router, env.Membership, env.Auth)
	MountRoutes(env.Router, env.Membership, env.Auth)

	w := env.Do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"kind":         "group",
		"title":        "team",
		"participants": []string{"bob"},
	})
	testsvc.Status(t, http.StatusCreated, w)
	id, ok := testsvc.Decode(t, w)["id"].(string)
	require.True(t, ok)
	return env, "/v1/conversations/" + id + "/participants"
}

func TestAddAndListParticipants(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodPost, base, "alice", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusCreated, w)
	body := testsvc.Decode(t, w)
	assert.Equal(t, "carol", body["userId"])
	assert.Equal(t, "member", body["role"])
	assert.Nil(t, body["lastReadAt"])

	w = env.Do(t, http.MethodPost, base, "alice", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusConflict, w)
	assert.Equal(t, "already_member", testsvc.Decode(t, w)["code"])

	w = env.Do(t, http.MethodGet, base, "carol", nil)
	testsvc.Status(t, http.StatusOK, w)
	data, ok := testsvc.Decode(t, w)["data"].([]any)
	require.True(t, ok)
	assert.Len(t, data, 3)
}

func TestAddParticipantValidation(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodPost, base, "alice", map[string]string{})
	testsvc.Status(t, http.StatusBadRequest, w)
	assert.Equal(t, "bad_request", testsvc.Decode(t, w)["code"])

	w = env.Do(t, http.MethodPost, base, "alice", map[string]string{"userId": "has space"})
	testsvc.Status(t, http.StatusBadRequest, w)

	w = env.Do(t, http.MethodPost, "/v1/conversations/not-a-uuid/participants", "alice", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusNotFound, w)

	w = env.Do(t, http.MethodPost, base, "", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusUnauthorized, w)
}

func TestNonAdminCannotAdd(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodPost, base, "bob", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusForbidden, w)
	assert.Equal(t, "permission_denied", testsvc.Decode(t, w)["code"])
}

func TestRemoveParticipant(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodDelete, base+"/bob", "alice", nil)
	testsvc.Status(t, http.StatusOK, w)
	assert.NotNil(t, testsvc.Decode(t, w)["leftAt"])

	w = env.Do(t, http.MethodDelete, base+"/bob", "alice", nil)
	testsvc.Status(t, http.StatusNotFound, w)
	assert.Equal(t, "not_member", testsvc.Decode(t, w)["code"])

	w = env.Do(t, http.MethodGet, base, "bob", nil)
	testsvc.Status(t, http.StatusNotFound, w)
}

func TestLastAdminCannotLeave(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodDelete, base+"/alice", "alice", nil)
	testsvc.Status(t, http.StatusConflict, w)
	assert.Equal(t, "last_admin_violation", testsvc.Decode(t, w)["code"])

	w = env.Do(t, http.MethodPatch, base+"/bob", "alice", map[string]string{"role": "admin"})
	testsvc.Status(t, http.StatusOK, w)
	assert.Equal(t, "admin", testsvc.Decode(t, w)["role"])

	w = env.Do(t, http.MethodDelete, base+"/alice", "alice", nil)
	testsvc.Status(t, http.StatusOK, w)
}

func TestSetRoleValidation(t *testing.T) {
	env, base := setup(t)

	w := env.Do(t, http.MethodPatch, base+"/bob", "alice", map[string]string{"role": "owner"})
	testsvc.Status(t, http.StatusBadRequest, w)

	w = env.Do(t, http.MethodPatch, base+"/bob", "bob", map[string]string{"role": "admin"})
	testsvc.Status(t, http.StatusForbidden, w)
}

func TestDirectConversationRejectsMembershipChanges(t *testing.T) {
	env, _ := setup(t)

	w := env.Do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"kind":         "direct",
		"participants": []string{"bob"},
	})
	testsvc.Status(t, http.StatusCreated, w)
	base := "/v1/conversations/" + testsvc.Decode(t, w)["id"].(string) + "/participants"

	w = env.Do(t, http.MethodPost, base, "alice", map[string]string{"userId": "carol"})
	testsvc.Status(t, http.StatusBadRequest, w)
	assert.Equal(t, "invalid_operation", testsvc.Decode(t, w)["code"])

	w = env.Do(t, http.MethodDelete, base+"/alice", "alice", nil)
	testsvc.Status(t, http.StatusBadRequest, w)
	assert.Equal(t, "invalid_operation", testsvc.Decode(t, w)["code"])
}
