package readstate

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
	MountRoutes(env.Router, Services{Reads: env.Reads, Unread: env.Unread, Messages: env.Messages}, env.Auth)

	w := env.Do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"kind":         "group",
		"participants": []string{"bob"},
	})
	testsvc.Status(t, http.StatusCreated, w)
	return env, "/v1/conversations/" + testsvc.Decode(t, w)["id"].(string)
}

func unread(t *testing.T, env *testsvc.Env, user string) float64 {
	t.Helper()
	w := env.Do(t, http.MethodGet, "/v1/unread-count", user, nil)
	testsvc.Status(t, http.StatusOK, w)
	n, ok := testsvc.Decode(t, w)["count"].(float64)
	require.True(t, ok)
	return n
}

func TestUnreadRoundTrip(t *testing.T) {
	env, conv := setup(t)

	for i := 0; i < 2; i++ {
		w := env.Do(t, http.MethodPost, conv+"/messages", "alice", map[string]string{"body": "hi"})
		testsvc.Status(t, http.StatusCreated, w)
	}
	assert.Equal(t, float64(2), unread(t, env, "bob"))
	assert.Equal(t, float64(0), unread(t, env, "alice"))

	w := env.Do(t, http.MethodGet, "/v1/unread-count/conversations", "bob", nil)
	testsvc.Status(t, http.StatusOK, w)
	convs, ok := testsvc.Decode(t, w)["conversations"].([]any)
	require.True(t, ok)
	require.Len(t, convs, 1)
	assert.Equal(t, float64(2), convs[0].(map[string]any)["count"])

	w = env.Do(t, http.MethodPost, conv+"/read", "bob", nil)
	testsvc.Status(t, http.StatusOK, w)
	assert.NotNil(t, testsvc.Decode(t, w)["lastReadAt"])
	assert.Equal(t, float64(0), unread(t, env, "bob"))
}

func TestMarkAsReadRequiresParticipation(t *testing.T) {
	env, conv := setup(t)

	w := env.Do(t, http.MethodPost, conv+"/read", "mallory", nil)
	testsvc.Status(t, http.StatusNotFound, w)
	assert.Equal(t, "not_member", testsvc.Decode(t, w)["code"])
}

func TestDeleteMessage(t *testing.T) {
	env, conv := setup(t)

	w := env.Do(t, http.MethodPost, conv+"/messages", "alice", nil)
	testsvc.Status(t, http.StatusCreated, w)
	id := testsvc.Decode(t, w)["id"].(string)
	assert.Equal(t, float64(1), unread(t, env, "bob"))

	w = env.Do(t, http.MethodDelete, conv+"/messages/"+id, "alice", nil)
	testsvc.Status(t, http.StatusNoContent, w)
	assert.Equal(t, float64(0), unread(t, env, "bob"))

	w = env.Do(t, http.MethodDelete, conv+"/messages/not-a-uuid", "alice", nil)
	testsvc.Status(t, http.StatusNotFound, w)
}

func TestUnreadCountForStranger(t *testing.T) {
	env, _ := setup(t)
	assert.Equal(t, float64(0), unread(t, env, "nobody"))

	w := env.Do(t, http.MethodGet, "/v1/unread-count/conversations", "nobody", nil)
	testsvc.Status(t, http.StatusOK, w)
	convs, ok := testsvc.Decode(t, w)["conversations"].([]any)
	require.True(t, ok)
	assert.Empty(t, convs)
}
