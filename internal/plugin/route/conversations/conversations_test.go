package conversations

import (
	"net/http"
	"testing"

	"github.com/chirino/conversation-service/internal/testutil/testsvc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetConversation(t *testing.T) {
	env := testsvc.New(t)
	MountRoutes(env.Router, env.Membership, env.Auth)

	w := env.Do(t, http.MethodPost, "/v1/conversations", "alice", map[string]any{
		"kind":         "group",
		"title":        "planning",
		"participants": []string{"bob", "carol"},
	})
	testsvc.Status(t, http.StatusCreated, w)
	body := testsvc.Decode(t, w)
	assert.Equal(t, "group", body["kind"])
	assert.Equal(t, "planning", body["title"])
	participants, ok := body["participants"].([]any)
	require.True(t, ok)
	assert.Len(t, participants, 3)

	path := "/v1/conversations/" + body["id"].(string)
	w = env.Do(t, http.MethodGet, path, "bob", nil)
	testsvc.Status(t, http.StatusOK, w)
	assert.Equal(t, body["id"], testsvc.Decode(t, w)["id"])

	w = env.Do(t, http.MethodGet, path, "mallory", nil)
	testsvc.Status(t, http.StatusForbidden, w)

	w = env.Do(t, http.MethodGet, "/v1/conversations/00000000-0000-0000-0000-000000000001", "bob", nil)
	testsvc.Status(t, http.StatusNotFound, w)
}

func TestCreateConversationValidation(t *testing.T) {
	env := testsvc.New(t)
	MountRoutes(env.Router, env.Membership, env.Auth)

	cases := []map[string]any{
		{},
		{"kind": "channel"},
		{"kind": "group", "participants": []string{"bad/user"}},
		{"kind": "direct", "participants": []string{"bob", "carol"}},
	}
	for _, req := range cases {
		w := env.Do(t, http.MethodPost, "/v1/conversations", "alice", req)
		testsvc.Status(t, http.StatusBadRequest, w)
		assert.Equal(t, "bad_request", testsvc.Decode(t, w)["code"], "request %v", req)
	}
}
