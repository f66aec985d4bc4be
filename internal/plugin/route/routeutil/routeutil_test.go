package routeutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("alice"))
	assert.True(t, ValidUserID("user@example.com"))
	assert.False(t, ValidUserID(""))
	assert.False(t, ValidUserID("a b"))
	assert.False(t, ValidUserID("a/b"))
	assert.False(t, ValidUserID("tab\tbed"))
	assert.False(t, ValidUserID(strings.Repeat("x", MaxUserIDLength+1)))
}

func TestHandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&registrystore.PermissionDeniedError{UserID: "u"}, http.StatusForbidden, "permission_denied"},
		{&registrystore.InvalidOperationError{Message: "direct"}, http.StatusBadRequest, "invalid_operation"},
		{&registrystore.AlreadyMemberError{UserID: "u"}, http.StatusConflict, "already_member"},
		{&registrystore.NotMemberError{UserID: "u"}, http.StatusNotFound, "not_member"},
		{&registrystore.LastAdminError{UserID: "u"}, http.StatusConflict, "last_admin_violation"},
		{&registrystore.UnavailableError{Op: "x", Err: errors.New("down")}, http.StatusServiceUnavailable, "unavailable"},
		{&registrystore.NotFoundError{Resource: "conversation"}, http.StatusNotFound, "not_found"},
		{&registrystore.ValidationError{Field: "f"}, http.StatusBadRequest, "bad_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		HandleError(c, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.code)
		assert.Contains(t, w.Body.String(), `"code":"`+tc.code+`"`)
		if tc.status == http.StatusServiceUnavailable {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
		}
	}
}
