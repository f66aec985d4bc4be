// Package testsvc wires the conversation services over a temporary SQLite
// database for route tests.
package testsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/store/sqlite"
	"github.com/chirino/conversation-service/internal/plugin/store/sqlstore"
	"github.com/chirino/conversation-service/internal/security"
	"github.com/chirino/conversation-service/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Env is a router with auth plus the services behind it.
type Env struct {
	Router     *gin.Engine
	Auth       gin.HandlerFunc
	Membership *service.MembershipService
	Reads      *service.ReadCursorService
	Unread     *service.UnreadService
	Messages   *service.MessageService
}

// New builds an Env. Requests authenticate with "Authorization: Bearer <userId>".
func New(t *testing.T) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "routes.db"))
	require.NoError(t, err)
	st := sqlstore.New(db, sqlite.Dialect)
	t.Cleanup(func() { _ = st.Close() })

	d := service.Deps{
		Store:        st,
		Logger:       log.New(io.Discard),
		StoreTimeout: 5 * time.Second,
		UnreadFanout: 4,
	}
	guard := service.NewGuard(d)

	cfg := config.DefaultConfig()
	return &Env{
		Router:     gin.New(),
		Auth:       security.AuthMiddleware(security.NewTokenResolver(&cfg)),
		Membership: service.NewMembershipService(d, guard),
		Reads:      service.NewReadCursorService(d, guard),
		Unread:     service.NewUnreadService(d),
		Messages:   service.NewMessageService(d, guard),
	}
}

// Do sends a request as userID and returns the recorded response. body is
// JSON-encoded when non-nil.
func (e *Env) Do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+userID)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

// Decode unmarshals a JSON response body into a map.
func Decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// Status is a readable assertion helper for response codes.
func Status(t *testing.T, want int, w *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, want, w.Code, "%s %s", http.StatusText(w.Code), w.Body.String())
}
