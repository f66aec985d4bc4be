package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/cache/noop"
	registrycache "github.com/chirino/conversation-service/internal/registry/cache"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestMaxBodySizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(maxBodySizeMiddleware(8))
	router.POST("/echo", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.String(http.StatusOK, string(body))
	})

	t.Run("within limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("abcdef")))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "abcdef", rec.Body.String())
	})

	t.Run("over limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("abcdefghijkl")))
		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestStartServerServesHTTPAndGRPC(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = "file:" + filepath.Join(t.TempDir(), "serve.db")
	cfg.Listener.Port = 0
	cfg.Listener.EnableTLS = false

	ctx := config.WithContext(context.Background(), &cfg)
	srv, err := StartServer(ctx, &cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Running.Port)

	resp, err := http.Get(base + "/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, base+"/v1/conversations",
		strings.NewReader(`{"kind":"group","title":"ops","participants":["bob"]}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "group", created["kind"])

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", srv.Running.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.GetStatus())
}

type closeCountingStore struct {
	registrystore.ConversationStore
	closed int
}

func (s *closeCountingStore) Close() error {
	s.closed++
	return nil
}

type closeCountingCache struct {
	registrycache.UnreadCache
	closed int
}

func (c *closeCountingCache) Close() error {
	c.closed++
	return nil
}

func TestShutdownClosesStoreAndCache(t *testing.T) {
	store := &closeCountingStore{}
	cache := &closeCountingCache{UnreadCache: noop.New()}
	listenersClosed := false
	srv := &Server{
		Store:  store,
		Cache:  cache,
		Health: health.NewServer(),
		Running: &RunningServers{Close: func(context.Context) error {
			listenersClosed = true
			return nil
		}},
	}

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.True(t, listenersClosed)
	assert.Equal(t, 1, store.closed)
	assert.Equal(t, 1, cache.closed)
}
