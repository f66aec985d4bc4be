package testredis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Image is the Redis image used by container-backed cache tests.
const Image = "redis:7-alpine"

const port = "6379/tcp"

// StartRedis starts a disposable Redis container and returns a redis:// URL
// selecting the given logical database.
func StartRedis(tb testing.TB) string {
	tb.Helper()
	return StartRedisDB(tb, 0)
}

// StartRedisDB is StartRedis with an explicit logical database number.
func StartRedisDB(tb testing.TB, db int) string {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        Image,
			ExposedPorts: []string{port},
			Cmd:          []string{"redis-server", "--save", "", "--appendonly", "no"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start redis container: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			tb.Errorf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, port, "")
	if err != nil {
		tb.Fatalf("resolve redis endpoint: %v", err)
	}
	return fmt.Sprintf("redis://%s/%d", endpoint, db)
}
