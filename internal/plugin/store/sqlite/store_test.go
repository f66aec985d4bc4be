package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/conversation-service/internal/config"
	"github.com/chirino/conversation-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/conversation-service/internal/registry/migrate"
	registrystore "github.com/chirino/conversation-service/internal/registry/store"
	"github.com/chirino/conversation-service/internal/testutil/storetest"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) registrystore.ConversationStore {
	t.Helper()
	_ = sqlite.ForceImport

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = "file:" + filepath.Join(t.TempDir(), "conversations.db")
	ctx := config.WithContext(context.Background(), &cfg)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	s, err := loader(ctx)
	require.NoError(t, err)
	return s
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, openStore)
}

func TestOpenIsIdempotent(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		db, err := sqlite.Open(context.Background(), dsn)
		require.NoError(t, err)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())
	}
}
