//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// TestMain loads DATABASE_URL from a local .env before the suite runs, the
// same way an OIDC integration suite loads provider credentials.
// Run with: go test -tags=integration ./trust/postgres/...
func TestMain(m *testing.M) {
	_ = godotenv.Overload("../../.env")
	os.Exit(m.Run())
}

func requireDatabaseURL(t *testing.T) *Config {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping postgres integration test")
	}
	return &Config{
		Host:     os.Getenv("PGHOST"),
		Port:     5432,
		User:     os.Getenv("PGUSER"),
		Password: os.Getenv("PGPASSWORD"),
		Database: os.Getenv("PGDATABASE"),
		SSLMode:  "disable",
	}
}

func TestGrantAccessAndIsAuthorizedIntegration(t *testing.T) {
	cfg := requireDatabaseURL(t)
	ctx := context.Background()

	store, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()

	signPub := "integration-test-" + time.Now().Format(time.RFC3339Nano)
	_, err = store.GrantAccess(ctx, signPub, "enc", "integration", "self", []string{"dev"}, []string{"inject"}, nil)
	require.NoError(t, err)

	authorized, err := store.IsAuthorized(ctx, signPub, "dev")
	require.NoError(t, err)
	require.True(t, authorized)

	require.NoError(t, store.RevokePeer(ctx, signPub))
	authorized, err = store.IsAuthorized(ctx, signPub, "dev")
	require.NoError(t, err)
	require.False(t, authorized)
}
