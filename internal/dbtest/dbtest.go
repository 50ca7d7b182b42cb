// Package dbtest spins up a disposable Postgres container for package tests
// that need the real engine: set-oriented SQL against actual tables, not a
// mock. Grounded on elevation_postgres_test.go's dockertest suite setup.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/require"

	"github.com/innovabiz/roleclosure/internal/schema"
	"github.com/innovabiz/roleclosure/internal/store"
)

// NewTestDB starts a throwaway Postgres container, applies the schema, and
// returns a connected *store.DB. The container is purged automatically when
// the test (and any subtests) finish.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()

	pool, err := dockertest.NewPool("")
	require.NoError(t, err, "connecting to docker")

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16",
		Env: []string{
			"POSTGRES_PASSWORD=roleclosure",
			"POSTGRES_USER=roleclosure",
			"POSTGRES_DB=roleclosure",
			"listen_addresses='*'",
		},
	}, func(cfg *docker.HostConfig) {
		cfg.AutoRemove = true
		cfg.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "starting postgres container")

	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	hostPort := resource.GetPort("5432/tcp")
	cfg := store.DefaultConfig()
	cfg.Host = "localhost"
	fmt.Sscanf(hostPort, "%d", &cfg.Port)
	cfg.User = "roleclosure"
	cfg.Password = "roleclosure"
	cfg.Database = "roleclosure"

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var db *store.DB
	err = pool.Retry(func() error {
		var connErr error
		db, connErr = store.Connect(ctx, cfg)
		return connErr
	})
	require.NoError(t, err, "connecting to postgres container")

	t.Cleanup(db.Close)

	require.NoError(t, schema.Migrate(ctx, db), "applying schema")

	return db
}
