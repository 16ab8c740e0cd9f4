// Package testutil provides the shared fixtures for store integration
// tests: a migrated postgres testcontainer and a no-op tracer.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	pgImage = "postgres:17-alpine"
	pgUser  = "burrow"
	pgPass  = "burrow"
	pgDB    = "burrow_test"
)

// SetupTestContainer starts a postgres container, applies every schema
// migration from db/migrations, and returns a connection pool plus a
// cleanup function that tears the container down. Each caller gets its
// own container, so store tests can run in parallel.
func SetupTestContainer(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        pgImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPass,
			"POSTGRES_DB":       pgDB,
		},
		WaitingFor: wait.ForSQL("5432/tcp", "postgres", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
				pgUser, pgPass, host, port.Port(), pgDB)
		}),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		pgUser, pgPass, port.Port(), pgDB)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	require.NoError(t, err)

	// Resolve db/migrations relative to this file so tests pass
	// regardless of the package they run from.
	_, currentFile, _, _ := runtime.Caller(0)
	projectRoot := filepath.Join(filepath.Dir(currentFile), "..", "..", "..", "..")
	migrationsPath := "file://" + filepath.Join(projectRoot, "db", "migrations")

	migrations, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	require.NoError(t, err)

	if err := migrations.Up(); err != nil && err != migrate.ErrNoChange {
		require.NoError(t, err)
	}

	return pool, func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	}
}

// NoOpTracer returns a tracer that records nothing.
func NoOpTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("test")
}
