// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresImage is the container image used when no POSTGRES_URL is given.
const PostgresImage = "postgres:16-alpine"

// PGTest opens a test database connection, applies the goose migrations from
// the project-level migrations/ directory, and returns the *sql.DB plus a
// cleanup function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL wins when set. Otherwise FRAUDWATCH_TESTCONTAINERS=1 starts a
// disposable container. With neither, the test is skipped.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		if os.Getenv("FRAUDWATCH_TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, terminate = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("pgtest: goose dialect: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.UpContext(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}

func startContainer(ctx context.Context, t *testing.T) (string, func()) {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase("fraudwatch"),
		tcpostgres.WithUsername("fraudwatch"),
		tcpostgres.WithPassword("fraudwatch"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	terminate := func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dsn, err := ctr.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		terminate()
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn, terminate
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table between tests. The goose
// version table is left alone so migrations are not re-applied.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)
	}
}
