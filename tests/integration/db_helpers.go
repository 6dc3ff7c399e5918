package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dminischetti/passless/internal/database"
	"github.com/dminischetti/passless/internal/repositories"
	"github.com/dminischetti/passless/migrations"
)

// TestDB manages the PostgreSQL testcontainer and database handles shared by
// the integration tests.
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase starts a PostgreSQL container, applies the embedded
// migrations and returns the connected TestDB.
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("passless"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         database.NewFromPool(pool, slog.New(slog.DiscardHandler)),
	}, nil
}

// runMigrations applies the embedded goose migrations over the pgx stdlib
// adapter, the same path the server takes at startup.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown closes the pool and terminates the container.
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation.
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"login_tokens",
		"sessions",
		"rate_limits",
		"security_events",
		"geo_cache",
		"accounts",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from the database
// wrapper.
func InitializeRepositories(db *database.DB) (
	*repositories.AccountRepository,
	*repositories.LoginTokenRepository,
	*repositories.SessionRepository,
	*repositories.RateLimitRepository,
	*repositories.SecurityEventRepository,
	*repositories.GeoCacheRepository,
) {
	return repositories.NewAccountRepository(db),
		repositories.NewLoginTokenRepository(db),
		repositories.NewSessionRepository(db),
		repositories.NewRateLimitRepository(db),
		repositories.NewSecurityEventRepository(db),
		repositories.NewGeoCacheRepository(db)
}

// SeedAccount inserts a test account and returns its generated ID.
func SeedAccount(ctx context.Context, pool *pgxpool.Pool, email string) (string, error) {
	query := `
		INSERT INTO accounts (id, email, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, NOW(), NOW())
		RETURNING id
	`

	var id string
	if err := pool.QueryRow(ctx, query, email).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to insert account: %w", err)
	}

	return id, nil
}
