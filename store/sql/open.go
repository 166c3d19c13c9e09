package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/goliatone/go-graph-gateway/core"
	"github.com/goliatone/go-graph-gateway/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const otelIdentifier = "graph-gateway"

// persistenceConfig adapts core.DatabaseConfig to the accessor set
// go-persistence-bun reads.
type persistenceConfig struct {
	driver      string
	server      string
	debug       bool
	pingTimeout time.Duration
}

func (c persistenceConfig) GetDebug() bool {
	return c.debug
}

func (c persistenceConfig) GetDriver() string {
	return c.driver
}

func (c persistenceConfig) GetServer() string {
	return c.server
}

func (c persistenceConfig) GetPingTimeout() time.Duration {
	return c.pingTimeout
}

func (c persistenceConfig) GetOtelIdentifier() string {
	return otelIdentifier
}

// Open connects to the configured database and, when AutoMigrate is set,
// applies the embedded migrations for its dialect.
func Open(ctx context.Context, cfg core.DatabaseConfig) (*persistence.Client, error) {
	driver, dialect, err := resolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: database dsn is required")
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if dialect == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}

	pcfg := persistenceConfig{
		driver:      driver,
		server:      dsn,
		debug:       cfg.Debug,
		pingTimeout: pingTimeout,
	}
	var client *persistence.Client
	if dialect == migrations.DialectPostgres {
		client, err = persistence.New(pcfg, sqlDB, pgdialect.New())
	} else {
		client, err = persistence.New(pcfg, sqlDB, sqlitedialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: persistence client: %w", err)
	}

	if !cfg.AutoMigrate {
		return client, nil
	}
	if err := Migrate(ctx, client, dialect); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Migrate registers the embedded migrations for dialect and applies them.
func Migrate(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("sqlstore: persistence client is required")
	}
	_, err := migrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		if target != dialect {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(dialect))
	if err != nil {
		return fmt.Errorf("sqlstore: register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

func resolveDriver(driver string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite3", "sqlite":
		return "sqlite3", migrations.DialectSQLite, nil
	case "postgres", "pg":
		return "postgres", migrations.DialectPostgres, nil
	default:
		return "", "", fmt.Errorf("sqlstore: unsupported database driver %q", driver)
	}
}
