package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/storefront/backend/internal/infrastructure/config"
)

// Database holds the database connection and provides methods for database operations
type Database struct {
	DB     *gorm.DB
	Driver string
	// url is where PostgreSQL schema migrations connect.
	url string
}

// NewDatabase opens the configured database. A nil logger silences GORM.
func NewDatabase(cfg *config.DatabaseConfig, gl gormlogger.Interface) (*Database, error) {
	if gl == nil {
		gl = gormlogger.Default.LogMode(gormlogger.Silent)
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(SQLiteDSN(cfg.Path))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gl,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.Driver == "sqlite" && isSQLiteMemory(cfg.Path) {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{DB: db, Driver: cfg.Driver}
	if cfg.Driver == "postgres" {
		d.url = cfg.URL()
	}
	return d, nil
}

// OpenSQLite opens a SQLite file with the settings used for shared profile
// and document files.
func OpenSQLite(path string, gl gormlogger.Interface) (*Database, error) {
	return NewDatabase(&config.DatabaseConfig{
		Driver:          "sqlite",
		Path:            path,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 60,
		ConnMaxIdleTime: 30,
	}, gl)
}

// SQLiteDSN adds the pragmas needed for several processes sharing one file:
// WAL journaling, a busy timeout and immediate write transactions.
func SQLiteDSN(path string) string {
	if isSQLiteMemory(path) {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

func isSQLiteMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Migrate brings the document store schema up to date. PostgreSQL runs the
// versioned migrations; SQLite tables are created from the models.
func (d *Database) Migrate(log *zap.Logger) error {
	if d.Driver == "postgres" {
		m, err := NewMigrator(d.url, log)
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		return m.Up()
	}
	if err := d.DB.AutoMigrate(&DocumentModel{}, &CollectionVersionModel{}); err != nil {
		return fmt.Errorf("migrate document store: %w", err)
	}
	return nil
}

// TracingOptions configures UseTracing
type TracingOptions struct {
	// LogFullSQL keeps bound values in recorded statements.
	LogFullSQL bool
	// Provider defaults to the global tracer provider.
	Provider trace.TracerProvider
}

// UseTracing records a span for every statement, parented to the span in
// the statement's context.
func (d *Database) UseTracing(opts TracingOptions) error {
	pluginOpts := []otelgorm.Option{otelgorm.WithDBName(d.Driver)}
	if !opts.LogFullSQL {
		pluginOpts = append(pluginOpts, otelgorm.WithoutQueryVariables())
	}
	if opts.Provider != nil {
		pluginOpts = append(pluginOpts, otelgorm.WithTracerProvider(opts.Provider))
	}
	if err := d.DB.Use(otelgorm.NewPlugin(pluginOpts...)); err != nil {
		return fmt.Errorf("register query tracing: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// Ping checks if the database connection is alive
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Stats returns database connection pool statistics
func (d *Database) Stats() (ConnectionStats, error) {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return ConnectionStats{}, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	stats := sqlDB.Stats()
	return ConnectionStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
	}, nil
}

// ConnectionStats holds database connection pool statistics
type ConnectionStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
}
