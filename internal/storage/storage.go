// Package storage implements the policy store on GORM. SQLite (pure Go, no
// CGO) is the default on-device backend; PostgreSQL is available for
// deployments where a fleet controller owns the policy database. All GORM
// usage is confined to this package — domain types remain ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/askari/internal/config"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps a GORM connection and hands out the policy repository.
type Store struct {
	db       *gorm.DB
	driver   string
	logger   *slog.Logger
	policies *PolicyRepository
}

// Open connects the configured backend and migrates the schema.
func Open(cfg *config.Config, slogger *slog.Logger) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	driver := cfg.Storage.StorageDriver()
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg, slogger)
	case DriverPostgres:
		db, err = openPostgres(cfg.Storage.Postgres, slogger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&PolicyModel{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Store{
		db:       db,
		driver:   driver,
		logger:   slogger,
		policies: NewPolicyRepository(db),
	}, nil
}

// Policies returns the policy repository. A single instance is shared so
// per-UID write serialization holds across every caller.
func (s *Store) Policies() *PolicyRepository {
	return s.policies
}

// Driver returns the active driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the backend is reachable. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
