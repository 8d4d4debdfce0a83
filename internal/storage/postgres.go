package storage

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/askari/internal/config"
)

// openPostgres connects a fleet-managed policy database and configures the
// connection pool. Pool sizes are small: a device daemon holds a handful of
// concurrent sessions at most.
func openPostgres(cfg *config.PostgresStorageConfig, slogger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      newGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	maxLifetime := time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	slogger.Info("postgres policy store connected",
		slog.Int("max_open_conns", maxOpen),
	)
	return db, nil
}
