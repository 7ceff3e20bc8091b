package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

// Storage is the record store chosen from configuration plus the
// connection that backs it.
type Storage struct {
	Store transactions.Store
	DB    *sql.DB                  // nil unless using Postgres
	Mongo *transactions.MongoStore // nil unless using MongoDB
}

// OpenStorage picks Postgres, MongoDB or memory, in that order.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Storage, error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		store := transactions.NewPostgresStore(db)
		if err := store.Migrate(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}

		logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		return &Storage{Store: store, DB: db}, nil

	case cfg.MongoURI != "":
		store, err := transactions.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, 10*time.Second)
		if err != nil {
			return nil, err
		}
		logger.Info("using MongoDB storage", "url", maskDSN(cfg.MongoURI), "database", cfg.MongoDatabase)
		return &Storage{Store: store, Mongo: store}, nil

	default:
		logger.Info("using in-memory storage (data will not persist)")
		return &Storage{Store: transactions.NewMemoryStore()}, nil
	}
}

// Persistent reports whether records outlive the process.
func (s *Storage) Persistent() bool {
	return s.DB != nil || s.Mongo != nil
}

// Close releases the backing connection, if any.
func (s *Storage) Close() error {
	var errs []error
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	if s.Mongo != nil {
		errs = append(errs, s.Mongo.Close())
	}
	return errors.Join(errs...)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
