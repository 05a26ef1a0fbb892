package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/sl"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does NOT run migrations; see DBConfig.AutoMigrate and `stayhi-admin migrate`.
func NewDBPool(ctx context.Context, cfg DBConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("%w: database url: %v", ErrConfig, err)
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

// OpenStore opens the configured persistence backend.
// The returned store owns its resources: Close releases the pool or the SQLite file.
func OpenStore(ctx context.Context, cfg DBConfig, log Logger) (identity.AdminStore, error) {
	if log == nil {
		log = slog.Default()
	}

	switch cfg.Driver {
	case DriverSQLite:
		st, err := identity.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("db.enabled.sqlite_store", slog.String("path", cfg.SQLitePath))
		return st, nil

	case DriverPostgres, "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err := identity.NewPostgresStore(pool, identity.WithSchema(cfg.Schema))
		if err != nil {
			pool.Close()
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				pool.Close()
				return nil, err
			}
			log.Info("db.migrated", slog.String("schema", cfg.Schema))
		}
		log.Info("db.enabled.postgres_store", slog.String("schema", cfg.Schema))
		return pgStore{PostgresStore: st, pool: pool, log: log}, nil

	default:
		return nil, fmt.Errorf("%w: unknown driver %q", ErrConfig, cfg.Driver)
	}
}

// pgStore ties the pool lifecycle to the store.
// identity.PostgresStore never closes the pool it was given.
type pgStore struct {
	*identity.PostgresStore
	pool *pgxpool.Pool
	log  Logger
}

func (s pgStore) Close() error {
	if err := s.PostgresStore.Close(); err != nil {
		s.log.Error("store.close.fail", sl.Err(err))
	}
	s.pool.Close()
	return nil
}
