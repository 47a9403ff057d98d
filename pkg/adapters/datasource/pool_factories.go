package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConnector is the part of a driver pool the ConnectionManager needs:
// liveness, shutdown and a type label for stats.
type PoolConnector interface {
	Ping(ctx context.Context) error
	Close() error
	GetType() string
}

// PoolFactory opens a pool for a driver connection string.
type PoolFactory func(ctx context.Context, connString string, cfg ConnectionManagerConfig) (PoolConnector, error)

// CreatePostgresPool opens a pgx pool whose sessions default to read-only
// transactions. The executor additionally opens every statement in an
// explicit READ ONLY transaction.
func CreatePostgresPool(ctx context.Context, connString string, cfg ConnectionManagerConfig) (PoolConnector, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.PoolMaxConns
	poolConfig.MinConns = cfg.PoolMinConns
	poolConfig.MaxConnIdleTime = time.Duration(cfg.TTLMinutes) * time.Minute
	poolConfig.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "ekaya-askdb"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	return NewPostgresPoolWrapper(pool), nil
}

// CreateMSSQLPool opens a database/sql pool using the "sqlserver" driver.
// The driver is registered by the mssql adapter package.
func CreateMSSQLPool(ctx context.Context, connString string, cfg ConnectionManagerConfig) (PoolConnector, error) {
	db, err := sql.Open("sqlserver", connString)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}

	db.SetMaxOpenConns(int(cfg.PoolMaxConns))
	db.SetMaxIdleConns(int(cfg.PoolMaxConns))
	db.SetConnMaxIdleTime(time.Duration(cfg.TTLMinutes) * time.Minute)

	// sql.Open is lazy; surface bad credentials now rather than on first query.
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return NewSQLDBWrapper(db, "mssql"), nil
}

// GetPostgresPool extracts the underlying *pgxpool.Pool from a PoolConnector.
func GetPostgresPool(connector PoolConnector) (*pgxpool.Pool, error) {
	wrapper, ok := connector.(*PostgresPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a PostgreSQL pool wrapper")
	}
	return wrapper.GetPool(), nil
}

// GetSQLDB extracts the underlying *sql.DB from a PoolConnector.
func GetSQLDB(connector PoolConnector) (*sql.DB, error) {
	wrapper, ok := connector.(*SQLDBWrapper)
	if !ok {
		return nil, fmt.Errorf("connector is not a database/sql pool wrapper")
	}
	return wrapper.GetDB(), nil
}
