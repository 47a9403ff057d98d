package datasource

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPoolWrapper wraps *pgxpool.Pool to implement PoolConnector.
type PostgresPoolWrapper struct {
	pool *pgxpool.Pool
}

func NewPostgresPoolWrapper(pool *pgxpool.Pool) *PostgresPoolWrapper {
	return &PostgresPoolWrapper{pool: pool}
}

func (w *PostgresPoolWrapper) Ping(ctx context.Context) error {
	return w.pool.Ping(ctx)
}

func (w *PostgresPoolWrapper) Close() error {
	w.pool.Close()
	return nil
}

func (w *PostgresPoolWrapper) GetType() string {
	return "postgres"
}

// GetPool returns the underlying *pgxpool.Pool.
func (w *PostgresPoolWrapper) GetPool() *pgxpool.Pool {
	return w.pool
}

// SQLDBWrapper wraps a database/sql handle to implement PoolConnector.
// Used for SQL Server, whose driver only speaks database/sql.
type SQLDBWrapper struct {
	db     *sql.DB
	dsType string
}

func NewSQLDBWrapper(db *sql.DB, dsType string) *SQLDBWrapper {
	return &SQLDBWrapper{db: db, dsType: dsType}
}

func (w *SQLDBWrapper) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

func (w *SQLDBWrapper) Close() error {
	return w.db.Close()
}

func (w *SQLDBWrapper) GetType() string {
	return w.dsType
}

// GetDB returns the underlying *sql.DB.
func (w *SQLDBWrapper) GetDB() *sql.DB {
	return w.db
}
