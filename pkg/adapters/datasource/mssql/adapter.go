package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/config"
)

// Adapter provides SQL Server connectivity.
type Adapter struct {
	config  *Config
	db      *sql.DB
	ownedDB bool // true if we created the DB (connMgr was nil)
}

// buildConnectionString builds a sqlserver:// URL for SQL authentication.
func buildConnectionString(cfg *Config) string {
	query := url.Values{}
	query.Add("database", cfg.Database)
	query.Add("encrypt", strconv.FormatBool(cfg.Encrypt))
	query.Add("app name", "ekaya-askdb")

	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", strconv.Itoa(cfg.ConnectionTimeout))
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     net.JoinHostPort(config.ResolveHostForDocker(cfg.Host), strconv.Itoa(cfg.Port)),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// openDB returns the session's managed *sql.DB, or a private one when
// connMgr is nil.
func openDB(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*sql.DB, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config: %w", err)
	}
	connStr := buildConnectionString(cfg)

	if connMgr == nil {
		connector, err := datasource.CreateMSSQLPool(ctx, connStr, datasource.ConnectionManagerConfig{
			TTLMinutes:   datasource.DefaultConnectionTTLMinutes,
			PoolMaxConns: datasource.DefaultPoolMaxConns,
		})
		if err != nil {
			return nil, false, fmt.Errorf("connect to sql server: %w", err)
		}
		db, err := datasource.GetSQLDB(connector)
		return db, true, err
	}

	connector, err := connMgr.GetOrCreateConnection(ctx, "mssql", sessionID, connStr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	db, err := datasource.GetSQLDB(connector)
	if err != nil {
		return nil, false, fmt.Errorf("failed to extract mssql db: %w", err)
	}
	return db, false, nil
}

// NewAdapter creates a SQL Server adapter.
func NewAdapter(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*Adapter, error) {
	db, owned, err := openDB(ctx, cfg, connMgr, sessionID)
	if err != nil {
		return nil, err
	}
	return &Adapter{config: cfg, db: db, ownedDB: owned}, nil
}

// TestConnection verifies the database is reachable with valid credentials
// and that the login landed in the requested database rather than its default.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var currentDB string
	if err := a.db.QueryRowContext(ctx, "SELECT DB_NAME()").Scan(&currentDB); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}

	if !strings.EqualFold(currentDB, a.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", a.config.Database, currentDB)
	}

	return nil
}

// Close releases the adapter (but NOT the DB if managed).
func (a *Adapter) Close() error {
	if a.ownedDB && a.db != nil {
		return a.db.Close()
	}
	return nil
}

var _ datasource.ConnectionTester = (*Adapter)(nil)
