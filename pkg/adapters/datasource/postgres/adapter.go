package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/config"
)

// Adapter provides PostgreSQL connectivity.
type Adapter struct {
	config    *Config
	pool      *pgxpool.Pool
	ownedPool bool // true if we created the pool (connMgr was nil)
}

// buildConnectionString builds a PostgreSQL URL. url.URL escapes each
// component for its position, so passwords containing @, /, # or spaces
// survive parsing. localhost is rewritten to host.docker.internal when
// running in a container.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	host := config.ResolveHostForDocker(cfg.Host)

	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// acquirePool returns the session's managed pool, or a private pool when
// connMgr is nil (tests, one-shot CLI use).
func acquirePool(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*pgxpool.Pool, bool, error) {
	connStr := buildConnectionString(cfg)

	if connMgr == nil {
		connector, err := datasource.CreatePostgresPool(ctx, connStr, datasource.ConnectionManagerConfig{
			TTLMinutes:   datasource.DefaultConnectionTTLMinutes,
			PoolMaxConns: datasource.DefaultPoolMaxConns,
		})
		if err != nil {
			return nil, false, fmt.Errorf("connect to postgres: %w", err)
		}
		pool, err := datasource.GetPostgresPool(connector)
		return pool, true, err
	}

	connector, err := connMgr.GetOrCreateConnection(ctx, "postgres", sessionID, connStr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	pool, err := datasource.GetPostgresPool(connector)
	if err != nil {
		return nil, false, fmt.Errorf("failed to extract postgres pool: %w", err)
	}
	return pool, false, nil
}

// NewAdapter creates a PostgreSQL adapter using the connection manager.
func NewAdapter(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*Adapter, error) {
	pool, owned, err := acquirePool(ctx, cfg, connMgr, sessionID)
	if err != nil {
		return nil, err
	}
	return &Adapter{config: cfg, pool: pool, ownedPool: owned}, nil
}

// TestConnection verifies the database is reachable with valid credentials
// and that the server attached us to the requested database.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var currentDB string
	if err := a.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}

	if !strings.EqualFold(currentDB, a.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", a.config.Database, currentDB)
	}

	return nil
}

// Close releases the adapter (but NOT the pool if managed).
func (a *Adapter) Close() error {
	if a.ownedPool && a.pool != nil {
		a.pool.Close()
	}
	return nil
}

var _ datasource.ConnectionTester = (*Adapter)(nil)
