package datasource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes = 30
	DefaultCleanupInterval      = 1 * time.Minute
	DefaultMaxConnections       = 100
	DefaultPoolMaxConns         = 5
	DefaultPoolMinConns         = 0
	healthCheckTimeout          = 5 * time.Second
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	TTLMinutes     int
	MaxConnections int
	PoolMaxConns   int32
	PoolMinConns   int32
}

// ConnectionManager owns one database pool per chat session. Pools are
// created on connect, touched on every use and closed on disconnect or
// after sitting idle longer than the TTL.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*ManagedConnection // key: session id
	factories   map[string]PoolFactory
	cfg         ConnectionManagerConfig
	ttl         time.Duration
	now         func() time.Time
	onExpire    func(sessionID string)
	stopped     bool
	stopChan    chan struct{}
	logger      *zap.Logger
}

// ManagedConnection is a pool plus its last use time.
type ManagedConnection struct {
	connector  PoolConnector
	connString string
	lastUsed   time.Time
	mu         sync.Mutex
}

// NewConnectionManager creates a connection manager with the given configuration.
// Starts a background cleanup goroutine that runs until Close() is called.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns < 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	manager := &ConnectionManager{
		connections: make(map[string]*ManagedConnection),
		factories: map[string]PoolFactory{
			"postgres": CreatePostgresPool,
			"mssql":    CreateMSSQLPool,
		},
		cfg:      cfg,
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		now:      time.Now,
		stopChan: make(chan struct{}),
		logger:   logger.Named("connection_manager"),
	}

	go manager.cleanupExpiredConnections()
	return manager
}

// RegisterPoolFactory replaces the pool factory for a datasource type.
func (m *ConnectionManager) RegisterPoolFactory(dsType string, factory PoolFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[dsType] = factory
}

// OnExpire registers a callback invoked, outside the manager lock, for each
// session whose pool was closed by TTL cleanup.
func (m *ConnectionManager) OnExpire(fn func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// GetOrCreateConnection returns the session's pool, creating it on first
// use. An existing pool opened with a different connection string is
// replaced, so reconnecting with new credentials never reuses the old pool.
func (m *ConnectionManager) GetOrCreateConnection(ctx context.Context, dsType, sessionID, connString string) (PoolConnector, error) {
	m.mu.RLock()
	managed, exists := m.connections[sessionID]
	m.mu.RUnlock()

	if exists && managed.connString == connString {
		managed.mu.Lock()

		healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := retry.Do(healthCtx, retry.DefaultConfig(), func() error {
			return managed.connector.Ping(healthCtx)
		})
		cancel()

		if err == nil {
			managed.lastUsed = m.now()
			managed.mu.Unlock()
			return managed.connector, nil
		}

		m.logger.Warn("connection unhealthy, recreating",
			zap.String("session_id", sessionID),
			zap.String("error", logging.SanitizeError(err)),
		)
		managed.mu.Unlock()
	}

	if exists {
		m.Release(sessionID)
	}
	return m.createConnection(ctx, dsType, sessionID, connString)
}

// Get returns the session's pool without creating one.
func (m *ConnectionManager) Get(sessionID string) (PoolConnector, bool) {
	m.mu.RLock()
	managed, ok := m.connections[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	managed.mu.Lock()
	managed.lastUsed = m.now()
	managed.mu.Unlock()
	return managed.connector, true
}

// createConnection opens a new pool. Caller must NOT hold any locks.
func (m *ConnectionManager) createConnection(ctx context.Context, dsType, sessionID, connString string) (PoolConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	// Another goroutine may have created it while we waited for the lock.
	if managed, exists := m.connections[sessionID]; exists && managed.connString == connString {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.lastUsed = m.now()
		return managed.connector, nil
	}

	if len(m.connections) >= m.cfg.MaxConnections {
		m.logger.Warn("max connections reached",
			zap.Int("current", len(m.connections)),
			zap.Int("max", m.cfg.MaxConnections),
		)
		return nil, fmt.Errorf("%w (%d)", apperrors.ErrConnectionLimit, m.cfg.MaxConnections)
	}

	factory, ok := m.factories[dsType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedDatasource, dsType)
	}

	connector, err := retry.DoWithResult(ctx, retry.TransientConfig(), func() (PoolConnector, error) {
		return factory(ctx, connString, m.cfg)
	})
	if err != nil {
		m.logger.Error("failed to create pool",
			zap.String("session_id", sessionID),
			zap.String("datasource_type", dsType),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, fmt.Errorf("open %s connection: %w", dsType, err)
	}

	m.connections[sessionID] = &ManagedConnection{
		connector:  connector,
		connString: connString,
		lastUsed:   m.now(),
	}

	m.logger.Info("created new connection pool",
		zap.String("session_id", sessionID),
		zap.String("datasource_type", dsType),
		zap.Int("total_connections", len(m.connections)),
	)

	return connector, nil
}

// Release closes and forgets the session's pool. Safe to call for sessions
// without a pool.
func (m *ConnectionManager) Release(sessionID string) {
	m.mu.Lock()
	managed, exists := m.connections[sessionID]
	delete(m.connections, sessionID)
	m.mu.Unlock()

	if exists && managed.connector != nil {
		if err := managed.connector.Close(); err != nil {
			m.logger.Warn("error closing pool",
				zap.String("session_id", sessionID),
				zap.String("error", logging.SanitizeError(err)),
			)
		}
		m.logger.Debug("released connection", zap.String("session_id", sessionID))
	}
}

func (m *ConnectionManager) cleanupExpiredConnections() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup()
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes pools idle longer than the TTL.
// Lock ordering: manager lock, then connection lock.
func (m *ConnectionManager) performCleanup() {
	m.mu.Lock()

	if m.stopped {
		m.mu.Unlock()
		return
	}

	now := m.now()
	var expired []string
	for key, managed := range m.connections {
		managed.mu.Lock()
		idle := now.Sub(managed.lastUsed)
		managed.mu.Unlock()

		if idle > m.ttl {
			expired = append(expired, key)
			m.logger.Debug("marking connection for cleanup",
				zap.String("session_id", key),
				zap.Duration("idle", idle),
				zap.Duration("ttl", m.ttl),
			)
		}
	}

	for _, key := range expired {
		if managed := m.connections[key]; managed.connector != nil {
			managed.connector.Close()
		}
		delete(m.connections, key)
	}

	remaining := len(m.connections)
	onExpire := m.onExpire
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Info("cleaned up expired connections",
			zap.Int("count", len(expired)),
			zap.Int("remaining", remaining),
		)
	}
	if onExpire != nil {
		for _, key := range expired {
			onExpire(key)
		}
	}
}

// Close closes all connections and stops the cleanup goroutine.
// Idempotent.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}

	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.connections {
		if managed.connector != nil {
			managed.connector.Close()
		}
	}

	m.connections = make(map[string]*ManagedConnection)
	m.logger.Info("connection manager closed")
	return nil
}

// GetStats returns statistics about the connection manager.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	stats := ConnectionStats{
		TotalConnections:  len(m.connections),
		MaxConnections:    m.cfg.MaxConnections,
		TTLMinutes:        int(m.ttl.Minutes()),
		ConnectionsByType: make(map[string]int),
	}

	for _, managed := range m.connections {
		stats.ConnectionsByType[managed.connector.GetType()]++

		managed.mu.Lock()
		idleSeconds := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()
		if idleSeconds > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idleSeconds
		}
	}

	return stats
}

// ConnectionStats contains statistics about the connection manager state.
type ConnectionStats struct {
	TotalConnections  int            `json:"total_connections"`
	MaxConnections    int            `json:"max_connections"`
	TTLMinutes        int            `json:"ttl_minutes"`
	ConnectionsByType map[string]int `json:"connections_by_type"`
	OldestIdleSeconds int            `json:"oldest_idle_seconds"`
}
