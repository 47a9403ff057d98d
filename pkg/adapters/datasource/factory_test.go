package datasource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
)

type mockConnectionTester struct {
	sessionID string
	connMgr   *ConnectionManager
}

func (m *mockConnectionTester) TestConnection(ctx context.Context) error { return nil }
func (m *mockConnectionTester) Close() error                            { return nil }

type mockSchemaDiscoverer struct {
	sessionID string
}

func (m *mockSchemaDiscoverer) DiscoverTables(ctx context.Context) ([]TableMetadata, error) {
	return []TableMetadata{}, nil
}

func (m *mockSchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnMetadata, error) {
	return []ColumnMetadata{}, nil
}

func (m *mockSchemaDiscoverer) DiscoverForeignKeys(ctx context.Context) ([]ForeignKeyMetadata, error) {
	return []ForeignKeyMetadata{}, nil
}

func (m *mockSchemaDiscoverer) SupportsForeignKeys() bool { return true }
func (m *mockSchemaDiscoverer) Close() error              { return nil }

type mockQueryExecutor struct {
	sessionID string
}

func (m *mockQueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*QueryExecutionResult, error) {
	return &QueryExecutionResult{}, nil
}

func (m *mockQueryExecutor) QuoteIdentifier(name string) string { return `"` + name + `"` }
func (m *mockQueryExecutor) Close() error                       { return nil }

func TestFactoryPassesSessionAndConnectionManager(t *testing.T) {
	connMgr := NewConnectionManager(ConnectionManagerConfig{}, zaptest.NewLogger(t))
	defer connMgr.Close()

	var capturedSession string
	var capturedConnMgr *ConnectionManager
	var capturedConfig map[string]any

	mockType := "test-mock-adapter"
	Register(DatasourceAdapterRegistration{
		Info: DatasourceAdapterInfo{Type: mockType, DisplayName: "Test Mock"},
		Factory: func(ctx context.Context, config map[string]any, cm *ConnectionManager, sessionID string) (ConnectionTester, error) {
			capturedSession, capturedConnMgr, capturedConfig = sessionID, cm, config
			return &mockConnectionTester{sessionID: sessionID, connMgr: cm}, nil
		},
		SchemaDiscovererFactory: func(ctx context.Context, config map[string]any, cm *ConnectionManager, sessionID string) (SchemaDiscoverer, error) {
			capturedSession, capturedConnMgr = sessionID, cm
			return &mockSchemaDiscoverer{sessionID: sessionID}, nil
		},
		QueryExecutorFactory: func(ctx context.Context, config map[string]any, cm *ConnectionManager, sessionID string) (QueryExecutor, error) {
			capturedSession, capturedConnMgr = sessionID, cm
			return &mockQueryExecutor{sessionID: sessionID}, nil
		},
	})

	factory := NewDatasourceAdapterFactory(connMgr)
	ctx := context.Background()
	config := map[string]any{"host": "db.internal"}

	t.Run("connection tester", func(t *testing.T) {
		tester, err := factory.NewConnectionTester(ctx, mockType, config, "session-a")
		require.NoError(t, err)
		defer tester.Close()

		assert.Equal(t, "session-a", capturedSession)
		assert.Same(t, connMgr, capturedConnMgr)
		assert.Equal(t, "db.internal", capturedConfig["host"])
	})

	t.Run("schema discoverer", func(t *testing.T) {
		discoverer, err := factory.NewSchemaDiscoverer(ctx, mockType, config, "session-b")
		require.NoError(t, err)
		defer discoverer.Close()

		assert.Equal(t, "session-b", capturedSession)
		assert.Same(t, connMgr, capturedConnMgr)
	})

	t.Run("query executor", func(t *testing.T) {
		executor, err := factory.NewQueryExecutor(ctx, mockType, config, "session-c")
		require.NoError(t, err)
		defer executor.Close()

		assert.Equal(t, "session-c", capturedSession)
	})

	t.Run("listed", func(t *testing.T) {
		var found bool
		for _, info := range factory.ListTypes() {
			if info.Type == mockType {
				found = true
			}
		}
		assert.True(t, found)
	})
}

func TestFactoryErrorHandling(t *testing.T) {
	factory := NewDatasourceAdapterFactory(nil)
	ctx := context.Background()

	tester, err := factory.NewConnectionTester(ctx, "unsupported-type", nil, "s")
	assert.Nil(t, tester)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDatasource)

	discoverer, err := factory.NewSchemaDiscoverer(ctx, "unsupported-type", nil, "s")
	assert.Nil(t, discoverer)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDatasource)

	executor, err := factory.NewQueryExecutor(ctx, "unsupported-type", nil, "s")
	assert.Nil(t, executor)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDatasource)
}

func TestFactoryMissingRole(t *testing.T) {
	Register(DatasourceAdapterRegistration{
		Info: DatasourceAdapterInfo{Type: "tester-only"},
		Factory: func(ctx context.Context, config map[string]any, cm *ConnectionManager, sessionID string) (ConnectionTester, error) {
			return &mockConnectionTester{}, nil
		},
	})

	factory := NewDatasourceAdapterFactory(nil)
	_, err := factory.NewQueryExecutor(context.Background(), "tester-only", nil, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query execution not supported")

	_, err = factory.NewSchemaDiscoverer(context.Background(), "tester-only", nil, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema discovery not supported")
}

func TestFactoryReleaseWithoutConnectionManager(t *testing.T) {
	factory := NewDatasourceAdapterFactory(nil)
	assert.NotPanics(t, func() { factory.Release("missing") })
}

func TestRegisteredAdaptersSorted(t *testing.T) {
	Register(DatasourceAdapterRegistration{Info: DatasourceAdapterInfo{Type: "zz-last"}})
	Register(DatasourceAdapterRegistration{Info: DatasourceAdapterInfo{Type: "aa-first"}})

	types := RegisteredAdapters()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, "aa-first", types[0].Type)
	assert.Equal(t, "zz-last", types[len(types)-1].Type)
	assert.True(t, IsRegistered("aa-first"))
	assert.False(t, IsRegistered("nope"))
}
