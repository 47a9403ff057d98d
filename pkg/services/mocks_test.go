package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// shopSnapshot is users(id, name) and orders(id, user_id, total) with
// orders.user_id -> users.id.
func shopSnapshot() *models.SchemaSnapshot {
	return &models.SchemaSnapshot{
		DatasourceType: "postgres",
		Database:       "shop",
		Tables: []models.TableDescriptor{
			{
				Schema:   "public",
				Name:     "users",
				RowCount: 3,
				Columns: []models.ColumnDescriptor{
					{Name: "id", DeclaredType: "integer", IsPrimaryKey: true},
					{Name: "name", DeclaredType: "text"},
				},
			},
			{
				Schema:   "public",
				Name:     "orders",
				RowCount: 5,
				Columns: []models.ColumnDescriptor{
					{Name: "id", DeclaredType: "integer", IsPrimaryKey: true},
					{Name: "user_id", DeclaredType: "integer"},
					{Name: "total", DeclaredType: "numeric", Nullable: true},
				},
				ForeignKeys: []models.ForeignKeyDescriptor{
					{Column: "user_id", ReferencedSchema: "public", ReferencedTable: "users", ReferencedColumn: "id"},
				},
			},
		},
	}
}

// mockQueryExecutor records every statement it is asked to run.
type mockQueryExecutor struct {
	mu        sync.Mutex
	queries   []string
	limits    []int
	result    *datasource.QueryExecutionResult
	queryFunc func(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error)
	closed    bool
}

func (m *mockQueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	m.mu.Lock()
	m.queries = append(m.queries, sqlQuery)
	m.limits = append(m.limits, limit)
	m.mu.Unlock()

	if m.queryFunc != nil {
		return m.queryFunc(ctx, sqlQuery, limit)
	}
	if m.result != nil {
		return m.result, nil
	}
	return &datasource.QueryExecutionResult{Rows: []map[string]any{}}, nil
}

func (m *mockQueryExecutor) QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (m *mockQueryExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockQueryExecutor) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}

// countResult is a one-row, one-column result.
func countResult(column string, n int64) *datasource.QueryExecutionResult {
	return &datasource.QueryExecutionResult{
		Columns:  []datasource.ColumnInfo{{Name: column, Type: "INT8"}},
		Rows:     []map[string]any{{column: n}},
		RowCount: 1,
	}
}

// mockSchemaDiscoverer serves fixed metadata.
type mockSchemaDiscoverer struct {
	tables     []datasource.TableMetadata
	columns    map[string][]datasource.ColumnMetadata // key: table name
	fks        []datasource.ForeignKeyMetadata
	noFKs      bool
	tablesErr  error
	columnsErr error
	fksErr     error
	closed     bool
}

func (m *mockSchemaDiscoverer) DiscoverTables(ctx context.Context) ([]datasource.TableMetadata, error) {
	return m.tables, m.tablesErr
}

func (m *mockSchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	if m.columnsErr != nil {
		return nil, m.columnsErr
	}
	return m.columns[tableName], nil
}

func (m *mockSchemaDiscoverer) DiscoverForeignKeys(ctx context.Context) ([]datasource.ForeignKeyMetadata, error) {
	return m.fks, m.fksErr
}

func (m *mockSchemaDiscoverer) SupportsForeignKeys() bool {
	return !m.noFKs
}

func (m *mockSchemaDiscoverer) Close() error {
	m.closed = true
	return nil
}

// shopDiscoverer describes the same schema as shopSnapshot.
func shopDiscoverer() *mockSchemaDiscoverer {
	return &mockSchemaDiscoverer{
		tables: []datasource.TableMetadata{
			{SchemaName: "public", TableName: "users", RowCount: 3},
			{SchemaName: "public", TableName: "orders", RowCount: 5},
		},
		columns: map[string][]datasource.ColumnMetadata{
			"users": {
				{ColumnName: "id", DataType: "integer", IsPrimaryKey: true, OrdinalPosition: 1},
				{ColumnName: "name", DataType: "text", OrdinalPosition: 2},
			},
			"orders": {
				{ColumnName: "id", DataType: "integer", IsPrimaryKey: true, OrdinalPosition: 1},
				{ColumnName: "user_id", DataType: "integer", OrdinalPosition: 2},
				{ColumnName: "total", DataType: "numeric", IsNullable: true, OrdinalPosition: 3},
			},
		},
		fks: []datasource.ForeignKeyMetadata{
			{
				ConstraintName: "orders_user_id_fkey",
				SourceSchema:   "public",
				SourceTable:    "orders",
				SourceColumn:   "user_id",
				TargetSchema:   "public",
				TargetTable:    "users",
				TargetColumn:   "id",
			},
		},
	}
}

type mockConnectionTester struct {
	testErr error
}

func (m *mockConnectionTester) TestConnection(ctx context.Context) error {
	return m.testErr
}

func (m *mockConnectionTester) Close() error {
	return nil
}

// mockAdapterFactory hands out the same discoverer and a fresh executor per
// connect.
type mockAdapterFactory struct {
	mu         sync.Mutex
	tester     *mockConnectionTester
	discoverer *mockSchemaDiscoverer
	executors  []*mockQueryExecutor
	newExec    func() *mockQueryExecutor
	released   []string
	connects   int
}

func (m *mockAdapterFactory) NewConnectionTester(ctx context.Context, dsType string, config map[string]any, sessionID string) (datasource.ConnectionTester, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.tester == nil {
		return &mockConnectionTester{}, nil
	}
	return m.tester, nil
}

func (m *mockAdapterFactory) NewSchemaDiscoverer(ctx context.Context, dsType string, config map[string]any, sessionID string) (datasource.SchemaDiscoverer, error) {
	if m.discoverer == nil {
		return nil, errors.New("no discoverer configured")
	}
	return m.discoverer, nil
}

func (m *mockAdapterFactory) NewQueryExecutor(ctx context.Context, dsType string, config map[string]any, sessionID string) (datasource.QueryExecutor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec := &mockQueryExecutor{}
	if m.newExec != nil {
		exec = m.newExec()
	}
	m.executors = append(m.executors, exec)
	return exec, nil
}

func (m *mockAdapterFactory) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, sessionID)
}

func (m *mockAdapterFactory) ListTypes() []datasource.DatasourceAdapterInfo {
	return []datasource.DatasourceAdapterInfo{{Type: "postgres", DisplayName: "PostgreSQL"}}
}

func (m *mockAdapterFactory) lastExecutor() *mockQueryExecutor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.executors) == 0 {
		return nil
	}
	return m.executors[len(m.executors)-1]
}

var _ datasource.DatasourceAdapterFactory = (*mockAdapterFactory)(nil)

// mockProber runs probes without validation for agent tests.
type mockProber struct {
	runs    []string
	results map[string]*models.QueryResult
	err     error
}

func (m *mockProber) Run(ctx context.Context, sqlText, origin string, limit int) (*models.QueryResult, error) {
	m.runs = append(m.runs, sqlText)
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.results[sqlText]; ok {
		return r, nil
	}
	return &models.QueryResult{}, nil
}

func (m *mockProber) QuoteIdentifier(name string) string {
	return `"` + name + `"`
}
