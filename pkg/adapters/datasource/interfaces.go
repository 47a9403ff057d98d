package datasource

import "context"

// MaxQueryLimit is the hard cap on rows returned by a single Query call.
const MaxQueryLimit = 1000

// ConnectionTester verifies that stored credentials reach the database.
type ConnectionTester interface {
	// TestConnection checks connectivity and that the session is attached to
	// the database it asked for.
	TestConnection(ctx context.Context) error

	// Close releases the adapter. Pools owned by the ConnectionManager stay open.
	Close() error
}

// SchemaDiscoverer enumerates metadata visible to the connected credential.
type SchemaDiscoverer interface {
	// DiscoverTables returns all user tables, excluding system schemas.
	DiscoverTables(ctx context.Context) ([]TableMetadata, error)

	// DiscoverColumns returns the columns of one table in ordinal order.
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]ColumnMetadata, error)

	// DiscoverForeignKeys returns every foreign key column pair. Composite
	// keys yield one entry per column.
	DiscoverForeignKeys(ctx context.Context) ([]ForeignKeyMetadata, error)

	// SupportsForeignKeys reports whether DiscoverForeignKeys is meaningful.
	SupportsForeignKeys() bool

	Close() error
}

// TableMetadata is one user table found by DiscoverTables.
type TableMetadata struct {
	SchemaName string
	TableName  string
	RowCount   int64 // planner estimate, may be stale or -1
}

// ColumnMetadata is one column of a table, as declared in the catalog.
type ColumnMetadata struct {
	ColumnName      string
	DataType        string
	IsNullable      bool
	IsPrimaryKey    bool
	OrdinalPosition int
}

// ForeignKeyMetadata links one source column to the column it references.
type ForeignKeyMetadata struct {
	ConstraintName string
	SourceSchema   string
	SourceTable    string
	SourceColumn   string
	TargetSchema   string
	TargetTable    string
	TargetColumn   string
}

// QueryExecutor runs statements that have already passed validation.
type QueryExecutor interface {
	// Query runs sqlQuery inside a read-only scope and returns at most
	// FetchLimit(limit) rows: one past the effective limit, so the caller
	// can tell a cut result from one that fit exactly. The row cap is
	// enforced by the server, not by the caller's SQL; limit <= 0 or above
	// MaxQueryLimit means MaxQueryLimit.
	// Cancelling ctx cancels the statement on the server.
	Query(ctx context.Context, sqlQuery string, limit int) (*QueryExecutionResult, error)

	// QuoteIdentifier quotes a table or column name for the dialect.
	QuoteIdentifier(name string) string

	Close() error
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // e.g. "TEXT", "INT4", "NVARCHAR"
}

// QueryExecutionResult holds the results from executing a query.
type QueryExecutionResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// ColumnNames returns the result column names in order.
func (r *QueryExecutionResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// EffectiveLimit clamps a requested row limit to (0, MaxQueryLimit].
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

// FetchLimit is the number of rows an executor reads for limit.
func FetchLimit(limit int) int {
	return EffectiveLimit(limit) + 1
}
