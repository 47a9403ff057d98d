package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
)

// QueryExecutor runs validated statements against PostgreSQL.
type QueryExecutor struct {
	pool      *pgxpool.Pool
	ownedPool bool
}

// NewQueryExecutor creates a PostgreSQL query executor using the connection manager.
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*QueryExecutor, error) {
	pool, owned, err := acquirePool(ctx, cfg, connMgr, sessionID)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{pool: pool, ownedPool: owned}, nil
}

// wrapWithLimit bounds a statement server-side. PostgreSQL accepts WITH
// clauses inside a derived table, so CTE queries wrap the same way.
func wrapWithLimit(sqlQuery string, limit int) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS _limited LIMIT %d", sqlQuery, datasource.FetchLimit(limit))
}

// Query runs sqlQuery in a READ ONLY transaction that is always rolled
// back. Cancelling ctx makes pgx send a cancel request to the server.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck // rollback on defer is best-effort

	rows, err := tx.Query(ctx, wrapWithLimit(sqlQuery, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	typeMap := tx.Conn().TypeMap()
	fieldDescs := rows.FieldDescriptions()
	rawNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		rawNames[i] = fd.Name
	}
	names := datasource.UniqueColumnNames(rawNames)

	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: names[i],
			Type: typeName(typeMap, fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row values: %w", err)
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &datasource.QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// typeName resolves a result column OID through the connection's type map.
func typeName(m *pgtype.Map, oid uint32) string {
	if t, ok := m.TypeForOID(oid); ok {
		return strings.ToUpper(t.Name)
	}
	return "UNKNOWN"
}

// normalizeValue turns pgx's decoded representations into values that
// print sensibly: UUIDs as strings and NUMERIC through its text form.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		dv, err := val.Value() // decimal text, nil when NULL
		if err != nil {
			return nil
		}
		return dv
	default:
		return v
	}
}

// QuoteIdentifier safely quotes an identifier for use in SQL.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// Close releases the executor (but NOT the pool if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedPool && e.pool != nil {
		e.pool.Close()
	}
	return nil
}

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
