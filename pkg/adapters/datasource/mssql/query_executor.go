package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
)

const resetTimeout = 5 * time.Second

// QueryExecutor runs validated statements against SQL Server.
//
// T-SQL rejects WITH clauses and ORDER BY without TOP inside a derived
// table, so statements are not wrapped. Instead each query runs in a
// transaction that is always rolled back, with SET ROWCOUNT bounding the
// rows the server produces.
type QueryExecutor struct {
	db      *sql.DB
	ownedDB bool
}

// NewQueryExecutor creates a SQL Server query executor.
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string) (*QueryExecutor, error) {
	db, owned, err := openDB(ctx, cfg, connMgr, sessionID)
	if err != nil {
		return nil, err
	}
	return &QueryExecutor{db: db, ownedDB: owned}, nil
}

// Query runs sqlQuery and returns at most datasource.FetchLimit(limit) rows.
// Cancelling ctx sends an attention signal that aborts the batch.
func (e *QueryExecutor) Query(ctx context.Context, sqlQuery string, limit int) (result *datasource.QueryExecutionResult, err error) {
	fetchLimit := datasource.FetchLimit(limit)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// ROWCOUNT is session state and outlives the transaction.
		resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resetTimeout)
		defer cancel()
		_, _ = tx.ExecContext(resetCtx, "SET ROWCOUNT 0")
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET ROWCOUNT %d", fetchLimit)); err != nil {
		return nil, fmt.Errorf("set row limit: %w", err)
	}

	rows, err := tx.QueryContext(ctx, sqlQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	names := datasource.UniqueColumnNames(columnNames)
	columns := make([]datasource.ColumnInfo, len(names))
	for i, name := range names {
		columns[i] = datasource.ColumnInfo{
			Name: name,
			Type: mapSQLServerType(columnTypes[i].DatabaseTypeName()),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() && len(resultRows) < fetchLimit {
		values := make([]any, len(names))
		valuePtrs := make([]any, len(names))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowMap := make(map[string]any, len(names))
		for i, name := range names {
			rowMap[name] = normalizeValue(values[i], columnTypes[i].DatabaseTypeName())
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

// normalizeValue converts driver byte slices into readable values.
// Binary columns stay []byte.
func normalizeValue(val any, dbType string) any {
	b, ok := val.([]byte)
	if !ok {
		return val
	}
	if dbType == "UNIQUEIDENTIFIER" {
		var id mssql.UniqueIdentifier
		if err := id.Scan(b); err == nil {
			return id.String()
		}
	}
	if isTextualType(dbType) {
		return string(b)
	}
	return b
}

// QuoteIdentifier brackets an identifier for SQL Server.
func (e *QueryExecutor) QuoteIdentifier(name string) string {
	return quoteName(name)
}

// Close releases the executor (but NOT the DB if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

var _ datasource.QueryExecutor = (*QueryExecutor)(nil)
