package mssql

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
)

// Catalog queries. sys.* views only list objects the login holds some
// permission on, so every result is already scoped to the credential.
const (
	tablesQuery = `
SET NOCOUNT ON;
SELECT SCHEMA_NAME(t.schema_id), t.name, COALESCE(SUM(p.rows), 0)
FROM sys.tables t
LEFT JOIN sys.partitions p ON p.object_id = t.object_id AND p.index_id IN (0, 1)
WHERE t.is_ms_shipped = 0
GROUP BY t.schema_id, t.name
ORDER BY 1, 2`

	columnsQuery = `
SET NOCOUNT ON;
SELECT c.name,
       ty.name,
       CAST(c.is_nullable AS int),
       c.column_id,
       CASE WHEN EXISTS (
           SELECT 1
           FROM sys.index_columns ic
           JOIN sys.indexes ix ON ix.object_id = ic.object_id AND ix.index_id = ic.index_id
           WHERE ix.is_primary_key = 1 AND ic.object_id = c.object_id AND ic.column_id = c.column_id
       ) THEN 1 ELSE 0 END
FROM sys.columns c
JOIN sys.types ty ON ty.user_type_id = c.user_type_id
WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
ORDER BY c.column_id`

	foreignKeysQuery = `
SET NOCOUNT ON;
SELECT fk.name,
       SCHEMA_NAME(src.schema_id), src.name, COL_NAME(fkc.parent_object_id, fkc.parent_column_id),
       SCHEMA_NAME(dst.schema_id), dst.name, COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id)
FROM sys.foreign_keys fk
JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
JOIN sys.tables src ON src.object_id = fk.parent_object_id
JOIN sys.tables dst ON dst.object_id = fk.referenced_object_id
WHERE fk.is_ms_shipped = 0
ORDER BY 2, 3, fk.name, fkc.constraint_column_id`
)

// SchemaDiscoverer implements datasource.SchemaDiscoverer over the sys catalog.
type SchemaDiscoverer struct {
	db      *sql.DB
	ownedDB bool
	logger  *zap.Logger
}

// NewSchemaDiscoverer opens (or borrows) a pool for cfg. A nil logger is
// replaced by a no-op logger.
func NewSchemaDiscoverer(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, sessionID string, logger *zap.Logger) (*SchemaDiscoverer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, owned, err := openDB(ctx, cfg, connMgr, sessionID)
	if err != nil {
		return nil, err
	}
	return &SchemaDiscoverer{db: db, ownedDB: owned, logger: logger}, nil
}

func (s *SchemaDiscoverer) DiscoverTables(ctx context.Context) ([]datasource.TableMetadata, error) {
	tables, err := collect(ctx, s.db, "tables", tablesQuery, nil, func(rows *sql.Rows) (datasource.TableMetadata, error) {
		var t datasource.TableMetadata
		err := rows.Scan(&t.SchemaName, &t.TableName, &t.RowCount)
		return t, err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("discovered tables", zap.Int("count", len(tables)))
	return tables, nil
}

// DiscoverColumns returns the columns of one table in column_id order, with
// SQL Server type names mapped to portable ones.
func (s *SchemaDiscoverer) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]datasource.ColumnMetadata, error) {
	args := []any{sql.Named("schema", schemaName), sql.Named("table", tableName)}
	return collect(ctx, s.db, "columns", columnsQuery, args, func(rows *sql.Rows) (datasource.ColumnMetadata, error) {
		var (
			c                 datasource.ColumnMetadata
			nullable, primary int
		)
		if err := rows.Scan(&c.ColumnName, &c.DataType, &nullable, &c.OrdinalPosition, &primary); err != nil {
			return c, err
		}
		c.IsNullable = nullable == 1
		c.IsPrimaryKey = primary == 1
		c.DataType = mapSQLServerType(c.DataType)
		return c, nil
	})
}

func (s *SchemaDiscoverer) DiscoverForeignKeys(ctx context.Context) ([]datasource.ForeignKeyMetadata, error) {
	return collect(ctx, s.db, "foreign keys", foreignKeysQuery, nil, func(rows *sql.Rows) (datasource.ForeignKeyMetadata, error) {
		var fk datasource.ForeignKeyMetadata
		err := rows.Scan(&fk.ConstraintName,
			&fk.SourceSchema, &fk.SourceTable, &fk.SourceColumn,
			&fk.TargetSchema, &fk.TargetTable, &fk.TargetColumn)
		return fk, err
	})
}

func (s *SchemaDiscoverer) SupportsForeignKeys() bool {
	return true
}

// Close closes the pool only when the discoverer opened it itself.
func (s *SchemaDiscoverer) Close() error {
	if s.ownedDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// collect runs query and scans every row with scan.
func collect[T any](ctx context.Context, db *sql.DB, what, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	return out, nil
}

var _ datasource.SchemaDiscoverer = (*SchemaDiscoverer)(nil)
