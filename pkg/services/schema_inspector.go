package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// SchemaInspector builds a SchemaSnapshot from a live connection.
type SchemaInspector interface {
	// Inspect enumerates every table the credential can see, then its columns
	// and foreign keys. Any metadata failure is a *apperrors.SchemaDiscoveryError.
	Inspect(ctx context.Context, discoverer datasource.SchemaDiscoverer, dsType, database string) (*models.SchemaSnapshot, error)
}

type schemaInspector struct {
	logger *zap.Logger
}

// NewSchemaInspector creates a schema inspector.
func NewSchemaInspector(logger *zap.Logger) SchemaInspector {
	return &schemaInspector{logger: logger.Named("schema_inspector")}
}

var _ SchemaInspector = (*schemaInspector)(nil)

func (s *schemaInspector) Inspect(ctx context.Context, discoverer datasource.SchemaDiscoverer, dsType, database string) (*models.SchemaSnapshot, error) {
	start := time.Now()

	tables, err := discoverer.DiscoverTables(ctx)
	if err != nil {
		return nil, &apperrors.SchemaDiscoveryError{Op: "list tables", Err: err}
	}

	snapshot := &models.SchemaSnapshot{
		DatasourceType: dsType,
		Database:       database,
		DiscoveredAt:   time.Now().UTC(),
		Tables:         make([]models.TableDescriptor, 0, len(tables)),
	}

	index := make(map[string]int, len(tables))
	for _, t := range tables {
		cols, err := discoverer.DiscoverColumns(ctx, t.SchemaName, t.TableName)
		if err != nil {
			return nil, &apperrors.SchemaDiscoveryError{
				Op:  fmt.Sprintf("list columns of %s.%s", t.SchemaName, t.TableName),
				Err: err,
			}
		}

		desc := models.TableDescriptor{
			Schema:      t.SchemaName,
			Name:        t.TableName,
			RowCount:    t.RowCount,
			Columns:     make([]models.ColumnDescriptor, 0, len(cols)),
			ForeignKeys: []models.ForeignKeyDescriptor{},
		}
		for _, c := range cols {
			desc.Columns = append(desc.Columns, models.ColumnDescriptor{
				Name:         c.ColumnName,
				DeclaredType: c.DataType,
				Nullable:     c.IsNullable,
				IsPrimaryKey: c.IsPrimaryKey,
			})
		}

		index[tableKey(t.SchemaName, t.TableName)] = len(snapshot.Tables)
		snapshot.Tables = append(snapshot.Tables, desc)
	}

	if discoverer.SupportsForeignKeys() {
		fks, err := discoverer.DiscoverForeignKeys(ctx)
		if err != nil {
			return nil, &apperrors.SchemaDiscoveryError{Op: "list foreign keys", Err: err}
		}
		for _, fk := range fks {
			i, ok := index[tableKey(fk.SourceSchema, fk.SourceTable)]
			if !ok {
				continue
			}
			// A reference into a table the credential cannot see would
			// invite the model to query it.
			if _, ok := index[tableKey(fk.TargetSchema, fk.TargetTable)]; !ok {
				continue
			}
			snapshot.Tables[i].ForeignKeys = append(snapshot.Tables[i].ForeignKeys, models.ForeignKeyDescriptor{
				Column:           fk.SourceColumn,
				ReferencedSchema: fk.TargetSchema,
				ReferencedTable:  fk.TargetTable,
				ReferencedColumn: fk.TargetColumn,
			})
		}
	}

	s.logger.Info("Schema discovered",
		zap.String("datasource_type", dsType),
		zap.Int("tables", len(snapshot.Tables)),
		zap.Duration("elapsed", time.Since(start)))

	return snapshot, nil
}

func tableKey(schema, table string) string {
	return strings.ToLower(schema) + "." + strings.ToLower(table)
}
