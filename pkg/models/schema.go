package models

import (
	"sort"
	"strings"
	"time"
)

// SchemaSnapshot is a point-in-time record of the tables, columns and
// foreign keys visible to a session's connection. It is built once per
// successful connect and must not be mutated afterwards.
type SchemaSnapshot struct {
	DatasourceType string            `json:"datasource_type" yaml:"datasource_type"`
	Database       string            `json:"database" yaml:"database"`
	DiscoveredAt   time.Time         `json:"discovered_at" yaml:"discovered_at"`
	Tables         []TableDescriptor `json:"tables" yaml:"tables"`
}

// TableDescriptor describes one table. Columns keep their ordinal order.
type TableDescriptor struct {
	Schema      string                 `json:"schema,omitempty" yaml:"schema,omitempty"`
	Name        string                 `json:"name" yaml:"name"`
	RowCount    int64                  `json:"row_count" yaml:"row_count"`
	Columns     []ColumnDescriptor     `json:"columns" yaml:"columns"`
	ForeignKeys []ForeignKeyDescriptor `json:"foreign_keys" yaml:"foreign_keys"`
}

// ColumnDescriptor describes one column.
type ColumnDescriptor struct {
	Name         string `json:"name" yaml:"name"`
	DeclaredType string `json:"declared_type" yaml:"declared_type"`
	Nullable     bool   `json:"nullable" yaml:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key" yaml:"is_primary_key"`
}

// ForeignKeyDescriptor is a single-column reference from the owning table.
type ForeignKeyDescriptor struct {
	Column           string `json:"column" yaml:"column"`
	ReferencedSchema string `json:"referenced_schema,omitempty" yaml:"referenced_schema,omitempty"`
	ReferencedTable  string `json:"referenced_table" yaml:"referenced_table"`
	ReferencedColumn string `json:"referenced_column" yaml:"referenced_column"`
}

// QualifiedName returns schema.name, or name when the schema is empty.
func (t *TableDescriptor) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column returns the column with the given name, compared case-insensitively.
func (t *TableDescriptor) Column(name string) (*ColumnDescriptor, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// PrimaryKey returns the names of the primary-key columns in ordinal order.
func (t *TableDescriptor) PrimaryKey() []string {
	var pk []string
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	return pk
}

// Lookup finds a table by reference. A reference is either "name" or
// "schema.name"; comparison is case-insensitive. An unqualified name
// matching tables in several schemas resolves to the first one.
func (s *SchemaSnapshot) Lookup(schema, name string) (*TableDescriptor, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.Tables {
		t := &s.Tables[i]
		if !strings.EqualFold(t.Name, name) {
			continue
		}
		if schema == "" || strings.EqualFold(t.Schema, schema) {
			return t, true
		}
	}
	return nil, false
}

// TableNames returns the table names in snapshot order.
func (s *SchemaSnapshot) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}

// Relationships lists every foreign key as "table.column -> table.column",
// sorted for stable prompts.
func (s *SchemaSnapshot) Relationships() []string {
	if s == nil {
		return nil
	}
	var rels []string
	for _, t := range s.Tables {
		for _, fk := range t.ForeignKeys {
			rels = append(rels, t.Name+"."+fk.Column+" -> "+fk.ReferencedTable+"."+fk.ReferencedColumn)
		}
	}
	sort.Strings(rels)
	return rels
}
