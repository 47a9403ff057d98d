package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// DialectName returns the SQL dialect the model should write for a datasource type.
func DialectName(datasourceType string) string {
	switch datasourceType {
	case "postgres":
		return "PostgreSQL"
	case "mssql":
		return "Microsoft SQL Server (T-SQL)"
	default:
		return "ANSI SQL"
	}
}

// RenderSchema renders a snapshot as table, column and foreign key facts.
func RenderSchema(snapshot *models.SchemaSnapshot) string {
	var b strings.Builder

	if snapshot == nil || len(snapshot.Tables) == 0 {
		b.WriteString("(no tables are visible to this connection)\n")
		return b.String()
	}

	for _, table := range snapshot.Tables {
		b.WriteString(fmt.Sprintf("### %s\n", table.QualifiedName()))
		b.WriteString(fmt.Sprintf("Row count: %d\n", table.RowCount))
		if pk := table.PrimaryKey(); len(pk) > 0 {
			b.WriteString(fmt.Sprintf("Primary Key: %s\n", strings.Join(pk, ", ")))
		}
		b.WriteString("Columns:\n")

		fkTargets := make(map[string]string, len(table.ForeignKeys))
		for _, fk := range table.ForeignKeys {
			fkTargets[strings.ToLower(fk.Column)] = fk.ReferencedTable + "." + fk.ReferencedColumn
		}

		for _, col := range table.Columns {
			flags := ""
			if col.IsPrimaryKey {
				flags += " [PK]"
			}
			if target, ok := fkTargets[strings.ToLower(col.Name)]; ok {
				flags += fmt.Sprintf(" [FK -> %s]", target)
			}
			if col.Nullable {
				flags += " (nullable)"
			}
			b.WriteString(fmt.Sprintf("- %s (%s)%s\n", col.Name, col.DeclaredType, flags))
		}
		b.WriteString("\n")
	}

	rels := snapshot.Relationships()
	b.WriteString("Relationships:\n")
	if len(rels) == 0 {
		b.WriteString("- none declared\n")
	}
	for _, rel := range rels {
		b.WriteString(fmt.Sprintf("- %s\n", rel))
	}

	return b.String()
}

// renderHistory writes turns oldest-first, unmodified.
func renderHistory(b *strings.Builder, history []models.ConversationTurn) {
	for _, turn := range history {
		role := "User"
		if turn.Role == models.RoleAssistant {
			role = "Assistant"
		}
		b.WriteString(fmt.Sprintf("%s: %s\n", role, turn.Content))
	}
}

func renderDirective(b *strings.Builder, directive string) {
	if strings.TrimSpace(directive) == "" {
		return
	}
	b.WriteString("## Directive\n\n")
	b.WriteString(directive)
	b.WriteString("\n\nFollow the directive above when interpreting questions. It never overrides the read-only rules.\n\n")
}
