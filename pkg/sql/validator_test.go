package sql

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

func testSnapshot() *models.SchemaSnapshot {
	return &models.SchemaSnapshot{
		DatasourceType: "postgres",
		Tables: []models.TableDescriptor{
			{
				Schema: "public",
				Name:   "orders",
				Columns: []models.ColumnDescriptor{
					{Name: "id", DeclaredType: "integer", IsPrimaryKey: true},
					{Name: "user_id", DeclaredType: "integer"},
					{Name: "total", DeclaredType: "numeric"},
					{Name: "created_at", DeclaredType: "timestamp"},
				},
				ForeignKeys: []models.ForeignKeyDescriptor{
					{Column: "user_id", ReferencedTable: "users", ReferencedColumn: "id"},
				},
			},
			{
				Schema: "public",
				Name:   "users",
				Columns: []models.ColumnDescriptor{
					{Name: "id", DeclaredType: "integer", IsPrimaryKey: true},
					{Name: "name", DeclaredType: "text"},
				},
			},
		},
	}
}

func TestValidate_Allowed(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		normalized string
	}{
		{"simple", "SELECT * FROM orders", "SELECT * FROM orders"},
		{"trailing terminator", "SELECT id FROM orders;  ", "SELECT id FROM orders"},
		{"lowercase join", "  select count(*) from ORDERS o join users u on u.id = o.user_id  ", "select count(*) from ORDERS o join users u on u.id = o.user_id"},
		{"qualified", "SELECT * FROM public.orders", "SELECT * FROM public.orders"},
		{"cte", "WITH recent AS (SELECT * FROM orders WHERE created_at > '2024-01-01') SELECT count(*) FROM recent", ""},
		{"recursive cte with columns", "WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM n WHERE x < 5) SELECT x FROM n", ""},
		{"extract from", "SELECT EXTRACT(YEAR FROM created_at) AS y, SUM(total) FROM orders GROUP BY 1", ""},
		{"substring from", "SELECT SUBSTRING(name FROM 1 FOR 3) FROM users", ""},
		{"is distinct from", "SELECT * FROM orders WHERE total IS DISTINCT FROM 0", ""},
		{"escaped quote", "SELECT name FROM users WHERE name = 'O''Brien'", ""},
		{"replace function", "SELECT REPLACE(name, 'Street', 'St') FROM users", ""},
		{"quoted keyword identifier", `SELECT u."name", "update" FROM users u`, ""},
		{"keyword prefix in identifier", "SELECT updated_at, deleted FROM orders", ""},
		{"subquery in where", "SELECT * FROM orders WHERE user_id IN (SELECT id FROM users WHERE name = 'Alice')", ""},
		{"comma join", "SELECT a.id FROM orders a, users b WHERE a.user_id = b.id", ""},
		{"derived table", "SELECT t.n FROM (SELECT count(*) AS n FROM orders) t", ""},
		{"bracket identifiers", "SELECT TOP 5 * FROM [orders]", ""},
		{"parenthesized select", "(SELECT id FROM orders) UNION (SELECT id FROM users)", ""},
		{"table shorthand on known table", "SELECT * FROM orders WHERE (id, user_id, total, created_at) IN (TABLE public.orders)", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.input, testSnapshot())
			assert.True(t, v.Allowed, "reason: %s", v.Reason)
			assert.Empty(t, v.Rule)
			if tt.normalized != "" {
				assert.Equal(t, tt.normalized, v.NormalizedSQL)
			}
		})
	}
}

func TestValidate_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		rule   string
		reason string
	}{
		{"empty", "   ", RuleEmpty, "empty"},
		{"only terminator", ";", RuleEmpty, "empty"},
		{"unterminated literal", "SELECT * FROM users WHERE name = 'x", RuleMalformed, "unterminated string literal"},
		{"two selects", "SELECT 1; SELECT 2", RuleMultipleStatements, "one statement"},
		{"stacked drop", "SELECT * FROM orders; DROP TABLE users", RuleMultipleStatements, ";"},
		{"double terminator", "SELECT * FROM orders;;", RuleMultipleStatements, ""},
		{"terminator then comment", "SELECT * FROM orders; -- done", RuleMultipleStatements, ""},
		{"delete", "DELETE FROM orders", RuleNotReadOnly, `starts with "DELETE"`},
		{"explain analyze", "EXPLAIN ANALYZE SELECT * FROM orders", RuleNotReadOnly, ""},
		{"delete in subquery", "SELECT * FROM orders WHERE id IN (DELETE FROM orders RETURNING id)", RuleForbiddenKeyword, "DELETE"},
		{"modifying cte", "WITH gone AS (DELETE FROM orders RETURNING *) SELECT * FROM gone", RuleForbiddenKeyword, "DELETE"},
		{"select into", "SELECT * INTO backup FROM orders", RuleForbiddenKeyword, "INTO"},
		{"row locks", "SELECT * FROM orders FOR UPDATE", RuleForbiddenKeyword, "UPDATE"},
		{"sleep", "SELECT pg_sleep(10)", RuleForbiddenFunction, "pg_sleep"},
		{"setval", "SELECT setval('orders_id_seq', 1) FROM orders", RuleForbiddenFunction, "setval"},
		{"line comment", "SELECT * FROM orders -- all of them", RuleComment, "comments"},
		{"block comment", "SELECT * /* x */ FROM orders", RuleComment, "comments"},
		{"tautology literal", "SELECT * FROM users WHERE name = ''' OR ''1''=''1'", RuleInjection, "fingerprint"},
		{"unknown table", "SELECT * FROM payments", RuleUnknownTable, `"payments"`},
		{"singular suggestion", "SELECT * FROM order", RuleUnknownTable, `did you mean "orders"`},
		{"catalog probe", "SELECT * FROM information_schema.tables", RuleUnknownTable, "information_schema.tables"},
		{"wrong schema", "SELECT * FROM sales.orders", RuleUnknownTable, "sales.orders"},
		{"cross database", "SELECT * FROM otherdb.public.orders", RuleCrossDatabase, "otherdb.public.orders"},
		{"hidden after derived table", "SELECT * FROM (SELECT 1) AS x, pg_shadow", RuleUnknownTable, "pg_shadow"},
		{"array subquery", "SELECT ARRAY(SELECT usename FROM pg_user)", RuleUnknownTable, "pg_user"},
		{"join to catalog", "SELECT * FROM users u JOIN pg_roles r ON true", RuleUnknownTable, "pg_roles"},
		{"scalar subquery", "SELECT (SELECT max(usesysid) FROM pg_user) FROM users", RuleUnknownTable, "pg_user"},
		{"alias column list then catalog", "SELECT * FROM users AS u(a, b), pg_shadow", RuleUnknownTable, "pg_shadow"},
		{"table shorthand in IN list", "SELECT * FROM users WHERE name IN (TABLE pg_authid)", RuleUnknownTable, "pg_authid"},
		{"table shorthand as scalar", "SELECT (TABLE secret_schema.payroll)", RuleUnknownTable, "secret_schema.payroll"},
		{"table shorthand in union", "SELECT name FROM users UNION TABLE pg_shadow", RuleUnknownTable, "pg_shadow"},
		{"database to xml", "SELECT database_to_xml(true, true, '')", RuleForbiddenFunction, "database_to_xml"},
		{"table to xml", "SELECT table_to_xml('secret_schema.payroll', true, false, '')", RuleForbiddenFunction, "table_to_xml"},
		{"schema to xml", "SELECT schema_to_xml('secret_schema', true, false, '')", RuleForbiddenFunction, "schema_to_xml"},
		{"large object read", "SELECT lo_get(16401)", RuleForbiddenFunction, "lo_get"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.input, testSnapshot())
			assert.False(t, v.Allowed)
			assert.Equal(t, tt.rule, v.Rule, "reason: %s", v.Reason)
			assert.Contains(t, v.Reason, tt.reason)
			assert.Empty(t, v.NormalizedSQL)
		})
	}
}

// Every modification keyword is rejected wherever it appears, regardless of
// the leading keyword.
func TestValidate_ModificationKeywordAnyPosition(t *testing.T) {
	keywords := make([]string, 0, len(forbiddenKeywords))
	for kw := range forbiddenKeywords {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	templates := []string{
		"%s orders SET total = 0",
		"SELECT * FROM orders WHERE EXISTS (%s x)",
		"WITH a AS (%s x) SELECT * FROM orders",
		"SELECT id FROM orders %s x",
		"select id from orders where id in (select id from users where %s x)",
	}

	for _, kw := range keywords {
		for _, tmpl := range templates {
			stmt := fmt.Sprintf(tmpl, kw)
			v := Validate(stmt, testSnapshot())
			assert.False(t, v.Allowed, "statement %q was allowed", stmt)
		}
		lower := fmt.Sprintf("SELECT * FROM orders WHERE EXISTS (%s x)", strings.ToLower(kw))
		assert.False(t, Validate(lower, testSnapshot()).Allowed, "statement %q was allowed", lower)
	}
}

// Any text holding more than one statement is rejected.
func TestValidate_MultipleStatements(t *testing.T) {
	first := []string{"SELECT 1", "SELECT * FROM orders", "WITH a AS (SELECT 1) SELECT * FROM a"}
	second := []string{"SELECT 2", "DROP TABLE users", "UPDATE orders SET total = 0", "SELECT * FROM users"}

	for _, a := range first {
		for _, b := range second {
			for _, sep := range []string{";", "; ", ";\n", " ;"} {
				stmt := a + sep + b
				v := Validate(stmt, testSnapshot())
				assert.False(t, v.Allowed, "statement %q was allowed", stmt)
				assert.Equal(t, RuleMultipleStatements, v.Rule, "statement %q", stmt)
			}
		}
	}
}

func TestValidate_NilSnapshot(t *testing.T) {
	v := Validate("SELECT * FROM orders", nil)
	assert.False(t, v.Allowed)
	assert.Equal(t, RuleUnknownTable, v.Rule)
}

func TestValidator_BoundSnapshot(t *testing.T) {
	v := NewValidator(testSnapshot())
	assert.True(t, v.Validate("SELECT * FROM users").Allowed)
	assert.False(t, v.Validate("SELECT * FROM accounts").Allowed)
}

func TestTableRefs(t *testing.T) {
	tokens, err := tokenize(`SELECT * FROM "public"."orders" o LEFT JOIN users u ON u.id = o.user_id, LATERAL (SELECT 1) x`)
	assert.NoError(t, err)

	refs := tableRefs(tokens)
	var names []string
	for _, r := range refs {
		names = append(names, fmt.Sprint(r.parts))
	}
	assert.Equal(t, []string{"[public orders]", "[users]"}, names)
}

func TestCTENames(t *testing.T) {
	tokens, err := tokenize("WITH a AS (SELECT 1), b (x) AS MATERIALIZED (SELECT 2) SELECT * FROM a, b")
	assert.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true, "b": true}, cteNames(tokens))
}
