// Package sql statically checks generated SQL before it is allowed near a
// database. Nothing in this package executes statements.
package sql

import (
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// Rule names reported in ValidationVerdict.Rule.
const (
	RuleEmpty              = "empty"
	RuleMalformed          = "malformed"
	RuleMultipleStatements = "multiple_statements"
	RuleNotReadOnly        = "not_read_only"
	RuleForbiddenKeyword   = "forbidden_keyword"
	RuleForbiddenFunction  = "forbidden_function"
	RuleComment            = "comment"
	RuleInjection          = "injection"
	RuleUnknownTable       = "unknown_table"
	RuleCrossDatabase      = "cross_database"
)

// forbiddenKeywords modify data, schema, privileges or session state.
// They are rejected anywhere in the statement, including subqueries and CTEs.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"REPLACE": true, "CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true,
	"RENAME": true, "GRANT": true, "REVOKE": true, "EXEC": true, "EXECUTE": true,
	"CALL": true, "LOAD": true, "COPY": true, "INTO": true, "LOCK": true,
	"VACUUM": true, "REINDEX": true, "CLUSTER": true, "REFRESH": true, "DO": true,
	"ATTACH": true, "DETACH": true, "PRAGMA": true, "WAITFOR": true, "SHUTDOWN": true,
	"KILL": true, "BACKUP": true, "RESTORE": true, "DBCC": true, "BULK": true,
	"DECLARE": true, "SET": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true,
}

// forbiddenFunctions have side effects or reach outside the connected
// database even when called from a SELECT.
var forbiddenFunctions = map[string]bool{
	"pg_sleep": true, "pg_read_file": true, "pg_read_binary_file": true, "pg_ls_dir": true,
	"pg_stat_file": true, "pg_terminate_backend": true, "pg_cancel_backend": true,
	"pg_reload_conf": true, "pg_rotate_logfile": true, "pg_advisory_lock": true,
	"pg_advisory_xact_lock": true, "pg_notify": true, "set_config": true,
	"nextval": true, "setval": true, "lo_import": true, "lo_export": true,
	"lo_from_bytea": true, "lo_put": true, "dblink": true, "dblink_exec": true,
	"dblink_connect": true, "lo_get": true,
	"query_to_xml": true, "query_to_xmlschema": true, "query_to_xml_and_xmlschema": true,
	"table_to_xml": true, "table_to_xmlschema": true, "table_to_xml_and_xmlschema": true,
	"schema_to_xml": true, "schema_to_xmlschema": true, "schema_to_xml_and_xmlschema": true,
	"database_to_xml": true, "database_to_xmlschema": true, "database_to_xml_and_xmlschema": true,
	"cursor_to_xml": true, "cursor_to_xmlschema": true,
	"xp_cmdshell": true, "sp_executesql": true, "openrowset": true, "opendatasource": true,
	"openquery": true, "openxml": true,
}

// fromListEnders close the comma-separated FROM list of the current nesting level.
var fromListEnders = map[string]bool{
	"WHERE": true, "GROUP": true, "HAVING": true, "ORDER": true, "LIMIT": true,
	"OFFSET": true, "FETCH": true, "FOR": true, "WINDOW": true, "QUALIFY": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true, "SELECT": true, "WITH": true,
	"RETURNING": true,
}

// structuralWords precede a parenthesis that opens a subquery or list rather
// than a function call.
var structuralWords = map[string]bool{
	"FROM": true, "JOIN": true, "APPLY": true, "IN": true, "EXISTS": true, "ANY": true,
	"ALL": true, "SOME": true, "AS": true, "ON": true, "WHERE": true, "AND": true,
	"OR": true, "NOT": true, "SELECT": true, "UNION": true, "INTERSECT": true,
	"EXCEPT": true, "LATERAL": true, "VALUES": true, "THEN": true, "ELSE": true,
	"WHEN": true, "CASE": true, "WITH": true, "BY": true, "HAVING": true,
	"RECURSIVE": true, "MATERIALIZED": true, "IS": true, "LIKE": true,
}

// Validator checks statements against the schema snapshot of one session.
type Validator struct {
	snapshot *models.SchemaSnapshot
}

// NewValidator returns a validator bound to snapshot.
func NewValidator(snapshot *models.SchemaSnapshot) *Validator {
	return &Validator{snapshot: snapshot}
}

// Validate checks sqlText against the bound snapshot. See Validate.
func (v *Validator) Validate(sqlText string) models.ValidationVerdict {
	return Validate(sqlText, v.snapshot)
}

// Validate decides whether sqlText may be executed. Rules run in order and
// the first failing rule rejects:
//
//  1. exactly one statement (one trailing terminator is tolerated)
//  2. leading SELECT or WITH and no modifying keyword or side-effecting
//     function anywhere
//  3. no comment markers and no injection-shaped string literals
//  4. every referenced table exists in snapshot
//
// The returned reason is written for the language model as much as for the user.
func Validate(sqlText string, snapshot *models.SchemaSnapshot) models.ValidationVerdict {
	text := strings.TrimSpace(sqlText)
	if text == "" {
		return reject(RuleEmpty, "the statement is empty")
	}

	tokens, err := tokenize(text)
	if err != nil {
		return reject(RuleMalformed, fmt.Sprintf("the statement does not parse: %v", err))
	}

	body, normalized := stripTerminator(tokens, text)
	if verdict, ok := checkSingleStatement(body); !ok {
		return verdict
	}
	if verdict, ok := checkReadOnly(body); !ok {
		return verdict
	}
	if verdict, ok := checkInjection(body); !ok {
		return verdict
	}
	if verdict, ok := checkTables(body, snapshot); !ok {
		return verdict
	}

	return models.ValidationVerdict{Allowed: true, NormalizedSQL: normalized}
}

func reject(rule, reason string) models.ValidationVerdict {
	return models.ValidationVerdict{Allowed: false, Rule: rule, Reason: reason}
}

// stripTerminator drops a single trailing semicolon token and returns the
// remaining tokens with the matching normalized text.
func stripTerminator(tokens []token, text string) ([]token, string) {
	if n := len(tokens); n > 0 && tokens[n-1].kind == tokSemicolon {
		return tokens[:n-1], strings.TrimSpace(text[:tokens[n-1].pos])
	}
	return tokens, text
}

func checkSingleStatement(tokens []token) (models.ValidationVerdict, bool) {
	significant := 0
	for _, t := range tokens {
		switch t.kind {
		case tokSemicolon:
			return reject(RuleMultipleStatements,
				"only one statement is allowed, but a statement separator (;) appears before the end of the text"), false
		case tokComment:
		default:
			significant++
		}
	}
	if significant == 0 {
		return reject(RuleEmpty, "the statement is empty"), false
	}
	return models.ValidationVerdict{}, true
}

func checkReadOnly(tokens []token) (models.ValidationVerdict, bool) {
	lead := ""
	for _, t := range tokens {
		if t.kind == tokComment || (t.kind == tokPunct && t.text == "(") {
			continue
		}
		lead = t.upper()
		if lead == "" {
			lead = t.text
		}
		break
	}
	if lead != "SELECT" && lead != "WITH" {
		return reject(RuleNotReadOnly,
			fmt.Sprintf("only SELECT or WITH queries are allowed, but the statement starts with %q", lead)), false
	}

	for i, t := range tokens {
		if t.kind != tokWord {
			continue
		}
		callsFunction := i+1 < len(tokens) && tokens[i+1].kind == tokPunct && tokens[i+1].text == "("
		kw := t.upper()
		if forbiddenKeywords[kw] {
			// REPLACE(str, from, to) is a string function, not REPLACE INTO.
			if kw == "REPLACE" && callsFunction {
				continue
			}
			return reject(RuleForbiddenKeyword,
				fmt.Sprintf("%s is not allowed in a read-only query; if it is a column name, quote it", kw)), false
		}
		if callsFunction && forbiddenFunctions[strings.ToLower(t.text)] {
			return reject(RuleForbiddenFunction,
				fmt.Sprintf("function %s is not allowed in a read-only query", strings.ToLower(t.text))), false
		}
	}
	return models.ValidationVerdict{}, true
}

func checkInjection(tokens []token) (models.ValidationVerdict, bool) {
	for _, t := range tokens {
		switch t.kind {
		case tokComment:
			return reject(RuleComment, "SQL comments (-- or /* */) are not allowed; remove them"), false
		case tokString:
			if res := CheckLiteralForInjection(t.text); res != nil {
				return reject(RuleInjection,
					fmt.Sprintf("string literal %q matches an injection pattern (fingerprint %s)", truncate(t.text, 40), res.Fingerprint)), false
			}
		}
	}
	return models.ValidationVerdict{}, true
}

func checkTables(tokens []token, snapshot *models.SchemaSnapshot) (models.ValidationVerdict, bool) {
	if snapshot == nil {
		return reject(RuleUnknownTable, "no schema snapshot is available for this session; reconnect"), false
	}

	ctes := cteNames(tokens)
	for _, ref := range tableRefs(tokens) {
		name := ref.parts[len(ref.parts)-1]
		if len(ref.parts) > 2 {
			return reject(RuleCrossDatabase,
				fmt.Sprintf("cross-database reference %q is not allowed", strings.Join(ref.parts, "."))), false
		}
		schema := ""
		if len(ref.parts) == 2 {
			schema = ref.parts[0]
		}
		if _, ok := snapshot.Lookup(schema, name); ok {
			continue
		}
		if schema == "" && ctes[strings.ToLower(name)] {
			continue
		}
		return reject(RuleUnknownTable,
			fmt.Sprintf("table %q does not exist in the connected database%s", strings.Join(ref.parts, "."), suggestTable(name, snapshot))), false
	}
	return models.ValidationVerdict{}, true
}

// suggestTable proposes the singular or plural form of name when that form
// is a known table, e.g. "order" -> "orders".
func suggestTable(name string, snapshot *models.SchemaSnapshot) string {
	for _, candidate := range []string{inflection.Plural(name), inflection.Singular(name)} {
		if strings.EqualFold(candidate, name) {
			continue
		}
		if t, ok := snapshot.Lookup("", candidate); ok {
			return fmt.Sprintf(" (did you mean %q?)", t.Name)
		}
	}
	return ""
}

type tableRef struct {
	parts []string
	pos   int
}

type parenFrame struct {
	function bool // EXTRACT(x FROM y), SUBSTRING(s FROM 2): FROM is not a table clause
	fromList bool // inside the comma-separated FROM list of this level
}

// tableRefs returns every table named after FROM, JOIN, APPLY or TABLE, and
// every further item of a comma-separated FROM list, at any nesting depth.
// TABLE t is shorthand for SELECT * FROM t and may appear wherever a
// subquery can.
func tableRefs(tokens []token) []tableRef {
	var refs []tableRef
	stack := []parenFrame{{}}

	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		top := &stack[len(stack)-1]

		switch {
		case isPunct(t, "("):
			stack = append(stack, parenFrame{function: isFunctionParen(tokens, i)})
		case isPunct(t, ")"):
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case isPunct(t, ","):
			if top.fromList {
				refs = appendRef(refs, tokens, i+1)
			}
		case t.kind == tokWord:
			switch kw := t.upper(); {
			case kw == "FROM":
				if top.function || isDistinctFrom(tokens, i) {
					continue
				}
				top.fromList = true
				refs = appendRef(refs, tokens, i+1)
			case kw == "JOIN" || kw == "APPLY" || kw == "TABLE":
				refs = appendRef(refs, tokens, i+1)
			case fromListEnders[kw]:
				top.fromList = false
			}
		}
	}
	return refs
}

// appendRef parses one table reference starting at tokens[j]. Subqueries and
// table functions are skipped: their contents are scanned by the caller.
func appendRef(refs []tableRef, tokens []token, j int) []tableRef {
	for j < len(tokens) && (tokens[j].upper() == "ONLY" || tokens[j].upper() == "LATERAL") {
		j++
	}
	if j >= len(tokens) || !tokens[j].isIdent() {
		return refs
	}

	ref := tableRef{parts: []string{tokens[j].text}, pos: tokens[j].pos}
	k := j + 1
	for k+1 < len(tokens) && isPunct(tokens[k], ".") && tokens[k+1].isIdent() {
		ref.parts = append(ref.parts, tokens[k+1].text)
		k += 2
	}
	if k < len(tokens) && isPunct(tokens[k], "(") {
		return refs
	}
	return append(refs, ref)
}

// isFunctionParen reports whether the parenthesis at tokens[i] opens the
// argument list of a function call. A parenthesis whose first token is
// SELECT or WITH always holds a subquery, e.g. ARRAY(SELECT ...).
func isFunctionParen(tokens []token, i int) bool {
	if i == 0 {
		return false
	}
	if i+1 < len(tokens) {
		if next := tokens[i+1].upper(); next == "SELECT" || next == "WITH" {
			return false
		}
	}
	prev := tokens[i-1]
	switch prev.kind {
	case tokQuotedIdent:
		return true
	case tokWord:
		return !structuralWords[prev.upper()]
	}
	return false
}

// isDistinctFrom matches the IS [NOT] DISTINCT FROM comparison.
func isDistinctFrom(tokens []token, i int) bool {
	if i < 2 || tokens[i-1].upper() != "DISTINCT" {
		return false
	}
	before := tokens[i-2].upper()
	return before == "IS" || before == "NOT"
}

// cteNames collects names defined by WITH clauses at any depth.
func cteNames(tokens []token) map[string]bool {
	names := make(map[string]bool)
	for i, t := range tokens {
		if t.upper() != "WITH" {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].upper() == "RECURSIVE" {
			j++
		}
		for j < len(tokens) && tokens[j].isIdent() {
			name := tokens[j].text
			k := j + 1
			if k < len(tokens) && isPunct(tokens[k], "(") {
				k = skipBalanced(tokens, k)
			}
			if k >= len(tokens) || tokens[k].upper() != "AS" {
				break
			}
			k++
			for k < len(tokens) && (tokens[k].upper() == "NOT" || tokens[k].upper() == "MATERIALIZED") {
				k++
			}
			if k >= len(tokens) || !isPunct(tokens[k], "(") {
				break
			}
			names[strings.ToLower(name)] = true
			k = skipBalanced(tokens, k)
			if k >= len(tokens) || !isPunct(tokens[k], ",") {
				break
			}
			j = k + 1
		}
	}
	return names
}

// skipBalanced returns the index after the parenthesis closing tokens[open].
func skipBalanced(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case isPunct(tokens[i], "("):
			depth++
		case isPunct(tokens[i], ")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(tokens)
}

func isPunct(t token, text string) bool {
	return t.kind == tokPunct && t.text == text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
