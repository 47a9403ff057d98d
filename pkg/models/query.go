package models

// QueryOrigin records which generation path produced a statement.
type QueryOrigin string

const (
	OriginDirect        QueryOrigin = "direct"
	OriginFallbackAgent QueryOrigin = "fallback_agent"
)

// GeneratedQuery is a statement produced for a single request. It is never persisted.
type GeneratedQuery struct {
	SQL       string      `json:"sql"`
	Origin    QueryOrigin `json:"origin"`
	Reasoning string      `json:"reasoning,omitempty"`
	// Attempts counts language model calls spent producing the statement.
	Attempts int `json:"attempts"`
}

// ValidationVerdict is the security validator's judgement on a statement.
// Rule names the first rule that rejected it; it is empty when allowed.
type ValidationVerdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
	// NormalizedSQL is the statement with surrounding whitespace and a
	// single trailing terminator removed. Only set when allowed.
	NormalizedSQL string `json:"normalized_sql,omitempty"`
}

// QueryResult holds rows returned by a validated statement. Rows map
// column names to scalar values; Columns preserves result order.
type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	TotalRows int              `json:"total_rows"`
	Truncated bool             `json:"truncated"`
}

// Truncate returns a copy of the result holding at most max rows.
// TotalRows keeps the pre-truncation count.
func (r *QueryResult) Truncate(max int) *QueryResult {
	if r == nil {
		return nil
	}
	out := *r
	if out.TotalRows < len(r.Rows) {
		out.TotalRows = len(r.Rows)
	}
	if max >= 0 && len(r.Rows) > max {
		out.Rows = r.Rows[:max]
		out.Truncated = true
	}
	return &out
}
