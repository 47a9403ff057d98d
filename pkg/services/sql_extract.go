package services

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
)

// sqlAnswer is the JSON shape the generation prompt asks for.
type sqlAnswer struct {
	SQL       json.RawMessage `json:"sql"`
	Reasoning string          `json:"reasoning"`
}

// Statements in free text run up to the first semicolon, blank line or end
// of text. A line-leading SELECT or WITH wins over a SELECT inside a sentence,
// since "with" is also an English word.
var (
	lineSQLPattern  = regexp.MustCompile(`(?ims)^\s*((?:SELECT|WITH)\b.*?)(?:;|\n\s*\n|\z)`)
	proseSQLPattern = regexp.MustCompile(`(?is)\b(SELECT\b.*?)(?:;|\n\s*\n|\z)`)
)

// errNoSQL is returned when a response holds nothing that looks like a statement.
var errNoSQL = errors.New("the response did not contain a SQL statement")

// extractSQL pulls a single statement out of a model response. It tries, in
// order: the JSON object the prompt asks for, a ```sql fence, an untagged
// fence, and finally the first SELECT/WITH clause in prose. A JSON answer
// with "sql": null is a refusal: the error carries the model's reasoning.
func extractSQL(response string) (sqlText, reasoning string, err error) {
	cleaned := llm.StripThinking(response)
	if cleaned == "" {
		return "", "", errors.New("the response was empty")
	}

	if answer, jerr := llm.ParseJSONResponse[sqlAnswer](cleaned); jerr == nil && len(answer.SQL) > 0 {
		var text string
		if string(answer.SQL) == "null" || (json.Unmarshal(answer.SQL, &text) == nil && strings.TrimSpace(text) == "") {
			reason := strings.TrimSpace(answer.Reasoning)
			if reason == "" {
				reason = "the model declined to write a query"
			}
			return "", reason, &refusalError{reason: reason}
		}
		if text != "" {
			return strings.TrimSpace(text), answer.Reasoning, nil
		}
	}

	if body, ok := llm.ExtractFencedBlock(cleaned, "sql"); ok && body != "" {
		return body, "", nil
	}
	if body, ok := llm.ExtractFencedBlock(cleaned, ""); ok && looksLikeQuery(body) {
		return body, "", nil
	}
	for _, p := range []*regexp.Regexp{lineSQLPattern, proseSQLPattern} {
		if m := p.FindStringSubmatch(cleaned); m != nil {
			return strings.TrimSpace(m[1]), "", nil
		}
	}
	return "", "", errNoSQL
}

// refusalError marks a deliberate "sql": null answer, e.g. a question the
// schema cannot answer or a request to modify data.
type refusalError struct {
	reason string
}

func (e *refusalError) Error() string { return e.reason }

func looksLikeQuery(s string) bool {
	upper := strings.ToUpper(strings.TrimSpace(s))
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}
