package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a string literal that libinjection
// classified as an injection payload.
type InjectionCheckResult struct {
	Literal     string
	Fingerprint string // libinjection token fingerprint, e.g. "s&1c"
}

// CheckLiteralForInjection runs libinjection over the body of a string
// literal found in a generated statement. A model that was steered by a
// hostile question tends to smuggle the payload through a literal, e.g.
// WHERE name = 'x'' OR 1=1 --'. Returns nil for clean literals.
func CheckLiteralForInjection(literal string) *InjectionCheckResult {
	if literal == "" {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(literal)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		Literal:     literal,
		Fingerprint: string(fingerprint),
	}
}

// Fingerprint returns the libinjection fingerprint for the first
// injection-shaped literal in sqlText, or "" when there is none.
// Used by the audit trail after a statement was rejected.
func Fingerprint(sqlText string) string {
	tokens, _ := tokenize(sqlText)
	for _, t := range tokens {
		if t.kind != tokString {
			continue
		}
		if res := CheckLiteralForInjection(t.text); res != nil {
			return res.Fingerprint
		}
	}
	return ""
}
