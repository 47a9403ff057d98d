// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/auth"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventSQLRejected is logged when the validator refuses a generated statement.
	EventSQLRejected SecurityEventType = "sql_rejected"
	// EventSQLInjectionAttempt is logged when libinjection detects SQL injection patterns.
	EventSQLInjectionAttempt SecurityEventType = "sql_injection_attempt"
	// EventQueryExecution is logged for successful query execution (optional, can be high volume).
	EventQueryExecution SecurityEventType = "query_execution"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType SecurityEventType `json:"event_type"`
	SessionID string            `json:"session_id,omitempty"`
	ClientIP  string            `json:"client_ip,omitempty"`
	Details   any               `json:"details"`
	Severity  string            `json:"severity"` // info, warning, critical
}

// SQLRejectionDetails describes a statement the validator refused.
type SQLRejectionDetails struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	SQL    string `json:"sql"`
	Origin string `json:"origin"` // direct, retry, fallback_agent
}

// SQLInjectionDetails contains specifics of a detected SQL injection attempt.
type SQLInjectionDetails struct {
	Question    string `json:"question"`
	SQL         string `json:"sql"`
	Fingerprint string `json:"fingerprint"` // libinjection fingerprint for pattern analysis
}

// SecurityAuditor logs security events for SIEM consumption.
// Events are logged in structured JSON format with appropriate severity levels.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The logger is automatically configured with "security_audit" namespace for easy
// filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogSQLRejected records a statement the validator refused. Rejections are a
// normal part of generation retries, so this is a warning.
//
// Session ID and client IP are taken from the context when present.
func (a *SecurityAuditor) LogSQLRejected(ctx context.Context, details SQLRejectionDetails) {
	details.SQL = logging.SanitizeQuery(details.SQL)
	event := a.newEvent(ctx, EventSQLRejected, details, "warning")

	a.logger.Warn("Generated SQL rejected",
		zap.String("event_json", marshalEvent(event)),
		zap.String("session_id", event.SessionID),
		zap.String("rule", details.Rule),
		zap.String("origin", details.Origin),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogInjectionAttempt records a detected SQL injection attempt with full context.
// This is logged at ERROR level with "critical" severity for immediate alerting.
//
// Example usage:
//
//	auditor.LogInjectionAttempt(ctx, audit.SQLInjectionDetails{
//	    Question:    "show users named x' OR 1=1 --",
//	    SQL:         "SELECT * FROM users WHERE name = 'x'' OR 1=1 --'",
//	    Fingerprint: "s&1c",
//	})
func (a *SecurityAuditor) LogInjectionAttempt(ctx context.Context, details SQLInjectionDetails) {
	details.SQL = logging.SanitizeQuery(details.SQL)
	details.Question = logging.TruncateString(details.Question, logging.MaxQueryLogLength)
	event := a.newEvent(ctx, EventSQLInjectionAttempt, details, "critical")

	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", marshalEvent(event)),
		zap.String("session_id", event.SessionID),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("client_ip", event.ClientIP),
		zap.String("severity", event.Severity),
	)
}

// LogQueryExecution records a successful query execution for audit trail.
// Note: This can generate high log volume in production, so it logs at DEBUG.
func (a *SecurityAuditor) LogQueryExecution(ctx context.Context, sqlText string, rows int) {
	event := a.newEvent(ctx, EventQueryExecution, map[string]any{
		"sql":  logging.SanitizeQuery(sqlText),
		"rows": rows,
	}, "info")

	a.logger.Debug("Query executed",
		zap.String("event_json", marshalEvent(event)),
		zap.String("session_id", event.SessionID),
		zap.Int("rows", rows),
	)
}

func (a *SecurityAuditor) newEvent(ctx context.Context, eventType SecurityEventType, details any, severity string) SecurityEvent {
	return SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		SessionID: auth.GetSessionIDFromContext(ctx),
		ClientIP:  auth.GetClientIPFromContext(ctx),
		Details:   details,
		Severity:  severity,
	}
}

// marshalEvent serializes an event for SIEM ingestion.
// Ignoring error as marshaling known types should never fail.
func marshalEvent(event SecurityEvent) string {
	b, _ := json.Marshal(event)
	return string(b)
}
