package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/audit"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/metrics"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	sqlvalidator "github.com/ekaya-inc/ekaya-askdb/pkg/sql"
)

// Origins recorded on rejections and probes.
const (
	originDirect = "direct"
	originRetry  = "retry"
	originAgent  = "fallback_agent"
	originProbe  = "fallback_probe"
)

// StatementGuard validates statements against a session's snapshot and
// records every rejection in the security audit log and metrics.
type StatementGuard struct {
	auditor *audit.SecurityAuditor
}

// NewStatementGuard creates a guard. A nil auditor disables audit events.
func NewStatementGuard(auditor *audit.SecurityAuditor) *StatementGuard {
	return &StatementGuard{auditor: auditor}
}

// Check validates sqlText. question is only used for injection audit events.
func (g *StatementGuard) Check(ctx context.Context, sqlText, origin, question string, snapshot *models.SchemaSnapshot) models.ValidationVerdict {
	verdict := sqlvalidator.Validate(sqlText, snapshot)
	if verdict.Allowed {
		return verdict
	}

	metrics.IncrementValidatorRejection(verdict.Rule)
	if g.auditor == nil {
		return verdict
	}

	g.auditor.LogSQLRejected(ctx, audit.SQLRejectionDetails{
		Rule:   verdict.Rule,
		Reason: verdict.Reason,
		SQL:    sqlText,
		Origin: origin,
	})
	if verdict.Rule == sqlvalidator.RuleInjection {
		g.auditor.LogInjectionAttempt(ctx, audit.SQLInjectionDetails{
			Question:    question,
			SQL:         sqlText,
			Fingerprint: sqlvalidator.Fingerprint(sqlText),
		})
	}
	return verdict
}

// RejectionError is returned by GuardedExecutor.Run for a statement the
// validator refused. The statement was not executed.
type RejectionError struct {
	Verdict models.ValidationVerdict
}

func (e *RejectionError) Error() string {
	return "statement rejected: " + e.Verdict.Reason
}

// GuardedExecutor is the only path from the chat pipeline to a session's
// QueryExecutor: every statement is validated first, then run with the
// execution timeout.
type GuardedExecutor struct {
	guard    *StatementGuard
	exec     datasource.QueryExecutor
	snapshot *models.SchemaSnapshot
	timeout  time.Duration
	auditor  *audit.SecurityAuditor
	logger   *zap.Logger
}

// NewGuardedExecutor binds exec to snapshot. A zero timeout means no timeout
// beyond the caller's context.
func NewGuardedExecutor(guard *StatementGuard, exec datasource.QueryExecutor, snapshot *models.SchemaSnapshot, timeout time.Duration, auditor *audit.SecurityAuditor, logger *zap.Logger) *GuardedExecutor {
	return &GuardedExecutor{
		guard:    guard,
		exec:     exec,
		snapshot: snapshot,
		timeout:  timeout,
		auditor:  auditor,
		logger:   logger,
	}
}

// Run validates sqlText and executes it, returning at most limit rows.
// A refused statement yields *RejectionError, a database failure
// *apperrors.ExecutionError.
func (e *GuardedExecutor) Run(ctx context.Context, sqlText, origin string, limit int) (*models.QueryResult, error) {
	verdict := e.guard.Check(ctx, sqlText, origin, "", e.snapshot)
	if !verdict.Allowed {
		return nil, &RejectionError{Verdict: verdict}
	}

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := e.exec.Query(execCtx, verdict.NormalizedSQL, limit)
	if err != nil {
		timeout := errors.Is(execCtx.Err(), context.DeadlineExceeded) || apperrors.IsTimeout(err)
		kind := "error"
		if timeout {
			kind = "timeout"
		}
		metrics.IncrementExecutionError(e.snapshot.DatasourceType, kind)
		e.logger.Warn("Query execution failed",
			zap.String("origin", origin),
			zap.String("sql", logging.SanitizeQuery(verdict.NormalizedSQL)),
			zap.Bool("timeout", timeout),
			zap.String("error", logging.SanitizeError(err)))
		return nil, &apperrors.ExecutionError{SQL: verdict.NormalizedSQL, Timeout: timeout, Err: err}
	}

	if e.auditor != nil {
		e.auditor.LogQueryExecution(ctx, verdict.NormalizedSQL, res.RowCount)
	}
	e.logger.Debug("Query executed",
		zap.String("origin", origin),
		zap.Int("rows", res.RowCount),
		zap.Duration("elapsed", time.Since(start)))

	// The executor reads one row past the limit; seeing it means the
	// result was cut.
	rows := res.Rows
	truncated := len(rows) > datasource.EffectiveLimit(limit)
	if truncated {
		rows = rows[:datasource.EffectiveLimit(limit)]
	}

	return &models.QueryResult{
		Columns:   res.ColumnNames(),
		Rows:      rows,
		TotalRows: len(rows),
		Truncated: truncated,
	}, nil
}

// QuoteIdentifier quotes name for the session's dialect.
func (e *GuardedExecutor) QuoteIdentifier(name string) string {
	return e.exec.QuoteIdentifier(name)
}
