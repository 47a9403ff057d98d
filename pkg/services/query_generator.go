package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/metrics"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/prompts"
)

// GenerationState is a step of the question-to-SQL state machine.
type GenerationState int

const (
	StateDirect GenerationState = iota
	StateRetry
	StateFallback
	StateSucceeded
	StateFailed
)

func (s GenerationState) String() string {
	switch s {
	case StateDirect:
		return "direct"
	case StateRetry:
		return "retry"
	case StateFallback:
		return "fallback"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s GenerationState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// nextState is the transition function. ok reports whether the attempt made
// in current produced a validated statement.
func nextState(current GenerationState, ok bool) GenerationState {
	if current.Terminal() {
		return current
	}
	if ok {
		return StateSucceeded
	}
	switch current {
	case StateDirect:
		return StateRetry
	case StateRetry:
		return StateFallback
	default:
		return StateFailed
	}
}

// GenerateRequest is one question to turn into SQL.
type GenerateRequest struct {
	SessionID string
	Question  string
	Snapshot  *models.SchemaSnapshot
	History   []models.ConversationTurn
	Directive string
	// Prober lets the fallback agent run bounded probes. Optional.
	Prober Prober
}

// QueryGenerator turns a question into one validated read-only statement.
type QueryGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*models.GeneratedQuery, error)
}

// GeneratorConfig tunes the language model calls.
type GeneratorConfig struct {
	Temperature   float64
	MaxTokens     int
	MaxAgentSteps int
	ProbeRowLimit int
}

type queryGenerator struct {
	llmClient llm.LLMClient
	guard     *StatementGuard
	agent     FallbackAgent
	cfg       GeneratorConfig
	logger    *zap.Logger
}

// NewQueryGenerator creates a generator with a direct attempt, one corrective
// retry and a fallback agent.
func NewQueryGenerator(llmClient llm.LLMClient, guard *StatementGuard, cfg GeneratorConfig, logger *zap.Logger) QueryGenerator {
	return &queryGenerator{
		llmClient: llmClient,
		guard:     guard,
		agent: NewFallbackAgent(llmClient, guard, FallbackAgentConfig{
			MaxSteps:      cfg.MaxAgentSteps,
			ProbeRowLimit: cfg.ProbeRowLimit,
			Temperature:   cfg.Temperature,
			MaxTokens:     cfg.MaxTokens,
		}, logger),
		cfg:    cfg,
		logger: logger.Named("query_generator"),
	}
}

var _ QueryGenerator = (*queryGenerator)(nil)

// attempt carries what the previous state learned into the next one.
type attempt struct {
	sql    string
	reason string
	err    error
}

func (g *queryGenerator) Generate(ctx context.Context, req GenerateRequest) (*models.GeneratedQuery, error) {
	state := StateDirect
	attempts := 0
	var last attempt
	var failures []string
	var declined string
	var result *models.GeneratedQuery

	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			metrics.ObserveGeneration(StateFailed.String(), state.String())
			return nil, &apperrors.GenerationError{Reason: "the request was cancelled", Attempts: attempts, Timeout: errors.Is(err, context.DeadlineExceeded), Err: err}
		}

		origin := state.String()
		switch state {
		case StateDirect, StateRetry:
			attempts++
			query, a := g.attemptDirect(ctx, req, state, last)
			if query != nil {
				query.Attempts = attempts
				result = query
			} else {
				last = a
				failures = append(failures, a.reason)
				var refusal *refusalError
				if errors.As(a.err, &refusal) {
					declined = refusal.reason
				}
			}

		case StateFallback:
			outcome, err := g.agent.Run(ctx, AgentRequest{
				SessionID: req.SessionID,
				Question:  req.Question,
				Snapshot:  req.Snapshot,
				History:   req.History,
				Directive: req.Directive,
				Failures:  failures,
				Prober:    req.Prober,
			})
			if err == nil {
				attempts += outcome.Steps
				outcome.Query.Attempts = attempts
				result = outcome.Query
			} else {
				attempts += g.cfg.MaxAgentSteps
				last = attempt{reason: "the fallback agent could not produce a valid query", err: err}
			}
		}

		next := nextState(state, result != nil)
		g.logger.Debug("Generation transition",
			zap.String("from", state.String()),
			zap.String("to", next.String()),
			zap.Int("attempts", attempts))
		if next.Terminal() {
			metrics.ObserveGeneration(next.String(), origin)
		}
		state = next
	}

	if result != nil {
		return result, nil
	}

	// Prefer the model's own words when it declined.
	reason := declined
	if reason == "" {
		reason = "I couldn't turn that question into a valid query for this database"
	}
	return nil, &apperrors.GenerationError{
		Reason:   reason,
		Attempts: attempts,
		Timeout:  apperrors.IsTimeout(last.err),
		Err:      last.err,
	}
}

// attemptDirect asks for a statement once. On a retry the rejected statement
// and the reason are fed back to the model.
func (g *queryGenerator) attemptDirect(ctx context.Context, req GenerateRequest, state GenerationState, prev attempt) (*models.GeneratedQuery, attempt) {
	origin := originDirect
	if state == StateRetry {
		origin = originRetry
	}

	input := prompts.SQLGenerationInput{
		Snapshot:  req.Snapshot,
		Directive: req.Directive,
		History:   req.History,
		Question:  req.Question,
	}
	if state == StateRetry {
		input.RejectedSQL = prev.sql
		input.RejectionReason = prev.reason
	}

	llmCtx := llm.WithPurpose(ctx, req.SessionID, "generate_"+origin)
	resp, err := g.llmClient.GenerateResponse(llmCtx,
		prompts.BuildSQLGenerationPrompt(input),
		prompts.BuildSQLGenerationSystemMessage(),
		g.cfg.Temperature,
		g.cfg.MaxTokens,
	)
	if err != nil {
		g.logger.Warn("SQL generation call failed", zap.String("origin", origin), zap.Error(err))
		return nil, attempt{reason: "the language model call failed", err: err}
	}

	sqlText, reasoning, err := extractSQL(resp.Content)
	if err != nil {
		var refusal *refusalError
		if errors.As(err, &refusal) {
			g.logger.Info("Model declined to write a query", zap.String("origin", origin), zap.String("reason", refusal.reason))
			return nil, attempt{reason: refusal.reason, err: err}
		}
		return nil, attempt{reason: "the response did not contain a query; reply with the JSON object only", err: err}
	}

	verdict := g.guard.Check(ctx, sqlText, origin, req.Question, req.Snapshot)
	if !verdict.Allowed {
		return nil, attempt{sql: sqlText, reason: verdict.Reason, err: errors.New(verdict.Reason)}
	}

	return &models.GeneratedQuery{
		SQL:       verdict.NormalizedSQL,
		Origin:    models.OriginDirect,
		Reasoning: reasoning,
	}, attempt{}
}
