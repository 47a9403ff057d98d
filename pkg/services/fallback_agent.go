package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/prompts"
)

// Prober runs guarded, row-bounded statements for the fallback agent.
// *GuardedExecutor implements it.
type Prober interface {
	Run(ctx context.Context, sqlText, origin string, limit int) (*models.QueryResult, error)
	QuoteIdentifier(name string) string
}

// Agent actions.
const (
	actionDescribeTable = "describe_table"
	actionSampleRows    = "sample_rows"
	actionRunQuery      = "run_query"
	actionFinal         = "final"
)

// agentAction is one step the model asks for.
type agentAction struct {
	Action    string `json:"action"`
	Table     string `json:"table"`
	SQL       string `json:"sql"`
	Reasoning string `json:"reasoning"`
}

// AgentRequest is the input of one fallback run.
type AgentRequest struct {
	SessionID string
	Question  string
	Snapshot  *models.SchemaSnapshot
	History   []models.ConversationTurn
	Directive string
	// Failures explains why the direct attempts were rejected.
	Failures []string
	// Prober may be nil, in which case probing actions are refused.
	Prober Prober
}

// AgentOutcome is a validated final statement plus the calls it took.
type AgentOutcome struct {
	Query *models.GeneratedQuery
	Steps int
}

// FallbackAgent explores the schema with bounded probes and commits to a
// final statement. Every statement it proposes is validated before it runs.
type FallbackAgent interface {
	Run(ctx context.Context, req AgentRequest) (*AgentOutcome, error)
}

// FallbackAgentConfig tunes the agent loop.
type FallbackAgentConfig struct {
	MaxSteps      int
	ProbeRowLimit int
	Temperature   float64
	MaxTokens     int
}

// ErrAgentExhausted is returned when the step budget runs out without a
// validated final statement.
var ErrAgentExhausted = errors.New("the fallback agent ran out of steps without a valid query")

type fallbackAgent struct {
	llmClient llm.LLMClient
	guard     *StatementGuard
	cfg       FallbackAgentConfig
	logger    *zap.Logger
}

// NewFallbackAgent creates a fallback agent.
func NewFallbackAgent(llmClient llm.LLMClient, guard *StatementGuard, cfg FallbackAgentConfig, logger *zap.Logger) FallbackAgent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.ProbeRowLimit <= 0 {
		cfg.ProbeRowLimit = 5
	}
	return &fallbackAgent{
		llmClient: llmClient,
		guard:     guard,
		cfg:       cfg,
		logger:    logger.Named("fallback_agent"),
	}
}

var _ FallbackAgent = (*fallbackAgent)(nil)

func (a *fallbackAgent) Run(ctx context.Context, req AgentRequest) (*AgentOutcome, error) {
	var steps []prompts.AgentStep
	var lastErr error

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt := prompts.BuildAgentPrompt(prompts.AgentInput{
			Snapshot:  req.Snapshot,
			Directive: req.Directive,
			History:   req.History,
			Question:  req.Question,
			Failures:  req.Failures,
			Steps:     steps,
			StepsLeft: a.cfg.MaxSteps - step + 1,
			ProbeRows: a.cfg.ProbeRowLimit,
		})

		stepCtx := llm.WithContext(llm.WithPurpose(ctx, req.SessionID, "agent"), map[string]any{llm.ContextStep: step})
		resp, err := a.llmClient.GenerateResponse(stepCtx, prompt, prompts.BuildAgentSystemMessage(), a.cfg.Temperature, a.cfg.MaxTokens)
		if err != nil {
			lastErr = err
			a.logger.Warn("Agent step failed", zap.Int("step", step), zap.Error(err))
			if !llm.IsRetryable(err) && llm.GetErrorType(err) != llm.ErrorTypeEmptyResponse {
				// Auth, model or open-circuit failures will not heal within this run.
				return nil, err
			}
			continue
		}

		action, err := llm.ParseJSONResponse[agentAction](resp.Content)
		if err != nil || action.Action == "" {
			steps = append(steps, prompts.AgentStep{
				Action:      "invalid",
				Observation: "Your reply was not a single JSON object with an \"action\". Reply with exactly one JSON object.",
			})
			continue
		}

		if action.Action == actionFinal {
			verdict := a.guard.Check(ctx, action.SQL, originAgent, req.Question, req.Snapshot)
			if verdict.Allowed {
				a.logger.Info("Agent produced final query", zap.Int("step", step))
				return &AgentOutcome{
					Query: &models.GeneratedQuery{
						SQL:       verdict.NormalizedSQL,
						Origin:    models.OriginFallbackAgent,
						Reasoning: action.Reasoning,
						Attempts:  step,
					},
					Steps: step,
				}, nil
			}
			steps = append(steps, prompts.AgentStep{
				Action:      actionFinal,
				Input:       logging.SanitizeQuery(action.SQL),
				Observation: "Rejected: " + verdict.Reason,
			})
			continue
		}

		steps = append(steps, a.observe(ctx, req, action))
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentExhausted, lastErr)
	}
	return nil, ErrAgentExhausted
}

// observe performs a non-final action and describes what came back.
func (a *fallbackAgent) observe(ctx context.Context, req AgentRequest, action agentAction) prompts.AgentStep {
	step := prompts.AgentStep{Action: action.Action}

	switch action.Action {
	case actionDescribeTable:
		step.Input = action.Table
		table, ok := lookupTable(req.Snapshot, action.Table)
		if !ok {
			step.Observation = fmt.Sprintf("There is no table %q. Available: %s.", action.Table, strings.Join(req.Snapshot.TableNames(), ", "))
			return step
		}
		step.Observation = describeTable(table)

	case actionSampleRows:
		step.Input = action.Table
		table, ok := lookupTable(req.Snapshot, action.Table)
		if !ok {
			step.Observation = fmt.Sprintf("There is no table %q.", action.Table)
			return step
		}
		if req.Prober == nil {
			step.Observation = "Sampling is not available; use describe_table."
			return step
		}
		step.Observation = a.probe(ctx, req.Prober, "SELECT * FROM "+qualifiedIdentifier(req.Prober, table))

	case actionRunQuery:
		step.Input = logging.SanitizeQuery(action.SQL)
		if req.Prober == nil {
			step.Observation = "Running queries is not available; answer with final."
			return step
		}
		step.Observation = a.probe(ctx, req.Prober, action.SQL)

	default:
		step.Observation = fmt.Sprintf("Unknown action %q. Use describe_table, sample_rows, run_query or final.", action.Action)
	}
	return step
}

func (a *fallbackAgent) probe(ctx context.Context, prober Prober, sqlText string) string {
	result, err := prober.Run(ctx, sqlText, originProbe, a.cfg.ProbeRowLimit)
	if err != nil {
		var rejected *RejectionError
		if errors.As(err, &rejected) {
			return "Rejected: " + rejected.Verdict.Reason
		}
		return "Error: " + logging.SanitizeError(err)
	}
	if len(result.Rows) == 0 {
		return "No rows."
	}
	return prompts.RenderMarkdownTable(result.Columns, formatRows(result.Columns, result.Rows))
}

// lookupTable resolves "name" or "schema.name", also trying the singular
// and plural forms the model often swaps.
func lookupTable(snapshot *models.SchemaSnapshot, ref string) (*models.TableDescriptor, bool) {
	ref = strings.Trim(strings.TrimSpace(ref), `"[]`+"`")
	schema, name := "", ref
	if i := strings.LastIndexByte(ref, '.'); i >= 0 {
		schema, name = ref[:i], ref[i+1:]
	}
	for _, candidate := range []string{name, inflection.Plural(name), inflection.Singular(name)} {
		if t, ok := snapshot.Lookup(schema, candidate); ok {
			return t, true
		}
	}
	return nil, false
}

func qualifiedIdentifier(prober Prober, table *models.TableDescriptor) string {
	if table.Schema == "" {
		return prober.QuoteIdentifier(table.Name)
	}
	return prober.QuoteIdentifier(table.Schema) + "." + prober.QuoteIdentifier(table.Name)
}

func describeTable(t *models.TableDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (~%d rows)\n", t.QualifiedName(), t.RowCount)
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "- %s %s", c.Name, c.DeclaredType)
		if c.IsPrimaryKey {
			b.WriteString(" PRIMARY KEY")
		}
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		b.WriteString("\n")
	}
	for _, fk := range t.ForeignKeys {
		fmt.Fprintf(&b, "- %s -> %s.%s\n", fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
	}
	return strings.TrimRight(b.String(), "\n")
}
