package services

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/metrics"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/prompts"
)

// NoDataAnswer is returned for empty results when the model's own answer
// cannot be trusted.
const NoDataAnswer = "I couldn't find any data matching your question. Try rephrasing it or broadening the criteria."

// SummarizeRequest is one result to explain.
type SummarizeRequest struct {
	SessionID string
	Question  string
	Directive string
	Result    *models.QueryResult
}

// Summary is the answer text. Degraded is set when the templated fallback
// was used because the language model was unavailable.
type Summary struct {
	Text     string
	Degraded bool
}

// ResponseGenerator turns a query result into a natural-language answer.
type ResponseGenerator interface {
	// Summarize never fails: when the language model is unavailable it
	// returns a templated answer reporting the row count.
	Summarize(ctx context.Context, req SummarizeRequest) Summary
}

// ResponseGeneratorConfig tunes answer generation.
type ResponseGeneratorConfig struct {
	Temperature float64
	MaxTokens   int
	// SummaryRows bounds the rows shown to the model, unless the question
	// asks for a complete list.
	SummaryRows int
}

type responseGenerator struct {
	llmClient llm.LLMClient
	cfg       ResponseGeneratorConfig
	logger    *zap.Logger
}

// NewResponseGenerator creates a response generator.
func NewResponseGenerator(llmClient llm.LLMClient, cfg ResponseGeneratorConfig, logger *zap.Logger) ResponseGenerator {
	if cfg.SummaryRows <= 0 {
		cfg.SummaryRows = 50
	}
	return &responseGenerator{
		llmClient: llmClient,
		cfg:       cfg,
		logger:    logger.Named("response_generator"),
	}
}

var _ ResponseGenerator = (*responseGenerator)(nil)

func (g *responseGenerator) Summarize(ctx context.Context, req SummarizeRequest) Summary {
	result := req.Result
	if result == nil {
		result = &models.QueryResult{}
	}

	listRequest := isListRequest(req.Question)
	shown := result
	if !listRequest {
		shown = result.Truncate(g.cfg.SummaryRows)
	}

	input := prompts.ResponseInput{
		Question:    req.Question,
		Directive:   req.Directive,
		Columns:     result.Columns,
		Rows:        formatRows(result.Columns, shown.Rows),
		TotalRows:   max(result.TotalRows, len(result.Rows)),
		ListRequest: listRequest,
	}

	ctx = llm.WithPurpose(ctx, req.SessionID, "summarize")
	resp, err := g.llmClient.GenerateResponse(ctx,
		prompts.BuildResponsePrompt(input),
		prompts.BuildResponseSystemMessage(),
		g.cfg.Temperature,
		g.cfg.MaxTokens,
	)

	var answer string
	if err == nil {
		answer = strings.TrimSpace(llm.StripThinking(resp.Content))
		if answer == "" {
			err = llm.NewError(llm.ErrorTypeEmptyResponse, "empty answer", false, nil)
		}
	}
	if err != nil {
		degraded := &apperrors.SummarizationDegraded{Err: err}
		metrics.IncrementSummarizationDegraded()
		g.logger.Warn("Falling back to templated answer", zap.Error(degraded))
		return Summary{Text: templatedAnswer(input.TotalRows), Degraded: true}
	}

	if len(result.Rows) == 0 && inventsNumbers(answer, req.Question) {
		g.logger.Warn("Discarding answer with numbers for an empty result")
		return Summary{Text: NoDataAnswer}
	}

	return Summary{Text: answer}
}

func templatedAnswer(rows int) string {
	switch rows {
	case 0:
		return NoDataAnswer
	case 1:
		return "The query returned 1 row, but I couldn't put the answer into words right now. Please try again shortly."
	default:
		return fmt.Sprintf("The query returned %d rows, but I couldn't put the answer into words right now. Please try again shortly.", rows)
	}
}

var (
	listRequestPattern = regexp.MustCompile(`(?i)\b(list|all|every|each|what are|which are)\b`)
	numberPattern      = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
)

// isListRequest reports whether the user asked for every item rather than a summary.
func isListRequest(question string) bool {
	return listRequestPattern.MatchString(question)
}

// inventsNumbers reports whether answer contains a number that does not
// appear in question. For an empty result any such number is fabricated.
func inventsNumbers(answer, question string) bool {
	known := make(map[string]bool)
	for _, n := range numberPattern.FindAllString(question, -1) {
		known[n] = true
	}
	for _, n := range numberPattern.FindAllString(answer, -1) {
		if !known[n] {
			return true
		}
	}
	return false
}

// formatRows renders rows as display strings in column order.
func formatRows(columns []string, rows []map[string]any) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			cells[i] = formatValue(row[col])
		}
		out = append(out, cells)
	}
	return out
}

// formatValue renders a scalar for the model. Binary data is not shown.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case []byte:
		return "[binary data]"
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return fmt.Sprint(v)
		}
		if _, again := inner.(driver.Valuer); again {
			return fmt.Sprint(inner)
		}
		return formatValue(inner)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
