package services

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

func newTestResponder(client llm.LLMClient, summaryRows int) ResponseGenerator {
	return NewResponseGenerator(client, ResponseGeneratorConfig{
		Temperature: 0.3,
		MaxTokens:   256,
		SummaryRows: summaryRows,
	}, zap.NewNop())
}

func namesResult(n int) *models.QueryResult {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"name": fmt.Sprintf("user-%02d", i+1)}
	}
	return &models.QueryResult{Columns: []string{"name"}, Rows: rows, TotalRows: n}
}

func TestResponseGenerator_Answer(t *testing.T) {
	client := llm.NewMockLLMClient("There are 5 orders in total.")
	responder := newTestResponder(client, 10)

	summary := responder.Summarize(context.Background(), SummarizeRequest{
		Question: "How many orders are there?",
		Result: &models.QueryResult{
			Columns:   []string{"count"},
			Rows:      []map[string]any{{"count": int64(5)}},
			TotalRows: 1,
		},
	})

	assert.Equal(t, "There are 5 orders in total.", summary.Text)
	assert.False(t, summary.Degraded)
	assert.Contains(t, client.LastPrompt(), "| 5 |")
}

func TestResponseGenerator_EmptyResultRejectsInventedNumbers(t *testing.T) {
	client := llm.NewMockLLMClient("There were 12 orders last week.")
	responder := newTestResponder(client, 10)

	summary := responder.Summarize(context.Background(), SummarizeRequest{
		Question: "How many orders were placed in the last 7 days?",
		Result:   &models.QueryResult{Columns: []string{"count"}},
	})

	assert.Equal(t, NoDataAnswer, summary.Text)
	assert.Contains(t, client.LastPrompt(), "The query returned NO rows.")
}

func TestResponseGenerator_EmptyResultKeepsHonestAnswer(t *testing.T) {
	client := llm.NewMockLLMClient("No orders were placed in the last 7 days.")
	responder := newTestResponder(client, 10)

	summary := responder.Summarize(context.Background(), SummarizeRequest{
		Question: "How many orders were placed in the last 7 days?",
		Result:   &models.QueryResult{Columns: []string{"count"}},
	})

	assert.Equal(t, "No orders were placed in the last 7 days.", summary.Text)
}

func TestResponseGenerator_DegradesOnLLMFailure(t *testing.T) {
	client := llm.FailingLLMClient(llm.NewError(llm.ErrorTypeEndpoint, "connection refused", true, nil))
	responder := newTestResponder(client, 10)

	summary := responder.Summarize(context.Background(), SummarizeRequest{
		Question: "Show me the users",
		Result:   namesResult(3),
	})

	assert.True(t, summary.Degraded)
	assert.Contains(t, summary.Text, "3 rows")

	summary = responder.Summarize(context.Background(), SummarizeRequest{
		Question: "Show me the users",
		Result:   namesResult(1),
	})
	assert.Contains(t, summary.Text, "1 row,")
}

func TestResponseGenerator_EmptyAnswerDegrades(t *testing.T) {
	client := llm.NewMockLLMClient("<think>hmm</think>   ")
	responder := newTestResponder(client, 10)

	summary := responder.Summarize(context.Background(), SummarizeRequest{
		Question: "Show me the users",
		Result:   namesResult(2),
	})
	assert.True(t, summary.Degraded)
}

func TestResponseGenerator_ListRequestShowsEveryRow(t *testing.T) {
	client := llm.NewMockLLMClient("Here are all the users.")
	responder := newTestResponder(client, 5)

	responder.Summarize(context.Background(), SummarizeRequest{
		Question: "List all users",
		Result:   namesResult(12),
	})

	prompt := client.LastPrompt()
	assert.Contains(t, prompt, "user-12")
	assert.Contains(t, prompt, "include every one of the 12 items")
	assert.NotContains(t, prompt, "showing")
}

func TestResponseGenerator_SummaryTruncates(t *testing.T) {
	client := llm.NewMockLLMClient("There are 12 users.")
	responder := newTestResponder(client, 5)

	responder.Summarize(context.Background(), SummarizeRequest{
		Question: "How many users do we have?",
		Result:   namesResult(12),
	})

	prompt := client.LastPrompt()
	assert.Contains(t, prompt, "user-05")
	assert.NotContains(t, prompt, "user-06")
	assert.Contains(t, prompt, "(showing 5 of 12 rows")
}

func TestIsListRequest(t *testing.T) {
	assert.True(t, isListRequest("List the customers"))
	assert.True(t, isListRequest("what are the product names?"))
	assert.True(t, isListRequest("Show every order"))
	assert.False(t, isListRequest("How many orders were placed?"))
	assert.False(t, isListRequest("Total revenue by month"))
}

func TestInventsNumbers(t *testing.T) {
	assert.False(t, inventsNumbers("Nothing was found.", "any orders?"))
	assert.False(t, inventsNumbers("No orders in the last 7 days.", "orders in the last 7 days"))
	assert.True(t, inventsNumbers("There were 3 orders.", "any orders?"))
	assert.True(t, inventsNumbers("Revenue was 1,234.50.", "revenue in 2024"))
}

type valuer struct{ v any }

func (v valuer) Value() (driver.Value, error) { return v.v, nil }

func TestFormatValue(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"string", "Ada", "Ada"},
		{"bytes", []byte{0x01, 0x02}, "[binary data]"},
		{"time", ts, "2024-03-01T12:30:00Z"},
		{"float", 12.5, "12.5"},
		{"whole float", float64(3), "3"},
		{"bool", true, "true"},
		{"int", int64(42), "42"},
		{"valuer", valuer{"wrapped"}, "wrapped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.in))
		})
	}
}

func TestFormatRows_ColumnOrder(t *testing.T) {
	rows := formatRows([]string{"b", "a"}, []map[string]any{{"a": 1, "b": nil}})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"NULL", "1"}, rows[0])
}
