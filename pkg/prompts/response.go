package prompts

import (
	"fmt"
	"strings"
)

// ResponseInput is everything an answer prompt is built from. Rows hold
// display strings already cleaned by the caller, in Columns order.
type ResponseInput struct {
	Question  string
	Directive string
	Columns   []string
	Rows      [][]string
	TotalRows int
	// ListRequest is set when the user asked for every item, not a summary.
	ListRequest bool
}

// BuildResponsePrompt creates the prompt that turns a result set into a
// conversational answer. An empty result asks the model to say so instead
// of producing values.
func BuildResponsePrompt(in ResponseInput) string {
	var prompt strings.Builder

	renderDirective(&prompt, in.Directive)

	prompt.WriteString("# Answer the Question From the Query Result\n\n")
	prompt.WriteString("## Question\n\n")
	prompt.WriteString(in.Question)
	prompt.WriteString("\n\n")

	prompt.WriteString("## Result\n\n")
	if len(in.Rows) == 0 {
		prompt.WriteString("The query returned NO rows.\n\n")
		prompt.WriteString("## Instructions\n\n")
		prompt.WriteString("- State plainly that no matching data was found.\n")
		prompt.WriteString("- Do NOT invent names, counts, amounts or any other values.\n")
		prompt.WriteString("- You may suggest how the user could broaden the question.\n")
		return prompt.String()
	}

	prompt.WriteString(RenderMarkdownTable(in.Columns, in.Rows))
	if in.TotalRows > len(in.Rows) {
		prompt.WriteString(fmt.Sprintf("\n(showing %d of %d rows; summarize the rest without guessing their values)\n", len(in.Rows), in.TotalRows))
	}
	prompt.WriteString("\n")

	prompt.WriteString("## Instructions\n\n")
	prompt.WriteString("- Answer in natural, conversational sentences. Do not echo the table, pipes or raw field dumps.\n")
	prompt.WriteString("- Use only values that appear in the result. Format numbers and amounts for reading.\n")
	prompt.WriteString("- Do not mention SQL, queries or tables.\n")
	if in.ListRequest {
		prompt.WriteString(fmt.Sprintf("- The user asked for a complete list: include every one of the %d items shown, do not shorten it to \"and others\".\n", len(in.Rows)))
	} else {
		prompt.WriteString("- Keep it concise. For many rows, highlight the most relevant ones.\n")
	}

	return prompt.String()
}

// BuildResponseSystemMessage returns the system message for answer generation.
func BuildResponseSystemMessage() string {
	return `You are a friendly database assistant. You explain query results to non-technical users in plain language and never make up data.`
}

// RenderMarkdownTable renders rows as a markdown table. Pipes and newlines
// inside cells are escaped so the table shape survives.
func RenderMarkdownTable(columns []string, rows [][]string) string {
	var b strings.Builder

	b.WriteString("| ")
	b.WriteString(strings.Join(escapeCells(columns), " | "))
	b.WriteString(" |\n|")
	for range columns {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")

	for _, row := range rows {
		b.WriteString("| ")
		b.WriteString(strings.Join(escapeCells(row), " | "))
		b.WriteString(" |\n")
	}
	return b.String()
}

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

func escapeCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = cellEscaper.Replace(c)
	}
	return out
}
