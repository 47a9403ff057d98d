package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// AgentStep is one completed action of the fallback agent and what it observed.
type AgentStep struct {
	Action      string
	Input       string
	Observation string
}

// AgentInput is everything a fallback agent step prompt is built from.
type AgentInput struct {
	Snapshot  *models.SchemaSnapshot
	Directive string
	History   []models.ConversationTurn
	Question  string
	// Failures lists why the direct attempts were rejected.
	Failures  []string
	Steps     []AgentStep
	StepsLeft int
	ProbeRows int
}

// BuildAgentPrompt creates the prompt for the next step of the fallback agent.
// The agent may inspect tables and run bounded probing queries before it
// commits to a final statement.
func BuildAgentPrompt(in AgentInput) string {
	var prompt strings.Builder
	dialect := DialectName(datasourceType(in.Snapshot))

	prompt.WriteString("# Investigate, Then Answer With SQL\n\n")
	prompt.WriteString(fmt.Sprintf("Direct attempts to write a %s query for the question below failed. ", dialect))
	prompt.WriteString("Work step by step: inspect tables and run small read-only queries, then give the final query.\n\n")

	renderDirective(&prompt, in.Directive)

	prompt.WriteString("## Tables\n\n")
	for _, name := range tableList(in.Snapshot) {
		prompt.WriteString(fmt.Sprintf("- %s\n", name))
	}
	if rels := in.Snapshot.Relationships(); len(rels) > 0 {
		prompt.WriteString("\nRelationships:\n")
		for _, rel := range rels {
			prompt.WriteString(fmt.Sprintf("- %s\n", rel))
		}
	}
	prompt.WriteString("\n")

	if len(in.History) > 0 {
		prompt.WriteString("## Conversation So Far\n\n")
		renderHistory(&prompt, in.History)
		prompt.WriteString("\n")
	}

	prompt.WriteString("## Question\n\n")
	prompt.WriteString(in.Question)
	prompt.WriteString("\n\n")

	if len(in.Failures) > 0 {
		prompt.WriteString("## Why Earlier Attempts Failed\n\n")
		for _, f := range in.Failures {
			prompt.WriteString(fmt.Sprintf("- %s\n", f))
		}
		prompt.WriteString("\n")
	}

	if len(in.Steps) > 0 {
		prompt.WriteString("## Your Steps So Far\n\n")
		for i, step := range in.Steps {
			prompt.WriteString(fmt.Sprintf("### Step %d: %s %s\n", i+1, step.Action, step.Input))
			prompt.WriteString(step.Observation)
			prompt.WriteString("\n\n")
		}
	}

	prompt.WriteString("## Actions\n\n")
	prompt.WriteString("- `describe_table`: columns, keys and row count of `table`\n")
	prompt.WriteString(fmt.Sprintf("- `sample_rows`: up to %d rows of `table`\n", in.ProbeRows))
	prompt.WriteString(fmt.Sprintf("- `run_query`: run a read-only `sql` probe; at most %d rows come back\n", in.ProbeRows))
	prompt.WriteString("- `final`: the `sql` that answers the question, with `reasoning`\n\n")
	prompt.WriteString("Every query must be a single SELECT or WITH statement over the listed tables, without comments.\n")
	prompt.WriteString(fmt.Sprintf("You have %d step(s) left.", in.StepsLeft))
	if in.StepsLeft <= 1 {
		prompt.WriteString(" This is the last one: answer with `final`.")
	}
	prompt.WriteString("\n\n")

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond with ONE JSON object per step, for example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{"action": "describe_table", "table": "orders"}
{"action": "run_query", "sql": "SELECT DISTINCT status FROM orders"}
{"action": "final", "sql": "SELECT COUNT(*) FROM orders WHERE status = 'shipped'", "reasoning": "Counts shipped orders."}
`)
	prompt.WriteString("```\n\n")
	prompt.WriteString("Return ONLY the JSON object for this step.\n")

	return prompt.String()
}

// BuildAgentSystemMessage returns the system message for the fallback agent.
func BuildAgentSystemMessage() string {
	return `You are a careful database analyst. You explore an unfamiliar schema with small read-only probes and finish with one SELECT query that answers the question.`
}

func tableList(snapshot *models.SchemaSnapshot) []string {
	if snapshot == nil {
		return nil
	}
	out := make([]string, 0, len(snapshot.Tables))
	for i := range snapshot.Tables {
		out = append(out, snapshot.Tables[i].QualifiedName())
	}
	return out
}
