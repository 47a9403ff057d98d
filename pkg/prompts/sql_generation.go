package prompts

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// SQLGenerationInput is everything a direct generation prompt is built from.
type SQLGenerationInput struct {
	Snapshot  *models.SchemaSnapshot
	Directive string
	History   []models.ConversationTurn
	Question  string
	// RejectedSQL and RejectionReason describe the previous attempt on a retry.
	RejectedSQL     string
	RejectionReason string
}

// BuildSQLGenerationPrompt creates the prompt for turning a question into one
// read-only statement. The conversation window is included verbatim and in
// order, before the question.
func BuildSQLGenerationPrompt(in SQLGenerationInput) string {
	var prompt strings.Builder
	dialect := DialectName(datasourceType(in.Snapshot))

	prompt.WriteString("# Question to SQL\n\n")
	prompt.WriteString(fmt.Sprintf("Write one %s query that answers the user's question from the database described below.\n\n", dialect))

	renderDirective(&prompt, in.Directive)

	prompt.WriteString("## Database Schema\n\n")
	prompt.WriteString(RenderSchema(in.Snapshot))
	prompt.WriteString("\n")

	if len(in.History) > 0 {
		prompt.WriteString("## Conversation So Far\n\n")
		prompt.WriteString("Oldest first. Use it to resolve pronouns and follow-ups such as \"them\", \"those\" or \"each\". ")
		prompt.WriteString("If the new question stands on its own, ignore the history.\n\n")
		renderHistory(&prompt, in.History)
		prompt.WriteString("\n")
	}

	prompt.WriteString("## Question\n\n")
	prompt.WriteString(in.Question)
	prompt.WriteString("\n\n")

	if in.RejectionReason != "" {
		prompt.WriteString("## Previous Attempt Was Rejected\n\n")
		if in.RejectedSQL != "" {
			prompt.WriteString("```sql\n")
			prompt.WriteString(in.RejectedSQL)
			prompt.WriteString("\n```\n")
		}
		prompt.WriteString(fmt.Sprintf("Reason: %s\n", in.RejectionReason))
		prompt.WriteString("Write a corrected query that avoids this problem.\n\n")
	}

	prompt.WriteString("## Rules\n\n")
	prompt.WriteString("- Return exactly ONE statement that starts with SELECT or WITH. Never modify data or schema.\n")
	prompt.WriteString("- Do not use comments, semicolons between statements, SELECT INTO or locking clauses.\n")
	prompt.WriteString("- Use table and column names exactly as listed. Reference no other tables, schemas or databases.\n")
	prompt.WriteString("- Name the columns you need instead of SELECT * so binary columns are not returned.\n")
	prompt.WriteString("- Join through the listed relationships. For averages of totals, aggregate per parent row in a subquery first.\n")
	prompt.WriteString("- For case-insensitive text search compare LOWER(column) with a LIKE pattern.\n")
	prompt.WriteString("- Use ORDER BY with a row limit for most/least/top questions and COUNT(*) for how-many questions.\n")
	prompt.WriteString("- If the question cannot be answered from this schema, or asks to change data, set \"sql\" to null and explain why in \"reasoning\" in plain, non-technical words.\n\n")

	prompt.WriteString("## Output Format\n\n")
	prompt.WriteString("Respond in JSON with:\n")
	prompt.WriteString("- `sql`: the query as a string, or null\n")
	prompt.WriteString("- `reasoning`: one or two sentences on what the query retrieves\n\n")
	prompt.WriteString("Example:\n")
	prompt.WriteString("```json\n")
	prompt.WriteString(`{
  "sql": "SELECT u.name, COUNT(o.id) AS order_count FROM users u JOIN orders o ON o.user_id = u.id GROUP BY u.name ORDER BY order_count DESC",
  "reasoning": "Counts orders per user through orders.user_id -> users.id."
}
`)
	prompt.WriteString("```\n\n")

	prompt.WriteString("Return ONLY the JSON, no additional text.\n")

	return prompt.String()
}

// BuildSQLGenerationSystemMessage returns the system message for SQL generation.
func BuildSQLGenerationSystemMessage() string {
	return `You are an expert SQL analyst for a read-only database assistant. You translate questions into a single safe SELECT query over the schema you are given and never invent tables or columns.`
}

func datasourceType(snapshot *models.SchemaSnapshot) string {
	if snapshot == nil {
		return ""
	}
	return snapshot.DatasourceType
}
