package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

func TestConversationContext_WindowEvictsOldest(t *testing.T) {
	conv := NewConversationContext(3)
	for i := 1; i <= 5; i++ {
		conv.Append(models.NewTurn(models.RoleUser, fmt.Sprintf("q%d", i)))
	}

	window := conv.Window()
	require.Len(t, window, 3)
	assert.Equal(t, "q3", window[0].Content)
	assert.Equal(t, "q5", window[2].Content)
}

func TestConversationContext_WindowIsACopy(t *testing.T) {
	conv := NewConversationContext(4)
	conv.Append(models.NewTurn(models.RoleUser, "hello"))

	window := conv.Window()
	window[0].Content = "changed"

	assert.Equal(t, "hello", conv.Window()[0].Content)
}

func TestConversationContext_ClearKeepsDirective(t *testing.T) {
	conv := NewConversationContext(4)
	conv.SetDirective("Answer in French")
	conv.Append(models.NewTurn(models.RoleUser, "How many users?"))
	conv.Append(models.NewTurn(models.RoleAssistant, "3"))

	conv.Clear()
	assert.Empty(t, conv.Window())
	assert.Equal(t, "Answer in French", conv.Directive())

	conv.Append(models.NewTurn(models.RoleUser, "How many orders?"))
	window := conv.Window()
	require.Len(t, window, 1)
	assert.Equal(t, "How many orders?", window[0].Content)
}

func TestConversationContext_DefaultWindow(t *testing.T) {
	conv := NewConversationContext(0)
	for i := 0; i < DefaultHistoryWindowSize+2; i++ {
		conv.Append(models.NewTurn(models.RoleUser, "q"))
	}
	assert.Len(t, conv.Window(), DefaultHistoryWindowSize)
}

func TestConversationContext_Restore(t *testing.T) {
	conv := NewConversationContext(2)
	turns := []models.ConversationTurn{
		models.NewTurn(models.RoleAssistant, "welcome"),
		models.NewTurn(models.RoleUser, "q1"),
		models.NewTurn(models.RoleAssistant, "a1"),
	}

	conv.Restore(turns, "be brief")

	window := conv.Window()
	require.Len(t, window, 2)
	assert.Equal(t, "q1", window[0].Content)
	assert.Equal(t, "be brief", conv.Directive())

	turns[1].Content = "mutated"
	assert.Equal(t, "q1", conv.Window()[0].Content)
}
