package services

import (
	"sync"

	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// DefaultHistoryWindowSize is used when a non-positive window is requested.
const DefaultHistoryWindowSize = 8

// ConversationContext holds a session's recent turns and its directive.
// Only the most recent windowSize turns are kept; older ones are evicted
// on append.
type ConversationContext struct {
	mu         sync.RWMutex
	windowSize int
	turns      []models.ConversationTurn
	directive  string
}

// NewConversationContext creates an empty context keeping windowSize turns.
func NewConversationContext(windowSize int) *ConversationContext {
	if windowSize <= 0 {
		windowSize = DefaultHistoryWindowSize
	}
	return &ConversationContext{windowSize: windowSize}
}

// Append adds a turn, evicting the oldest ones beyond the window.
func (c *ConversationContext) Append(turn models.ConversationTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, turn)
	if over := len(c.turns) - c.windowSize; over > 0 {
		// Copy so the evicted prefix is not pinned by the backing array.
		c.turns = append([]models.ConversationTurn(nil), c.turns[over:]...)
	}
}

// Window returns the retained turns, oldest first. The slice is a copy.
func (c *ConversationContext) Window() []models.ConversationTurn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.ConversationTurn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Clear drops every turn. The directive is kept.
func (c *ConversationContext) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// Directive returns the current directive, or "".
func (c *ConversationContext) Directive() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.directive
}

// SetDirective replaces the directive. An empty text clears it.
func (c *ConversationContext) SetDirective(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directive = text
}

// Restore replaces the turns and directive, applying the window.
func (c *ConversationContext) Restore(turns []models.ConversationTurn, directive string) {
	c.mu.Lock()
	if over := len(turns) - c.windowSize; over > 0 {
		turns = turns[over:]
	}
	c.turns = append([]models.ConversationTurn(nil), turns...)
	c.directive = directive
	c.mu.Unlock()
}
