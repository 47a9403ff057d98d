package services

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// Session is everything one connected chat session owns: its snapshot, its
// conversation, and its executor. Nothing in it is shared with other
// sessions. A reconnect builds a new Session rather than mutating this one,
// so the snapshot is immutable for the Session's lifetime.
type Session struct {
	ID             string
	DatasourceType string
	Database       string
	ConnectedAt    time.Time

	snapshot *models.SchemaSnapshot
	conv     *ConversationContext
	executor datasource.QueryExecutor
	guarded  *GuardedExecutor
	limiter  *rate.Limiter

	// sealed holds the connection request encrypted for this session ID.
	sealed string

	// busy is held for the duration of one question.
	busy sync.Mutex

	// epoch is the service's discard count for ID when this session went
	// live. A record is only saved while the two still match.
	epoch uint64
}

// Snapshot returns the schema discovered when the session connected.
func (s *Session) Snapshot() *models.SchemaSnapshot {
	return s.snapshot
}

// Conversation returns the session's conversation context.
func (s *Session) Conversation() *ConversationContext {
	return s.conv
}

// newLimiter allows perMinute questions per minute with a burst of the same
// size. A non-positive perMinute disables limiting.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (s *Session) record(now time.Time) *models.SessionRecord {
	return &models.SessionRecord{
		ID:                s.ID,
		DatasourceType:    s.DatasourceType,
		Database:          s.Database,
		SealedCredentials: s.sealed,
		Directive:         s.conv.Directive(),
		Turns:             s.conv.Window(),
		ConnectedAt:       s.ConnectedAt,
		UpdatedAt:         now,
	}
}

func (s *Session) status() *models.SessionStatus {
	return &models.SessionStatus{
		Connected:      true,
		DatasourceType: s.DatasourceType,
		Database:       s.Database,
		TableCount:     len(s.snapshot.Tables),
		DirectiveSet:   s.conv.Directive() != "",
		ConnectedAt:    s.ConnectedAt,
		TurnCount:      len(s.conv.Window()),
	}
}
