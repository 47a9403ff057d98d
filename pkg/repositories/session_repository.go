package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// SessionRepository persists session records so a session survives the loss
// of its process-local state.
type SessionRepository interface {
	// Save creates or replaces the record and refreshes its TTL.
	Save(ctx context.Context, rec *models.SessionRecord) error
	// Get returns apperrors.ErrSessionNotFound for a missing or expired record.
	Get(ctx context.Context, id string) (*models.SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

type memorySessionRepository struct {
	mu      sync.Mutex
	records map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	record    models.SessionRecord
	expiresAt time.Time
}

// NewMemorySessionRepository keeps records in process memory. Records older
// than ttl are treated as missing; a non-positive ttl never expires them.
func NewMemorySessionRepository(ttl time.Duration) SessionRepository {
	return &memorySessionRepository{
		records: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

var _ SessionRepository = (*memorySessionRepository)(nil)

func (r *memorySessionRepository) Save(_ context.Context, rec *models.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := memoryEntry{record: copyRecord(rec)}
	if r.ttl > 0 {
		entry.expiresAt = r.now().Add(r.ttl)
	}
	r.records[rec.ID] = entry
	return nil
}

func (r *memorySessionRepository) Get(_ context.Context, id string) (*models.SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.records[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		delete(r.records, id)
		return nil, apperrors.ErrSessionNotFound
	}
	rec := copyRecord(&entry.record)
	return &rec, nil
}

func (r *memorySessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func copyRecord(rec *models.SessionRecord) models.SessionRecord {
	out := *rec
	out.Turns = append([]models.ConversationTurn(nil), rec.Turns...)
	return out
}
