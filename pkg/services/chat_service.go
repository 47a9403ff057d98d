package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/audit"
	"github.com/ekaya-inc/ekaya-askdb/pkg/crypto"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/metrics"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/repositories"
)

// ConnectResult is the outcome of a successful connect.
type ConnectResult struct {
	Snapshot *models.SchemaSnapshot
	Welcome  string
}

// ChatService is the boundary the HTTP, MCP and CLI layers call. Every
// operation is keyed by the caller's session ID.
type ChatService interface {
	// Connect tests the credentials, discovers the schema and replaces any
	// previous connection of the session. Discovery failures are returned as
	// *apperrors.SchemaDiscoveryError and leave the session disconnected.
	Connect(ctx context.Context, sessionID string, req *models.ConnectionRequest) (*ConnectResult, error)

	// Disconnect releases the connection and forgets the conversation.
	Disconnect(ctx context.Context, sessionID string) error

	// Ask answers one question. Generation and execution failures are
	// reported in the result; the returned error is reserved for requests
	// that could not start (not connected, busy, rate limited, empty).
	Ask(ctx context.Context, sessionID, question string) (*models.AskResult, error)

	SetDirective(ctx context.Context, sessionID, text string) error
	ClearDirective(ctx context.Context, sessionID string) error
	GetDirective(ctx context.Context, sessionID string) (string, error)

	ClearHistory(ctx context.Context, sessionID string) error
	GetHistory(ctx context.Context, sessionID string) ([]models.ConversationTurn, error)

	GetSchema(ctx context.Context, sessionID string) (*models.SchemaSnapshot, error)
	Status(ctx context.Context, sessionID string) *models.SessionStatus

	// Expire drops process-local state of a session whose connection was
	// closed for idleness. The persisted record is kept so the session can
	// be restored on its next request.
	Expire(sessionID string)

	Close() error
}

// ChatServiceConfig holds the session-level knobs.
type ChatServiceConfig struct {
	HistoryWindowSize int
	MaxResultRows     int
	ExecutionTimeout  time.Duration
	RequestsPerMinute int
}

type chatService struct {
	factory   datasource.DatasourceAdapterFactory
	inspector SchemaInspector
	generator QueryGenerator
	responder ResponseGenerator
	guard     *StatementGuard
	auditor   *audit.SecurityAuditor
	repo      repositories.SessionRepository
	encryptor *crypto.CredentialEncryptor
	cfg       ChatServiceConfig
	logger    *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	epochs    map[string]uint64 // discards per session ID
	restoring singleflight.Group
	now       func() time.Time
}

// NewChatService creates the chat service.
func NewChatService(
	factory datasource.DatasourceAdapterFactory,
	inspector SchemaInspector,
	generator QueryGenerator,
	responder ResponseGenerator,
	guard *StatementGuard,
	auditor *audit.SecurityAuditor,
	repo repositories.SessionRepository,
	encryptor *crypto.CredentialEncryptor,
	cfg ChatServiceConfig,
	logger *zap.Logger,
) ChatService {
	return &chatService{
		factory:   factory,
		inspector: inspector,
		generator: generator,
		responder: responder,
		guard:     guard,
		auditor:   auditor,
		repo:      repo,
		encryptor: encryptor,
		cfg:       cfg,
		logger:    logger.Named("chat"),
		sessions:  make(map[string]*Session),
		epochs:    make(map[string]uint64),
		now:       time.Now,
	}
}

var _ ChatService = (*chatService)(nil)

func (s *chatService) Connect(ctx context.Context, sessionID string, req *models.ConnectionRequest) (*ConnectResult, error) {
	if !datasource.IsRegistered(req.Type) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedDatasource, req.Type)
	}

	// A reconnect never keeps the previous connection, even when it fails.
	if err := s.discard(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to delete previous session record", zap.String("session_id", sessionID), zap.Error(err))
	}

	sess, err := s.open(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}

	sealed, err := s.encryptor.SealJSON(sessionID, req)
	if err != nil {
		s.closeSession(sess, true)
		return nil, fmt.Errorf("failed to seal credentials: %w", err)
	}
	sess.sealed = sealed

	directive := SanitizeDirective(req.Directive)
	sess.conv.SetDirective(directive)
	welcome := welcomeMessage(req.Database, directive)
	sess.conv.Append(models.NewTurn(models.RoleAssistant, welcome))

	s.store(sess)
	s.persist(ctx, sess)

	s.logger.Info("Session connected",
		zap.String("session_id", sessionID),
		zap.String("type", req.Type),
		zap.String("database", req.Database),
		zap.Int("tables", len(sess.snapshot.Tables)))

	return &ConnectResult{Snapshot: sess.snapshot, Welcome: welcome}, nil
}

// open tests the credentials, discovers the schema and creates the executor.
// On failure nothing stays open for sessionID.
func (s *chatService) open(ctx context.Context, sessionID string, req *models.ConnectionRequest) (*Session, error) {
	params := req.Params()

	tester, err := s.factory.NewConnectionTester(ctx, req.Type, params, sessionID)
	if err != nil {
		s.factory.Release(sessionID)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	err = tester.TestConnection(ctx)
	_ = tester.Close()
	if err != nil {
		s.factory.Release(sessionID)
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	discoverer, err := s.factory.NewSchemaDiscoverer(ctx, req.Type, params, sessionID)
	if err != nil {
		s.factory.Release(sessionID)
		return nil, &apperrors.SchemaDiscoveryError{Op: "open", Err: err}
	}
	snapshot, err := s.inspector.Inspect(ctx, discoverer, req.Type, req.Database)
	_ = discoverer.Close()
	if err != nil {
		s.factory.Release(sessionID)
		return nil, err
	}

	executor, err := s.factory.NewQueryExecutor(ctx, req.Type, params, sessionID)
	if err != nil {
		s.factory.Release(sessionID)
		return nil, fmt.Errorf("failed to create query executor: %w", err)
	}

	return &Session{
		ID:             sessionID,
		DatasourceType: req.Type,
		Database:       req.Database,
		ConnectedAt:    s.now(),
		snapshot:       snapshot,
		conv:           NewConversationContext(s.cfg.HistoryWindowSize),
		executor:       executor,
		guarded:        NewGuardedExecutor(s.guard, executor, snapshot, s.cfg.ExecutionTimeout, s.auditor, s.logger),
		limiter:        newLimiter(s.cfg.RequestsPerMinute),
	}, nil
}

func welcomeMessage(database, directive string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Successfully connected to **%s**!", database)
	if directive != "" {
		fmt.Fprintf(&b, "\n\nActive Directive: %s", logging.TruncateString(directive, 100))
	}
	b.WriteString("\n\nAsk me anything about your data!")
	return b.String()
}

func (s *chatService) Disconnect(ctx context.Context, sessionID string) error {
	if err := s.discard(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Info("Session disconnected", zap.String("session_id", sessionID))
	return nil
}

func (s *chatService) Ask(ctx context.Context, sessionID, question string) (*models.AskResult, error) {
	question = SanitizeQuestion(question)
	if question == "" {
		return nil, fmt.Errorf("%w: message must not be empty", apperrors.ErrInvalidInput)
	}

	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.busy.TryLock() {
		return nil, apperrors.ErrRequestInProgress
	}
	defer sess.busy.Unlock()

	if !sess.limiter.Allow() {
		return nil, apperrors.ErrRateLimited
	}

	history := sess.conv.Window()
	directive := sess.conv.Directive()
	sess.conv.Append(models.NewTurn(models.RoleUser, question))

	result := s.answer(ctx, sess, question, history, directive)

	reply := result.Answer
	if !result.Success {
		reply = result.Error
	}
	sess.conv.Append(models.NewTurn(models.RoleAssistant, reply))
	s.persist(context.WithoutCancel(ctx), sess)

	return result, nil
}

// answer runs generate, execute and summarize in order. Failures become an
// unsuccessful result.
func (s *chatService) answer(ctx context.Context, sess *Session, question string, history []models.ConversationTurn, directive string) *models.AskResult {
	query, err := s.generator.Generate(ctx, GenerateRequest{
		SessionID: sess.ID,
		Question:  question,
		Snapshot:  sess.snapshot,
		History:   history,
		Directive: directive,
		Prober:    sess.guarded,
	})
	if err != nil {
		s.logger.Warn("Question could not be answered",
			zap.String("session_id", sess.ID),
			zap.String("error", logging.SanitizeError(err)))
		return &models.AskResult{Success: false, Error: userMessage(err)}
	}

	result, err := sess.guarded.Run(ctx, query.SQL, string(query.Origin), s.cfg.MaxResultRows)
	if err != nil {
		return &models.AskResult{Success: false, Error: userMessage(err), SQL: query.SQL, Origin: query.Origin}
	}

	summary := s.responder.Summarize(ctx, SummarizeRequest{
		SessionID: sess.ID,
		Question:  question,
		Directive: directive,
		Result:    result,
	})

	return &models.AskResult{
		Success: true,
		Answer:  summary.Text,
		SQL:     query.SQL,
		Origin:  query.Origin,
		Rows:    result.TotalRows,
	}
}

// userMessage renders a pipeline failure for the person asking.
func userMessage(err error) string {
	var genErr *apperrors.GenerationError
	var execErr *apperrors.ExecutionError
	var rejected *RejectionError
	switch {
	case errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.As(err, &genErr):
		if genErr.Timeout {
			return "The language model took too long to respond. Please try again."
		}
		return "Sorry, I could not answer that: " + genErr.Reason
	case errors.As(err, &execErr):
		if execErr.Timeout {
			return "The query took too long and was cancelled. Try a narrower question."
		}
		return "The database returned an error: " + logging.SanitizeError(execErr.Err)
	case errors.As(err, &rejected):
		return "The generated query was rejected: " + rejected.Verdict.Reason
	default:
		return "Something went wrong while answering: " + logging.SanitizeError(err)
	}
}

func (s *chatService) SetDirective(ctx context.Context, sessionID, text string) error {
	text = SanitizeDirective(text)
	if text == "" {
		return fmt.Errorf("%w: directive must not be empty", apperrors.ErrInvalidInput)
	}
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.conv.SetDirective(text)
	s.persist(ctx, sess)
	return nil
}

func (s *chatService) ClearDirective(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.conv.SetDirective("")
	s.persist(ctx, sess)
	return nil
}

func (s *chatService) GetDirective(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return sess.conv.Directive(), nil
}

func (s *chatService) ClearHistory(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.conv.Clear()
	s.persist(ctx, sess)
	return nil
}

func (s *chatService) GetHistory(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.conv.Window(), nil
}

func (s *chatService) GetSchema(ctx context.Context, sessionID string) (*models.SchemaSnapshot, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.snapshot, nil
}

func (s *chatService) Status(ctx context.Context, sessionID string) *models.SessionStatus {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotConnected) {
			s.logger.Warn("Session unavailable", zap.String("session_id", sessionID), zap.String("error", logging.SanitizeError(err)))
		}
		return &models.SessionStatus{Connected: false}
	}
	return sess.status()
}

func (s *chatService) Expire(sessionID string) {
	if s.drop(sessionID, false) {
		s.logger.Info("Session connection expired", zap.String("session_id", sessionID))
	}
}

func (s *chatService) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.closeSession(sess, true)
	}
	metrics.SetActiveSessions(0)
	return nil
}

// session returns the live session, restoring it from the repository when
// only the persisted record survives.
func (s *chatService) session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, apperrors.ErrNotConnected
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	v, err, _ := s.restoring.Do(sessionID, func() (any, error) {
		return s.restore(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (s *chatService) restore(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	epoch := s.epochs[sessionID]
	s.mu.RUnlock()

	rec, err := s.repo.Get(ctx, sessionID)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return nil, apperrors.ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var req models.ConnectionRequest
	if err := s.encryptor.OpenJSON(sessionID, rec.SealedCredentials, &req); err != nil {
		s.logger.Warn("Discarding session record",
			zap.String("session_id", sessionID),
			zap.Error(fmt.Errorf("%w: %w", apperrors.ErrCredentialsKeyMismatch, err)))
		if err := s.repo.Delete(ctx, sessionID); err != nil {
			s.logger.Warn("Failed to delete session record", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, apperrors.ErrNotConnected
	}

	sess, err := s.open(ctx, sessionID, &req)
	if err != nil {
		return nil, err
	}
	sess.sealed = rec.SealedCredentials
	sess.conv.Restore(rec.Turns, rec.Directive)

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		s.closeSession(sess, false)
		return existing, nil
	}
	if s.epochs[sessionID] != epoch {
		// Disconnected while the record was being reopened.
		s.mu.Unlock()
		s.closeSession(sess, true)
		return nil, apperrors.ErrNotConnected
	}
	sess.epoch = epoch
	s.sessions[sessionID] = sess
	active := len(s.sessions)
	s.mu.Unlock()
	metrics.SetActiveSessions(active)

	s.persist(ctx, sess)
	s.logger.Info("Session restored", zap.String("session_id", sessionID), zap.Int("turns", len(rec.Turns)))
	return sess, nil
}

func (s *chatService) store(sess *Session) {
	s.mu.Lock()
	sess.epoch = s.epochs[sess.ID]
	s.sessions[sess.ID] = sess
	active := len(s.sessions)
	s.mu.Unlock()
	metrics.SetActiveSessions(active)
}

// discard ends the session for good: the live session is dropped with its
// pooled connection, the epoch bump stops a question still in flight (on
// this or an expired instance) from writing the record back, and the
// persisted record is deleted.
func (s *chatService) discard(ctx context.Context, sessionID string) error {
	s.drop(sessionID, true)

	s.mu.Lock()
	s.epochs[sessionID]++
	s.mu.Unlock()

	return s.repo.Delete(ctx, sessionID)
}

// drop removes the live session, closing its executor. release also closes
// the pooled connection. It reports whether a session was live.
func (s *chatService) drop(sessionID string, release bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	active := len(s.sessions)
	s.mu.Unlock()

	if ok {
		s.closeSession(sess, release)
		metrics.SetActiveSessions(active)
	} else if release {
		s.factory.Release(sessionID)
	}
	return ok
}

func (s *chatService) closeSession(sess *Session, release bool) {
	if err := sess.executor.Close(); err != nil {
		s.logger.Warn("Failed to close query executor", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if release {
		s.factory.Release(sess.ID)
	}
}

// persist saves the session record unless the session was disconnected or
// replaced by a reconnect since it went live. Failures are logged: the live
// session keeps working without persistence.
func (s *chatService) persist(ctx context.Context, sess *Session) {
	// The read lock is held across the save so discard cannot delete the
	// record between the epoch check and the write.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.epochs[sess.ID] != sess.epoch {
		return
	}
	if err := s.repo.Save(ctx, sess.record(s.now())); err != nil {
		s.logger.Warn("Failed to persist session", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
