package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-askdb/pkg/crypto"
	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
	"github.com/ekaya-inc/ekaya-askdb/pkg/repositories"
)

const (
	testSessionID = "session-1"
	testKey       = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="
)

var registerOnce sync.Once

// registerTestAdapter makes "postgres" a known type without importing the
// real adapter; the mock factory does the actual work.
func registerTestAdapter() {
	registerOnce.Do(func() {
		if datasource.IsRegistered("postgres") {
			return
		}
		datasource.Register(datasource.DatasourceAdapterRegistration{
			Info: datasource.DatasourceAdapterInfo{Type: "postgres", DisplayName: "PostgreSQL"},
		})
	})
}

type chatFixture struct {
	svc       ChatService
	factory   *mockAdapterFactory
	genClient *llm.MockLLMClient
	ansClient *llm.MockLLMClient
	repo      repositories.SessionRepository
}

func newChatFixture(t *testing.T, cfg ChatServiceConfig) *chatFixture {
	t.Helper()
	registerTestAdapter()

	f := &chatFixture{
		factory: &mockAdapterFactory{
			discoverer: shopDiscoverer(),
			newExec: func() *mockQueryExecutor {
				return &mockQueryExecutor{result: countResult("count", 5)}
			},
		},
		genClient: llm.NewMockLLMClient(`{"sql": "SELECT COUNT(*) FROM orders", "reasoning": ""}`),
		ansClient: llm.NewMockLLMClient("There are 5 orders."),
		repo:      repositories.NewMemorySessionRepository(time.Hour),
	}
	f.svc = f.newService(t, testKey, cfg)
	t.Cleanup(func() { _ = f.svc.Close() })
	return f
}

// newService builds a chat service over the fixture's factory, clients and
// repository, sealing credentials with key.
func (f *chatFixture) newService(t *testing.T, key string, cfg ChatServiceConfig) ChatService {
	t.Helper()
	logger := zap.NewNop()

	encryptor, err := crypto.NewCredentialEncryptor(key)
	require.NoError(t, err)

	if cfg.HistoryWindowSize == 0 {
		cfg.HistoryWindowSize = 10
	}
	if cfg.MaxResultRows == 0 {
		cfg.MaxResultRows = 100
	}

	guard := NewStatementGuard(nil)
	return NewChatService(
		f.factory,
		NewSchemaInspector(logger),
		NewQueryGenerator(f.genClient, guard, GeneratorConfig{MaxAgentSteps: 2}, logger),
		NewResponseGenerator(f.ansClient, ResponseGeneratorConfig{}, logger),
		guard,
		nil,
		f.repo,
		encryptor,
		cfg,
		logger,
	)
}

func testConnectionRequest(directive string) *models.ConnectionRequest {
	return &models.ConnectionRequest{
		Type:      "postgres",
		Host:      "localhost",
		Port:      5432,
		User:      "reader",
		Password:  "secret",
		Database:  "shop",
		Directive: directive,
	}
}

func (f *chatFixture) connect(t *testing.T, directive string) *ConnectResult {
	t.Helper()
	res, err := f.svc.Connect(context.Background(), testSessionID, testConnectionRequest(directive))
	require.NoError(t, err)
	return res
}

func TestChatService_Connect(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()

	res := f.connect(t, "Answer in French")

	assert.Equal(t, "Successfully connected to **shop**!\n\nActive Directive: Answer in French\n\nAsk me anything about your data!", res.Welcome)
	assert.Len(t, res.Snapshot.Tables, 2)

	history, err := f.svc.GetHistory(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleAssistant, history[0].Role)
	assert.Equal(t, res.Welcome, history[0].Content)

	status := f.svc.Status(ctx, testSessionID)
	assert.True(t, status.Connected)
	assert.Equal(t, "postgres", status.DatasourceType)
	assert.Equal(t, 2, status.TableCount)
	assert.True(t, status.DirectiveSet)
	assert.True(t, f.factory.discoverer.closed)

	rec, err := f.repo.Get(ctx, testSessionID)
	require.NoError(t, err)
	assert.NotContains(t, rec.SealedCredentials, "secret")
	assert.Equal(t, "Answer in French", rec.Directive)
}

func TestChatService_ConnectWithoutDirective(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})

	res := f.connect(t, "")
	assert.Equal(t, "Successfully connected to **shop**!\n\nAsk me anything about your data!", res.Welcome)
}

func TestChatService_ConnectUnsupportedType(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})

	req := testConnectionRequest("")
	req.Type = "oracle"
	_, err := f.svc.Connect(context.Background(), testSessionID, req)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedDatasource)
	assert.Zero(t, f.factory.connects)
}

func TestChatService_ConnectDiscoveryFailure(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	f.factory.discoverer.tablesErr = errors.New("permission denied for schema public")

	_, err := f.svc.Connect(context.Background(), testSessionID, testConnectionRequest(""))

	var discErr *apperrors.SchemaDiscoveryError
	require.True(t, errors.As(err, &discErr))
	assert.False(t, f.svc.Status(context.Background(), testSessionID).Connected)
	assert.Contains(t, f.factory.released, testSessionID)
}

func TestChatService_FailedReconnectDropsOldSession(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "")
	first := f.factory.lastExecutor()

	f.factory.tester = &mockConnectionTester{testErr: errors.New("password authentication failed")}
	_, err := f.svc.Connect(ctx, testSessionID, testConnectionRequest(""))
	require.Error(t, err)

	assert.True(t, first.closed)
	assert.False(t, f.svc.Status(ctx, testSessionID).Connected)
	_, err = f.svc.Ask(ctx, testSessionID, "How many orders?")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestChatService_AskRejectedThenValidExecutesOnce(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	f.genClient.Responses = []string{
		`{"sql": "DELETE FROM orders", "reasoning": ""}`,
		`{"sql": "SELECT COUNT(*) FROM orders", "reasoning": "Counts orders."}`,
	}
	f.connect(t, "")

	res, err := f.svc.Ask(context.Background(), testSessionID, "How many orders are there?")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "There are 5 orders.", res.Answer)
	assert.Equal(t, "SELECT COUNT(*) FROM orders", res.SQL)
	assert.Equal(t, models.OriginDirect, res.Origin)
	assert.Equal(t, 1, res.Rows)

	assert.Equal(t, []string{"SELECT COUNT(*) FROM orders"}, f.factory.lastExecutor().Queries())
	assert.Equal(t, 2, f.genClient.GenerateResponseCalls)

	history, err := f.svc.GetHistory(context.Background(), testSessionID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "How many orders are there?", history[1].Content)
	assert.Equal(t, "There are 5 orders.", history[2].Content)
}

func TestChatService_FollowUpSeesHistory(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "")

	_, err := f.svc.Ask(ctx, testSessionID, "How many orders were placed last month?")
	require.NoError(t, err)
	assert.NotContains(t, f.genClient.Prompts[0], "User: How many orders were placed last month?")

	_, err = f.svc.Ask(ctx, testSessionID, "What were their total values?")
	require.NoError(t, err)

	prompt := f.genClient.LastPrompt()
	assert.Contains(t, prompt, "User: How many orders were placed last month?")
	assert.Contains(t, prompt, "Assistant: There are 5 orders.")
}

func TestChatService_ClearHistory(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "Be brief")

	_, err := f.svc.Ask(ctx, testSessionID, "How many orders were placed last month?")
	require.NoError(t, err)

	require.NoError(t, f.svc.ClearHistory(ctx, testSessionID))
	history, err := f.svc.GetHistory(ctx, testSessionID)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.svc.Ask(ctx, testSessionID, "How many users are there?")
	require.NoError(t, err)
	assert.NotContains(t, f.genClient.LastPrompt(), "last month")

	history, err = f.svc.GetHistory(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "How many users are there?", history[0].Content)

	directive, err := f.svc.GetDirective(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "Be brief", directive)
}

func TestChatService_Directive(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "")

	assert.ErrorIs(t, f.svc.SetDirective(ctx, testSessionID, "   "), apperrors.ErrInvalidInput)

	require.NoError(t, f.svc.SetDirective(ctx, testSessionID, "Amounts are in EUR"))
	_, err := f.svc.Ask(ctx, testSessionID, "What is the revenue?")
	require.NoError(t, err)
	assert.Contains(t, f.genClient.LastPrompt(), "Amounts are in EUR")
	assert.Contains(t, f.ansClient.LastPrompt(), "Amounts are in EUR")

	require.NoError(t, f.svc.ClearDirective(ctx, testSessionID))
	directive, err := f.svc.GetDirective(ctx, testSessionID)
	require.NoError(t, err)
	assert.Empty(t, directive)
	assert.False(t, f.svc.Status(ctx, testSessionID).DirectiveSet)
}

func TestChatService_AskGenerationFailure(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	f.genClient.Responses = []string{`{"sql": "DROP TABLE users", "reasoning": ""}`}
	f.connect(t, "")

	res, err := f.svc.Ask(context.Background(), testSessionID, "Remove all users")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "Sorry, I could not answer that: "))
	assert.Empty(t, f.factory.lastExecutor().Queries())
	assert.Zero(t, f.ansClient.GenerateResponseCalls)

	history, err := f.svc.GetHistory(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Error, history[len(history)-1].Content)
}

func TestChatService_AskExecutionFailure(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	f.factory.newExec = func() *mockQueryExecutor {
		return &mockQueryExecutor{
			queryFunc: func(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
				return nil, errors.New(`relation "orders" is locked`)
			},
		}
	}
	f.connect(t, "")

	res, err := f.svc.Ask(context.Background(), testSessionID, "How many orders?")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "The database returned an error")
	assert.Equal(t, "SELECT COUNT(*) FROM orders", res.SQL)
}

func TestChatService_AskValidation(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, testSessionID, "How many orders?")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	f.connect(t, "")
	_, err = f.svc.Ask(ctx, testSessionID, " \x00 ")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.svc.Ask(ctx, "", "How many orders?")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestChatService_AskWhileBusy(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	f.connect(t, "")

	svc := f.svc.(*chatService)
	sess := svc.sessions[testSessionID]
	sess.busy.Lock()
	defer sess.busy.Unlock()

	_, err := f.svc.Ask(context.Background(), testSessionID, "How many orders?")
	assert.ErrorIs(t, err, apperrors.ErrRequestInProgress)
}

func TestChatService_RateLimited(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{RequestsPerMinute: 1})
	ctx := context.Background()
	f.connect(t, "")

	_, err := f.svc.Ask(ctx, testSessionID, "How many orders?")
	require.NoError(t, err)

	_, err = f.svc.Ask(ctx, testSessionID, "How many users?")
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
}

func TestChatService_RestoreAfterExpire(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "Be brief")
	first := f.factory.lastExecutor()
	released := len(f.factory.released)

	_, err := f.svc.Ask(ctx, testSessionID, "How many orders were placed last month?")
	require.NoError(t, err)

	f.svc.Expire(testSessionID)
	assert.True(t, first.closed)
	assert.Len(t, f.factory.released, released, "expiry leaves the pool to the connection manager")

	_, err = f.svc.Ask(ctx, testSessionID, "And how many users?")
	require.NoError(t, err)

	assert.Equal(t, 2, f.factory.connects)
	second := f.factory.lastExecutor()
	assert.NotSame(t, first, second)
	assert.Len(t, second.Queries(), 1)

	prompt := f.genClient.LastPrompt()
	assert.Contains(t, prompt, "User: How many orders were placed last month?")
	assert.Contains(t, prompt, "Be brief")
}

func TestChatService_RestoreWithDifferentKey(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "")

	other := f.newService(t, "a different passphrase", ChatServiceConfig{})
	defer other.Close()

	_, err := other.Ask(ctx, testSessionID, "How many orders?")
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)

	_, err = f.repo.Get(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestChatService_Disconnect(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	f.connect(t, "")
	exec := f.factory.lastExecutor()

	require.NoError(t, f.svc.Disconnect(ctx, testSessionID))

	assert.True(t, exec.closed)
	assert.Contains(t, f.factory.released, testSessionID)
	assert.False(t, f.svc.Status(ctx, testSessionID).Connected)

	_, err := f.repo.Get(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	_, err = f.svc.GetSchema(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

// blockQueries makes every executor created from now on hold its query until
// the returned release func is called. started fires on the first query.
func (f *chatFixture) blockQueries() (started <-chan struct{}, release func()) {
	startCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var once sync.Once
	f.factory.mu.Lock()
	f.factory.newExec = func() *mockQueryExecutor {
		return &mockQueryExecutor{queryFunc: func(ctx context.Context, sqlQuery string, limit int) (*datasource.QueryExecutionResult, error) {
			once.Do(func() { close(startCh) })
			<-releaseCh
			return countResult("count", 5), nil
		}}
	}
	f.factory.mu.Unlock()
	return startCh, func() { close(releaseCh) }
}

func TestChatService_DisconnectDuringAskStaysDisconnected(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	started, release := f.blockQueries()
	f.connect(t, "")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(ctx, testSessionID, "How many orders?")
		done <- err
	}()

	<-started
	require.NoError(t, f.svc.Disconnect(ctx, testSessionID))
	release()
	require.NoError(t, <-done)

	_, err := f.repo.Get(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	assert.False(t, f.svc.Status(ctx, testSessionID).Connected)

	_, err = f.svc.GetHistory(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.Equal(t, 1, f.factory.connects, "the disconnected session is not reopened")
}

func TestChatService_ReconnectDuringAskKeepsNewRecord(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	started, release := f.blockQueries()
	f.connect(t, "")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(ctx, testSessionID, "How many orders?")
		done <- err
	}()

	<-started
	_, err := f.svc.Connect(ctx, testSessionID, testConnectionRequest("Answer in French"))
	require.NoError(t, err)
	release()
	require.NoError(t, <-done)

	rec, err := f.repo.Get(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "Answer in French", rec.Directive)
	for _, turn := range rec.Turns {
		assert.NotEqual(t, "How many orders?", turn.Content, "the replaced session's question must not be saved")
	}

	history, err := f.svc.GetHistory(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleAssistant, history[0].Role)
}

func TestChatService_ExpireDuringAskThenDisconnect(t *testing.T) {
	f := newChatFixture(t, ChatServiceConfig{})
	ctx := context.Background()
	started, release := f.blockQueries()
	f.connect(t, "")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Ask(ctx, testSessionID, "How many orders?")
		done <- err
	}()

	<-started
	f.svc.Expire(testSessionID)
	require.NoError(t, f.svc.Disconnect(ctx, testSessionID))
	release()
	require.NoError(t, <-done)

	_, err := f.repo.Get(ctx, testSessionID)
	assert.ErrorIs(t, err, apperrors.ErrSessionNotFound)
	assert.False(t, f.svc.Status(ctx, testSessionID).Connected)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "cancelled",
			err:  context.Canceled,
			want: "The request was cancelled.",
		},
		{
			name: "generation",
			err:  &apperrors.GenerationError{Reason: "no such data"},
			want: "Sorry, I could not answer that: no such data",
		},
		{
			name: "generation timeout",
			err:  &apperrors.GenerationError{Reason: "x", Timeout: true},
			want: "The language model took too long to respond. Please try again.",
		},
		{
			name: "execution timeout",
			err:  &apperrors.ExecutionError{Timeout: true, Err: context.DeadlineExceeded},
			want: "The query took too long and was cancelled. Try a narrower question.",
		},
		{
			name: "rejection",
			err:  &RejectionError{Verdict: models.ValidationVerdict{Reason: "only SELECT"}},
			want: "The generated query was rejected: only SELECT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, userMessage(tt.err))
		})
	}
}
