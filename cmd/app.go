package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-askdb/pkg/audit"
	"github.com/ekaya-inc/ekaya-askdb/pkg/config"
	"github.com/ekaya-inc/ekaya-askdb/pkg/crypto"
	"github.com/ekaya-inc/ekaya-askdb/pkg/database"
	"github.com/ekaya-inc/ekaya-askdb/pkg/llm"
	"github.com/ekaya-inc/ekaya-askdb/pkg/repositories"
	"github.com/ekaya-inc/ekaya-askdb/pkg/services"
)

// application holds the long-lived components shared by serve and ask.
type application struct {
	cfg     *config.Config
	logger  *zap.Logger
	connMgr *datasource.ConnectionManager
	chat    services.ChatService
	redis   *redis.Client
}

func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	llmClient, err := llm.NewFromConfig(cfg.LLM, logger.Named("llm"))
	if err != nil {
		return nil, err
	}

	repo, redisClient, err := newSessionRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	encryptor, err := newCredentialEncryptor(cfg, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:     cfg.Datasource.ConnectionTTLMinutes,
		MaxConnections: cfg.Datasource.MaxConnections,
		PoolMaxConns:   cfg.Datasource.PoolMaxConns,
		PoolMinConns:   cfg.Datasource.PoolMinConns,
	}, logger)

	auditor := audit.NewSecurityAuditor(logger.Named("security"))
	guard := services.NewStatementGuard(auditor)

	generator := services.NewQueryGenerator(llmClient, guard, services.GeneratorConfig{
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MaxAgentSteps: cfg.Chat.MaxAgentSteps,
		ProbeRowLimit: cfg.Chat.ProbeRowLimit,
	}, logger.Named("generator"))

	responder := services.NewResponseGenerator(llmClient, services.ResponseGeneratorConfig{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		SummaryRows: cfg.Chat.SummaryRows,
	}, logger.Named("responder"))

	chat := services.NewChatService(
		datasource.NewDatasourceAdapterFactory(connMgr),
		services.NewSchemaInspector(logger.Named("inspector")),
		generator,
		responder,
		guard,
		auditor,
		repo,
		encryptor,
		services.ChatServiceConfig{
			HistoryWindowSize: cfg.Chat.HistoryWindowSize,
			MaxResultRows:     cfg.Chat.MaxResultRows,
			ExecutionTimeout:  cfg.Chat.ExecutionTimeout,
			RequestsPerMinute: cfg.Chat.RequestsPerMinute,
		},
		logger.Named("chat"),
	)

	// Idle pools closed by TTL cleanup drop the session's live state; the
	// persisted record lets the next request restore it.
	connMgr.OnExpire(chat.Expire)

	return &application{
		cfg:     cfg,
		logger:  logger,
		connMgr: connMgr,
		chat:    chat,
		redis:   redisClient,
	}, nil
}

func newSessionRepository(ctx context.Context, cfg *config.Config) (repositories.SessionRepository, *redis.Client, error) {
	if cfg.Session.Store != "redis" {
		return repositories.NewMemorySessionRepository(cfg.Session.TTL), nil, nil
	}

	client, err := database.NewRedisClient(ctx, &cfg.Session.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return nil, nil, fmt.Errorf("session.store is redis but session.redis.host is empty")
	}
	return repositories.NewRedisSessionRepository(client, cfg.Session.TTL), client, nil
}

// newCredentialEncryptor uses CREDENTIALS_KEY, or a per-process random key
// for the in-memory store.
func newCredentialEncryptor(cfg *config.Config, logger *zap.Logger) (*crypto.CredentialEncryptor, error) {
	key := cfg.CredentialsKey
	if key == "" {
		generated, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
		logger.Info("CREDENTIALS_KEY not set, using a per-process key for sealed credentials")
	}

	encryptor, err := crypto.NewCredentialEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential encryptor: %w", err)
	}
	return encryptor, nil
}

func (a *application) Close() {
	if err := a.chat.Close(); err != nil {
		a.logger.Warn("Failed to close chat service", zap.Error(err))
	}
	if err := a.connMgr.Close(); err != nil {
		a.logger.Warn("Failed to close connection manager", zap.Error(err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
}
