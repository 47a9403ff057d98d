// Package cmd implements the ekaya-askdb command line: the HTTP/MCP server
// and a one-shot ask command.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/ekaya-askdb/pkg/config"

	// Datasource adapters register themselves with the adapter registry.
	_ "github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-askdb/pkg/adapters/datasource/postgres"
)

var (
	version    = "dev"
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "ekaya-askdb",
	Short: "Ask questions about a SQL database in plain language",
	Long: `ekaya-askdb connects to a PostgreSQL or SQL Server database, discovers its schema
and answers natural-language questions by generating, validating and running
read-only SQL. It serves a JSON HTTP API and an MCP endpoint.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI application.
func Execute(v string) {
	version = v
	rootCmd.Version = v
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds a development logger for local runs and a JSON
// production logger otherwise, at cfg.LogLevel.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}

	var logConfig zap.Config
	if cfg.IsLocal() {
		logConfig = zap.NewDevelopmentConfig()
	} else {
		logConfig = zap.NewProductionConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.With(zap.String("version", cfg.Version)), nil
}
