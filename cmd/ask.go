package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-askdb/pkg/config"
	"github.com/ekaya-inc/ekaya-askdb/pkg/logging"
	"github.com/ekaya-inc/ekaya-askdb/pkg/models"
)

// askPasswordEnv is read when --password is not given.
const askPasswordEnv = "ASKDB_PASSWORD"

var (
	askFlags    models.ConnectionRequest
	askLogLevel string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Connect to a database and answer one question",
	Long: `Connect to a database, discover its schema and answer a single question.
The generated SQL is printed below the answer.

Example:
  ekaya-askdb ask --type postgres --host localhost --user app --database shop "How many orders shipped last week?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := askFlags
		if req.Password == "" {
			req.Password = os.Getenv(askPasswordEnv)
		}
		if err := validator.New().Struct(&req); err != nil {
			return fmt.Errorf("invalid connection flags: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Keep the terminal for the answer unless asked otherwise.
		cfg.LogLevel = askLogLevel
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runAsk(cmd.Context(), cfg, &req, strings.Join(args, " "), logger)
	},
}

func init() {
	f := askCmd.Flags()
	f.StringVar(&askFlags.Type, "type", "postgres", "Datasource type (postgres, mssql)")
	f.StringVar(&askFlags.Host, "host", "localhost", "Database host")
	f.IntVar(&askFlags.Port, "port", 0, "Database port (default depends on --type)")
	f.StringVar(&askFlags.User, "user", "", "Database user")
	f.StringVar(&askFlags.Password, "password", "", "Database password (or set "+askPasswordEnv+")")
	f.StringVar(&askFlags.Database, "database", "", "Database name")
	f.StringVar(&askFlags.SSLMode, "ssl-mode", "", "SSL mode (disable, allow, prefer, require, verify-ca, verify-full)")
	f.StringVar(&askFlags.Directive, "directive", "", "Standing instruction applied to the question")
	f.StringVar(&askLogLevel, "log-level", "warn", "Log level for this run")

	rootCmd.AddCommand(askCmd)
}

func runAsk(ctx context.Context, cfg *config.Config, req *models.ConnectionRequest, question string, logger *zap.Logger) error {
	app, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	sessionID := "cli-" + uuid.NewString()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s on %s", req.Database, req.Host))
	connected, err := app.chat.Connect(ctx, sessionID, req)
	if err != nil {
		spinner.Fail("Connection failed")
		return errors.New(logging.SanitizeError(err))
	}
	spinner.Success(fmt.Sprintf("Connected to %s (%d tables)", connected.Snapshot.Database, len(connected.Snapshot.Tables)))
	defer func() { _ = app.chat.Disconnect(context.Background(), sessionID) }()

	spinner, _ = pterm.DefaultSpinner.Start("Thinking")
	result, err := app.chat.Ask(ctx, sessionID, question)
	if err != nil {
		spinner.Fail("Question failed")
		return errors.New(logging.SanitizeError(err))
	}
	spinner.Stop()

	printAskResult(result)
	if !result.Success {
		return errors.New("question could not be answered")
	}
	return nil
}

func printAskResult(result *models.AskResult) {
	pterm.Println()
	if result.Success {
		pterm.DefaultBox.
			WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("Answer")).
			WithPadding(1).
			Println(result.Answer)
	} else {
		pterm.Error.Println(result.Error)
	}

	if result.SQL != "" {
		pterm.DefaultSection.Println("SQL")
		pterm.Println(result.SQL)
		pterm.Println()
		pterm.Info.Printfln("%d rows, generated by %s", result.Rows, result.Origin)
	}
}
