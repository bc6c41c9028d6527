package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/headcount/internal/config"
	"github.com/andresmejia3/headcount/internal/source"
	"github.com/andresmejia3/headcount/internal/store"
)

// Options holds shared configuration for detect, worker, serve and runs commands
type Options struct {
	Source       string
	Output       string
	Conf         float64
	Device       string
	Model        string
	Show         bool
	SaveJSON     string
	Annotate     bool
	PreviewWidth int
	Addr         string
	Limit        int
}

// Database requirement per command, read from cobra annotations.
const (
	dbAnnotation = "db"
	dbRequired   = "required"
	dbOptional   = "optional"
	// dbDeferred commands connect themselves, once their inputs have been checked.
	dbDeferred = "deferred"
)

// defaultDBURL is used by commands that cannot work without a database.
const defaultDBURL = "postgres://localhost:5432/headcount"

var (
	// DB is the global database connection shared by subcommands. It stays nil when persistence is off.
	DB *store.Store
	// Cfg is the loaded configuration.
	Cfg *config.Config
	// Log is the process-wide logger. It always writes to stderr.
	Log = logrus.New()

	dbURL    string
	cfgPath  string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "headcount",
	Short:         "Person detection and counting for videos, cameras and snapshots",
	Version:       Version, // This enables the --version flag
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			Cfg.Log.Level = logLevel
		}
		if err := setupLogger(Log, Cfg.Log); err != nil {
			return err
		}

		return connectDB(cmd.Context(), cmd.Annotations[dbAnnotation])
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			DB.Close(context.Background())
		}
	},
}

// connectDB opens the global store when requirement and configuration call for one.
func connectDB(ctx context.Context, requirement string) error {
	if DB != nil || Cfg == nil {
		return nil
	}
	url := resolveDBURL(dbURL, Cfg.Database.URL, requirement)
	if url == "" {
		return nil
	}

	// Use the command's context (which will be cancellable) for the connection
	db, err := store.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = db
	return nil
}

// resolveDBURL picks the connection string: flag, then config/environment, then the local
// default for commands that require a database. Commands that never use one, or that
// connect on their own (dbDeferred), get "".
func resolveDBURL(flag, configured, requirement string) string {
	switch requirement {
	case dbRequired:
		if flag != "" {
			return flag
		}
		if configured != "" {
			return configured
		}
		return defaultDBURL
	case dbOptional:
		if flag != "" {
			return flag
		}
		return configured
	default:
		return ""
	}
}

func setupLogger(l *logrus.Logger, cfg config.LogConfig) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return err
	}
	l.SetLevel(lvl)
	l.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, source.ErrSourceNotFound):
		return 2
	default:
		return 1
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (env: DATABASE_URL or POSTGRES_*)")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}
