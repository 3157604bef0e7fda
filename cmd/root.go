package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andresmejia3/bioface/internal/config"
	"github.com/andresmejia3/bioface/internal/match"
	"github.com/andresmejia3/bioface/internal/store"
	"github.com/andresmejia3/bioface/internal/store/postgres"
	"github.com/andresmejia3/bioface/internal/store/sqlite"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// DB is the global store shared by subcommands
	DB store.Store
	// Cfg is the environment configuration with the policy applied
	Cfg *config.Config

	dbURL      string
	policyPath string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "bioface",
	Short:   "Face identity resolution and temporal stabilization engine",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		Cfg = config.Load()

		if logLevel == "" {
			logLevel = Cfg.Log.Level
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: config.ParseLevel(logLevel),
		})))

		if policyPath != "" {
			p, err := config.LoadPolicyFile(policyPath, Cfg.Policy)
			if err != nil {
				return fmt.Errorf("failed to load policy: %w", err)
			}
			Cfg.Policy = p
		}
		if err := Cfg.Policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy: %w", err)
		}

		if dbURL == "" {
			dbURL = Cfg.Database.URL
		}
		var err error
		DB, err = openStore(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
}

// openStore picks a backend from the URL scheme:
// sqlite://path, postgres://..., postgresql://... or memory://.
func openStore(ctx context.Context, url string) (store.Store, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		s, err := sqlite.Open(strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		s, err := postgres.New(ctx, url)
		if err != nil {
			return nil, err
		}
		return s, nil
	case url == "memory://":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL %q (want sqlite://, postgres:// or memory://)", redact(url))
	}
}

// redact hides everything after the scheme so credentials never reach the terminal.
func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i+3] + "..."
	}
	return url
}

// newEngine builds the matcher from the active policy.
func newEngine() (*match.Engine, error) {
	return match.NewEngine(Cfg.Policy.Resolver)
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute runs the command tree and closes the store whether the command
// succeeded or not. os.Exit would skip deferred calls, so it happens here.
func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	defer closeStore()
	return rootCmd.ExecuteContext(ctx)
}

func closeStore() {
	if DB == nil {
		return
	}
	if err := DB.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
	DB = nil
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL: sqlite://path, postgres://... or memory:// (default: $DATABASE_URL or "+config.DefaultDatabaseURL+")")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "YAML file overriding resolver and stabilizer defaults")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (default: $LOG_LEVEL or info)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
