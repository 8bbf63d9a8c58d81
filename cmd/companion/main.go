package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appI18n "github.com/pavelanni/companion/internal/i18n"
	"github.com/pavelanni/companion/internal/llm"
	"github.com/pavelanni/companion/internal/llm/prompts"
	"github.com/pavelanni/companion/internal/pipeline"
	"github.com/pavelanni/companion/internal/progress"
	"github.com/pavelanni/companion/internal/server"
	"github.com/pavelanni/companion/internal/stage"
	"github.com/pavelanni/companion/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "companion",
		Short:        "AI study companion: worksheets, grading, explanations and progress reports",
		SilenceUsage: true,
	}

	def := stage.DefaultConfig()
	opts := llm.DefaultOptions()
	f := root.PersistentFlags()
	f.String("db", "companion.db", "SQLite database path (empty keeps progress in memory)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float32("temperature", opts.Temperature, "Sampling temperature")
	f.Bool("json-mode", opts.JSONMode, "Request JSON object responses from the LLM")
	f.Int("rpm", opts.RequestsPerMinute, "Maximum LLM requests per minute (0 = unlimited)")
	f.Bool("ping", true, "Check the LLM endpoint before starting")
	f.Int("max-retries", def.MaxRetries, "Retries per stage after the first attempt")
	f.Duration("attempt-timeout", def.AttemptTimeout, "Timeout for a single LLM call")
	f.StringP("lang", "l", "en", "Interface language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	root.AddCommand(studyCmd(), serveCmd(), profileCmd(), exportCmd(), apikeyCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.Bool("require-auth", false, "Require an API key (see `companion apikey create`)")
	f.Duration("session-ttl", 2*time.Hour, "How long idle sessions stay in memory")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("companion")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/companion")
	v.AddConfigPath("/etc/companion")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore opens the database named by --db. An empty path returns nil.
func openStore(v *viper.Viper) (*store.Store, error) {
	path := v.GetString("db")
	if path == "" {
		return nil, nil
	}
	db, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// requireStore is openStore for commands that only make sense with a database.
func requireStore(v *viper.Viper) (*store.Store, error) {
	db, err := openStore(v)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errors.New("--db is required for this command")
	}
	return db, nil
}

// newOrchestrator wires the LLM client, the stage invoker and the progress
// tracker. A nil db keeps progress in memory and disables the journal.
func newOrchestrator(ctx context.Context, v *viper.Viper, db *store.Store) (*pipeline.Orchestrator, error) {
	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	client := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		llm.Options{
			Temperature:       float32(v.GetFloat64("temperature")),
			JSONMode:          v.GetBool("json-mode"),
			RequestsPerMinute: v.GetInt("rpm"),
		},
	)
	if v.GetBool("ping") {
		pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	set, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	cfg := stage.DefaultConfig()
	cfg.MaxRetries = v.GetInt("max-retries")
	cfg.AttemptTimeout = v.GetDuration("attempt-timeout")
	inv := stage.NewInvoker(client, cfg)

	if db == nil {
		slog.Warn("no database configured, progress will not survive this process")
		return pipeline.New(inv, set, progress.NewTracker(progress.NewMemoryStore())), nil
	}
	return pipeline.New(inv, set, progress.NewTracker(db), pipeline.WithJournal(db)), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := requireStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	orch, err := newOrchestrator(ctx, v, db)
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithSessionLookup(db)}
	if v.GetBool("require-auth") {
		n, err := db.APIKeyCount(ctx)
		if err != nil {
			return fmt.Errorf("count api keys: %w", err)
		}
		if n == 0 {
			slog.Warn("authentication is required but no API keys exist; create one with `companion apikey create`")
		}
		opts = append(opts, server.WithAuth(db))
	}

	srv := server.New(orch, db, server.Config{
		Lang:       v.GetString("lang"),
		SessionTTL: v.GetDuration("session-ttl"),
	}, opts...)

	addr := v.GetString("addr")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", v.GetString("lang"),
			"require_auth", v.GetBool("require-auth"),
		)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
