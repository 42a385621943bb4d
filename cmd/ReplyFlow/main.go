package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ReplyFlow/ReplyFlow/internal/api"
	"github.com/ReplyFlow/ReplyFlow/internal/dispatch"
	"github.com/ReplyFlow/ReplyFlow/internal/engine"
	"github.com/ReplyFlow/ReplyFlow/internal/genai"
	"github.com/ReplyFlow/ReplyFlow/internal/lockfile"
	"github.com/ReplyFlow/ReplyFlow/internal/recovery"
	"github.com/ReplyFlow/ReplyFlow/internal/scheduler"
	"github.com/ReplyFlow/ReplyFlow/internal/store"
	"github.com/ReplyFlow/ReplyFlow/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReplyFlow state data
	DefaultStateDir = "/var/lib/replyflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "replyflow.db"
	// DefaultAPIAddr is the default API listen address
	DefaultAPIAddr = ":8080"
	// DefaultOutboxPollInterval is how often the outbox sender polls for due replies
	DefaultOutboxPollInterval = 5 * time.Second
	// DefaultExecutionRetention is how long terminal executions are kept
	DefaultExecutionRetention = 90 * 24 * time.Hour
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("ReplyFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ReplyFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	APIAddr          string
	TwilioSID        string
	TwilioAuthToken  string
	TwilioFromNumber string
	Retention        time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("REPLYFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("REPLYFLOW_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		Retention:        util.ParseDurationEnv("REPLYFLOW_EXECUTION_RETENTION", DefaultExecutionRetention),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REPLYFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REPLYFLOW_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"TWILIO_CONFIGURED", config.TwilioSID != "",
		"RETENTION", config.Retention)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ReplyFlow data (overrides $REPLYFLOW_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN for the flow store (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key for AI-authored replies (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
	}

	flag.Parse()

	// Follow the state directory when the DSN was derived from the default one.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	return flags
}

// openStore opens the persistent store matching the DSN type. The returned
// store doubles as the reply outbox repository.
func openStore(dsn string) (store.Store, store.OutboxRepo, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, nil, err
	}
	return st, st, nil
}

func run(config Config, flags Flags) error {
	// Exactly one instance may own a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, outboxRepo, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	timer := scheduler.NewSimpleTimer()
	defer timer.Stop()

	var engineOpts []engine.Option
	if *flags.openaiKey != "" {
		gaClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, engine.WithGenAI(gaClient))
	}
	eng := engine.New(st, outboxRepo, timer, engineOpts...)
	defer eng.Stop()

	var sender dispatch.Sender
	if config.TwilioSID != "" && config.TwilioAuthToken != "" && config.TwilioFromNumber != "" {
		twilioSender, err := dispatch.NewTwilioSender(
			dispatch.WithTwilioCredentials(config.TwilioSID, config.TwilioAuthToken),
			dispatch.WithTwilioFromNumber(config.TwilioFromNumber),
		)
		if err != nil {
			return err
		}
		sender = twilioSender
		slog.Info("Using Twilio WhatsApp sender", "from", config.TwilioFromNumber)
	} else {
		sender = dispatch.LogSender{}
		slog.Warn("No Twilio credentials configured, replies will only be logged")
	}
	outboxSender := dispatch.NewOutboxSender(outboxRepo, sender, DefaultOutboxPollInterval, eng.MarkStepFailed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Startup recovery: requeue stuck replies first so the sender loop picks
	// them up, then rebuild delay timers from persisted executions.
	rec := recovery.NewManager()
	rec.Register(recovery.RecoverableFunc{ComponentName: "outbox", Fn: func(ctx context.Context) error {
		return outboxSender.RecoverStaleReplies()
	}})
	rec.Register(recovery.RecoverableFunc{ComponentName: "engine", Fn: eng.Reconcile})
	if err := rec.RecoverAll(ctx); err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddReconcileJob(ctx, eng); err != nil {
		return err
	}
	if err := sched.AddRetentionJob(st, config.Retention); err != nil {
		return err
	}

	go outboxSender.Run(ctx)

	server := api.NewServer(eng, st, timer, api.WithAddr(*flags.apiAddr))
	slog.Info("Bootstrapping ReplyFlow", "api_addr", *flags.apiAddr, "state_dir", *flags.stateDir)
	return server.Run(ctx)
}
