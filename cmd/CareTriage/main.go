package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/CareTriage/internal/api"
	"github.com/BTreeMap/CareTriage/internal/config"
	"github.com/BTreeMap/CareTriage/internal/flow"
	"github.com/BTreeMap/CareTriage/internal/genai"
	"github.com/BTreeMap/CareTriage/internal/lockfile"
	"github.com/BTreeMap/CareTriage/internal/messaging"
	"github.com/BTreeMap/CareTriage/internal/orchestrator"
	"github.com/BTreeMap/CareTriage/internal/predictor"
	"github.com/BTreeMap/CareTriage/internal/recovery"
	"github.com/BTreeMap/CareTriage/internal/reminder"
	"github.com/BTreeMap/CareTriage/internal/safety"
	"github.com/BTreeMap/CareTriage/internal/scheduler"
	"github.com/BTreeMap/CareTriage/internal/sessionlock"
	"github.com/BTreeMap/CareTriage/internal/store"
)

func main() {
	initializeLogger(slog.LevelInfo)

	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := parseFlags(cfg, os.Args[1:]); err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CareTriage", "state_dir", cfg.StateDir, "sqlite", cfg.UsesSQLite(), "api_addr", cfg.APIAddr)
	if err := run(ctx, cfg); err != nil {
		slog.Error("CareTriage failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareTriage exited successfully")
}

func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// parseFlags applies command line overrides on top of the environment configuration.
func parseFlags(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("caretriage", flag.ContinueOnError)
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for CareTriage data (overrides $CARETRIAGE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", cfg.OpenAIAPIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.PredictorURL, "predictor-url", cfg.PredictorURL, "intent/sentiment model server (overrides $PREDICTOR_URL)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	slog.Debug("flags parsed",
		"stateDir", cfg.StateDir,
		"dbDSN_set", cfg.DatabaseURL != "",
		"apiAddr", cfg.APIAddr,
		"openaiKeySet", cfg.OpenAIAPIKey != "",
		"predictorURL", cfg.PredictorURL)
	return cfg.Validate()
}

// app is the wired service: the store, the conversation core and its background workers.
type app struct {
	store   store.Store
	orch    *orchestrator.Orchestrator
	jobs    *store.JobRunner
	outbox  *store.OutboxSender
	hygiene *scheduler.Hygiene
	server  *api.Server
	closers []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{}
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	loc, err := cfg.Location()
	if err != nil {
		a.close()
		return nil, err
	}

	locker, closeLocker, err := buildLocker(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	opts := []orchestrator.Option{
		orchestrator.WithEngine(buildEngine(cfg, loc)),
		orchestrator.WithGate(safety.NewGate(
			safety.WithExtraKeywords(cfg.ExtraEmergencyTerms),
			safety.WithIntentThreshold(cfg.DangerIntentThreshold),
		)),
		orchestrator.WithPredictor(buildPredictor(cfg), cfg.PredictorTimeout),
		orchestrator.WithLocker(locker),
		orchestrator.WithDedupTolerance(cfg.ReminderDedupTolerance),
		orchestrator.WithLocation(loc),
	}
	genaiOpts, err := buildGenAIOptions(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	opts = append(opts, genaiOpts...)
	a.orch = orchestrator.New(st, opts...)

	a.jobs = store.NewJobRunner(st, cfg.JobPollInterval,
		store.WithRetryPolicies(orchestrator.JobRetryPolicies()))
	a.orch.RegisterJobHandlers(a.jobs)

	sender, err := buildSender(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.outbox = store.NewOutboxSender(st, messaging.NewOutboxSendFunc(sender), cfg.OutboxPollInterval,
		store.WithRetryPolicies(messaging.RetryPolicies()))

	a.hygiene = scheduler.NewHygiene(st, scheduler.HygieneOpts{
		Schedule:       cfg.PendingSweepSchedule,
		DedupRetention: cfg.DedupRetention,
	})
	a.server = api.NewServer(st, a.orch, api.WithAddr(cfg.APIAddr))
	return a, nil
}

// recoverState repairs work interrupted by the previous shutdown.
func (a *app) recoverState(ctx context.Context) error {
	m := recovery.NewManager(
		recovery.StaleJobs(a.jobs),
		recovery.StaleOutbox(a.outbox),
		recovery.ExpiredPending(a.store, time.Now),
		recovery.ConfirmedReminders(a.store, a.orch.ScheduleReminder),
	)
	return m.RecoverAll(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("app.close: failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

// run blocks until ctx is canceled or the API server fails.
func run(ctx context.Context, cfg *config.Config) error {
	if cfg.UsesSQLite() {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("another instance owns %s: %w", cfg.StateDir, err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("run: failed to release lock", "error", err)
			}
		}()
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.recoverState(ctx); err != nil {
		// Not fatal: the workers pick up what is left.
		slog.Error("run: recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := a.hygiene.Register(sched); err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.jobs.Run(workerCtx) }()
	go func() { defer wg.Done(); a.outbox.Run(workerCtx) }()

	err = a.server.Run(ctx)
	cancelWorkers()
	wg.Wait()
	return err
}

func buildStore(cfg *config.Config) (store.Store, error) {
	dsn := cfg.DSN()
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, err
	}
	return lite, nil
}

// buildLocker returns a Redis locker when REDIS_URL is set, in-process locks otherwise.
func buildLocker(cfg *config.Config) (sessionlock.Locker, func() error, error) {
	if cfg.RedisURL == "" {
		slog.Debug("No REDIS_URL set, using in-process session locks")
		return sessionlock.NewLocalLocker(), nil, nil
	}
	client, err := sessionlock.Connect(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return sessionlock.NewRedisLocker(client, cfg.SessionLockTTL, 0), client.Close, nil
}

func buildPredictor(cfg *config.Config) predictor.Predictor {
	if cfg.PredictorURL == "" {
		slog.Warn("No PREDICTOR_URL set, every turn runs in degraded mode")
		return predictor.Unavailable{}
	}
	return predictor.NewHTTPPredictor(cfg.PredictorURL)
}

func buildEngine(cfg *config.Config, loc *time.Location) *flow.Engine {
	parser := reminder.NewSpanishParser(reminder.WithDefaultHour(cfg.DefaultReminderHour))
	extractor := reminder.NewExtractor(
		reminder.WithLocation(loc),
		reminder.WithThreshold(cfg.ReminderConfidenceThreshold),
		reminder.WithParser(parser),
	)
	return flow.NewEngine(flow.WithConfig(cfg.Flow), flow.WithExtractor(extractor))
}

// buildGenAIOptions wires the responder, the validator and the content screen. Without an API key the
// orchestrator falls back to its fixed replies.
func buildGenAIOptions(cfg *config.Config) ([]orchestrator.Option, error) {
	if !cfg.GenAIConfigured() || (!cfg.GeneratorEnabled && !cfg.ValidatorEnabled && !cfg.ScreenEnabled) {
		slog.Debug("GenAI disabled", "key_set", cfg.GenAIConfigured())
		return nil, nil
	}
	clientOpts := []genai.Option{
		genai.WithAPIKey(cfg.OpenAIAPIKey),
		genai.WithModel(cfg.OpenAIModel),
		genai.WithTemperature(cfg.GeneratorTemperature),
		genai.WithMaxTokens(cfg.GeneratorMaxTokens),
	}
	if cfg.OpenAIBaseURL != "" {
		clientOpts = append(clientOpts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.GenAIDebug {
		clientOpts = append(clientOpts, genai.WithDebug(cfg.StateDir))
	}
	client, err := genai.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	var opts []orchestrator.Option
	if cfg.GeneratorEnabled {
		opts = append(opts, orchestrator.WithGenerator(genai.NewResponder(client), cfg.GeneratorTimeout))
	}
	if cfg.ValidatorEnabled {
		opts = append(opts, orchestrator.WithValidator(genai.NewValidator(client), cfg.ValidatorTimeout))
	}
	if cfg.ScreenEnabled {
		opts = append(opts, orchestrator.WithContentScreen(genai.NewScreen(client), cfg.ScreenTimeout))
	}
	return opts, nil
}

func buildSender(cfg *config.Config) (messaging.Sender, error) {
	if !cfg.TwilioConfigured() {
		slog.Warn("Twilio not configured, outbound alerts are only logged")
		return messaging.LogSender{}, nil
	}
	s, err := messaging.NewTwilioSender(
		messaging.WithAccountSID(cfg.TwilioAccountSID),
		messaging.WithAuthToken(cfg.TwilioAuthToken),
		messaging.WithFrom(cfg.TwilioFromNumber),
		messaging.WithChannel(messaging.Channel(strings.ToLower(cfg.TwilioChannel))),
	)
	if err != nil {
		return nil, errors.Join(config.ErrInvalidConfig, err)
	}
	return s, nil
}
