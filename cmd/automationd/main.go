package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tenantkit/automation/internal/bus"
	"github.com/tenantkit/automation/internal/dunning"
	"github.com/tenantkit/automation/internal/engine"
	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/notify"
	"github.com/tenantkit/automation/internal/scheduler"
	"github.com/tenantkit/automation/internal/sequence"
	"github.com/tenantkit/automation/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "automationd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	sender := notify.NewLogSender(logger)
	webhook := notify.NewHTTPWebhookNotifier(func(context.Context, string) ([]string, error) {
		return nil, nil // tenant endpoints are host-provided
	})

	executor, err := engine.NewStepExecutor(st, sender, webhook, logger)
	if err != nil {
		return fmt.Errorf("build step executor: %w", err)
	}
	runner := engine.NewRunner(st, executor, logger)

	dispatcher := engine.NewDispatcher(st, runner, cfg.PoolSize, logger)
	defer dispatcher.Shutdown()

	eventBus := bus.NewMemoryBus()
	if err := dispatcher.Attach(ctx, eventBus); err != nil {
		return fmt.Errorf("attach dispatcher: %w", err)
	}

	messages := sequence.NewDispatcher(st, sender, sequence.DefaultRetryPolicy, logger)

	// Dunning runs only when the host wires a real payment gateway.
	var collections scheduler.DunningProcessor
	if gw := paymentGateway(); gw != nil {
		collections = dunning.NewController(st, gw, webhook, dunning.DefaultPolicy, logger)
	}

	sched := scheduler.NewScheduler(st, runner, messages, collections, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("recovering missed workflows", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("automation engine started", slog.String("db", cfg.DBPath))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// paymentGateway returns a sandbox gateway when AUTOMATION_SANDBOX_GATEWAY
// is set (approve or decline), nil otherwise.
func paymentGateway() notify.PaymentGateway {
	switch os.Getenv("AUTOMATION_SANDBOX_GATEWAY") {
	case "approve":
		return sandboxGateway{approve: true}
	case "decline":
		return sandboxGateway{}
	}
	return nil
}

type sandboxGateway struct {
	approve bool
}

func (g sandboxGateway) Charge(ctx context.Context, paymentMethodID string, amountCents int64) error {
	if g.approve {
		return nil
	}
	return fmt.Errorf("sandbox gateway declined charge of %d on %s", amountCents, paymentMethodID)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
