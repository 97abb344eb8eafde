package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/platform/bus"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/env"
	"github.com/scanplane-labs/scanplane-go/internal/platform/httpserver"
	"github.com/scanplane-labs/scanplane-go/internal/platform/objectstore"
	"github.com/scanplane-labs/scanplane-go/internal/platform/postgres"
	"github.com/scanplane-labs/scanplane-go/internal/platform/ratelimit"
	repopg "github.com/scanplane-labs/scanplane-go/internal/repo/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("GATEWAY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("GATEWAY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	envName, err := env.Required("ENV_NAME")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	tokenSecret, err := env.Required("CALLBACK_TOKEN_SECRET")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxUploadFiles, err := env.Int("MAX_OUTPUTS_UPLOAD_FILES", 10)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxNotifications, err := env.Int("MAX_INVOCATIONS_PER_HOUR", 60)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid objectstore config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewClient(storeCfg)
	if err != nil {
		logger.Error("objectstore client init failed", "error", err)
		os.Exit(1)
	}
	store, err := objectstore.NewStore(storeClient, storeCfg)
	if err != nil {
		logger.Error("objectstore init failed", "error", err)
		os.Exit(1)
	}

	executions, err := repopg.NewExecutionStore(db)
	if err != nil {
		logger.Error("execution store init failed", "error", err)
		os.Exit(1)
	}
	lifecycles, err := repopg.NewLifecycleStore(db)
	if err != nil {
		logger.Error("lifecycle store init failed", "error", err)
		os.Exit(1)
	}

	publisher := bus.NewPublisher(db)
	notifier, err := notify.NewNotifier(logger, publisher, ratelimit.NewHourlyLimiter(maxNotifications))
	if err != nil {
		logger.Error("notifier init failed", "error", err)
		os.Exit(1)
	}

	api := newCallbackAPI(
		logger,
		executions,
		lifecycles,
		store,
		publisher,
		notifier,
		envName,
		tokenSecret,
		maxUploadFiles,
		clock.New(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("gateway"))
	mux.HandleFunc(
		"/readyz",
		httpserver.Readyz(
			"gateway",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					_, err := storeClient.BucketExists(checkCtx, storeCfg.BucketLogs)
					return err
				},
			},
		),
	)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "gateway",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "gateway", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
