// Command controld runs the execution control loops: admission and metric
// projection off the change streams, dispatch, retry and enrichment-failure
// subscribers off the bus, and the watchdog cron plus its queue workers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/execution"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/platform/bus"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/env"
	"github.com/scanplane-labs/scanplane-go/internal/platform/fifoqueue"
	"github.com/scanplane-labs/scanplane-go/internal/platform/httpserver"
	"github.com/scanplane-labs/scanplane-go/internal/platform/objectstore"
	"github.com/scanplane-labs/scanplane-go/internal/platform/postgres"
	"github.com/scanplane-labs/scanplane-go/internal/platform/ratelimit"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
	"github.com/scanplane-labs/scanplane-go/internal/platform/tokencrypt"
	repopg "github.com/scanplane-labs/scanplane-go/internal/repo/postgres"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

const receiveBatchSize = 10

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controld failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	envName, err := env.Required("ENV_NAME")
	if err != nil {
		return err
	}
	pollInterval, err := env.Duration("CONTROLD_POLL_INTERVAL", time.Second)
	if err != nil {
		return err
	}
	watchdogCron := env.String("WATCHDOG_CRON", "@every 1m")
	retryLimit, err := env.Int("RETRY_LIMIT", execution.DefaultRetryLimit)
	if err != nil {
		return err
	}
	maxNotifications, err := env.Int("MAX_INVOCATIONS_PER_HOUR", 60)
	if err != nil {
		return err
	}
	dispatchCfg := execution.DispatchConfig{
		CallbackBaseURL:     env.String("CALLBACK_BASE_URL", ""),
		CallbackTokenSecret: env.String("CALLBACK_TOKEN_SECRET", ""),
		FeatureFlagKey:      env.String("LAUNCH_DARKLY_SDK_KEY", ""),
	}
	if err := dispatchCfg.Validate(); err != nil {
		return err
	}
	timeouts, err := runner.LoadTimeouts(env.String("TIMEOUTS_CONFIG_PATH", ""))
	if err != nil {
		return err
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return err
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := postgres.Migrate(db); err != nil {
		return err
	}

	executions, err := repopg.NewExecutionStore(db)
	if err != nil {
		return err
	}
	resources, err := repopg.NewResourceStore(db)
	if err != nil {
		return err
	}
	data, err := repopg.NewExecutionDataStore(db)
	if err != nil {
		return err
	}
	lifecycles, err := repopg.NewLifecycleStore(db)
	if err != nil {
		return err
	}
	idempotency, err := repopg.NewIdempotencyStore(db)
	if err != nil {
		return err
	}
	terminator, err := repopg.NewWatchdogStore(db)
	if err != nil {
		return err
	}

	publisher := bus.NewPublisher(db)
	notifier, err := notify.NewNotifier(logger, publisher, ratelimit.NewHourlyLimiter(maxNotifications))
	if err != nil {
		return err
	}

	registry, err := buildRegistry(logger, publisher)
	if err != nil {
		return err
	}

	clk := clock.New()
	admission, err := execution.NewAdmissionCore(logger, executions, resources, registry, timeouts, publisher, clk)
	if err != nil {
		return err
	}
	dispatch, err := execution.NewDispatchCore(logger, executions, data, registry, timeouts, dispatchCfg, clk)
	if err != nil {
		return err
	}
	projector, err := execution.NewProjector(logger, envName, publisher)
	if err != nil {
		return err
	}
	retry, err := execution.NewRetryController(logger, executions, publisher, notifier, envName, retryLimit)
	if err != nil {
		return err
	}
	failures, err := execution.NewFailureHandler(logger, lifecycles, idempotency, publisher, notifier, envName)
	if err != nil {
		return err
	}
	watchdogQueue, err := fifoqueue.New(db, "watchdog")
	if err != nil {
		return err
	}
	watchdog, err := execution.NewWatchdog(logger, executions, terminator, registry, watchdogQueue, publisher, notifier, envName, clk)
	if err != nil {
		return err
	}

	admissionConsumer, err := stream.NewConsumer(logger, db, "admission", stream.SourceExecutions, pollInterval, admission.HandleChange)
	if err != nil {
		return err
	}
	executionProjection, err := stream.NewConsumer(logger, db, "execution-projector", stream.SourceExecutions, pollInterval, projector.HandleExecutionChange)
	if err != nil {
		return err
	}
	resourceProjection, err := stream.NewConsumer(logger, db, "resource-projector", stream.SourceResources, pollInterval, projector.HandleResourceChange)
	if err != nil {
		return err
	}

	dispatchSub, err := bus.NewSubscriber(logger, db, "controld-dispatch", domain.TopicDispatch, pollInterval,
		func(ctx context.Context, event bus.Event) error {
			if event.DetailType != domain.DetailReadyToDispatch {
				return nil
			}
			var e domain.Execution
			if err := json.Unmarshal(event.Detail, &e); err != nil {
				logger.Error("ready-to-dispatch event malformed", "event_id", event.EventID, "error", err)
				return nil
			}
			return dispatch.HandleReadyToDispatch(ctx, e)
		})
	if err != nil {
		return err
	}
	retrySub, err := bus.NewSubscriber(logger, db, "controld-retry", domain.TopicTriggerExecution, pollInterval,
		func(ctx context.Context, event bus.Event) error {
			if event.DetailType != domain.DetailRetryRequested {
				return nil
			}
			var req struct {
				TenantID    string `json:"tenant_id"`
				JitEventID  string `json:"jit_event_id"`
				ExecutionID string `json:"execution_id"`
			}
			if err := json.Unmarshal(event.Detail, &req); err != nil {
				logger.Error("retry request malformed", "event_id", event.EventID, "error", err)
				return nil
			}
			return retry.HandleRetry(ctx, domain.Identifiers{
				TenantID:    req.TenantID,
				JitEventID:  req.JitEventID,
				ExecutionID: req.ExecutionID,
			})
		})
	if err != nil {
		return err
	}
	failureSub, err := bus.NewSubscriber(logger, db, "controld-enrichment-failure", domain.TopicEnrichmentFailure, pollInterval,
		func(ctx context.Context, event bus.Event) error {
			var failure execution.EnrichmentFailure
			if err := json.Unmarshal(event.Detail, &failure); err != nil {
				logger.Error("enrichment failure malformed", "event_id", event.EventID, "error", err)
				return nil
			}
			return failures.Handle(ctx, failure)
		})
	if err != nil {
		return err
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(watchdogCron, func() {
		if err := watchdog.Sweep(ctx); err != nil {
			logger.Error("watchdog sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { admissionConsumer.Run(ctx); return nil })
	g.Go(func() error { executionProjection.Run(ctx); return nil })
	g.Go(func() error { resourceProjection.Run(ctx); return nil })
	g.Go(func() error { dispatchSub.Run(ctx); return nil })
	g.Go(func() error { retrySub.Run(ctx); return nil })
	g.Go(func() error { failureSub.Run(ctx); return nil })
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error { runWatchdogWorker(ctx, logger, watchdogQueue, watchdog, pollInterval); return nil })
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", httpserver.Healthz("controld"))
		mux.HandleFunc("/readyz", httpserver.Readyz("controld", httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		}))
		cfg := httpserver.Config{Service: "controld", Addr: env.String("CONTROLD_HTTP_ADDR", ":8090")}
		err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "controld", mux))
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	logger.Info("controld running", "env", envName, "watchdog_cron", watchdogCron)
	return g.Wait()
}

// buildRegistry wires a strategy per configured vendor adapter. Unset
// adapters leave their slot empty; the registry rejects executions it has no
// strategy for.
func buildRegistry(logger *slog.Logger, publisher *bus.Publisher) (*runner.Registry, error) {
	var github, gitlab, aws, gcp runner.Strategy

	if baseURL := env.String("CI_ADAPTER_BASE_URL", ""); baseURL != "" {
		client, err := runner.NewAdapterClient(baseURL, nil)
		if err != nil {
			return nil, err
		}
		github, err = runner.NewGitHubActions(client, publisher)
		if err != nil {
			return nil, err
		}
	}
	if baseURL := env.String("GITLAB_ADAPTER_BASE_URL", ""); baseURL != "" {
		client, err := runner.NewAdapterClient(baseURL, nil)
		if err != nil {
			return nil, err
		}
		gitlab, err = runner.NewGitLab(client)
		if err != nil {
			return nil, err
		}
	}

	awsURL := env.String("AWS_BATCH_ADAPTER_BASE_URL", "")
	gcpURL := env.String("GCP_BATCH_ADAPTER_BASE_URL", "")
	if awsURL != "" || gcpURL != "" {
		sealer, err := tokencrypt.New(
			env.String("ECS_TASK_KMS_ARN", ""),
			env.String("TASK_TOKEN_SEAL_SECRET", ""),
		)
		if err != nil {
			return nil, err
		}
		if awsURL != "" {
			client, err := runner.NewAdapterClient(awsURL, nil)
			if err != nil {
				return nil, err
			}
			aws, err = runner.NewCloudAWS(client, sealer)
			if err != nil {
				return nil, err
			}
		}
		if gcpURL != "" {
			client, err := runner.NewAdapterClient(gcpURL, nil)
			if err != nil {
				return nil, err
			}
			storeCfg, err := objectstore.ConfigFromEnv()
			if err != nil {
				return nil, err
			}
			storeClient, err := objectstore.NewClient(storeCfg)
			if err != nil {
				return nil, err
			}
			archive, err := objectstore.NewStore(storeClient, storeCfg)
			if err != nil {
				return nil, err
			}
			gcp, err = runner.NewCloudGCP(logger, client, client, archive, sealer)
			if err != nil {
				return nil, err
			}
		}
	}

	isGCP, err := env.Bool("CLOUD_RUNNER_IS_GCP", false)
	if err != nil {
		return nil, err
	}
	return runner.NewRegistry(github, gitlab, aws, gcp, runner.StaticFlags{GCP: isGCP})
}

func runWatchdogWorker(ctx context.Context, logger *slog.Logger, queue *fifoqueue.Queue, watchdog *execution.Watchdog, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, err := queue.Receive(ctx, receiveBatchSize)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Error("watchdog receive failed", "error", err)
				}
				continue
			}
			if len(messages) == 0 {
				continue
			}
			result := watchdog.HandleBatch(ctx, messages)
			if err := queue.Resolve(ctx, messages, result); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("watchdog resolve failed", "error", err)
			}
		}
	}
}
