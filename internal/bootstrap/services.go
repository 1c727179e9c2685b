package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rankhive/orchestrator/config"
	"github.com/rankhive/orchestrator/internal/adapters/itemrunner"
	"github.com/rankhive/orchestrator/internal/adapters/queue"
	"github.com/rankhive/orchestrator/internal/adapters/reaper"
	"github.com/rankhive/orchestrator/internal/adapters/throttle"
	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/data"
	"github.com/rankhive/orchestrator/internal/domain/model"
	"github.com/rankhive/orchestrator/internal/service"
)

// ServiceContainer holds all application services and their repositories.
type ServiceContainer struct {
	Jobs       *service.JobService
	Executions *service.ExecutionService
	Dispatcher *service.DispatchService

	JobRepo       *data.JobRepo
	ExecutionRepo *data.ExecutionRepo
	Broker        *queue.Broker
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// NewServices builds the repository and service graph.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps and config are required")
	}
	if deps.DB == nil {
		return ServiceContainer{}, errors.New("database connection is required")
	}
	if deps.RedisClient == nil {
		return ServiceContainer{}, errors.New("redis client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	jobRepo := data.NewJobRepo(deps.DB, data.RepoConfig{Logger: logger})
	executionRepo := data.NewExecutionRepo(deps.DB, data.RepoConfig{Logger: logger})
	broker := queue.NewBroker(deps.RedisClient)

	dispatcher, err := service.NewDispatchService(service.DispatchServiceOptions{
		Repo:   jobRepo,
		Broker: broker,
		Queue:  deps.Config.Worker.Queue,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	jobs, err := service.NewJobService(service.JobServiceOptions{
		Repo:       jobRepo,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	executions, err := service.NewExecutionService(service.ExecutionServiceOptions{
		Repo:   executionRepo,
		Logger: logger,
	})
	if err != nil {
		return ServiceContainer{}, err
	}

	return ServiceContainer{
		Jobs:          jobs,
		Executions:    executions,
		Dispatcher:    dispatcher,
		JobRepo:       jobRepo,
		ExecutionRepo: executionRepo,
		Broker:        broker,
	}, nil
}

// BuildItemRunner constructs the item worker pool with gated stub handlers
// for every job type.
func BuildItemRunner(deps *ServiceDeps, services ServiceContainer) (*itemrunner.Runner, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate, err := throttle.NewGate(throttle.GateOptions{
		Store: throttle.NewCounterStore(deps.RedisClient),
		Config: throttle.GateConfig{
			RateLimit:        deps.Config.Throttle.RateLimit,
			RateWindow:       deps.Config.Throttle.RateWindow,
			BreakerThreshold: deps.Config.Throttle.BreakerThreshold,
			BreakerWindow:    deps.Config.Throttle.BreakerWindow,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	stub := &itemrunner.StubHandler{Logger: logger}
	handlers := make(map[model.JobType]core.Handler, len(model.ValidJobTypes()))
	for _, jobType := range model.ValidJobTypes() {
		handlers[jobType] = itemrunner.NewGatedHandler(stub, gate)
	}

	return itemrunner.NewRunner(itemrunner.RunnerOptions{
		Source:      services.Broker,
		Repo:        services.JobRepo,
		Dispatcher:  services.Dispatcher,
		Handlers:    handlers,
		Queue:       deps.Config.Worker.Queue,
		Concurrency: deps.Config.Worker.Concurrency,
		PollTimeout: deps.Config.Worker.PollTimeout,
		Logger:      logger,
	})
}

// BuildReaper constructs the stale-work recovery loop.
func BuildReaper(deps *ServiceDeps, services ServiceContainer) (*reaper.Runner, error) {
	return reaper.NewRunner(reaper.RunnerOptions{
		Items:            services.JobRepo,
		Executions:       services.ExecutionRepo,
		Interval:         deps.Config.Reaper.Interval,
		ItemMaxAge:       deps.Config.Reaper.ItemMaxAge,
		ExecutionTimeout: deps.Config.Reaper.ExecutionTimeout,
		BatchSize:        deps.Config.Reaper.BatchSize,
		Logger:           deps.Logger,
	})
}

// RunServices starts every enabled service and blocks until the context is
// cancelled or one of them fails.
func RunServices(ctx context.Context, deps *ServiceDeps, services ServiceContainer) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := deps.Config.GetEnabledServices()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if enabled[config.ServiceModeWorker] {
		runner, buildErr := BuildItemRunner(deps, services)
		if buildErr != nil {
			return buildErr
		}
		g.Go(func() error { return ignoreCanceled(runner.Run(ctx)) })
	}

	if enabled[config.ServiceModeReaper] {
		runner, buildErr := BuildReaper(deps, services)
		if buildErr != nil {
			return buildErr
		}
		g.Go(func() error { return runner.Run(ctx) })
	}

	if deps.Config.Observability.Metrics.IsEnabled() {
		g.Go(func() error {
			return RunMetricsServer(ctx, deps.Config.Observability.Metrics.Addr, logger)
		})
	}

	waitErr := g.Wait()
	if waitErr != nil {
		return waitErr
	}
	logger.InfoContext(ctx, "all services stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdownTimeout bounds graceful stops so a hung listener cannot block exit.
const shutdownTimeout = 10 * time.Second
