// Command server runs the trading platform core: HTTP API, worker queue,
// job scheduler, broker reconciliation and backups over a single SQLite
// store.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akrivos/helmsman/internal/broker"
	"github.com/akrivos/helmsman/internal/broker/alpaca"
	"github.com/akrivos/helmsman/internal/broker/mock"
	"github.com/akrivos/helmsman/internal/config"
	"github.com/akrivos/helmsman/internal/database"
	"github.com/akrivos/helmsman/internal/engine"
	"github.com/akrivos/helmsman/internal/jobs"
	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/activity"
	"github.com/akrivos/helmsman/internal/modules/analysis"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/instruments"
	"github.com/akrivos/helmsman/internal/modules/orders"
	"github.com/akrivos/helmsman/internal/modules/rules"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/queue"
	"github.com/akrivos/helmsman/internal/reliability"
	"github.com/akrivos/helmsman/internal/server"
	"github.com/akrivos/helmsman/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("db", cfg.DBFile).Int("port", cfg.Port).Msg("Starting helmsman")

	db, err := database.New(database.Config{Path: cfg.DBFile, Name: "core"})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	conn := db.Conn()

	// Repositories.
	settingsRepo := settings.NewRepository(conn, log)
	if err := settingsRepo.SeedDefaults(); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed settings")
	}
	activityRepo := activity.NewRepository(conn, log)
	llmUsageRepo := activity.NewLLMUsageRepository(conn, log)
	accountRepo := accounts.NewRepository(conn, log)
	instanceSettings := accounts.NewSettingsRepository(conn, log)
	expertRepo := experts.NewRepository(conn, log)
	instrumentRepo := instruments.NewRepository(conn, log)
	analysisRepo := analysis.NewRepository(conn, log)
	recommendationRepo := analysis.NewRecommendationRepository(conn, log)
	orderRepo := orders.NewOrderRepository(conn, log)
	transactionRepo := orders.NewTransactionRepository(conn, log)
	rulesRepo := rules.NewRepository(conn, log)

	// Expert classes.
	expertRegistry := experts.NewRegistry()
	experts.RegisterBuiltins(expertRegistry)

	// Broker providers and accounts.
	providerRegistry := broker.NewProviderRegistry()
	mock.Register(providerRegistry)
	alpaca.Register(providerRegistry)

	brokerDeps := broker.Deps{
		Orders:           orderRepo,
		Transactions:     transactionRepo,
		Experts:          expertRepo,
		InstanceSettings: instanceSettings,
		Settings:         settingsRepo,
		Activity:         activityRepo,
		PriceCache:       broker.NewPriceCache(),
		Log:              log,
	}
	brokerManager := broker.NewManager(providerRegistry, accountRepo, brokerDeps)

	// Trade action engine.
	tradeEngine := engine.New(rulesRepo, log)
	realizer := engine.NewRealizer(brokerManager, transactionRepo, log)

	// Worker queue.
	queueRepo := queue.NewRepository(conn, log)
	queueManager := queue.NewManager(queueRepo, log)
	executor := queue.NewTaskExecutor(queue.ExecutorDeps{
		Manager:          queueManager,
		Registry:         expertRegistry,
		Experts:          expertRepo,
		InstanceSettings: instanceSettings,
		Analyses:         analysisRepo,
		Recommendations:  recommendationRepo,
		Transactions:     transactionRepo,
		Instruments:      instrumentRepo,
		Accounts:         brokerManager,
		Engine:           tradeEngine,
		Realizer:         realizer,
		Activity:         activityRepo,
		LLMUsage:         llmUsageRepo,
		Log:              log,
	})

	if err := reliability.StartupCleanup(analysisRepo, queueManager, log); err != nil {
		log.Fatal().Err(err).Msg("Startup cleanup failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCount := settingsRepo.GetInt(settings.KeyWorkerCount, queue.DefaultWorkerCount)
	pool := queue.NewPool(queueManager, executor, workerCount, log)
	pool.Start(ctx)

	// Job scheduler.
	jobManager := jobs.NewManager(jobs.Deps{
		Queue:            queueManager,
		Experts:          expertRepo,
		Registry:         expertRegistry,
		InstanceSettings: instanceSettings,
		Settings:         settingsRepo,
		Transactions:     transactionRepo,
		Accounts:         brokerManager,
		ExpertEnv: experts.Env{
			Settings:        instanceSettings,
			Analyses:        analysisRepo,
			Recommendations: recommendationRepo,
			LLMUsage:        llmUsageRepo,
			Log:             log,
		},
		Log: log,
	})
	jobManager.Start(ctx)

	// Backups.
	backups := reliability.NewBackupService(db, settingsRepo, log)
	backups.Start(ctx)

	// HTTP API.
	srv := server.New(server.Deps{
		Port:         cfg.Port,
		Log:          log,
		Queue:        queueManager,
		Jobs:         jobManager,
		Activity:     activityRepo,
		LLMUsage:     llmUsageRepo,
		Accounts:     accountRepo,
		Broker:       brokerManager,
		Experts:      expertRepo,
		Transactions: transactionRepo,
		Orders:       orderRepo,
		Rules:        rulesRepo,
		Settings:     settingsRepo,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	// Shutdown order: stop producing (scheduler), stop consuming (pool),
	// refuse new work (queue), drain HTTP, stop backups, close DB.
	jobManager.Shutdown()
	pool.Stop(shutdownTimeout)
	queueManager.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	backups.Stop()
	cancel()
	log.Info().Msg("Shutdown complete")
}
