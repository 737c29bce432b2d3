package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantdesk/trader/internal/audit"
	"github.com/quantdesk/trader/internal/clients/advisor"
	"github.com/quantdesk/trader/internal/clients/exchange"
	"github.com/quantdesk/trader/internal/clients/marketdata"
	"github.com/quantdesk/trader/internal/config"
	"github.com/quantdesk/trader/internal/database"
	"github.com/quantdesk/trader/internal/modules/execution"
	"github.com/quantdesk/trader/internal/modules/positions"
	"github.com/quantdesk/trader/internal/orchestrator"
	"github.com/quantdesk/trader/internal/scheduler"
	"github.com/quantdesk/trader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "desk-worker",
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("worker_id", cfg.WorkerID).Msg("Starting trading desk worker")

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	advisors := advisor.NewClient(cfg.AdvisorServiceURL, cfg.AdvisorTimeout, log)
	feed := marketdata.NewClient(cfg.MarketDataServiceURL, log)

	var (
		executor orchestrator.PlanExecutor
		syncer   orchestrator.PositionSyncer
		fills    orchestrator.FillSource
	)
	if cfg.ExecuteEnabled {
		venue, err := exchange.NewClient(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize exchange client")
		}
		if err := venue.Ping(); err != nil {
			log.Fatal().Err(err).Msg("Exchange unreachable")
		}

		orders := execution.NewOrderRepository(db.Conn(), log)
		executor = execution.NewExecutor(orders, venue, audit.NewLogger(db.Conn(), log), execution.DefaultRetryConfig(), log)
		posRepo := positions.NewPositionRepository(db.Conn(), log)
		syncer = positions.NewReconciler(posRepo, venue, audit.NewLogger(db.Conn(), log), log)
		fills = venue
	} else {
		log.Warn().Msg("Execution disabled; cycles stop after persisting the order plan")
	}

	orch := orchestrator.NewOrchestrator(cfg, db, advisors, feed, executor, syncer, fills, log)

	runID := orchestrator.NewRunID(time.Now())
	job := scheduler.NewCycleJob(orch, runID, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(fmt.Sprintf("@every %dm", cfg.CadenceMinutes), job); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cycle job")
	}
	sched.Start()
	defer sched.Stop()

	// First cycle runs immediately; the cadence takes over from there.
	if err := sched.RunNow(job); err != nil {
		log.Error().Err(err).Msg("Initial cycle failed")
	}

	log.Info().
		Str("run_id", runID).
		Int("cadence_minutes", cfg.CadenceMinutes).
		Msg("Worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
}
