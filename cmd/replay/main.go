package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/quantdesk/trader/internal/clients/advisor"
	"github.com/quantdesk/trader/internal/clients/marketdata"
	"github.com/quantdesk/trader/internal/config"
	"github.com/quantdesk/trader/internal/database"
	"github.com/quantdesk/trader/internal/orchestrator"
	"github.com/quantdesk/trader/pkg/logger"
)

func main() {
	var (
		sourceRunID = flag.String("source-run", "", "run id to replay (required)")
		replayRunID = flag.String("replay-run", "", "run id for the replayed documents (default: replay_<timestamp>)")
		startStr    = flag.String("start", "", "window start, RFC3339 (required)")
		endStr      = flag.String("end", "", "window end, RFC3339 (required)")
		outPath     = flag.String("out", "", "write the diff report to this file instead of stdout")
	)
	flag.Parse()

	if *sourceRunID == "" || *startStr == "" || *endStr == "" {
		flag.Usage()
		os.Exit(2)
	}

	start, err := parseTS(*startStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		os.Exit(2)
	}
	end, err := parseTS(*endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "desk-replay",
	})

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	replayID := *replayRunID
	if replayID == "" {
		replayID = "replay_" + time.Now().UTC().Format("20060102_150405")
	}

	advisors := advisor.NewClient(cfg.AdvisorServiceURL, cfg.AdvisorTimeout, log)
	feed := marketdata.NewClient(cfg.MarketDataServiceURL, log)

	// Replay only re-derives governance documents: no executor, no venue.
	orch := orchestrator.NewOrchestrator(cfg, db, advisors, feed, nil, nil, nil, log)

	log.Info().
		Str("source_run_id", *sourceRunID).
		Str("replay_run_id", replayID).
		Time("start", start).
		Time("end", end).
		Msg("Starting replay")

	report, err := orch.RunReplay(*sourceRunID, replayID, start, end)
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode replay report")
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, body, 0o644); err != nil {
			log.Fatal().Err(err).Msg("Failed to write replay report")
		}
		log.Info().Str("path", *outPath).Int("cycles", len(report.Cycles)).Msg("Replay report written")
		return
	}
	fmt.Println(string(body))
}

// parseTS accepts RFC3339 or a bare date.
func parseTS(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
