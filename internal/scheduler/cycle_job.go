package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/trader/internal/orchestrator"
)

// CycleRunner runs one pipeline cycle. *orchestrator.Orchestrator satisfies
// it.
type CycleRunner interface {
	RunCycle(runID, cycleID string) (*orchestrator.CycleResult, error)
}

// CycleJob ticks the pipeline once per cadence. The run id is fixed at
// process start; each tick mints a fresh cycle id.
type CycleJob struct {
	runner CycleRunner
	runID  string
	now    func() time.Time
	log    zerolog.Logger
}

// NewCycleJob creates a new cycle job
func NewCycleJob(runner CycleRunner, runID string, log zerolog.Logger) *CycleJob {
	return &CycleJob{
		runner: runner,
		runID:  runID,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("job", "trading_cycle").Logger(),
	}
}

// WithNow returns a copy using the given time source. Test hook.
func (j *CycleJob) WithNow(now func() time.Time) *CycleJob {
	cp := *j
	cp.now = now
	return &cp
}

// Name implements Job.
func (j *CycleJob) Name() string { return "trading_cycle" }

// Run executes one cycle.
func (j *CycleJob) Run() error {
	cycleID := orchestrator.NewCycleID(j.now())
	result, err := j.runner.RunCycle(j.runID, cycleID)
	if err != nil {
		return err
	}
	j.log.Info().
		Str("cycle_id", result.CycleID).
		Int("intents", result.OrderPlanIntents).
		Str("execution_status", result.ExecutionStatus).
		Msg("Cycle finished")
	return nil
}
