package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/trader/internal/orchestrator"
)

type fakeRunner struct {
	runIDs   []string
	cycleIDs []string
	err      error
}

func (r *fakeRunner) RunCycle(runID, cycleID string) (*orchestrator.CycleResult, error) {
	r.runIDs = append(r.runIDs, runID)
	r.cycleIDs = append(r.cycleIDs, cycleID)
	if r.err != nil {
		return nil, r.err
	}
	return &orchestrator.CycleResult{RunID: runID, CycleID: cycleID, ExecutionStatus: "skipped"}, nil
}

func TestCycleJobMintsCycleIDPerTick(t *testing.T) {
	runner := &fakeRunner{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := NewCycleJob(runner, "run-1", zerolog.Nop()).WithNow(func() time.Time { return at })

	require.NoError(t, job.Run())
	at = at.Add(6 * time.Minute)
	require.NoError(t, job.Run())

	assert.Equal(t, []string{"run-1", "run-1"}, runner.runIDs)
	assert.Equal(t, []string{"cycle_20260301_120000", "cycle_20260301_120600"}, runner.cycleIDs)
}

func TestCycleJobPropagatesError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("snapshot unavailable")}
	job := NewCycleJob(runner, "run-1", zerolog.Nop())

	err := job.Run()
	require.Error(t, err)
	assert.Len(t, runner.cycleIDs, 1)
}
