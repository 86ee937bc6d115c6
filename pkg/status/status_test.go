package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name                           string
		total, passed, failed, skipped int
		expected                       float64
	}{
		{name: "zero total", expected: 0},
		{name: "all passed", total: 4, passed: 4, expected: 100},
		{name: "three of five", total: 5, passed: 3, expected: 60},
		{name: "mixed complete", total: 3, passed: 2, failed: 1, expected: 100},
		{name: "skipped counts as complete", total: 4, passed: 1, skipped: 1, expected: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected,
				ComputeProgress(tt.total, tt.passed, tt.failed, tt.skipped), 0.0001)
		})
	}
}

func TestComputeOutcome(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		expected Status
	}{
		{name: "no results", statuses: nil, expected: Running},
		{name: "all passed", statuses: []Status{Passed, Passed}, expected: Passed},
		{name: "passed and skipped", statuses: []Status{Passed, Skipped}, expected: Passed},
		{name: "still running", statuses: []Status{Passed, Running}, expected: Running},
		{name: "failure wins while running", statuses: []Status{Running, Running, Failed}, expected: Failed},
		{name: "error folds into failed", statuses: []Status{Passed, Error}, expected: Failed},
		{name: "error wins while running", statuses: []Status{Error, Running}, expected: Failed},
		{name: "timeout is a failure", statuses: []Status{Passed, Timeout}, expected: Failed},
		{name: "only skipped", statuses: []Status{Skipped}, expected: Passed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ComputeOutcome(tt.statuses))
		})
	}
}

func TestComputeOutcome_AnyFailureDominates(t *testing.T) {
	// A single failure among any number of running results is FAILED.
	for running := 0; running < 50; running++ {
		statuses := make([]Status, 0, running+1)
		for i := 0; i < running; i++ {
			statuses = append(statuses, Running)
		}

		statuses = append(statuses, Failed)

		assert.Equal(t, Failed, ComputeOutcome(statuses), "running=%d", running)
	}
}

func TestTally(t *testing.T) {
	c := Tally([]Status{Passed, Passed, Failed, Error, Timeout, Skipped, Running})

	assert.Equal(t, Counts{Total: 7, Passed: 2, Failed: 3, Skipped: 1, Running: 1}, c)
}

func TestParseResult(t *testing.T) {
	s, err := ParseResult(" passed ")
	require.NoError(t, err)
	assert.Equal(t, Passed, s)

	s, err = ParseResult("TIMEOUT")
	require.NoError(t, err)
	assert.Equal(t, Timeout, s)

	_, err = ParseResult("flaky")
	require.Error(t, err)
}

func TestParseExecution(t *testing.T) {
	_, err := ParseExecution("SKIPPED")
	require.Error(t, err)

	s, err := ParseExecution("error")
	require.NoError(t, err)
	assert.Equal(t, Error, s)
}

func TestBuild(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	now := start.Add(90 * time.Second)

	t.Run("late subscriber sees partial progress", func(t *testing.T) {
		snap := Build(ExecutionInfo{
			ExecutionID: "exec-1",
			SuiteName:   "smoke",
			Environment: "dev",
			Status:      Running,
			StartTime:   start,
		}, []Status{Passed, Passed, Passed, Running, Running}, now)

		assert.Equal(t, "exec-1", snap.ExecutionID)
		assert.Equal(t, 5, snap.Total)
		assert.Equal(t, 3, snap.Passed)
		assert.Equal(t, 2, snap.Running)
		assert.InDelta(t, 60.0, snap.Progress, 0.0001)
		assert.Equal(t, Running, snap.Outcome)
		assert.Equal(t, int64(90_000), snap.DurationMS)
		assert.NotEmpty(t, snap.DurationHuman)
	})

	t.Run("finished with a failure", func(t *testing.T) {
		end := start.Add(time.Minute)
		snap := Build(ExecutionInfo{
			ExecutionID: "exec-2",
			Status:      Failed,
			StartTime:   start,
			EndTime:     &end,
		}, []Status{Passed, Passed, Failed}, now)

		assert.InDelta(t, 100.0, snap.Progress, 0.0001)
		assert.Equal(t, Failed, snap.Outcome)
		assert.Equal(t, int64(60_000), snap.DurationMS)
	})

	t.Run("terminal without results uses stored status", func(t *testing.T) {
		end := start.Add(time.Second)
		snap := Build(ExecutionInfo{
			ExecutionID: "exec-3",
			Status:      Error,
			StartTime:   start,
			EndTime:     &end,
		}, nil, now)

		assert.Equal(t, 0, snap.Total)
		assert.Zero(t, snap.Progress)
		assert.Equal(t, Error, snap.Outcome)
	})
}
