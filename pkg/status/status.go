package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Status is the lifecycle state of an execution or of a single result.
type Status string

// Execution statuses are a subset: RUNNING, PASSED, FAILED, ERROR.
const (
	Running Status = "RUNNING"
	Passed  Status = "PASSED"
	Failed  Status = "FAILED"
	Skipped Status = "SKIPPED"
	Error   Status = "ERROR"
	Timeout Status = "TIMEOUT"
)

// Terminal reports whether s will not change for a result.
func (s Status) Terminal() bool {
	return s != Running && s != ""
}

// IsFailure reports whether s counts as a failed test.
func (s Status) IsFailure() bool {
	return s == Failed || s == Error || s == Timeout
}

// TerminalExecution reports whether s is a final execution status.
func (s Status) TerminalExecution() bool {
	return s == Passed || s == Failed || s == Error
}

// ParseResult parses a result status, case-insensitively.
func ParseResult(value string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))

	switch s {
	case Running, Passed, Failed, Skipped, Error, Timeout:
		return s, nil
	default:
		return "", fmt.Errorf("unknown result status %q", value)
	}
}

// ParseExecution parses an execution status, case-insensitively.
func ParseExecution(value string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(value)))

	switch s {
	case Running, Passed, Failed, Error:
		return s, nil
	default:
		return "", fmt.Errorf("unknown execution status %q", value)
	}
}

// Counts is the per-status tally of an execution's results. ERROR and
// TIMEOUT results are counted as failed.
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Running int `json:"running"`
}

// Tally counts statuses by bucket.
func Tally(statuses []Status) Counts {
	c := Counts{Total: len(statuses)}

	for _, s := range statuses {
		switch {
		case s == Passed:
			c.Passed++
		case s.IsFailure():
			c.Failed++
		case s == Skipped:
			c.Skipped++
		default:
			c.Running++
		}
	}

	return c
}

// ComputeProgress returns the completed share of total as a percentage.
func ComputeProgress(total, passed, failed, skipped int) float64 {
	if total <= 0 {
		return 0
	}

	return float64(passed+failed+skipped) / float64(total) * 100
}

// ComputeOutcome rolls result statuses up into an execution outcome. Any
// failure wins immediately, even with results still running; PASSED needs
// at least one result and none running.
func ComputeOutcome(statuses []Status) Status {
	if len(statuses) == 0 {
		return Running
	}

	allTerminal := true

	for _, s := range statuses {
		if s.IsFailure() {
			return Failed
		}

		if !s.Terminal() {
			allTerminal = false
		}
	}

	if allTerminal {
		return Passed
	}

	return Running
}

// ExecutionInfo is the stored execution header a snapshot is built from.
type ExecutionInfo struct {
	ExecutionID string
	SuiteName   string
	Environment string
	Status      Status
	StartTime   time.Time
	EndTime     *time.Time
}

// Snapshot is the aggregated, point-in-time view of one execution pushed
// to subscribers and returned by status queries.
type Snapshot struct {
	ExecutionID   string     `json:"executionId"`
	SuiteName     string     `json:"suiteName"`
	Environment   string     `json:"environment"`
	Status        Status     `json:"status"`
	Outcome       Status     `json:"outcome"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime"`
	Total         int        `json:"total"`
	Passed        int        `json:"passed"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	Running       int        `json:"running"`
	Progress      float64    `json:"progress"`
	DurationMS    int64      `json:"durationMs"`
	DurationHuman string     `json:"duration"`
	Stale         bool       `json:"stale,omitempty"`
}

// Build aggregates an execution header and its result statuses. Running
// executions measure duration up to now.
func Build(info ExecutionInfo, statuses []Status, now time.Time) Snapshot {
	counts := Tally(statuses)

	end := now
	if info.EndTime != nil {
		end = *info.EndTime
	}

	duration := end.Sub(info.StartTime)
	if duration < 0 {
		duration = 0
	}

	outcome := ComputeOutcome(statuses)
	if info.Status.TerminalExecution() && outcome == Running {
		// Runner exited before reporting anything, or reported only
		// in-flight rows: the stored status is the answer.
		outcome = info.Status
	}

	return Snapshot{
		ExecutionID:   info.ExecutionID,
		SuiteName:     info.SuiteName,
		Environment:   info.Environment,
		Status:        info.Status,
		Outcome:       outcome,
		StartTime:     info.StartTime,
		EndTime:       info.EndTime,
		Total:         counts.Total,
		Passed:        counts.Passed,
		Failed:        counts.Failed,
		Skipped:       counts.Skipped,
		Running:       counts.Running,
		Progress:      ComputeProgress(counts.Total, counts.Passed, counts.Failed, counts.Skipped),
		DurationMS:    duration.Milliseconds(),
		DurationHuman: units.HumanDuration(duration),
	}
}
