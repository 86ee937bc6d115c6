package store

import (
	"time"

	"github.com/ethpandaops/runwatch/pkg/status"
)

// Execution is one batch of tests sharing a single identifier.
type Execution struct {
	ExecutionID   string        `gorm:"primaryKey;size:191"`
	SuiteName     string        `gorm:"not null"`
	Description   string        `gorm:"type:text"`
	ExecutionType string        `gorm:"size:32"`
	Environment   string        `gorm:"index;size:32"`
	Status        status.Status `gorm:"index;not null;size:16"`
	StartTime     time.Time     `gorm:"index"`
	EndTime       *time.Time
	ExitCode      *int
	Output        string `gorm:"type:text"`

	Results []Result `gorm:"foreignKey:ExecutionID;references:ExecutionID;constraint:OnDelete:CASCADE"`
}

// Info returns the header the status aggregator works from.
func (e *Execution) Info() status.ExecutionInfo {
	return status.ExecutionInfo{
		ExecutionID: e.ExecutionID,
		SuiteName:   e.SuiteName,
		Environment: e.Environment,
		Status:      e.Status,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
	}
}

// Result is the outcome of one test within an execution.
type Result struct {
	ID          uint          `gorm:"primaryKey"`
	ExecutionID string        `gorm:"not null;size:191;uniqueIndex:idx_results_exec_test"`
	TestID      string        `gorm:"not null;size:191;uniqueIndex:idx_results_exec_test"`
	TestName    string        `gorm:"not null"`
	Status      status.Status `gorm:"not null;size:16"`
	StartTime   *time.Time
	EndTime     *time.Time
	UpdatedAt   time.Time
}

// ExecutionSpec describes a new execution row.
type ExecutionSpec struct {
	ExecutionID   string
	SuiteName     string
	Description   string
	ExecutionType string
	Environment   string
}

// ResultRecord is one reported test completion.
type ResultRecord struct {
	ExecutionID string        `json:"executionId"`
	TestID      string        `json:"testId"`
	TestName    string        `json:"testName"`
	Status      status.Status `json:"status"`
	StartTime   *time.Time    `json:"startTime,omitempty"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
}

// FinalizeOptions tune FinalizeExecution.
type FinalizeOptions struct {
	// Force allows moving an already terminal execution, used for the
	// exit-time transition of a supervised runner.
	Force    bool
	ExitCode *int
	Output   string
}

// Statuses extracts result statuses in row order.
func Statuses(results []Result) []status.Status {
	out := make([]status.Status, 0, len(results))
	for _, r := range results {
		out = append(out, r.Status)
	}

	return out
}
