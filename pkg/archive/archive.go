// Package archive uploads the report of a finished execution to object
// storage and hands out time-limited download links for it.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ethpandaops/runwatch/pkg/status"
	"github.com/ethpandaops/runwatch/pkg/store"
)

const (
	reportFile = "report.json"
	outputFile = "output.log"
)

// ErrNotArchived is returned by Locate when no report exists for an id.
var ErrNotArchived = errors.New("execution not archived")

// Archiver stores execution reports.
type Archiver interface {
	// Preflight verifies the bucket is writable.
	Preflight(ctx context.Context) error
	// Archive uploads the report and the runner output tail.
	Archive(ctx context.Context, report *Report) error
	// Locate returns a presigned download URL for an archived report.
	Locate(ctx context.Context, executionID string) (string, error)
}

// Report is the archived document of one execution.
type Report struct {
	status.Snapshot

	Description   string         `json:"description"`
	ExecutionType string         `json:"executionType"`
	ExitCode      *int           `json:"exitCode"`
	ArchivedAt    time.Time      `json:"archivedAt"`
	Results       []ReportResult `json:"results"`

	// Output is uploaded as a separate object.
	Output string `json:"-"`
}

// ReportResult is one test outcome in a report.
type ReportResult struct {
	TestID    string        `json:"testId"`
	TestName  string        `json:"testName"`
	Status    status.Status `json:"status"`
	StartTime *time.Time    `json:"startTime,omitempty"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
}

// NewReport assembles a report from the stored execution and its results.
func NewReport(exec *store.Execution, results []store.Result, now time.Time) *Report {
	rows := make([]ReportResult, 0, len(results))
	for _, r := range results {
		rows = append(rows, ReportResult{
			TestID:    r.TestID,
			TestName:  r.TestName,
			Status:    r.Status,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		})
	}

	return &Report{
		Snapshot:      status.Build(exec.Info(), store.Statuses(results), now),
		Description:   exec.Description,
		ExecutionType: exec.ExecutionType,
		ExitCode:      exec.ExitCode,
		ArchivedAt:    now.UTC(),
		Results:       rows,
		Output:        exec.Output,
	}
}

// objectKey returns the key of one object of an execution. Ids are
// limited to [A-Za-z0-9._-], so only dot-only ids could leave their
// directory.
func objectKey(prefix, executionID, name string) (string, error) {
	if strings.Trim(executionID, ".") == "" {
		return "", fmt.Errorf("invalid execution id %q", executionID)
	}

	prefix = strings.Trim(prefix, "/")

	return path.Join(prefix, "executions", executionID, name), nil
}
