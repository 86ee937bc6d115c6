// Package monitor answers status queries and records results reported by
// the out-of-process recording hook.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ethpandaops/runwatch/pkg/broadcast"
	"github.com/ethpandaops/runwatch/pkg/metrics"
	"github.com/ethpandaops/runwatch/pkg/status"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/ethpandaops/runwatch/pkg/validate"
)

// ErrNotFound is returned for unknown executions, and for known ones when
// the store is unreachable and nothing is cached.
var ErrNotFound = errors.New("execution not found")

// Service is the read and record side of runwatch.
type Service interface {
	broadcast.Source

	GetStatus(ctx context.Context, executionID string) (*status.Snapshot, error)
	RecentExecutions(ctx context.Context, limit int) ([]status.Snapshot, error)
	Results(ctx context.Context, executionID string) ([]store.Result, error)

	// RecordResult stores one test completion and announces the change.
	RecordResult(ctx context.Context, rec store.ResultRecord) error
	// FinishExecution finalizes an execution on behalf of the recording
	// hook. It never overrides a terminal status except to FAILED.
	FinishExecution(ctx context.Context, executionID string, st status.Status) (status.Status, error)

	// SetNotifier wires the broadcaster after construction.
	SetNotifier(n Notifier)
}

// Notifier is told about status changes.
type Notifier interface {
	Notify(ctx context.Context, ev broadcast.Event)
}

// Config tunes a Service.
type Config struct {
	Concurrency int
	CacheSize   int
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	log      logrus.FieldLogger
	store    store.Store
	notifier Notifier
	sem      *semaphore.Weighted
	lastGood *lru.Cache
	now      func() time.Time
}

// New creates a status service over st.
func New(log logrus.FieldLogger, st store.Store, cfg Config) (Service, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot cache: %w", err)
	}

	return &service{
		log:      log.WithField("component", "monitor"),
		store:    st,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		lastGood: cache,
		now:      time.Now,
	}, nil
}

func (s *service) SetNotifier(n Notifier) {
	s.notifier = n
}

// GetStatus builds the current snapshot of an execution. When the store
// fails, the last good snapshot is returned flagged stale.
func (s *service) GetStatus(ctx context.Context, executionID string) (*status.Snapshot, error) {
	snap, err := s.build(ctx, executionID)
	if err == nil {
		s.lastGood.Add(executionID, *snap)

		return snap, nil
	}

	if errors.Is(err, store.ErrExecutionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
	}

	if cached, ok := s.lastGood.Get(executionID); ok {
		stale := cached.(status.Snapshot)
		stale.Stale = true

		metrics.StaleSnapshots.Inc()
		s.log.WithError(err).WithField("execution_id", executionID).
			Warn("Store unavailable, serving last known status")

		return &stale, nil
	}

	s.log.WithError(err).WithField("execution_id", executionID).
		Warn("Store unavailable and no cached status")

	return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
}

// Snapshot is GetStatus under the name the broadcaster expects.
func (s *service) Snapshot(ctx context.Context, executionID string) (*status.Snapshot, error) {
	return s.GetStatus(ctx, executionID)
}

func (s *service) build(ctx context.Context, executionID string) (*status.Snapshot, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.buildFor(ctx, exec)
}

func (s *service) buildFor(ctx context.Context, exec *store.Execution) (*status.Snapshot, error) {
	results, err := s.store.ListResults(ctx, exec.ExecutionID)
	if err != nil {
		return nil, err
	}

	snap := status.Build(exec.Info(), store.Statuses(results), s.now())

	return &snap, nil
}

// ActiveExecutions returns snapshots of every RUNNING execution.
func (s *service) ActiveExecutions(ctx context.Context) ([]status.Snapshot, error) {
	execs, err := s.store.ListExecutionsByStatus(ctx, status.Running)
	if err != nil {
		return nil, fmt.Errorf("listing active executions: %w", err)
	}

	return s.snapshots(ctx, execs)
}

// RecentExecutions returns snapshots of the newest executions.
func (s *service) RecentExecutions(ctx context.Context, limit int) ([]status.Snapshot, error) {
	execs, err := s.store.ListRecentExecutions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}

	return s.snapshots(ctx, execs)
}

func (s *service) snapshots(ctx context.Context, execs []store.Execution) ([]status.Snapshot, error) {
	out := make([]status.Snapshot, 0, len(execs))

	for i := range execs {
		snap, err := s.buildFor(ctx, &execs[i])
		if err != nil {
			return nil, fmt.Errorf("building status for %s: %w", execs[i].ExecutionID, err)
		}

		s.lastGood.Add(snap.ExecutionID, *snap)
		out = append(out, *snap)
	}

	return out, nil
}

// Results lists the recorded results of an execution.
func (s *service) Results(ctx context.Context, executionID string) ([]store.Result, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, executionID)
		}

		return nil, err
	}

	return s.store.ListResults(ctx, executionID)
}

// RecordResult validates and stores rec, then announces the change.
// Unknown executions are logged and reported with store.ErrExecutionNotFound.
func (s *service) RecordResult(ctx context.Context, rec store.ResultRecord) error {
	rec.ExecutionID = strings.TrimSpace(rec.ExecutionID)
	rec.TestID = strings.TrimSpace(rec.TestID)
	rec.TestName = strings.TrimSpace(rec.TestName)

	if err := validate.Value(validate.KindExecutionID, rec.ExecutionID); err != nil {
		return err
	}

	if rec.TestID == "" {
		return &validate.InvalidInputError{Field: "testId", Rule: "required", Reason: "must not be empty"}
	}

	if len(rec.TestID) > 191 {
		return &validate.InvalidInputError{
			Field: "testId", Rule: "max", Reason: "must be at most 191 characters",
		}
	}

	st, err := status.ParseResult(string(rec.Status))
	if err != nil {
		return &validate.InvalidInputError{Field: "status", Rule: "oneof", Reason: err.Error()}
	}

	rec.Status = st

	if rec.TestName == "" {
		rec.TestName = rec.TestID
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for recording slot: %w", err)
	}
	defer s.sem.Release(1)

	log := s.log.WithFields(logrus.Fields{
		"execution_id": rec.ExecutionID,
		"test_id":      rec.TestID,
		"status":       rec.Status,
	})

	if err := s.store.UpsertResult(ctx, rec); err != nil {
		if errors.Is(err, store.ErrExecutionNotFound) {
			metrics.ResultsRecorded.WithLabelValues(string(rec.Status), "unknown_execution").Inc()
			log.Warn("Execution not found, dropping result")

			return err
		}

		metrics.ResultsRecorded.WithLabelValues(string(rec.Status), "error").Inc()
		log.WithError(err).Error("Failed to record result")

		return err
	}

	metrics.ResultsRecorded.WithLabelValues(string(rec.Status), "ok").Inc()
	log.Debug("Recorded result")

	s.notify(ctx, rec.ExecutionID, rec.Status)

	return nil
}

// FinishExecution finalizes without force.
func (s *service) FinishExecution(
	ctx context.Context, executionID string, st status.Status,
) (status.Status, error) {
	written, err := s.store.FinalizeExecution(ctx, executionID, st, store.FinalizeOptions{})
	if err != nil {
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"execution_id": executionID,
		"status":       written,
	}).Info("Execution finished by recording hook")

	s.notify(ctx, executionID, written)

	return written, nil
}

func (s *service) notify(ctx context.Context, executionID string, st status.Status) {
	if s.notifier == nil {
		return
	}

	s.notifier.Notify(ctx, broadcast.Event{ExecutionID: executionID, Status: st})
}
