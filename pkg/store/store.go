package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/status"
)

var (
	// ErrExecutionNotFound is returned when no execution row exists for an id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal is returned when a finalize call would move an
	// execution out of a terminal status without force.
	ErrExecutionTerminal = errors.New("execution already finished")
)

// Store persists executions and their results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	EnsureExecution(ctx context.Context, spec ExecutionSpec) (bool, error)
	UpsertResult(ctx context.Context, rec ResultRecord) error
	FinalizeExecution(
		ctx context.Context, executionID string, st status.Status, opts FinalizeOptions,
	) (status.Status, error)

	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListResults(ctx context.Context, executionID string) ([]Result, error)
	ListExecutionsByStatus(ctx context.Context, st status.Status) ([]Execution, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]Execution, error)
	DeleteExecution(ctx context.Context, executionID string) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		now: time.Now,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(PostgresDSN(s.cfg))
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection serializes writers and keeps ":memory:"
		// databases from splitting across pooled connections.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Execution{},
		&Result{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// PostgresDSN builds the connection string for the postgres driver. An
// explicit URL wins over the individual fields.
func PostgresDSN(cfg *config.DatabaseConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.Database,
		cfg.Postgres.SSLMode,
	)
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// EnsureExecution inserts a RUNNING execution unless one already exists.
// It reports whether this call created the row.
func (s *store) EnsureExecution(ctx context.Context, spec ExecutionSpec) (bool, error) {
	exec := &Execution{
		ExecutionID:   spec.ExecutionID,
		SuiteName:     spec.SuiteName,
		Description:   spec.Description,
		ExecutionType: spec.ExecutionType,
		Environment:   spec.Environment,
		Status:        status.Running,
		StartTime:     s.now().UTC(),
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(exec)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}

		return false, fmt.Errorf("creating execution: %w", res.Error)
	}

	return res.RowsAffected > 0, nil
}

// UpsertResult inserts a result or overwrites name, status and times of
// the existing row for the same execution and test id.
func (s *store) UpsertResult(ctx context.Context, rec ResultRecord) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Execution{}).
		Where("execution_id = ?", rec.ExecutionID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("checking execution: %w", err)
	}

	if count == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, rec.ExecutionID)
	}

	result := &Result{
		ExecutionID: rec.ExecutionID,
		TestID:      rec.TestID,
		TestName:    rec.TestName,
		Status:      rec.Status,
		StartTime:   rec.StartTime,
		EndTime:     rec.EndTime,
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "execution_id"}, {Name: "test_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"test_name", "status", "start_time", "end_time", "updated_at",
			}),
		}).
		Create(result).Error; err != nil {
		return fmt.Errorf("upserting result: %w", err)
	}

	return nil
}

// FinalizeExecution moves an execution to a terminal status and returns
// the status actually written. A PASSED request is written as FAILED when
// any failing result exists, and a FAILED execution is never downgraded.
func (s *store) FinalizeExecution(
	ctx context.Context, executionID string, st status.Status, opts FinalizeOptions,
) (status.Status, error) {
	if !st.TerminalExecution() {
		return "", fmt.Errorf("finalizing with non-terminal status %q", st)
	}

	written := st

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exec Execution
		if err := tx.Where("execution_id = ?", executionID).
			First(&exec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
			}

			return fmt.Errorf("loading execution: %w", err)
		}

		if written == status.Passed {
			var failures int64
			if err := tx.Model(&Result{}).
				Where("execution_id = ? AND status IN ?", executionID,
					[]status.Status{status.Failed, status.Error, status.Timeout}).
				Count(&failures).Error; err != nil {
				return fmt.Errorf("counting failed results: %w", err)
			}

			if failures > 0 {
				written = status.Failed
			}
		}

		updates := map[string]any{}

		if opts.ExitCode != nil {
			updates["exit_code"] = *opts.ExitCode
		}

		if opts.Output != "" {
			updates["output"] = opts.Output
		}

		if exec.Status.TerminalExecution() {
			switch {
			case exec.Status == written:
			case exec.Status == status.Failed && written == status.Passed:
				if !opts.Force {
					return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.Status)
				}

				written = status.Failed
			case written == status.Failed || opts.Force:
				updates["status"] = written
				updates["end_time"] = s.now().UTC()
			default:
				return fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, exec.Status)
			}
		} else {
			updates["status"] = written
			updates["end_time"] = s.now().UTC()
		}

		if len(updates) == 0 {
			return nil
		}

		if err := tx.Model(&Execution{}).
			Where("execution_id = ?", executionID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("updating execution: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return written, nil
}

// GetExecution returns one execution by id.
func (s *store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}

		return nil, fmt.Errorf("getting execution: %w", err)
	}

	return &exec, nil
}

// ListResults returns all results of an execution in insertion order.
func (s *store) ListResults(ctx context.Context, executionID string) ([]Result, error) {
	var results []Result
	if err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}

	return results, nil
}

// ListExecutionsByStatus returns executions in st, newest first.
func (s *store) ListExecutionsByStatus(
	ctx context.Context, st status.Status,
) ([]Execution, error) {
	var execs []Execution
	if err := s.db.WithContext(ctx).
		Where("status = ?", st).
		Order("start_time DESC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions by status: %w", err)
	}

	return execs, nil
}

// ListRecentExecutions returns up to limit executions, newest first.
func (s *store) ListRecentExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}

	var execs []Execution
	if err := s.db.WithContext(ctx).
		Order("start_time DESC").
		Limit(limit).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}

	return execs, nil
}

// DeleteExecution removes an execution and all of its results.
func (s *store) DeleteExecution(ctx context.Context, executionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("execution_id = ?", executionID).
			Delete(&Result{}).Error; err != nil {
			return fmt.Errorf("deleting results: %w", err)
		}

		res := tx.Where("execution_id = ?", executionID).Delete(&Execution{})
		if res.Error != nil {
			return fmt.Errorf("deleting execution: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}

		return nil
	})
}
