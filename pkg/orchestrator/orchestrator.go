package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/broadcast"
	"github.com/ethpandaops/runwatch/pkg/config"
	"github.com/ethpandaops/runwatch/pkg/metrics"
	"github.com/ethpandaops/runwatch/pkg/status"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/ethpandaops/runwatch/pkg/validate"
)

var (
	// ErrExecutionAlreadyActive is returned when an execution id is
	// already running here or in the store.
	ErrExecutionAlreadyActive = errors.New("execution already active")

	// ErrExecutionIDTaken is returned when the id belongs to a finished
	// execution.
	ErrExecutionIDTaken = errors.New("execution id already used")

	// ErrProcessSupervision wraps spawn and wait failures. The execution is
	// finalized ERROR.
	ErrProcessSupervision = errors.New("process supervision failed")

	// ErrShuttingDown is returned by Submit after Shutdown began.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)

// Runner environment variables handed to the recording hook.
const (
	EnvExecutionID = "RUNWATCH_EXECUTION_ID"
	EnvSuiteName   = "RUNWATCH_SUITE_NAME"
	EnvEnvironment = "RUNWATCH_ENVIRONMENT"
)

// Request is a submission.
type Request struct {
	// ExecutionID is optional; a uuid is generated when empty.
	ExecutionID string
	// Environment defaults to the configured environment.
	Environment string
	Filter      Filter
	Parameters  map[string]string
}

// Submission is returned once the runner has been handed to supervision.
type Submission struct {
	ExecutionID    string        `json:"executionId"`
	Status         status.Status `json:"status"`
	Description    string        `json:"description"`
	SuiteName      string        `json:"suiteName"`
	Environment    string        `json:"environment"`
	TestsToExecute []string      `json:"testsToExecute"`
	MonitoringURL  string        `json:"monitoringUrl"`
	LiveUpdatesURL string        `json:"liveUpdatesUrl"`
	ResultsURL     string        `json:"resultsUrl"`
}

// Notifier is told about status changes.
type Notifier interface {
	Notify(ctx context.Context, ev broadcast.Event)
}

// Orchestrator validates submissions, persists them and supervises the
// runner process of each one.
type Orchestrator interface {
	Submit(ctx context.Context, req Request) (*Submission, error)
	// Wait blocks until the supervisor of id finished, or ctx is done.
	Wait(ctx context.Context, executionID string) error
	// Active lists execution ids supervised by this process.
	Active() []string
	// Shutdown stops accepting submissions and waits for supervisors.
	Shutdown(ctx context.Context) error
}

// Options holds the collaborators of an orchestrator.
type Options struct {
	Store    store.Store
	Notifier Notifier
	Launcher Launcher
	Catalog  Catalog
	// Archiver is optional; finished executions are uploaded when set.
	Archiver archive.Archiver
	Runner   config.RunnerConfig
	// Environment is used when a request names none.
	Environment string
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log  logrus.FieldLogger
	opts Options

	mu       sync.Mutex
	active   map[string]chan struct{}
	closing  bool
	wg       sync.WaitGroup
	newID    func() string
	finalCtx func() (context.Context, context.CancelFunc)
	// finalBackOff paces finalize retries within the finalCtx budget.
	finalBackOff func() backoff.BackOff
}

// New creates an orchestrator.
func New(log logrus.FieldLogger, opts Options) Orchestrator {
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}

	if opts.Catalog == nil {
		opts.Catalog = SelectorCatalog{}
	}

	if opts.Environment == "" {
		opts.Environment = config.DefaultEnvironment
	}

	return &orchestrator{
		log:    log.WithField("component", "orchestrator"),
		opts:   opts,
		active: make(map[string]chan struct{}, 8),
		newID:  uuid.NewString,
		finalCtx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 30*time.Second)
		},
		finalBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0

			return b
		},
	}
}

// Submit validates req, records the execution and starts supervising its
// runner. It returns as soon as supervision is handed off.
func (o *orchestrator) Submit(ctx context.Context, req Request) (*Submission, error) {
	if req.Filter == nil {
		return nil, &validate.InvalidInputError{
			Field: "filter", Rule: "required", Reason: "must not be empty",
		}
	}

	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}

	executionID := strings.TrimSpace(req.ExecutionID)
	if executionID != "" {
		if err := validate.Value(validate.KindExecutionID, executionID); err != nil {
			return nil, err
		}
	} else {
		executionID = o.newID()
	}

	environment := strings.TrimSpace(req.Environment)
	if environment == "" {
		environment = o.opts.Environment
	}

	if err := validate.Value(validate.KindEnvironment, environment); err != nil {
		return nil, err
	}

	done, err := o.reserve(executionID)
	if err != nil {
		return nil, err
	}

	log := o.log.WithFields(logrus.Fields{
		"execution_id": executionID,
		"kind":         req.Filter.Kind(),
	})

	if err := o.checkStore(ctx, executionID); err != nil {
		o.release(executionID, done)

		return nil, err
	}

	suiteName := req.Filter.SuiteName()

	created, err := o.opts.Store.EnsureExecution(ctx, store.ExecutionSpec{
		ExecutionID:   executionID,
		SuiteName:     suiteName,
		Description:   req.Filter.Description(),
		ExecutionType: string(req.Filter.Kind()),
		Environment:   environment,
	})
	if err != nil {
		o.release(executionID, done)

		return nil, fmt.Errorf("recording execution: %w", err)
	}

	// Another instance inserted the row after checkStore.
	if !created {
		o.release(executionID, done)

		return nil, fmt.Errorf("%w: %s", ErrExecutionAlreadyActive, executionID)
	}

	o.notify(ctx, executionID, status.Running)

	args := append([]string{}, o.opts.Runner.Args...)
	args = append(args, req.Filter.RunnerArgs()...)

	paramArgs, skipped := parameterArgs(req.Parameters)
	for _, key := range skipped {
		log.WithField("parameter", key).Warn("Skipping unsafe runner parameter")
	}

	args = append(args, paramArgs...)

	tests, err := o.opts.Catalog.TestsFor(ctx, req.Filter)
	if err != nil {
		log.WithError(err).Warn("Test catalog lookup failed, using filter selectors")

		tests = req.Filter.Selectors()
	}

	spec := LaunchSpec{
		Command: o.opts.Runner.Command,
		Args:    args,
		Dir:     o.opts.Runner.WorkDir,
		Env:     o.runnerEnv(executionID, suiteName, environment),
	}

	o.wg.Add(1)

	go o.supervise(executionID, spec, done)

	metrics.ExecutionsSubmitted.WithLabelValues(string(req.Filter.Kind())).Inc()
	log.WithField("suite", suiteName).Info("Execution submitted")

	escaped := url.QueryEscape(executionID)

	return &Submission{
		ExecutionID:    executionID,
		Status:         status.Running,
		Description:    req.Filter.Description(),
		SuiteName:      suiteName,
		Environment:    environment,
		TestsToExecute: tests,
		MonitoringURL:  "/api/v1/test-execution/status?executionId=" + escaped,
		LiveUpdatesURL: "/api/v1/test-execution/live?executionId=" + escaped,
		ResultsURL:     "/api/v1/executions/" + url.PathEscape(executionID) + "/results",
	}, nil
}

func (o *orchestrator) runnerEnv(executionID, suiteName, environment string) map[string]string {
	env := o.opts.Runner.EnvironmentVars()

	env[EnvExecutionID] = executionID
	env[EnvSuiteName] = suiteName
	env[EnvEnvironment] = environment

	return env
}

// reserve claims executionID in the active set.
func (o *orchestrator) reserve(executionID string) (chan struct{}, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing {
		return nil, ErrShuttingDown
	}

	if _, ok := o.active[executionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionAlreadyActive, executionID)
	}

	done := make(chan struct{})
	o.active[executionID] = done

	metrics.ExecutionsActive.Inc()

	return done, nil
}

func (o *orchestrator) release(executionID string, done chan struct{}) {
	o.mu.Lock()
	if o.active[executionID] == done {
		delete(o.active, executionID)
	}
	o.mu.Unlock()

	metrics.ExecutionsActive.Dec()
	close(done)
}

// checkStore rejects ids already known to the store.
func (o *orchestrator) checkStore(ctx context.Context, executionID string) error {
	exec, err := o.opts.Store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrExecutionNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("checking execution: %w", err)
	}

	if exec.Status == status.Running {
		return fmt.Errorf("%w: %s", ErrExecutionAlreadyActive, executionID)
	}

	return fmt.Errorf("%w: %s is %s", ErrExecutionIDTaken, executionID, exec.Status)
}

// supervise runs in its own goroutine for the lifetime of one runner.
func (o *orchestrator) supervise(executionID string, spec LaunchSpec, done chan struct{}) {
	defer o.wg.Done()
	defer o.release(executionID, done)

	log := o.log.WithField("execution_id", executionID)
	tail := newTailBuffer(o.opts.Runner.OutputTailBytes)

	spec.OnLine = func(stream, line string) {
		tail.WriteLine(stream, line)

		if stream == "stderr" {
			log.WithField("stream", stream).Debug(line)

			return
		}

		if notableLine(line) {
			log.Info(line)
		} else {
			log.Debug(line)
		}
	}

	final, exitCode, err := o.run(spec, log)
	if err != nil {
		log.WithError(err).Error("Runner supervision failed")
	}

	ctx, cancel := o.finalCtx()
	defer cancel()

	written, ferr := o.finalize(ctx, executionID, final, exitCode, tail.String(), log)
	if ferr != nil {
		log.WithError(ferr).WithField("status", final).Error("Failed to finalize execution")

		written = final
	}

	metrics.ExecutionsFinished.WithLabelValues(string(written)).Inc()

	log.WithFields(logrus.Fields{
		"status":    written,
		"exit_code": formatExitCode(exitCode),
	}).Info("Execution finished")

	o.notify(ctx, executionID, written)
	o.archive(ctx, executionID, log)
}

// finalize writes the terminal status, retrying until ctx is done. An
// attempt that fails with the output tail is repeated without it so the
// status still lands.
func (o *orchestrator) finalize(
	ctx context.Context,
	executionID string,
	final status.Status,
	exitCode *int,
	output string,
	log logrus.FieldLogger,
) (status.Status, error) {
	var written status.Status

	op := func() error {
		opts := store.FinalizeOptions{Force: true, ExitCode: exitCode, Output: output}

		st, err := o.opts.Store.FinalizeExecution(ctx, executionID, final, opts)
		if err != nil && output != "" {
			log.WithError(err).Warn("Finalize with runner output failed, retrying without it")

			opts.Output = ""
			st, err = o.opts.Store.FinalizeExecution(ctx, executionID, final, opts)
		}

		if errors.Is(err, store.ErrExecutionNotFound) {
			return backoff.Permanent(err)
		}

		if err != nil {
			return err
		}

		written = st

		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Finalize failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(o.finalBackOff(), ctx), notify); err != nil {
		return "", err
	}

	return written, nil
}

// archive uploads the report of a finalized execution. Failures are
// logged only.
func (o *orchestrator) archive(ctx context.Context, executionID string, log logrus.FieldLogger) {
	if o.opts.Archiver == nil {
		return
	}

	exec, err := o.opts.Store.GetExecution(ctx, executionID)
	if err != nil {
		log.WithError(err).Warn("Failed to load execution for archiving")
		metrics.ArchiveUploads.WithLabelValues("error").Inc()

		return
	}

	results, err := o.opts.Store.ListResults(ctx, executionID)
	if err != nil {
		log.WithError(err).Warn("Failed to load results for archiving")
		metrics.ArchiveUploads.WithLabelValues("error").Inc()

		return
	}

	if err := o.opts.Archiver.Archive(ctx, archive.NewReport(exec, results, time.Now())); err != nil {
		log.WithError(err).Warn("Failed to archive execution report")
		metrics.ArchiveUploads.WithLabelValues("error").Inc()

		return
	}

	metrics.ArchiveUploads.WithLabelValues("ok").Inc()
}

// run launches and waits for the runner, mapping the outcome onto an
// execution status.
func (o *orchestrator) run(spec LaunchSpec, log logrus.FieldLogger) (status.Status, *int, error) {
	proc, err := o.opts.Launcher.Launch(context.Background(), spec)
	if err != nil {
		return status.Error, nil, fmt.Errorf("%w: %w", ErrProcessSupervision, err)
	}

	log.WithFields(logrus.Fields{
		"pid":     proc.PID(),
		"command": spec.Command + " " + strings.Join(spec.Args, " "),
	}).Info("Runner started")

	code, err := proc.Wait()
	if err != nil {
		return status.Error, nil, fmt.Errorf("%w: %w", ErrProcessSupervision, err)
	}

	if code == 0 {
		return status.Passed, &code, nil
	}

	return status.Failed, &code, nil
}

func (o *orchestrator) notify(ctx context.Context, executionID string, st status.Status) {
	if o.opts.Notifier == nil {
		return
	}

	o.opts.Notifier.Notify(ctx, broadcast.Event{ExecutionID: executionID, Status: st})
}

// Wait blocks until executionID is no longer supervised here.
func (o *orchestrator) Wait(ctx context.Context, executionID string) error {
	o.mu.Lock()
	done, ok := o.active[executionID]
	o.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the ids supervised by this process.
func (o *orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}

	return ids
}

// Shutdown refuses new submissions and waits for running supervisors.
func (o *orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	remaining := len(o.active)
	o.mu.Unlock()

	if remaining > 0 {
		o.log.WithField("active", remaining).Info("Waiting for supervised runners to exit")
	}

	finished := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for runners: %w", ctx.Err())
	}
}

func formatExitCode(code *int) any {
	if code == nil {
		return "none"
	}

	return *code
}
