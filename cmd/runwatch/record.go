package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/runwatch/pkg/broadcast"
	"github.com/ethpandaops/runwatch/pkg/monitor"
	"github.com/ethpandaops/runwatch/pkg/orchestrator"
	"github.com/ethpandaops/runwatch/pkg/status"
	"github.com/ethpandaops/runwatch/pkg/store"
)

var (
	recordExecutionID string
	recordTestID      string
	recordTestName    string
	recordStatus      string
	recordStartTime   string
	recordEndTime     string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Report test progress from inside a runner",
	Long: `Record writes test results and execution completion straight to the
store and announces the change to every serving instance. The execution id
defaults to $` + orchestrator.EnvExecutionID + `, which runwatch sets for the
runners it launches.`,
}

var recordResultCmd = &cobra.Command{
	Use:   "result",
	Short: "Record one test result",
	RunE:  runRecordResult,
}

var recordFinishCmd = &cobra.Command{
	Use:   "finish",
	Short: "Mark an execution finished",
	RunE:  runRecordFinish,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordResultCmd, recordFinishCmd)

	recordCmd.PersistentFlags().StringVar(&recordExecutionID, "execution-id",
		os.Getenv(orchestrator.EnvExecutionID), "execution id")
	recordCmd.PersistentFlags().StringVar(&recordStatus, "status", "", "status to record")

	recordResultCmd.Flags().StringVar(&recordTestID, "test-id", "", "unique test identifier")
	recordResultCmd.Flags().StringVar(&recordTestName, "name", "", "human readable test name")
	recordResultCmd.Flags().StringVar(&recordStartTime, "start-time", "", "test start (RFC3339)")
	recordResultCmd.Flags().StringVar(&recordEndTime, "end-time", "", "test end (RFC3339)")
}

// hookSession is the store and status service used by one hook call.
type hookSession struct {
	store   store.Store
	monitor monitor.Service
	relay   broadcast.Relay
}

func (h *hookSession) Close() {
	if h.relay != nil {
		_ = h.relay.Close()
	}

	if err := h.store.Stop(); err != nil {
		log.WithError(err).Warn("Failed to close store")
	}
}

func openHookSession(ctx context.Context, cmd *cobra.Command) (*hookSession, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	mon, err := monitor.New(log, st, monitor.Config{
		Concurrency: 1,
		CacheSize:   cfg.Recording.CacheSize,
	})
	if err != nil {
		_ = st.Stop()

		return nil, fmt.Errorf("creating status service: %w", err)
	}

	session := &hookSession{store: st, monitor: mon}

	if relay := newRelay(ctx, cfg); relay != nil {
		session.relay = relay
		mon.SetNotifier(broadcast.NewRelayNotifier(log, relay))
	}

	return session, nil
}

func parseOptionalTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil //nolint:nilnil // absent is not an error
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("parsing --%s: %w", name, err)
	}

	return &t, nil
}

func runRecordResult(cmd *cobra.Command, args []string) error {
	start, err := parseOptionalTime("start-time", recordStartTime)
	if err != nil {
		return err
	}

	end, err := parseOptionalTime("end-time", recordEndTime)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	session, err := openHookSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	err = session.monitor.RecordResult(ctx, store.ResultRecord{
		ExecutionID: recordExecutionID,
		TestID:      recordTestID,
		TestName:    recordTestName,
		Status:      status.Status(recordStatus),
		StartTime:   start,
		EndTime:     end,
	})

	// Results for unknown executions are dropped, never fatal to the runner.
	if errors.Is(err, store.ErrExecutionNotFound) {
		return nil
	}

	return err
}

func runRecordFinish(cmd *cobra.Command, args []string) error {
	st, err := status.ParseExecution(recordStatus)
	if err != nil {
		return err
	}

	if !st.TerminalExecution() {
		return fmt.Errorf("status must be one of PASSED, FAILED, ERROR, got %s", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	session, err := openHookSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer session.Close()

	written, err := session.monitor.FinishExecution(ctx, recordExecutionID, st)
	if err != nil {
		return fmt.Errorf("finishing execution: %w", err)
	}

	fmt.Println(written)

	return nil
}
