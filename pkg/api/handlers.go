package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ethpandaops/runwatch/pkg/archive"
	"github.com/ethpandaops/runwatch/pkg/monitor"
	"github.com/ethpandaops/runwatch/pkg/orchestrator"
	"github.com/ethpandaops/runwatch/pkg/status"
	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/ethpandaops/runwatch/pkg/validate"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
	maxBodyBytes       = 1 << 20
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps service errors onto HTTP status codes.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *validate.InvalidInputError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: invalid.Error(), Field: invalid.Field})
	case errors.Is(err, validate.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, orchestrator.ErrExecutionAlreadyActive),
		errors.Is(err, orchestrator.ErrExecutionIDTaken),
		errors.Is(err, store.ErrExecutionTerminal):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, monitor.ErrNotFound),
		errors.Is(err, store.ErrExecutionNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "execution not found"})
	case errors.Is(err, archive.ErrNotArchived):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "execution report not archived"})
	case errors.Is(err, orchestrator.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")

		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	if err := dec.Decode(v); err != nil {
		return &validate.InvalidInputError{
			Field: "body", Rule: "json", Reason: err.Error(),
		}
	}

	return nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"supervisedRunners": len(s.orchestrator.Active()),
	})
}

// submitRequest is the union of every filter variant's fields. Only the
// fields of the posted variant are read.
type submitRequest struct {
	ExecutionID string            `json:"executionId,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Parameters  map[string]string `json:"parameters,omitempty"`

	TestClass  string   `json:"testClass,omitempty"`
	TestMethod string   `json:"testMethod,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Pattern    string   `json:"pattern,omitempty"`
	SuiteName  string   `json:"suiteName,omitempty"`
}

func (req submitRequest) filter(kind orchestrator.Kind) orchestrator.Filter {
	switch kind {
	case orchestrator.KindIndividual:
		return orchestrator.IndividualFilter{TestClass: req.TestClass, TestMethod: req.TestMethod}
	case orchestrator.KindTags:
		return orchestrator.TagsFilter{Tags: req.Tags}
	case orchestrator.KindGrep:
		return orchestrator.GrepFilter{Pattern: req.Pattern}
	case orchestrator.KindSuite:
		return orchestrator.SuiteFilter{Suite: req.SuiteName}
	default:
		return nil
	}
}

// handleSubmit starts an execution for one filter variant.
func (s *server) handleSubmit(kind orchestrator.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)

			return
		}

		sub, err := s.orchestrator.Submit(r.Context(), orchestrator.Request{
			ExecutionID: req.ExecutionID,
			Environment: req.Environment,
			Filter:      req.filter(kind),
			Parameters:  req.Parameters,
		})
		if err != nil {
			s.writeError(w, r, err)

			return
		}

		writeJSON(w, http.StatusAccepted, sub)
	}
}

func (s *server) writeStatus(w http.ResponseWriter, r *http.Request, executionID string) {
	if executionID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{Error: "executionId is required", Field: "executionId"})

		return
	}

	snap, err := s.monitor.GetStatus(r.Context(), executionID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, chi.URLParam(r, "id"))
}

func (s *server) handleStatusByQuery(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, r.URL.Query().Get("executionId"))
}

func (s *server) handleActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.monitor.ActiveExecutions(r.Context())
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

func (s *server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{Error: "limit must be a positive integer", Field: "limit"})

			return
		}

		limit = min(n, maxRecentLimit)
	}

	list, err := s.monitor.RecentExecutions(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, list)
}

// resultResponse is one recorded result.
type resultResponse struct {
	TestID    string        `json:"testId"`
	TestName  string        `json:"testName"`
	Status    status.Status `json:"status"`
	StartTime *time.Time    `json:"startTime,omitempty"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.monitor.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	resp := make([]resultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, resultResponse{
			TestID:    res.TestID,
			TestName:  res.TestName,
			Status:    res.Status,
			StartTime: res.StartTime,
			EndTime:   res.EndTime,
			UpdatedAt: res.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRecordResult is the HTTP form of the recording hook.
func (s *server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var rec store.ResultRecord
	if err := decodeBody(w, r, &rec); err != nil {
		s.writeError(w, r, err)

		return
	}

	rec.ExecutionID = chi.URLParam(r, "id")

	if err := s.monitor.RecordResult(r.Context(), rec); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type finishRequest struct {
	Status string `json:"status"`
}

func (s *server) handleFinish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)

		return
	}

	st, err := status.ParseExecution(req.Status)
	if err != nil || !st.TerminalExecution() {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "status must be one of PASSED, FAILED, ERROR", Field: "status",
		})

		return
	}

	executionID := chi.URLParam(r, "id")

	written, err := s.monitor.FinishExecution(r.Context(), executionID, st)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executionId": executionID,
		"status":      written,
	})
}

// handleArchive returns a presigned download link for the archived report.
func (s *server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "archive disabled"})

		return
	}

	executionID := chi.URLParam(r, "id")

	url, err := s.archiver.Locate(r.Context(), executionID)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"executionId": executionID,
		"url":         url,
	})
}
