package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/avonite/ledgersync/internal/auth"
	"github.com/avonite/ledgersync/internal/pagedriver"
)

type backfillRequest struct {
	Objects         []string `json:"objects,omitempty"`
	MaxParallel     int      `json:"maxParallel,omitempty"`
	ContinueOnError bool     `json:"continueOnError,omitempty"`
}

type backfillResponse struct {
	AccountID    string   `json:"accountId"`
	RunStartedAt string   `json:"runStartedAt"`
	Objects      []string `json:"objects"`
}

// TriggerBackfill handles POST /v1/backfill
// Joins or creates the account's run and fans out workers in the background;
// the response carries the run identity for status polling.
func (s *Server) TriggerBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	triggeredBy := "api:" + auth.Subject(r.Context())
	run, objects, err := s.Driver.JoinOrCreateSyncRun(r.Context(), triggeredBy, req.Objects)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := pagedriver.ParallelOptions{
		Objects:         objects,
		MaxParallel:     req.MaxParallel,
		ContinueOnError: req.ContinueOnError,
		TriggeredBy:     triggeredBy,
	}
	go func() {
		// Detached from the request: the backfill outlives the HTTP call
		if _, err := s.Driver.ProcessUntilDoneParallel(context.Background(), opts); err != nil {
			log.Error().Err(err).Msg("background backfill failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, backfillResponse{
		AccountID:    s.Driver.AccountID,
		RunStartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
		Objects:      objects,
	})
}

type runStatusResponse struct {
	Status        string            `json:"status"`
	PendingCount  int               `json:"pendingCount"`
	RunningCount  int               `json:"runningCount"`
	CompleteCount int               `json:"completeCount"`
	ErrorCount    int               `json:"errorCount"`
	ClosedAt      *string           `json:"closedAt,omitempty"`
	Errors        map[string]string `json:"errors,omitempty"`
}

// RunStatus handles GET /v1/runs/{startedAt}
func (s *Server) RunStatus(w http.ResponseWriter, r *http.Request) {
	startedAt, err := time.Parse(time.RFC3339Nano, chi.URLParam(r, "startedAt"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "startedAt must be RFC3339")
		return
	}

	status, err := s.Runs.GetRunStatus(r.Context(), s.Driver.AccountID, startedAt)
	if err != nil {
		log.Error().Err(err).Msg("run status lookup failed")
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}

	resp := runStatusResponse{
		Status:        status.Status,
		PendingCount:  status.PendingCount,
		RunningCount:  status.RunningCount,
		CompleteCount: status.CompleteCount,
		ErrorCount:    status.ErrorCount,
		Errors:        status.Errors,
	}
	if status.ClosedAt != nil {
		ts := status.ClosedAt.UTC().Format(time.RFC3339Nano)
		resp.ClosedAt = &ts
	}
	writeJSON(w, http.StatusOK, resp)
}
