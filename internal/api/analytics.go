package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zsombor-n/open-webui/internal/logger"
	"github.com/zsombor-n/open-webui/internal/scheduler"
	"github.com/zsombor-n/open-webui/internal/validation"
)

const defaultRangeDays = 30

// handleSummary returns aggregate metrics for a date range, optionally
// scoped to one user.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("user_id")
	if err := validation.ValidateUserID(userID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end, err := validation.ParseDateRange(q.Get("start_date"), q.Get("end_date"), defaultRangeDays, time.Now().In(s.tz))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	summary, err := s.queries.Summary(r.Context(), start, end, userID)
	if err != nil {
		logger.Ctx(r.Context()).Error("summary query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load summary")
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// handleDailyTrend returns one point per day over the trailing window.
func (s *Server) handleDailyTrend(w http.ResponseWriter, r *http.Request) {
	days, err := validation.ParseDays(r.URL.Query().Get("days"), defaultRangeDays, validation.MaxTrendDays)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	trend, err := s.queries.DailyTrend(r.Context(), days)
	if err != nil {
		logger.Ctx(r.Context()).Error("daily trend query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load daily trend")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"days":  days,
		"trend": trend,
	})
}

// handleUserBreakdown ranks users by time saved over a date range.
func (s *Server) handleUserBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, end, err := validation.ParseDateRange(q.Get("start_date"), q.Get("end_date"), defaultRangeDays, time.Now().In(s.tz))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := validation.ParseDays(q.Get("limit"), 10, validation.MaxBreakdownTop)
	if err != nil {
		respondError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	rows, err := s.queries.UserBreakdown(r.Context(), start, end, limit)
	if err != nil {
		logger.Ctx(r.Context()).Error("user breakdown query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load user breakdown")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"users": rows,
	})
}

// handleConversations returns one page of the analyzed-conversation list.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, pageSize, err := validation.ParsePagination(q.Get("page"), q.Get("page_size"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := q.Get("user_id")
	if err := validation.ValidateUserID(userID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.queries.Conversations(r.Context(), page, pageSize, userID)
	if err != nil {
		logger.Ctx(r.Context()).Error("conversation list query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load conversations")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleAnalyticsHealth reports pipeline health: last run, next scheduled
// run, cache counters and the estimation circuit state.
func (s *Server) handleAnalyticsHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.queries.Health(r.Context())
	if err != nil {
		logger.Ctx(r.Context()).Error("health query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load health status")
		return
	}

	respondJSON(w, http.StatusOK, health)
}

// handleExportCSV streams analyses in a date range as a CSV download.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, end, err := validation.ParseDateRange(q.Get("start_date"), q.Get("end_date"), defaultRangeDays, time.Now().In(s.tz))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	filename := fmt.Sprintf("chat-analytics-%s-%s.csv",
		start.Format(validation.DateLayout), end.Format(validation.DateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := s.queries.ExportCSV(r.Context(), w, start, end); err != nil {
		// Headers may already be written; log and give up on the response.
		logger.Ctx(r.Context()).Error("csv export failed", "error", err)
	}
}

type triggerRequest struct {
	Date  string `json:"date"`
	Force bool   `json:"force"`
}

// handleTriggerProcessing starts a pipeline run in the background. Returns
// 202 when the run was claimed, 409 when one is already in flight.
func (s *Server) handleTriggerProcessing(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	// Default to the day that last ended.
	runDate := time.Now().In(s.tz).AddDate(0, 0, -1)
	if req.Date != "" {
		parsed, err := time.Parse(validation.DateLayout, req.Date)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be formatted as "+validation.DateLayout)
			return
		}
		runDate = parsed
	}

	if err := s.scheduler.TriggerRunAsync(runDate, req.Force, "api"); err != nil {
		if errors.Is(err, scheduler.ErrRunInFlight) {
			respondError(w, http.StatusConflict, "A processing run is already in progress")
			return
		}
		logger.Ctx(r.Context()).Error("failed to trigger run", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to trigger processing")
		return
	}

	logger.Ctx(r.Context()).Info("processing run triggered",
		"run_date", runDate.Format(validation.DateLayout),
		"force", req.Force)
	respondJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"run_date": runDate.Format(validation.DateLayout),
		"force":    req.Force,
	})
}
