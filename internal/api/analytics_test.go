package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsombor-n/open-webui/internal/analytics"
	"github.com/zsombor-n/open-webui/internal/cache"
	"github.com/zsombor-n/open-webui/internal/db"
	"github.com/zsombor-n/open-webui/internal/models"
	"github.com/zsombor-n/open-webui/internal/scheduler"
)

type stubQueryStore struct {
	summary   *models.AnalyticsSummary
	trend     []models.TrendPoint
	breakdown []models.UserBreakdownRow
	analyses  []db.ChatAnalysis
	latestErr error
}

func (s *stubQueryStore) GetSummary(context.Context, time.Time, time.Time, string) (*models.AnalyticsSummary, error) {
	return s.summary, nil
}

func (s *stubQueryStore) GetDailyTrend(context.Context, int, time.Time) ([]models.TrendPoint, error) {
	return s.trend, nil
}

func (s *stubQueryStore) GetUserBreakdown(context.Context, time.Time, time.Time, int) ([]models.UserBreakdownRow, error) {
	return s.breakdown, nil
}

func (s *stubQueryStore) ListAnalyses(context.Context, db.ListAnalysesParams) ([]db.ChatAnalysis, int, error) {
	return s.analyses, len(s.analyses), nil
}

func (s *stubQueryStore) AnalysesInRange(context.Context, time.Time, time.Time) ([]db.ChatAnalysis, error) {
	return s.analyses, nil
}

func (s *stubQueryStore) ListUsers(context.Context) ([]db.SourceUser, error) {
	return nil, nil
}

func (s *stubQueryStore) LatestRun(context.Context) (*db.ProcessingRun, error) {
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	return nil, db.ErrRunNotFound
}

type stubRunner struct {
	mu    sync.Mutex
	calls int
	block chan struct{}
}

func (r *stubRunner) Run(_ context.Context, runDate time.Time, _ bool, _ string) (*models.RunResult, error) {
	r.mu.Lock()
	r.calls++
	block := r.block
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return &models.RunResult{RunDate: runDate.Format("2006-01-02")}, nil
}

func newTestServer(t *testing.T, store analytics.QueryStore, runner scheduler.Runner) http.Handler {
	t.Helper()
	c := cache.New(100, 0)
	t.Cleanup(c.Stop)

	queries := analytics.NewQueryService(store, c, analytics.NewUserHasher("test-salt"), analytics.DefaultTTLConfig())
	sched := scheduler.New(runner, nil, scheduler.DefaultConfig(time.UTC))
	server := NewServer(queries, sched, time.UTC, "test")
	return server.SetupRoutes(RouterConfig{})
}

func doRequest(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleSummary(t *testing.T) {
	store := &stubQueryStore{
		summary: &models.AnalyticsSummary{
			ConversationCount:     42,
			TotalTimeSavedMinutes: 1260,
		},
	}
	handler := newTestServer(t, store, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/api/analytics/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var got models.AnalyticsSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.ConversationCount != 42 {
		t.Errorf("conversation_count = %d, want 42", got.ConversationCount)
	}
}

func TestHandleSummaryRejectsBadDates(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	tests := []string{
		"/api/analytics/summary?start_date=01/15/2026",
		"/api/analytics/summary?start_date=2026-01-10&end_date=2026-01-01",
		"/api/analytics/summary?end_date=never",
	}
	for _, target := range tests {
		rec := doRequest(t, handler, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleDailyTrend(t *testing.T) {
	store := &stubQueryStore{
		trend: []models.TrendPoint{
			{Date: "2026-01-14", ConversationCount: 3, TimeSavedMinutes: 120},
			{Date: "2026-01-15", ConversationCount: 0, TimeSavedMinutes: 0},
		},
	}
	handler := newTestServer(t, store, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/api/analytics/daily-trend?days=7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got struct {
		Days  int                 `json:"days"`
		Trend []models.TrendPoint `json:"trend"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Days != 7 || len(got.Trend) != 2 {
		t.Errorf("days = %d, trend rows = %d, want 7 and 2", got.Days, len(got.Trend))
	}
}

func TestHandleDailyTrendRejectsBadDays(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	for _, target := range []string{
		"/api/analytics/daily-trend?days=0",
		"/api/analytics/daily-trend?days=9000",
		"/api/analytics/daily-trend?days=soon",
	} {
		rec := doRequest(t, handler, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleConversationsRejectsBadPaging(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/api/analytics/conversations?page=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAnalyticsHealth(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/api/analytics/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got models.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "healthy" {
		t.Errorf("status = %q, want healthy", got.Status)
	}
}

func TestHandleExportCSV(t *testing.T) {
	store := &stubQueryStore{
		analyses: []db.ChatAnalysis{{ChatID: "chat-1", TimeSavedMinutes: 52}},
	}
	handler := newTestServer(t, store, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/api/analytics/export/csv?start_date=2026-01-01&end_date=2026-01-31", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %q, want text/csv", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "chat-analytics-2026-01-01-2026-01-31.csv") {
		t.Errorf("content disposition = %q", cd)
	}
	if !strings.Contains(rec.Body.String(), "chat-1") {
		t.Error("csv body is missing the analysis row")
	}
}

func TestHandleTriggerProcessing(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	rec := doRequest(t, handler, http.MethodPost, "/api/analytics/trigger-processing",
		`{"date": "2026-01-15", "force": true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got["status"] != "accepted" || got["run_date"] != "2026-01-15" {
		t.Errorf("body = %v, want accepted for 2026-01-15", got)
	}
}

func TestHandleTriggerProcessingConflict(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	runner := &stubRunner{block: block}
	handler := newTestServer(t, &stubQueryStore{}, runner)

	first := doRequest(t, handler, http.MethodPost, "/api/analytics/trigger-processing", "")
	if first.Code != http.StatusAccepted {
		t.Fatalf("first trigger status = %d, want 202", first.Code)
	}

	second := doRequest(t, handler, http.MethodPost, "/api/analytics/trigger-processing", "")
	if second.Code != http.StatusConflict {
		t.Errorf("second trigger status = %d, want 409", second.Code)
	}
}

func TestHandleTriggerProcessingBadDate(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	rec := doRequest(t, handler, http.MethodPost, "/api/analytics/trigger-processing",
		`{"date": "Jan 15"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLiveness(t *testing.T) {
	handler := newTestServer(t, &stubQueryStore{}, &stubRunner{})

	rec := doRequest(t, handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
