package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

type memorySink struct {
	mu     sync.Mutex
	events []model.ObservedEvent
}

func (m *memorySink) SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Sidecar.MaxQueueSize = 16
	// Keep every event so handler tests are deterministic.
	cfg.Sidecar.Sampling = config.SamplingConfig{Events: 1, Traces: 1, Profiling: 1, TestEvents: 1}
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg, "", &memorySink{}, nil)
	s.state.Store(StateRunning)
	return s
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleEventAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/events",
		`{"event_type": "test_end", "framework": "pytest", "data": {"status": "passed"}, "timestamp": "2025-06-01T10:00:00Z"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code: %d body: %s", rec.Code, rec.Body.String())
	}
	if s.observer.Len() != 1 {
		t.Fatalf("queue depth: %d", s.observer.Len())
	}
}

func TestHandleEventUnknownType(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/events",
		`{"event_type": "teleport", "framework": "pytest"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code: %d", rec.Code)
	}
}

func TestHandleEventMalformed(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/events", `{"event_type": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code: %d", rec.Code)
	}
}

func TestHandleEventExtraDataKeysAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/events",
		`{"event_type": "test_start", "framework": "robot", "data": {"test_name": "Login", "custom_vendor_key": 42}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("extras inside data must be accepted: %d %s", rec.Code, rec.Body.String())
	}
}

func TestOverflowStillAccepted(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Sidecar.MaxQueueSize = 2 })
	router := s.Router()
	for i := 0; i < 5; i++ {
		rec := postJSON(t, router, "/events",
			`{"event_type": "test_end", "framework": "pytest"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submission %d: code %d", i, rec.Code)
		}
	}
	stats := s.observer.Stats()
	if stats.Dropped != 3 || stats.InQueue != 2 || stats.TotalEvents != 5 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestHandleEventBatchPartial(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/events/batch", `{"events": [
		{"event_type": "test_start", "framework": "pytest"},
		{"event_type": "nope", "framework": "pytest"},
		{"event_type": "test_end", "framework": "pytest"}
	]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code: %d", rec.Code)
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["accepted"] != 2 || out["rejected"] != 1 {
		t.Fatalf("got %+v", out)
	}
}

func TestHandleParseRobot(t *testing.T) {
	s := newTestServer(t, nil)
	body := `<robot><suite name="Login" source="/ws/login.robot">
	  <test name="Valid"><status status="PASS" elapsed="0.5"/></test>
	  <test name="Invalid">
	    <kw name="Submit"><status status="FAIL"/></kw>
	    <status status="FAIL">boom</status>
	  </test>
	</suite></robot>`
	rec := postJSON(t, s.Router(), "/parse/robot", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("code: %d body: %s", rec.Code, rec.Body.String())
	}
	var env ParseEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Statistics.Total != 2 || env.Statistics.Passed != 1 || env.Statistics.Failed != 1 {
		t.Fatalf("statistics: %+v", env.Statistics)
	}
	if len(env.FailedKeywords) != 1 || env.FailedKeywords[0].Keyword != "Submit" {
		t.Fatalf("failed keywords: %+v", env.FailedKeywords)
	}
	if len(env.SlowestTests) == 0 || env.SlowestTests[0].Name != "Valid" {
		t.Fatalf("slowest: %+v", env.SlowestTests)
	}
}

func TestHandleParseUnknownFramework(t *testing.T) {
	s := newTestServer(t, nil)
	rec := postJSON(t, s.Router(), "/parse/fortran-unit", "whatever")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code: %d", rec.Code)
	}
}

func TestHandleHealthAndStats(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health code: %d", rec.Code)
	}
	var report struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "healthy" || report.Version != config.Version {
		t.Fatalf("report: %+v", report)
	}

	postJSON(t, router, "/events", `{"event_type": "test_end", "framework": "pytest"}`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["total_events"].(float64) != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	byType := stats["events_by_type"].(map[string]any)
	if byType["test_end"].(float64) != 1 {
		t.Fatalf("by type: %+v", byType)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	router := s.Router()
	postJSON(t, router, "/events", `{"event_type": "test_end", "framework": "pytest"}`)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `sidecar_events_total{type="test_end"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestDrainingRejectsIngest(t *testing.T) {
	s := newTestServer(t, nil)
	s.state.Store(StateDraining)
	rec := postJSON(t, s.Router(), "/events", `{"event_type": "test_end", "framework": "pytest"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "draining") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestStateTransitions(t *testing.T) {
	s := newTestServer(t, nil)
	if s.State() != StateRunning {
		t.Fatalf("state: %s", s.State())
	}
	s.state.Store(StateDraining)
	if s.State() != StateDraining {
		t.Fatalf("state: %s", s.State())
	}
}
