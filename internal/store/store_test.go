package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "crossbridge.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(runID string, tests map[string]model.TestOutcome) ExecutionRecord {
	var passed, failed []string
	for id, outcome := range tests {
		if outcome.Status == model.TestPassed {
			passed = append(passed, id)
		} else {
			failed = append(failed, id)
		}
	}
	return ExecutionRecord{
		Request: &model.ExecutionRequest{Framework: "pytest", Strategy: model.StrategySmoke},
		Plan:    &model.ExecutionPlan{Strategy: model.StrategySmoke},
		Result: &model.ExecutionResult{
			RunID:  runID,
			Status: model.RunPassed,
			Passed: passed,
			Failed: failed,
			Tests:  tests,
		},
	}
}

func TestSQLiteSaveAndHistory(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	for i := 0; i < 6; i++ {
		status := model.TestPassed
		signature := ""
		if i == 5 {
			status = model.TestFailed
			signature = "AssertionError: totals differ\n  at test_checkout"
		}
		rec := sampleRecord(
			"run-"+string(rune('a'+i)),
			map[string]model.TestOutcome{
				"pytest::tests/test_checkout.py::test_totals": {
					Status:         status,
					DurationMS:     int64(100 + i),
					ErrorSignature: signature,
				},
			},
		)
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Minute)
	}

	hist, err := s.LoadHistorySlice(ctx, []string{
		"pytest::tests/test_checkout.py::test_totals",
		"pytest::tests/test_checkout.py::test_never_ran",
	}, 50)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := hist["pytest::tests/test_checkout.py::test_totals"]
	if !ok {
		t.Fatal("history missing for recorded test")
	}
	if h.Runs != 6 || h.Passes != 5 {
		t.Fatalf("runs=%d passes=%d, want 6/5", h.Runs, h.Passes)
	}
	if h.LastOutcome != model.TestFailed {
		t.Fatalf("last outcome: %q", h.LastOutcome)
	}
	if h.Signatures["AssertionError: totals differ"] != 1 {
		t.Fatalf("signatures: %+v", h.Signatures)
	}
	if _, ok := hist["pytest::tests/test_checkout.py::test_never_ran"]; ok {
		t.Fatal("tests with no rows must be absent from the slice")
	}
}

func TestSQLiteHistoryWindow(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	// 10 old passes then 3 recent failures; a window of 3 only sees failures.
	for i := 0; i < 13; i++ {
		status := model.TestPassed
		if i >= 10 {
			status = model.TestFailed
		}
		rec := sampleRecord(
			"run-"+strings.Repeat("x", i+1),
			map[string]model.TestOutcome{"robot::login.robot::Valid": {Status: status}},
		)
		if err := s.SaveExecution(ctx, rec); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Minute)
	}
	hist, err := s.LoadHistorySlice(ctx, []string{"robot::login.robot::Valid"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	h := hist["robot::login.robot::Valid"]
	if h.Runs != 3 || h.Passes != 0 {
		t.Fatalf("windowed runs=%d passes=%d, want 3/0", h.Runs, h.Passes)
	}
}

func TestSQLiteEventsAndCleanup(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	events := []model.ObservedEvent{
		{EventType: model.EventTestStart, Framework: "pytest", TestID: "a"},
		{EventType: model.EventTestEnd, Framework: "pytest", TestID: "a"},
	}
	if err := s.SaveEventBatch(ctx, events); err != nil {
		t.Fatal(err)
	}

	// Age everything past the retention window, then insert one fresh row.
	clock = clock.Add(48 * time.Hour)
	if err := s.SaveEventBatch(ctx, events[:1]); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed %d rows, want 2", removed)
	}
}

func TestSQLiteHealth(t *testing.T) {
	s := openTestSQLite(t)
	h := s.Health(context.Background())
	if !h.OK || h.Backend != "sqlite" {
		t.Fatalf("health: %+v", h)
	}
}

func TestSpoolRoundTrip(t *testing.T) {
	spool, err := NewSpool(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := sampleRecord("run-1", map[string]model.TestOutcome{
		"pytest::tests/test_a.py::test_one": {Status: model.TestPassed, DurationMS: 12},
	})
	if err := spool.AppendExecution(rec); err != nil {
		t.Fatal(err)
	}
	if err := spool.AppendEvents([]model.ObservedEvent{
		{EventType: model.EventRunEnd, Framework: "pytest"},
	}); err != nil {
		t.Fatal(err)
	}
	if n, _ := spool.Pending(); n != 2 {
		t.Fatalf("pending: %d", n)
	}

	dst := openTestSQLite(t)
	replayed, err := spool.Replay(context.Background(), dst)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 2 {
		t.Fatalf("replayed %d, want 2", replayed)
	}
	if n, _ := spool.Pending(); n != 0 {
		t.Fatalf("spool not drained: %d pending", n)
	}
	hist, err := dst.LoadHistorySlice(context.Background(), []string{"pytest::tests/test_a.py::test_one"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hist["pytest::tests/test_a.py::test_one"].Runs != 1 {
		t.Fatal("replayed execution not visible in destination")
	}
}

func TestSpoolSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	spool, err := NewSpool(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := spool.AppendEvents([]model.ObservedEvent{
		{EventType: model.EventTestEnd, Framework: "robot"},
	}); err != nil {
		t.Fatal(err)
	}
	// Corrupt the file with a truncated line and a bad checksum.
	f, err := os.OpenFile(spool.file(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("garbage\n")
	f.WriteString("0000000000000000 events [{\"event_type\":\"test_end\",\"framework\":\"robot\"}]\n")
	f.Close()

	dst := openTestSQLite(t)
	replayed, err := spool.Replay(context.Background(), dst)
	if err != nil {
		t.Fatal(err)
	}
	if replayed != 1 {
		t.Fatalf("replayed %d, want only the valid line", replayed)
	}
	if spool.Skipped() != 2 {
		t.Fatalf("skipped %d, want 2", spool.Skipped())
	}
	if n, _ := spool.Pending(); n != 0 {
		t.Fatal("corrupt lines must not survive replay")
	}
}

// flakyStore fails writes until healed.
type flakyStore struct {
	mu     sync.Mutex
	broken bool
	events int
	execs  int
}

func (f *flakyStore) setBroken(b bool) {
	f.mu.Lock()
	f.broken = b
	f.mu.Unlock()
}

func (f *flakyStore) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("backend down")
	}
	f.execs++
	return nil
}

func (f *flakyStore) SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return errors.New("backend down")
	}
	f.events += len(events)
	return nil
}

func (f *flakyStore) LoadHistorySlice(ctx context.Context, testIDs []string, windowRuns int) (map[string]model.TestHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken {
		return nil, errors.New("backend down")
	}
	return map[string]model.TestHistory{"some::test::id": {TestID: "some::test::id", Runs: 1}}, nil
}

func (f *flakyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (f *flakyStore) Health(ctx context.Context) Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Health{Backend: "fake", OK: !f.broken}
}

func (f *flakyStore) Close() error { return nil }

func TestResilientSpoolsOnFailure(t *testing.T) {
	backend := &flakyStore{broken: true}
	spool, err := NewSpool(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResilient(backend, spool, nil)
	ctx := context.Background()

	events := []model.ObservedEvent{{EventType: model.EventTestEnd, Framework: "pytest"}}
	if err := r.SaveEventBatch(ctx, events); err != nil {
		t.Fatalf("spooled write must not surface the backend error: %v", err)
	}
	if n, _ := spool.Pending(); n != 1 {
		t.Fatalf("pending: %d", n)
	}

	// Reads during the outage return empty, not errors.
	hist, err := r.LoadHistorySlice(ctx, []string{"some::test::id"}, 10)
	if err != nil || len(hist) != 0 {
		t.Fatalf("outage read: hist=%v err=%v", hist, err)
	}

	// Heal the backend; the next successful write triggers replay.
	backend.setBroken(false)
	if err := r.SaveEventBatch(ctx, events); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		n := backend.events
		backend.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("spooled event never replayed: backend saw %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if pending, _ := spool.Pending(); pending != 0 {
		t.Fatalf("spool not drained: %d", pending)
	}
}

func TestResilientHealthy(t *testing.T) {
	backend := &flakyStore{}
	spool, err := NewSpool(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResilient(backend, spool, nil)
	if !r.Healthy() {
		t.Fatal("fresh store must be healthy")
	}

	// Writes gone stale with an empty spool: still healthy, nothing is lost.
	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if !r.Healthy() {
		t.Fatal("stale but empty spool must stay healthy")
	}

	// A spool entry older than the replay bound flips the component.
	spool.now = r.now
	backend.setBroken(true)
	if err := r.SaveEventBatch(context.Background(), []model.ObservedEvent{
		{EventType: model.EventTestEnd, Framework: "pytest"},
	}); err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	spool.now = r.now
	if r.Healthy() {
		t.Fatal("old spooled writes must mark persistence unhealthy")
	}
}
