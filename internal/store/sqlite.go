package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// schema is applied on open; statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		run_id       TEXT PRIMARY KEY,
		created_at   TIMESTAMP NOT NULL,
		framework    TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		status       TEXT NOT NULL,
		request_json TEXT NOT NULL,
		plan_json    TEXT NOT NULL,
		result_json  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS test_runs (
		run_id      TEXT NOT NULL,
		test_id     TEXT NOT NULL,
		status      TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		signature   TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, test_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_test_runs_test ON test_runs(test_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS classifications (
		run_id       TEXT NOT NULL,
		test_id      TEXT NOT NULL,
		category     TEXT NOT NULL,
		confidence   REAL NOT NULL,
		ai_enhanced  INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, test_id)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		framework  TEXT NOT NULL,
		run_id     TEXT,
		test_id    TEXT,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// SQLite is the default relational backend.
type SQLite struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite is single-writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
		}
	}
	return &SQLite{db: db, path: path, logger: logger, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.Request == nil || rec.Plan == nil || rec.Result == nil {
		return fmt.Errorf("save execution: incomplete record")
	}
	reqJSON, err := json.Marshal(rec.Request)
	if err != nil {
		return err
	}
	planJSON, err := json.Marshal(rec.Plan)
	if err != nil {
		return err
	}
	resJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions
		 (run_id, created_at, framework, strategy, status, request_json, plan_json, result_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Result.RunID, now, rec.Request.Framework, rec.Plan.Strategy, rec.Result.Status,
		string(reqJSON), string(planJSON), string(resJSON)); err != nil {
		return err
	}
	for testID, outcome := range rec.Result.Tests {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO test_runs
			 (run_id, test_id, status, duration_ms, signature, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Result.RunID, testID, outcome.Status, outcome.DurationMS,
			outcome.ErrorSignature, now); err != nil {
			return err
		}
	}
	for _, c := range rec.Classifications {
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO classifications
			 (run_id, test_id, category, confidence, ai_enhanced, payload_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Result.RunID, c.TestID, c.Category, c.Confidence,
			boolToInt(c.AIEnhanced), string(payload), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadHistorySlice folds the most recent windowRuns rows per test into a
// TestHistory. Tests with no rows are absent from the result.
func (s *SQLite) LoadHistorySlice(ctx context.Context, testIDs []string, windowRuns int) (map[string]model.TestHistory, error) {
	if windowRuns < 1 {
		windowRuns = 50
	}
	out := make(map[string]model.TestHistory, len(testIDs))
	for _, testID := range testIDs {
		rows, err := s.db.QueryContext(ctx,
			`SELECT status, duration_ms, signature
			 FROM test_runs WHERE test_id = ?
			 ORDER BY created_at DESC LIMIT ?`, testID, windowRuns)
		if err != nil {
			return nil, err
		}
		hist := model.TestHistory{TestID: testID, Signatures: map[string]int{}}
		for rows.Next() {
			var status, signature string
			var durationMS int64
			if err := rows.Scan(&status, &durationMS, &signature); err != nil {
				rows.Close()
				return nil, err
			}
			hist.Runs++
			if status == model.TestPassed {
				hist.Passes++
			}
			if hist.LastOutcome == "" {
				hist.LastOutcome = status
			}
			if len(hist.RecentDurationsMS) < 10 {
				hist.RecentDurationsMS = append(hist.RecentDurationsMS, durationMS)
			}
			if signature != "" {
				hist.Signatures[firstLine(signature)]++
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		if hist.Runs > 0 {
			out[testID] = hist
		}
	}
	return out, nil
}

func (s *SQLite) SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_type, framework, run_id, test_id, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.EventType, ev.Framework, ev.RunID, ev.TestID,
			string(payload), s.now().UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Cleanup deletes rows older than the retention window across all tables
// and returns the total rows removed.
func (s *SQLite) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	var total int64
	for _, table := range []string{"executions", "test_runs", "classifications", "events"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE created_at < ?", table), cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (s *SQLite) Health(ctx context.Context) Health {
	start := time.Now()
	err := s.db.PingContext(ctx)
	if err == nil {
		_, err = s.db.ExecContext(ctx, "SELECT 1")
	}
	return Health{
		Backend:   "sqlite",
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000.0,
		OK:        err == nil,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
