// Package store is the persistence facade: a relational backend (sqlite
// by default) fronted by a local spool so the orchestrator and sidecar
// survive backend outages. Writes that cannot reach the backend land in
// the spool and are replayed on reconnect; reads during an outage return
// empty slices.
package store

import (
	"context"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Health is the backend probe result surfaced on /health.
type Health struct {
	Backend   string  `json:"backend"`
	LatencyMS float64 `json:"latency_ms"`
	OK        bool    `json:"ok"`
}

// ExecutionRecord bundles everything persisted for one run.
type ExecutionRecord struct {
	Request         *model.ExecutionRequest       `json:"request"`
	Plan            *model.ExecutionPlan          `json:"plan"`
	Result          *model.ExecutionResult        `json:"result"`
	Classifications []model.FailureClassification `json:"classifications,omitempty"`
}

// Store is the persistence contract consumed by the orchestrator and the
// sidecar.
type Store interface {
	SaveExecution(ctx context.Context, rec ExecutionRecord) error
	LoadHistorySlice(ctx context.Context, testIDs []string, windowRuns int) (map[string]model.TestHistory, error)
	SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
	Health(ctx context.Context) Health
	Close() error
}
