package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/gitutil"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// assembleContext gathers the five selection inputs. Every step may fail;
// a failed step logs once and yields its empty default so planning always
// proceeds.
func (o *Orchestrator) assembleContext(ctx context.Context, req *model.ExecutionRequest, a adapter.Adapter) *model.ExecutionContext {
	workspace := o.cfg.Execution.Workspace
	ectx := &model.ExecutionContext{
		Request:      req,
		ChangedFiles: map[string]bool{},
		History:      map[string]model.TestHistory{},
		Coverage:     map[string][]string{},
		FlakyTests:   map[string]bool{},
		Now:          o.now(),
	}

	available, err := a.Discover(workspace)
	if err != nil {
		o.logger.Warn("test discovery failed", zap.String("framework", a.Tag()), zap.Error(err))
		available = nil
	}
	ectx.AvailableTests = available

	if gitutil.IsRepo(workspace) {
		changed, err := gitutil.ChangedFilesAgainstBranch(workspace, req.BaseBranch)
		if err != nil {
			o.logger.Warn("changed-files diff failed", zap.Error(err))
		}
		for _, f := range changed {
			ectx.ChangedFiles[f] = true
		}
	}

	if o.store != nil && len(available) > 0 {
		hist, err := o.store.LoadHistorySlice(ctx, available, o.cfg.Execution.HistoryRuns)
		if err != nil {
			o.logger.Warn("history load failed", zap.Error(err))
		} else {
			ectx.History = hist
		}
	}

	if cov := o.loadCoverage(); cov != nil {
		ectx.Coverage = cov
	}
	for _, id := range o.loadFlaky() {
		ectx.FlakyTests[id] = true
	}
	return ectx
}

// loadCoverage reads the file -> test-ids map written by a prior indexing
// run. Missing or corrupt cache means no coverage signal.
func (o *Orchestrator) loadCoverage() map[string][]string {
	path := filepath.Join(o.cfg.Execution.DataDir, "cache", "coverage.msgpack")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var cov map[string][]string
	if err := msgpack.Unmarshal(data, &cov); err != nil {
		o.logger.Warn("coverage cache unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return cov
}

// loadFlaky reads the flaky-test id list maintained by the classifier's
// history stage across runs.
func (o *Orchestrator) loadFlaky() []string {
	path := filepath.Join(o.cfg.Execution.DataDir, "cache", "flaky.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		o.logger.Warn("flaky cache unreadable", zap.String("path", path), zap.Error(err))
		return nil
	}
	return ids
}
