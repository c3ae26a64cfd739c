package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// maxWriteStaleness and maxSpoolAge bound how long the persistence
// component stays healthy without a confirmed backend write.
const (
	maxWriteStaleness = 60 * time.Second
	maxSpoolAge       = 300 * time.Second
)

// Resilient fronts a backend with the spool. Failed writes land in the
// spool and are replayed once the backend answers again; reads during an
// outage return empty results instead of blocking callers.
type Resilient struct {
	backend Store
	spool   *Spool
	logger  *zap.Logger

	down        atomic.Bool
	replayMu    sync.Mutex
	lastWriteOK atomic.Int64
	now         func() time.Time
}

func NewResilient(backend Store, spool *Spool, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resilient{backend: backend, spool: spool, logger: logger, now: time.Now}
	r.lastWriteOK.Store(r.now().UnixNano())
	return r
}

func (r *Resilient) markOK() {
	r.lastWriteOK.Store(r.now().UnixNano())
	if r.down.CompareAndSwap(true, false) {
		r.logger.Info("persistence backend recovered, replaying spool")
		go r.replay()
	}
}

func (r *Resilient) markDown(op string, err error) {
	if r.down.CompareAndSwap(false, true) {
		r.logger.Warn("persistence backend unavailable, spooling writes",
			zap.String("op", op), zap.Error(err))
	}
}

func (r *Resilient) replay() {
	r.replayMu.Lock()
	defer r.replayMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	n, err := r.spool.Replay(ctx, r.backend)
	if err != nil {
		r.down.Store(true)
		r.logger.Warn("spool replay interrupted", zap.Int("replayed", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("spool drained", zap.Int("replayed", n))
	}
}

func (r *Resilient) SaveExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := r.backend.SaveExecution(ctx, rec); err != nil {
		r.markDown("save_execution", err)
		return r.spool.AppendExecution(rec)
	}
	r.markOK()
	return nil
}

func (r *Resilient) SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error {
	if len(events) == 0 {
		return nil
	}
	if err := r.backend.SaveEventBatch(ctx, events); err != nil {
		r.markDown("save_event_batch", err)
		return r.spool.AppendEvents(events)
	}
	r.markOK()
	return nil
}

func (r *Resilient) LoadHistorySlice(ctx context.Context, testIDs []string, windowRuns int) (map[string]model.TestHistory, error) {
	if r.down.Load() {
		return map[string]model.TestHistory{}, nil
	}
	out, err := r.backend.LoadHistorySlice(ctx, testIDs, windowRuns)
	if err != nil {
		r.markDown("load_history", err)
		return map[string]model.TestHistory{}, nil
	}
	return out, nil
}

func (r *Resilient) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return r.backend.Cleanup(ctx, olderThan)
}

func (r *Resilient) Health(ctx context.Context) Health {
	h := r.backend.Health(ctx)
	if h.OK {
		if r.down.CompareAndSwap(true, false) {
			go r.replay()
		}
	} else {
		r.down.Store(true)
	}
	return h
}

func (r *Resilient) Close() error { return r.backend.Close() }

// Healthy reports whether writes have landed recently enough: either a
// confirmed backend write inside the staleness bound, or a spool whose
// oldest pending record is young enough to replay without data loss.
func (r *Resilient) Healthy() bool {
	if r.now().Sub(time.Unix(0, r.lastWriteOK.Load())) < maxWriteStaleness {
		return true
	}
	pending, age := r.spool.Pending()
	if pending == 0 {
		return true
	}
	return age < maxSpoolAge
}
