package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/health"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Sidecar lifecycle states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDraining = "draining"
	StateStopped  = "stopped"
)

// maxEventBody caps a single ingest request body.
const maxEventBody = 1 << 20

// eventSchemaJSON is the wire contract for one lifecycle event. Extra keys
// inside data are allowed; unknown event types are not.
const eventSchemaJSON = `{
  "type": "object",
  "required": ["event_type", "framework"],
  "properties": {
    "event_type": {
      "type": "string",
      "enum": ["run_start", "run_end", "test_start", "test_end",
               "step_start", "step_end", "suite_start", "suite_end"]
    },
    "framework": {"type": "string", "minLength": 1},
    "data": {"type": "object"},
    "timestamp": {"type": "string"},
    "run_id": {"type": "string"},
    "test_id": {"type": "string"}
  }
}`

var eventSchema = jsonschema.MustCompileString("event.json", eventSchemaJSON)

// EventSink persists batches of accepted events.
type EventSink interface {
	SaveEventBatch(ctx context.Context, events []model.ObservedEvent) error
}

// Server is the sidecar process: HTTP surface plus the internal pipeline.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	sampler    *Sampler
	observer   *Observer
	pool       *Pool
	profiler   *Profiler
	metrics    *health.Metrics
	aggregator *health.Aggregator
	adapters   *adapter.Registry
	sink       EventSink

	state   atomic.Value // string
	started time.Time
}

func NewServer(cfg *config.Config, configPath string, sink EventSink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := health.NewMetrics()
	sampler := NewSampler(cfg.Sidecar.Sampling, cfg.Sidecar.Adaptive)
	observer := NewObserver(cfg.Sidecar.MaxQueueSize, metrics)
	pool := NewPool(observer, cfg.Sidecar.Workers, metrics, logger)
	profiler := NewProfiler(
		time.Duration(cfg.Runtime.Sidecar.Profiling.SamplingInterval)*time.Second,
		time.Duration(cfg.Runtime.Sidecar.Profiling.RetentionWindow)*time.Second,
		cfg.Sidecar.MaxCPUPercent,
		cfg.Sidecar.MaxMemoryMB,
		sampler, observer, metrics, logger,
	)

	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		sampler:    sampler,
		observer:   observer,
		pool:       pool,
		profiler:   profiler,
		metrics:    metrics,
		aggregator: health.NewAggregator(cfg.Version, metrics),
		adapters:   adapter.NewDefaultRegistry(),
		sink:       sink,
		started:    time.Now(),
	}
	s.state.Store(StateStarting)
	s.registerHealthChecks()
	s.registerHandlers()
	return s
}

func (s *Server) State() string { return s.state.Load().(string) }

// RegisterHealthCheck adds a caller-owned component (persistence, for one)
// to the aggregated /health report.
func (s *Server) RegisterHealthCheck(name string, check health.Check) {
	s.aggregator.Register(name, check)
}

func (s *Server) registerHealthChecks() {
	s.aggregator.Register("observer", func() (health.ComponentStatus, bool) {
		st := health.ComponentStatus{Name: "observer", Status: health.StatusHealthy}
		if s.observer.DropRate(5*time.Minute) >= 0.05 {
			st.Status = health.StatusDegraded
			st.Detail = "drop rate over 5%"
		}
		if s.pool.ErrorRate() >= 0.01 {
			st.Status = health.StatusDegraded
			st.Detail = "handler error rate over 1%"
		}
		if degraded := s.pool.Degraded(); len(degraded) > 0 {
			st.Status = health.StatusDegraded
			st.Detail = "degraded handlers: " + strings.Join(degraded, ",")
		}
		return st, true
	})
	s.aggregator.Register("profiler", func() (health.ComponentStatus, bool) {
		st := health.ComponentStatus{Name: "profiler", Status: health.StatusHealthy}
		if !s.profiler.WithinBudgetRecently() {
			st.Status = health.StatusDegraded
			st.Detail = "over resource budget"
		}
		return st, true
	})
}

// registerHandlers wires the built-in event consumers: persistence and
// anomaly detection for adaptive sampling.
func (s *Server) registerHandlers() {
	if s.sink != nil {
		s.pool.Register("*", "persistence", func(ctx context.Context, ev model.ObservedEvent) error {
			if err := s.sink.SaveEventBatch(ctx, []model.ObservedEvent{ev}); err != nil {
				return err
			}
			s.observer.MarkPersisted(1)
			return nil
		})
	}
	s.pool.Register(model.EventTestEnd, "anomaly", func(ctx context.Context, ev model.ObservedEvent) error {
		if status, _ := ev.Data["status"].(string); status == model.TestFailed || status == model.TestError {
			s.sampler.ReportAnomaly(ev.EventType, "test_failure")
		}
		return nil
	})
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/events", s.handleEvent)
	r.Post("/events/batch", s.handleEventBatch)
	r.Post("/parse/{framework}", s.handleParse)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Run serves until ctx is cancelled or SIGTERM arrives, then drains.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Sidecar.Host, fmt.Sprint(s.cfg.Sidecar.Port))
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	g, runCtx := errgroup.WithContext(ctx)
	poolCtx, cancelPool := context.WithCancel(context.Background())
	g.Go(func() error { return s.pool.Run(poolCtx) })
	if s.cfg.Runtime.Sidecar.Profiling.Enabled {
		g.Go(func() error { s.profiler.Run(runCtx); return nil })
	}
	if s.configPath != "" {
		g.Go(func() error { s.watchConfig(runCtx); return nil })
	}
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	s.state.Store(StateRunning)
	s.logger.Info("sidecar running",
		zap.String("addr", addr),
		zap.Int("max_queue_size", s.cfg.Sidecar.MaxQueueSize),
		zap.Int("workers", s.cfg.Sidecar.Workers))

	<-ctx.Done()
	s.state.Store(StateDraining)
	s.logger.Info("sidecar draining", zap.Duration("grace", s.cfg.Sidecar.DrainGrace()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Sidecar.DrainGrace())
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	cancelPool()

	err := g.Wait()
	s.state.Store(StateStopped)
	s.logger.Info("sidecar stopped")
	return err
}

// watchConfig re-applies sampling rates and budgets when the config file
// changes. In-flight events are untouched.
func (s *Server) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watcher unavailable", zap.Error(err))
		return
	}
	defer watcher.Close()
	if err := watcher.Add(s.configPath); err != nil {
		s.logger.Warn("config watch failed", zap.String("path", s.configPath), zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.ReloadConfig()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// ReloadConfig re-parses the config file and re-applies sampling rates and
// queue bound atomically. A broken file keeps the running snapshot.
func (s *Server) ReloadConfig() {
	cfg, warnings, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Warn("config reload rejected", zap.Error(err))
		return
	}
	for _, w := range warnings {
		s.logger.Warn(w)
	}
	s.sampler.Reload(cfg.Sidecar.Sampling, cfg.Sidecar.Adaptive)
	s.observer.SetMaxQueueSize(cfg.Sidecar.MaxQueueSize)
	s.cfg = cfg
	s.logger.Info("config reloaded", zap.String("path", s.configPath))
}

// decodeEvent validates one raw event against the wire schema.
func decodeEvent(raw json.RawMessage) (model.ObservedEvent, error) {
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return model.ObservedEvent{}, err
	}
	if err := eventSchema.Validate(loose); err != nil {
		return model.ObservedEvent{}, err
	}
	var ev model.ObservedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.ObservedEvent{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev, nil
}

func (s *Server) acceptEvent(ev model.ObservedEvent) {
	if !s.sampler.Decide(ev.EventType) {
		s.observer.NoteSampledOut(ev.EventType)
		return
	}
	s.observer.Enqueue(ev)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.rejectWhileDraining(w) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	ev, err := decodeEvent(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.acceptEvent(ev)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	if s.rejectWhileDraining(w) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var batch struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	accepted, rejected := 0, 0
	for _, raw := range batch.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			rejected++
			continue
		}
		s.acceptEvent(ev)
		accepted++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": rejected})
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "framework")
	a, ok := s.adapters.Get(tag)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown framework " + tag})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	envelope, err := BuildParseEnvelope(a.ReportFormat(), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.aggregator.Evaluate()
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.observer.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":               s.State(),
		"total_events":        stats.TotalEvents,
		"events_by_type":      stats.EventsByType,
		"events_by_framework": stats.EventsByFramework,
		"events_dropped":      stats.Dropped,
		"events_sampled_out":  stats.SampledOut,
		"events_persisted":    stats.Persisted,
		"in_queue":            stats.InQueue,
		"max_queue_size":      stats.MaxQueueSize,
		"profiler":            s.profiler.GetSummary(5 * time.Minute),
	})
}

func (s *Server) rejectWhileDraining(w http.ResponseWriter) bool {
	if s.State() != StateDraining && s.State() != StateStopped {
		return false
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
