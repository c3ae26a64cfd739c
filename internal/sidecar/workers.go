package sidecar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crossstack-ai/crossbridge/internal/health"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Handler consumes one event. Handlers must be idempotent; an error is
// logged and counted but never stops a worker.
type Handler func(ctx context.Context, ev model.ObservedEvent) error

// degradedErrorRate is the handler error rate over the last minute above
// which a handler is reported degraded.
const degradedErrorRate = 0.10

const dequeueBatch = 32

// handlerState tracks one registered handler's recent error rate.
type handlerState struct {
	name   string
	fn     Handler
	calls  *windowCounter
	errors *windowCounter
}

// Pool drains the observer queue with a fixed set of workers and fans
// events out to the handlers registered for their event type.
type Pool struct {
	mu       sync.Mutex
	handlers map[string][]*handlerState
	all      []*handlerState

	observer *Observer
	workers  int
	metrics  *health.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewPool(observer *Observer, workers int, metrics *health.Metrics, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		handlers: map[string][]*handlerState{},
		observer: observer,
		workers:  workers,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Register attaches a handler to one event type. "*" receives everything.
func (p *Pool) Register(eventType, name string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := &handlerState{
		name:   name,
		fn:     fn,
		calls:  newWindowCounter(time.Minute),
		errors: newWindowCounter(time.Minute),
	}
	p.handlers[eventType] = append(p.handlers[eventType], st)
	p.all = append(p.all, st)
}

// Run blocks until ctx is cancelled, then drains whatever remains in the
// queue before returning.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				batch := p.observer.Dequeue(dequeueBatch)
				if len(batch) == 0 {
					select {
					case <-ctx.Done():
						p.drain()
						return nil
					case <-p.observer.Notify():
						continue
					}
				}
				p.dispatch(ctx, batch)
			}
		})
	}
	return g.Wait()
}

// drain empties the queue without a context so in-flight events survive
// shutdown; the caller bounds total drain time with the grace window.
func (p *Pool) drain() {
	for {
		batch := p.observer.Dequeue(dequeueBatch)
		if len(batch) == 0 {
			return
		}
		p.dispatch(context.Background(), batch)
	}
}

func (p *Pool) dispatch(ctx context.Context, batch []model.ObservedEvent) {
	for _, ev := range batch {
		p.mu.Lock()
		states := append([]*handlerState{}, p.handlers[ev.EventType]...)
		states = append(states, p.handlers["*"]...)
		p.mu.Unlock()

		start := p.now()
		for _, st := range states {
			p.invoke(ctx, st, ev)
		}
		if p.metrics != nil {
			p.metrics.ProcessingLatency.Observe(float64(p.now().Sub(start).Microseconds()) / 1000.0)
		}
	}
}

func (p *Pool) invoke(ctx context.Context, st *handlerState, ev model.ObservedEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.noteError(st)
			p.logger.Error("handler panicked",
				zap.String("handler", st.name), zap.Any("panic", r))
		}
	}()
	p.mu.Lock()
	st.calls.add(p.now(), 1)
	p.mu.Unlock()

	if err := st.fn(ctx, ev); err != nil {
		p.noteError(st)
		p.logger.Warn("handler failed",
			zap.String("handler", st.name),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
}

func (p *Pool) noteError(st *handlerState) {
	p.mu.Lock()
	st.errors.add(p.now(), 1)
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ErrorsTotal.WithLabelValues("handler:" + st.name).Inc()
	}
}

// Degraded lists handlers whose error rate over the last minute exceeds
// the threshold.
func (p *Pool) Degraded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []string
	for _, st := range p.all {
		calls := st.calls.sum(now, time.Minute)
		if calls == 0 {
			continue
		}
		errRate := float64(st.errors.sum(now, time.Minute)) / float64(calls)
		if errRate > degradedErrorRate {
			out = append(out, st.name)
		}
	}
	return out
}

// ErrorRate is the worst per-handler error rate over the last minute.
func (p *Pool) ErrorRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	worst := 0.0
	for _, st := range p.all {
		calls := st.calls.sum(now, time.Minute)
		if calls == 0 {
			continue
		}
		if rate := float64(st.errors.sum(now, time.Minute)) / float64(calls); rate > worst {
			worst = rate
		}
	}
	return worst
}
