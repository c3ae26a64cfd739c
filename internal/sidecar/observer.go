package sidecar

import (
	"sync"
	"time"

	"github.com/crossstack-ai/crossbridge/internal/health"
	"github.com/crossstack-ai/crossbridge/internal/model"
)

// windowCounter counts events in fixed 10 s buckets so rates over the last
// few minutes can be computed without storing every timestamp.
type windowCounter struct {
	bucketDur time.Duration
	buckets   []uint64
	times     []time.Time
	pos       int
}

func newWindowCounter(window time.Duration) *windowCounter {
	n := int(window / (10 * time.Second))
	if n < 1 {
		n = 1
	}
	return &windowCounter{
		bucketDur: 10 * time.Second,
		buckets:   make([]uint64, n),
		times:     make([]time.Time, n),
	}
}

func (w *windowCounter) add(now time.Time, n uint64) {
	slot := now.Truncate(w.bucketDur)
	if !w.times[w.pos].Equal(slot) {
		w.pos = (w.pos + 1) % len(w.buckets)
		w.times[w.pos] = slot
		w.buckets[w.pos] = 0
	}
	w.buckets[w.pos] += n
}

func (w *windowCounter) sum(now time.Time, window time.Duration) uint64 {
	cutoff := now.Add(-window)
	var total uint64
	for i, t := range w.times {
		if !t.IsZero() && !t.Before(cutoff.Truncate(w.bucketDur)) {
			total += w.buckets[i]
		}
	}
	return total
}

// ObserverStats is the cumulative counter snapshot behind /stats.
type ObserverStats struct {
	TotalEvents       uint64            `json:"total_events"`
	EventsByType      map[string]uint64 `json:"events_by_type"`
	EventsByFramework map[string]uint64 `json:"events_by_framework"`
	Dropped           uint64            `json:"events_dropped"`
	SampledOut        uint64            `json:"events_sampled_out"`
	Persisted         uint64            `json:"events_persisted"`
	InQueue           int               `json:"in_queue"`
	MaxQueueSize      int               `json:"max_queue_size"`
}

// Observer is the bounded FIFO between the HTTP handlers and the worker
// pool. When full, the oldest event is dropped and the new one appended;
// enqueue never blocks and never errors.
type Observer struct {
	mu    sync.Mutex
	queue []model.ObservedEvent // ring buffer
	head  int
	count int
	max   int

	seq         uint64
	received    uint64
	dropped     uint64
	sampledOut  uint64
	persisted   uint64
	byType      map[string]uint64
	byFramework map[string]uint64

	recentIn   *windowCounter
	recentDrop *windowCounter

	notify  chan struct{}
	metrics *health.Metrics
	now     func() time.Time
}

func NewObserver(maxQueueSize int, metrics *health.Metrics) *Observer {
	return &Observer{
		queue:       make([]model.ObservedEvent, maxCap(maxQueueSize)),
		max:         maxQueueSize,
		byType:      map[string]uint64{},
		byFramework: map[string]uint64{},
		recentIn:    newWindowCounter(5 * time.Minute),
		recentDrop:  newWindowCounter(5 * time.Minute),
		notify:      make(chan struct{}, 1),
		metrics:     metrics,
		now:         time.Now,
	}
}

func maxCap(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Enqueue appends the event, dropping the oldest when the queue is full.
// It reports whether an event was dropped to make room (or, with a zero
// capacity, whether this event itself was dropped).
func (o *Observer) Enqueue(ev model.ObservedEvent) (dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	o.seq++
	ev.ReceiveSequence = o.seq
	ev.ReceivedAt = now
	o.received++
	o.byType[ev.EventType]++
	if ev.Framework != "" {
		o.byFramework[ev.Framework]++
	}
	o.recentIn.add(now, 1)
	if o.metrics != nil {
		o.metrics.EventsTotal.WithLabelValues(ev.EventType).Inc()
	}

	if o.max < 1 {
		// A zero-size queue accepts nothing; the producer still gets 202.
		o.noteDrop(now, ev.EventType)
		return true
	}
	if o.count == o.max {
		// Drop the oldest to make room.
		oldest := o.queue[o.head]
		o.head = (o.head + 1) % len(o.queue)
		o.count--
		o.noteDrop(now, oldest.EventType)
		dropped = true
	}
	o.queue[(o.head+o.count)%len(o.queue)] = ev
	o.count++
	o.updateGauges()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (o *Observer) noteDrop(now time.Time, eventType string) {
	o.dropped++
	o.recentDrop.add(now, 1)
	if o.metrics != nil {
		o.metrics.EventsDroppedTotal.WithLabelValues(eventType).Inc()
	}
	o.updateGauges()
}

// NoteSampledOut records an event acknowledged but filtered by the sampler.
func (o *Observer) NoteSampledOut(eventType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sampledOut++
}

// Dequeue removes up to n events from the front of the queue. It returns
// nil when the queue is empty.
func (o *Observer) Dequeue(n int) []model.ObservedEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		return nil
	}
	if n > o.count {
		n = o.count
	}
	out := make([]model.ObservedEvent, n)
	for i := 0; i < n; i++ {
		out[i] = o.queue[o.head]
		o.head = (o.head + 1) % len(o.queue)
	}
	o.count -= n
	o.updateGauges()
	return out
}

// MarkPersisted moves events from the in-flight accounting into persisted.
func (o *Observer) MarkPersisted(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persisted += uint64(n)
}

// Notify returns the channel signaled on enqueue.
func (o *Observer) Notify() <-chan struct{} { return o.notify }

func (o *Observer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// SetMaxQueueSize resizes the bound, evicting oldest events when shrinking
// below the current depth. Used by the memory load-shedder.
func (o *Observer) SetMaxQueueSize(max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if max == o.max {
		return
	}
	now := o.now()
	// Rebuild the ring at the new capacity, keeping the newest events.
	for o.count > max && o.count > 0 {
		oldest := o.queue[o.head]
		o.head = (o.head + 1) % len(o.queue)
		o.count--
		o.noteDrop(now, oldest.EventType)
	}
	next := make([]model.ObservedEvent, maxCap(max))
	for i := 0; i < o.count; i++ {
		next[i] = o.queue[(o.head+i)%len(o.queue)]
	}
	o.queue = next
	o.head = 0
	o.max = max
	o.updateGauges()
}

func (o *Observer) MaxQueueSize() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.max
}

// DropRate is the fraction of received events dropped over the window.
func (o *Observer) DropRate(window time.Duration) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	in := o.recentIn.sum(now, window)
	if in == 0 {
		return 0
	}
	return float64(o.recentDrop.sum(now, window)) / float64(in)
}

func (o *Observer) Stats() ObserverStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	byType := make(map[string]uint64, len(o.byType))
	for k, v := range o.byType {
		byType[k] = v
	}
	byFramework := make(map[string]uint64, len(o.byFramework))
	for k, v := range o.byFramework {
		byFramework[k] = v
	}
	return ObserverStats{
		TotalEvents:       o.received,
		EventsByType:      byType,
		EventsByFramework: byFramework,
		Dropped:           o.dropped,
		SampledOut:        o.sampledOut,
		Persisted:         o.persisted,
		InQueue:           o.count,
		MaxQueueSize:      o.max,
	}
}

func (o *Observer) updateGauges() {
	if o.metrics == nil {
		return
	}
	o.metrics.QueueSize.Set(float64(o.count))
	if o.max > 0 {
		o.metrics.QueueUtilization.Set(float64(o.count) / float64(o.max))
	} else {
		o.metrics.QueueUtilization.Set(1)
	}
}
