package model

import (
	"fmt"
	"time"
)

// Lifecycle event taxonomy accepted on the sidecar ingest endpoints.
const (
	EventRunStart   = "run_start"
	EventRunEnd     = "run_end"
	EventTestStart  = "test_start"
	EventTestEnd    = "test_end"
	EventStepStart  = "step_start"
	EventStepEnd    = "step_end"
	EventSuiteStart = "suite_start"
	EventSuiteEnd   = "suite_end"
)

// KnownEventType reports whether t is part of the enumerated taxonomy.
func KnownEventType(t string) bool {
	switch t {
	case EventRunStart, EventRunEnd, EventTestStart, EventTestEnd,
		EventStepStart, EventStepEnd, EventSuiteStart, EventSuiteEnd:
		return true
	}
	return false
}

// ObservedEvent is one lifecycle event POSTed by an in-test listener.
// Timestamp is the producer's clock; ReceivedAt and ReceiveSequence are
// assigned by the sidecar on ingestion and are monotonic within a sidecar
// process. Events are never mutated after ingestion.
type ObservedEvent struct {
	EventType       string         `json:"event_type"`
	Framework       string         `json:"framework"`
	Data            map[string]any `json:"data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	RunID           string         `json:"run_id,omitempty"`
	TestID          string         `json:"test_id,omitempty"`
	ReceivedAt      time.Time      `json:"received_at,omitempty"`
	ReceiveSequence uint64         `json:"receive_sequence,omitempty"`
}

// Validate checks the fields a producer must supply. Extra keys inside Data
// are accepted and ignored by consumers.
func (e *ObservedEvent) Validate() error {
	if !KnownEventType(e.EventType) {
		return fmt.Errorf("unknown event_type %q", e.EventType)
	}
	if e.Framework == "" {
		return fmt.Errorf("framework is required")
	}
	return nil
}
