// Package audit records what happened to money: every processed transaction,
// failed or not, becomes an Event delivered to one or more sinks.
package audit

import (
	"context"
	"time"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record.
type Event struct {
	Action        string    `json:"action"`
	ResourceType  string    `json:"resource_type"`
	ResourceID    string    `json:"resource_id"`
	SubjectID     string    `json:"subject_id"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Sink persists or forwards events.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Emit(e Event)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Emit(Event) {}
