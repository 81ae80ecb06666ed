// Package types defines the shared data types that cross component
// boundaries: events, tenant identity, and feature invocation outcomes.
package types

import (
	"time"

	"github.com/google/uuid"
)

// TenantID identifies an isolated scope (one server/community). Feature
// toggles and cached state for one tenant are independent of every other
// tenant. The zero value marks an event with no tenant scope (e.g. a DM).
type TenantID string

// None is the zero TenantID for non-tenant-scoped events.
const None TenantID = ""

// Event is a single incoming message or interaction from the chat platform.
// The payload is opaque to the runtime; only features interpret it.
type Event struct {
	// ID uniquely identifies the event for logging and diagnostics.
	ID string `json:"id"`

	// Tenant scopes the event to one server/community. May be None.
	Tenant TenantID `json:"tenant,omitempty"`

	// Author identifies the message author on the chat platform.
	Author string `json:"author"`

	// AuthorIsFeature marks events produced by a feature-owned identity.
	// The dispatcher drops these immediately to prevent feedback loops.
	AuthorIsFeature bool `json:"author_is_feature,omitempty"`

	// Payload carries the platform message content, opaque to the runtime.
	Payload []byte `json:"payload,omitempty"`

	// Sequence is a monotonically increasing per-source number used only
	// for ordering diagnostics, never for correctness.
	Sequence uint64 `json:"sequence"`

	// ReceivedAt is when the transport handed the event to the runtime.
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent creates an event with a fresh ID and receive timestamp.
func NewEvent(tenant TenantID, author string, payload []byte, sequence uint64) Event {
	return Event{
		ID:         uuid.NewString(),
		Tenant:     tenant,
		Author:     author,
		Payload:    payload,
		Sequence:   sequence,
		ReceivedAt: time.Now(),
	}
}

// Outcome classifies a single feature invocation for stats accounting.
type Outcome int

const (
	// OutcomeSkipped means the feature was disabled for this event's tenant
	OutcomeSkipped Outcome = iota
	// OutcomeConsumed means the feature fully handled the event
	OutcomeConsumed
	// OutcomePassed means the feature ran but declined the event
	OutcomePassed
	// OutcomeErrored means the feature callback returned an error or panicked
	OutcomeErrored
	// OutcomeTimedOut means the feature callback exceeded its time budget
	OutcomeTimedOut
)

// String returns the string representation of an Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeConsumed:
		return "consumed"
	case OutcomePassed:
		return "passed"
	case OutcomeErrored:
		return "errored"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}
