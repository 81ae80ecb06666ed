// Package transport feeds external event streams into the dispatcher.
//
// A Source owns one upstream connection (a NATS subject, a websocket
// gateway) and translates its wire messages into events submitted to a
// Sink. Sources are deliberately thin: no feature logic, no persistence,
// just decode, tag, and hand off.
package transport

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/c360/botstreams/errors"
	"github.com/c360/botstreams/types"
)

// Sink accepts decoded events for dispatch. *dispatch.Dispatcher satisfies
// this.
type Sink interface {
	Submit(ctx context.Context, event types.Event) error
}

// Source is a running event feed
type Source interface {
	// Name identifies the source in logs and metrics
	Name() string

	// Start begins delivering events to the sink until the context ends
	// or Stop is called. It does not block.
	Start(ctx context.Context) error

	// Stop closes the upstream connection and waits for the feed to end
	Stop() error
}

// wireMessage is the JSON envelope both sources accept
type wireMessage struct {
	ID              string          `json:"id"`
	Tenant          string          `json:"tenant"`
	Author          string          `json:"author"`
	AuthorIsFeature bool            `json:"author_is_feature"`
	Payload         json.RawMessage `json:"payload"`
	Sequence        uint64          `json:"sequence"`
}

// decodeEvent parses a wire message, filling in an ID when the upstream
// did not provide one and a locally monotonic sequence when it sent zero.
func decodeEvent(data []byte, seq *atomic.Uint64) (types.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Event{}, errors.WrapInvalid(err, "transport", "decodeEvent", "envelope parse")
	}

	// NewEvent assigns a fresh ID; keep the upstream's when it sent one
	event := types.NewEvent(types.TenantID(msg.Tenant), msg.Author, msg.Payload, msg.Sequence)
	if msg.ID != "" {
		event.ID = msg.ID
	}
	event.AuthorIsFeature = msg.AuthorIsFeature
	if event.Sequence == 0 {
		event.Sequence = seq.Add(1)
	}
	return event, nil
}
