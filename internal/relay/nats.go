// internal/relay/nats.go
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/eduflow/mediaupload/internal/bus"
	"github.com/eduflow/mediaupload/pkg/schema"
)

// subjectPrefix namespaces progress topics; one NATS subject per clientId
// keeps per-topic ordering without coupling unrelated uploads.
const subjectPrefix = "media.progress."

// NATS is the relay backed by a NATS connection, for deployments where the
// pipeline workers and the subscriber-facing server are separate processes.
// A wildcard feeder keeps the local snapshot store current for late-join
// sync regardless of which process published the event.
type NATS struct {
	client    *bus.Client
	snapshots *Snapshots
	logger    *slog.Logger
	feeder    *nats.Subscription
}

func NewNATS(client *bus.Client, logger *slog.Logger) (*NATS, error) {
	r := &NATS{
		client:    client,
		snapshots: NewSnapshots(),
		logger:    logger,
	}
	feeder, err := client.SubscribeJSON(subjectPrefix+">", func(data []byte) {
		var ev schema.ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			logger.Warn("malformed progress event", "err", err)
			return
		}
		r.snapshots.Apply(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe snapshot feeder: %w", err)
	}
	r.feeder = feeder
	return r, nil
}

func (r *NATS) Publish(ctx context.Context, ev schema.ProgressEvent) error {
	if _, applied := r.snapshots.Apply(ev); !applied {
		return nil
	}
	return r.client.PublishJSON(subjectPrefix+ev.ClientID, ev)
}

func (r *NATS) Subscribe(ctx context.Context, clientID string) (*Subscription, error) {
	ch := make(chan schema.ProgressEvent, subscriberBuffer)
	done := make(chan struct{})
	// The channel is never closed: an unsubscribe does not wait for in-flight
	// callbacks, so delivery selects on done instead.
	natsSub, err := r.client.SubscribeJSON(subjectPrefix+clientID, func(data []byte) {
		var ev schema.ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			r.logger.Warn("malformed progress event", "client_id", clientID, "err", err)
			return
		}
		select {
		case <-done:
		case ch <- ev:
		default:
			r.logger.Warn("slow subscriber, dropping event", "client_id", clientID, "kind", ev.Kind)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", clientID, err)
	}

	sub := &Subscription{Events: ch, done: done}
	if snap, ok := r.snapshots.Get(clientID); ok {
		sub.Snapshot = &snap
	}
	sub.cancel = func() {
		_ = natsSub.Unsubscribe()
	}
	return sub, nil
}

func (r *NATS) Snapshot(clientID string) (schema.Snapshot, bool) {
	return r.snapshots.Get(clientID)
}

func (r *NATS) Snapshots() *Snapshots { return r.snapshots }

func (r *NATS) Clear(clientID string) { r.snapshots.Clear(clientID) }

// Close detaches the snapshot feeder.
func (r *NATS) Close() {
	if r.feeder != nil {
		_ = r.feeder.Unsubscribe()
	}
}
