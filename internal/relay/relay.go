// Package relay fans stage, progress, and terminal events out to every
// subscriber of a clientId. Events are delivered in emission order per
// clientId; subscribers joining late receive the latest snapshot, never
// replayed history.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eduflow/mediaupload/pkg/schema"
)

// subscriberBuffer bounds each subscriber channel. A subscriber that cannot
// keep up loses intermediate progress ticks, not terminal events, because the
// snapshot carries the authoritative state.
const subscriberBuffer = 64

// Relay is the publish/subscribe channel keyed by clientId.
type Relay interface {
	// Publish emits an event under ev.ClientID. Stale events (not ahead of
	// the current snapshot) are dropped.
	Publish(ctx context.Context, ev schema.ProgressEvent) error
	// Subscribe attaches to a clientId's stream. The returned subscription
	// carries the latest snapshot, if one exists, for immediate sync.
	Subscribe(ctx context.Context, clientID string) (*Subscription, error)
	// Snapshot returns the latest known state for clientId.
	Snapshot(clientID string) (schema.Snapshot, bool)
}

// Subscription is one attached viewer of a clientId's stream. The events
// channel is never closed; Close signals shutdown through done instead, so a
// disconnect can never race an in-flight delivery into a send on a closed
// channel.
type Subscription struct {
	Snapshot *schema.Snapshot
	Events   <-chan schema.ProgressEvent

	once   sync.Once
	done   chan struct{}
	cancel func()
}

// Close detaches the subscriber. The underlying job is unaffected.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// memSub pairs a subscriber channel with its shutdown signal.
type memSub struct {
	ch   chan schema.ProgressEvent
	done chan struct{}
}

// Memory is the in-process relay used by embedded setups and tests.
type Memory struct {
	snapshots *Snapshots
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string][]*memSub
}

func NewMemory(logger *slog.Logger) *Memory {
	return &Memory{
		snapshots: NewSnapshots(),
		logger:    logger,
		subs:      make(map[string][]*memSub),
	}
}

func (m *Memory) Publish(ctx context.Context, ev schema.ProgressEvent) error {
	if ev.HappenedAt == 0 {
		ev.HappenedAt = time.Now().Unix()
	}
	if _, applied := m.snapshots.Apply(ev); !applied {
		return nil
	}

	m.mu.Lock()
	targets := make([]*memSub, len(m.subs[ev.ClientID]))
	copy(targets, m.subs[ev.ClientID])
	m.mu.Unlock()

	for _, t := range targets {
		select {
		case <-t.done:
		case t.ch <- ev:
		default:
			m.logger.Warn("slow subscriber, dropping event", "client_id", ev.ClientID, "kind", ev.Kind)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, clientID string) (*Subscription, error) {
	ms := &memSub{
		ch:   make(chan schema.ProgressEvent, subscriberBuffer),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[clientID] = append(m.subs[clientID], ms)
	m.mu.Unlock()

	sub := &Subscription{Events: ms.ch, done: ms.done}
	if snap, ok := m.snapshots.Get(clientID); ok {
		sub.Snapshot = &snap
	}
	sub.cancel = func() {
		m.mu.Lock()
		subs := m.subs[clientID]
		for i, s := range subs {
			if s == ms {
				m.subs[clientID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(m.subs[clientID]) == 0 {
			delete(m.subs, clientID)
		}
		m.mu.Unlock()
	}
	return sub, nil
}

func (m *Memory) Snapshot(clientID string) (schema.Snapshot, bool) {
	return m.snapshots.Get(clientID)
}

// Snapshots exposes the snapshot store for the stall watchdog.
func (m *Memory) Snapshots() *Snapshots { return m.snapshots }

// Clear drops the retained snapshot for clientId.
func (m *Memory) Clear(clientID string) { m.snapshots.Clear(clientID) }
