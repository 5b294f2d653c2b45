// internal/relay/snapshots.go
package relay

import (
	"sync"

	"github.com/eduflow/mediaupload/pkg/schema"
)

// Snapshots retains the latest known state per clientId so late-joining
// subscribers get a sync instead of event history. Stale or duplicate events
// whose implied state is not ahead of the snapshot are dropped here, which is
// what makes the per-topic stream monotonic.
type Snapshots struct {
	mu    sync.RWMutex
	state map[string]*schema.Snapshot
}

func NewSnapshots() *Snapshots {
	return &Snapshots{state: make(map[string]*schema.Snapshot)}
}

// Apply folds ev into the clientId's snapshot, creating one if needed. The
// second return is false when the event was a stale no-op.
func (s *Snapshots) Apply(ev schema.ProgressEvent) (schema.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.state[ev.ClientID]
	if !ok {
		snap = &schema.Snapshot{ClientID: ev.ClientID, Status: schema.StatusProcessing}
		s.state[ev.ClientID] = snap
	}
	applied := snap.Apply(ev)
	return *snap, applied
}

// Get returns a copy of the snapshot for clientId, if any.
func (s *Snapshots) Get(clientID string) (schema.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.state[clientID]
	if !ok {
		return schema.Snapshot{}, false
	}
	return *snap, true
}

// Clear removes the snapshot for clientId.
func (s *Snapshots) Clear(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, clientID)
}

// List returns copies of all current snapshots. Used by the stall watchdog.
func (s *Snapshots) List() []schema.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Snapshot, 0, len(s.state))
	for _, snap := range s.state {
		out = append(out, *snap)
	}
	return out
}
