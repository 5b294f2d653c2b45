// internal/relay/stall.go
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/eduflow/mediaupload/pkg/schema"
)

const (
	// DefaultStallCheckInterval is how often the watchdog sweeps.
	DefaultStallCheckInterval = 30 * time.Second
	// DefaultStallTimeout is the longest a processing session may go without
	// any event before it is declared failed.
	DefaultStallTimeout = 15 * time.Minute
	// terminalRetention keeps terminal snapshots around long enough for
	// reconnecting viewers to sync the outcome.
	terminalRetention = time.Hour

	stallMessage = "processing stalled: no progress received, giving up"
)

// stallRelay is the slice of the relay the watchdog needs.
type stallRelay interface {
	Publish(ctx context.Context, ev schema.ProgressEvent) error
	Snapshots() *Snapshots
	Clear(clientID string)
}

// Watchdog bounds how long a viewer can be left in an ambiguous "still
// working?" state: any session in processing with no event inside the timeout
// window is force-failed with a terminal error event.
type Watchdog struct {
	relay    stallRelay
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func NewWatchdog(r stallRelay, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		relay:    r,
		logger:   logger,
		interval: DefaultStallCheckInterval,
		timeout:  DefaultStallTimeout,
		now:      time.Now,
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one stall check pass.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := w.now()
	for _, snap := range w.relay.Snapshots().List() {
		age := now.Sub(time.Unix(snap.UpdatedAt, 0))
		if snap.Terminal() {
			if age > terminalRetention {
				w.relay.Clear(snap.ClientID)
			}
			continue
		}
		if snap.Status != schema.StatusProcessing || age <= w.timeout {
			continue
		}
		w.logger.Warn("session stalled, forcing error", "client_id", snap.ClientID, "stage", snap.Stage, "age", age)
		err := w.relay.Publish(ctx, schema.ProgressEvent{
			ClientID:   snap.ClientID,
			Kind:       schema.EventError,
			Message:    stallMessage,
			HappenedAt: now.Unix(),
		})
		if err != nil {
			w.logger.Error("publish stall error failed", "client_id", snap.ClientID, "err", err)
		}
	}
}
