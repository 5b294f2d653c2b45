// pkg/schema/events.go
package schema

// Status is the lifecycle state of one logical upload attempt.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Stage is a phase of the asynchronous media processing job. Stages are
// strictly ordered; a job never re-enters an earlier stage.
type Stage string

const (
	StageReceived         Stage = "received"
	StageCompressing      Stage = "compressing"
	StageGeneratingAssets Stage = "generating_assets"
	StageAssembling       Stage = "assembling"
)

var stageOrder = map[Stage]int{
	StageReceived:         0,
	StageCompressing:      1,
	StageGeneratingAssets: 2,
	StageAssembling:       3,
}

// StageRank returns the position of a stage in the pipeline order, or -1 for
// an unknown stage.
func StageRank(s Stage) int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// EventKind discriminates progress events on the relay.
type EventKind string

const (
	EventStage    EventKind = "stage"
	EventProgress EventKind = "progress"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// ProgressEvent is one update published under a clientId. Stage names the
// pipeline phase for "stage" events and, optionally, the phase a "progress"
// tick belongs to; Percent carries the tick, Message the "error" detail.
type ProgressEvent struct {
	ClientID   string    `json:"client_id"`
	Kind       EventKind `json:"kind"`
	Stage      Stage     `json:"stage,omitempty"`
	Percent    int       `json:"percent,omitempty"`
	Message    string    `json:"message,omitempty"`
	HappenedAt int64     `json:"happened_at"`
}

// Snapshot is the latest known state for a clientId. Late-joining subscribers
// receive a snapshot instead of event history.
type Snapshot struct {
	ClientID  string `json:"client_id"`
	Status    Status `json:"status"`
	Stage     Stage  `json:"stage,omitempty"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Terminal reports whether the snapshot has reached a final state.
func (s *Snapshot) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusError
}

// Ahead reports whether ev would move the snapshot forward. Duplicate or
// out-of-order events (same stage with a lower percent, or an earlier stage)
// are not ahead and must be treated as no-ops.
func (s *Snapshot) Ahead(ev ProgressEvent) bool {
	if s.Terminal() {
		return false
	}
	switch ev.Kind {
	case EventDone, EventError:
		return true
	case EventStage:
		return StageRank(ev.Stage) > StageRank(s.Stage)
	case EventProgress:
		// A stage-carrying tick from a stage the snapshot has moved past is
		// stale no matter what its percent says.
		if ev.Stage != "" {
			if d := StageRank(ev.Stage) - StageRank(s.Stage); d != 0 {
				return d > 0
			}
		}
		return ev.Percent > s.Progress
	}
	return false
}

// Apply folds an event into the snapshot. It returns false without mutating
// anything when the event is not ahead of the current state.
func (s *Snapshot) Apply(ev ProgressEvent) bool {
	if !s.Ahead(ev) {
		return false
	}
	switch ev.Kind {
	case EventStage:
		s.Status = StatusProcessing
		s.Stage = ev.Stage
		s.Progress = 0
	case EventProgress:
		s.Status = StatusProcessing
		if ev.Stage != "" && StageRank(ev.Stage) > StageRank(s.Stage) {
			s.Stage = ev.Stage
		}
		s.Progress = ev.Percent
	case EventDone:
		s.Status = StatusDone
		s.Progress = 100
	case EventError:
		s.Status = StatusError
		s.Message = ev.Message
	}
	if ev.Kind != EventError && ev.Message != "" {
		s.Message = ev.Message
	}
	s.UpdatedAt = ev.HappenedAt
	return true
}
