package schema

import "testing"

func TestSnapshotAppliesForwardOnly(t *testing.T) {
	snap := Snapshot{ClientID: "c1", Status: StatusProcessing}

	if !snap.Apply(ProgressEvent{Kind: EventStage, Stage: StageCompressing, HappenedAt: 1}) {
		t.Fatalf("stage event not applied")
	}
	if !snap.Apply(ProgressEvent{Kind: EventProgress, Percent: 40, HappenedAt: 2}) {
		t.Fatalf("progress event not applied")
	}

	// A late duplicate with a lower percent is a no-op.
	if snap.Apply(ProgressEvent{Kind: EventProgress, Percent: 10, HappenedAt: 3}) {
		t.Fatalf("stale progress applied")
	}
	if snap.Progress != 40 {
		t.Fatalf("progress regressed to %d", snap.Progress)
	}

	// Going back a stage is a no-op too.
	if snap.Apply(ProgressEvent{Kind: EventStage, Stage: StageReceived, HappenedAt: 4}) {
		t.Fatalf("backward stage applied")
	}

	if !snap.Apply(ProgressEvent{Kind: EventStage, Stage: StageGeneratingAssets, HappenedAt: 5}) {
		t.Fatalf("next stage not applied")
	}
	if snap.Progress != 0 {
		t.Fatalf("progress not reset on stage transition, got %d", snap.Progress)
	}
}

func TestStageCarryingProgressFromPastStageIsStale(t *testing.T) {
	snap := Snapshot{ClientID: "c1", Status: StatusProcessing}
	snap.Apply(ProgressEvent{Kind: EventStage, Stage: StageCompressing, HappenedAt: 1})
	snap.Apply(ProgressEvent{Kind: EventProgress, Stage: StageCompressing, Percent: 80, HappenedAt: 2})
	snap.Apply(ProgressEvent{Kind: EventStage, Stage: StageGeneratingAssets, HappenedAt: 3})

	// A late tick from the finished compress stage beats the reset progress
	// on percent alone; its stage marks it stale.
	if snap.Apply(ProgressEvent{Kind: EventProgress, Stage: StageCompressing, Percent: 95, HappenedAt: 4}) {
		t.Fatalf("progress from a finished stage applied")
	}
	if snap.Stage != StageGeneratingAssets || snap.Progress != 0 {
		t.Fatalf("snapshot mutated by stale tick: %+v", snap)
	}

	if !snap.Apply(ProgressEvent{Kind: EventProgress, Stage: StageGeneratingAssets, Percent: 10, HappenedAt: 5}) {
		t.Fatalf("current-stage progress not applied")
	}
}

func TestSnapshotTerminalIsFinal(t *testing.T) {
	snap := Snapshot{ClientID: "c1", Status: StatusProcessing}
	if !snap.Apply(ProgressEvent{Kind: EventError, Message: "boom", HappenedAt: 1}) {
		t.Fatalf("error event not applied")
	}
	if !snap.Terminal() {
		t.Fatalf("error snapshot not terminal")
	}
	if snap.Apply(ProgressEvent{Kind: EventDone, HappenedAt: 2}) {
		t.Fatalf("event applied after terminal state")
	}
}

func TestStageRank(t *testing.T) {
	if StageRank(StageCompressing) >= StageRank(StageGeneratingAssets) {
		t.Fatalf("stage order broken")
	}
	if StageRank("bogus") != -1 {
		t.Fatalf("unknown stage should rank -1")
	}
}
