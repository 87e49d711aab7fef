package cmd

import (
	"encoding/json"
	"testing"
)

func TestReplaySessionSnapshotsNoArchive(t *testing.T) {
	c := newTestComponents(t)
	got := replaySessionSnapshots(c)
	arr, ok := got.([]any)
	if !ok {
		t.Fatalf("expected []any when Archive is nil, got %T", got)
	}
	if len(arr) != 0 {
		t.Errorf("expected empty slice, got %d entries", len(arr))
	}
}

func TestBusSnapshotMarshalsEveryField(t *testing.T) {
	c := newTestComponents(t)

	snapshot := busSnapshot{
		Monitor:      c.Bus.Monitor.Status(),
		Backpressure: c.Bus.Backpressure.Status(),
		Queue:        c.Bus.Queue.AllMetrics(),
		Router:       c.Bus.Router.AllStatuses(),
		Replay:       replaySessionSnapshots(c),
		Windows:      c.Bus.Window.GetAllWindowSummaries(),
	}

	out, err := json.Marshal(snapshot)
	if err != nil {
		t.Fatalf("unexpected error marshaling snapshot: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unexpected error decoding snapshot: %v", err)
	}
	for _, key := range []string{"monitor", "backpressure", "queue", "router", "replay", "windows"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("expected key %q in marshaled snapshot, got %v", key, decoded)
		}
	}
}
