package archive

import (
	"encoding/json"
	"fmt"

	"github.com/jacklau/eventbus/internal/busevent"
	"github.com/jacklau/eventbus/internal/replay"
	"github.com/jacklau/eventbus/internal/window"
)

// ArchiveWindowSnapshot persists one window's current aggregation.
func (d *DB) ArchiveWindowSnapshot(summary window.Summary, takenAt float64) error {
	dist, err := json.Marshal(summary.Aggregation.PriorityDistribution)
	if err != nil {
		return fmt.Errorf("marshaling priority distribution: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT INTO window_snapshots
			(window_id, taken_at, count, avg_processing_time, event_rate, unique_events, error_rate, priority_distribution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, takenAt,
		summary.Aggregation.Count, summary.Aggregation.AvgProcessingTime,
		summary.Aggregation.EventRate, summary.Aggregation.UniqueEvents,
		summary.Aggregation.ErrorRate, string(dist),
	)
	if err != nil {
		return fmt.Errorf("archiving window snapshot: %w", err)
	}
	return nil
}

// WindowSnapshot is one archived row from window_snapshots.
type WindowSnapshot struct {
	WindowID    string
	TakenAt     float64
	Aggregation window.AggregationResult
}

// RecentWindowSnapshots returns up to n most recently archived snapshots
// for windowID, newest first.
func (d *DB) RecentWindowSnapshots(windowID string, n int) ([]WindowSnapshot, error) {
	rows, err := d.db.Query(`
		SELECT taken_at, count, avg_processing_time, event_rate, unique_events, error_rate, priority_distribution
		FROM window_snapshots WHERE window_id = ? ORDER BY taken_at DESC LIMIT ?`,
		windowID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying window snapshots: %w", err)
	}
	defer rows.Close()

	var out []WindowSnapshot
	for rows.Next() {
		var snap WindowSnapshot
		var dist string
		if err := rows.Scan(&snap.TakenAt, &snap.Aggregation.Count, &snap.Aggregation.AvgProcessingTime,
			&snap.Aggregation.EventRate, &snap.Aggregation.UniqueEvents, &snap.Aggregation.ErrorRate, &dist); err != nil {
			return nil, fmt.Errorf("scanning window snapshot: %w", err)
		}
		snap.WindowID = windowID
		snap.Aggregation.PriorityDistribution = make(map[busevent.Priority]int)
		if err := json.Unmarshal([]byte(dist), &snap.Aggregation.PriorityDistribution); err != nil {
			return nil, fmt.Errorf("unmarshaling priority distribution: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ArchiveReplaySessionSummary persists a completed or stopped replay
// session's final status. delivered_events is taken from status.Position,
// the number of events the session had advanced past when it finished.
func (d *DB) ArchiveReplaySessionSummary(status replay.SessionStatus, finishedAt float64) error {
	_, err := d.db.Exec(`
		INSERT INTO replay_session_summaries
			(session_id, subscription_id, final_state, total_events, delivered_events, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			final_state = excluded.final_state,
			total_events = excluded.total_events,
			delivered_events = excluded.delivered_events,
			finished_at = excluded.finished_at`,
		status.ID, status.SubscriptionID, string(status.State), status.Total, status.Position, finishedAt,
	)
	if err != nil {
		return fmt.Errorf("archiving replay session summary: %w", err)
	}
	return nil
}

// ReplaySessionSummary is one archived row from replay_session_summaries.
type ReplaySessionSummary struct {
	SessionID       string
	SubscriptionID  string
	FinalState      string
	TotalEvents     int
	DeliveredEvents int
	FinishedAt      float64
}

// RecentReplaySummaries returns up to n most recently archived replay
// session summaries, newest first.
func (d *DB) RecentReplaySummaries(n int) ([]ReplaySessionSummary, error) {
	rows, err := d.db.Query(`
		SELECT session_id, subscription_id, final_state, total_events, delivered_events, finished_at
		FROM replay_session_summaries ORDER BY finished_at DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying replay summaries: %w", err)
	}
	defer rows.Close()

	var out []ReplaySessionSummary
	for rows.Next() {
		var s ReplaySessionSummary
		if err := rows.Scan(&s.SessionID, &s.SubscriptionID, &s.FinalState, &s.TotalEvents, &s.DeliveredEvents, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning replay summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
