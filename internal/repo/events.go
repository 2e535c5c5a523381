package repo

import (
	"context"
	"database/sql"

	"rallypoint/internal/domain"
)

// InsertEvent appends one timeline row. Rows are immutable once written.
func (r Repo) InsertEvent(ctx context.Context, ev domain.ExecutionEvent) error {
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return err
	}
	success := 0
	if ev.Success {
		success = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO execution_events(id,instance_id,seq,type,success,duration_ms,created_at,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.InstanceID, ev.Seq, ev.Type, success, ev.DurationMs, ev.CreatedAt, payload)
	return err
}

// ListEvents returns events with seq greater than after, in seq order.
func (r Repo) ListEvents(ctx context.Context, instanceID string, after int64) ([]domain.ExecutionEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,seq,type,success,duration_ms,created_at,payload_json FROM execution_events WHERE instance_id=? AND seq>? ORDER BY seq`, instanceID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ExecutionEvent{}
	for rows.Next() {
		var (
			ev      domain.ExecutionEvent
			success int
			payload sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Seq, &ev.Type, &success, &ev.DurationMs, &ev.CreatedAt, &payload); err != nil {
			return nil, err
		}
		ev.Success = success == 1
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// StreamEvent is an execution event positioned in the global event stream.
type StreamEvent struct {
	Cursor int64
	PlanID string
	domain.ExecutionEvent
}

// EventsSince returns up to limit events written after cursor across all
// instances, oldest first.
func (r Repo) EventsSince(ctx context.Context, cursor int64, limit int) ([]StreamEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT e.rowid,i.plan_id,e.id,e.instance_id,e.seq,e.type,e.success,e.duration_ms,e.created_at,e.payload_json
FROM execution_events e JOIN execution_instances i ON i.id=e.instance_id
WHERE e.rowid>? ORDER BY e.rowid LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StreamEvent
	for rows.Next() {
		var (
			ev      StreamEvent
			success int
			payload sql.NullString
		)
		if err := rows.Scan(&ev.Cursor, &ev.PlanID, &ev.ID, &ev.InstanceID, &ev.Seq, &ev.Type, &success, &ev.DurationMs, &ev.CreatedAt, &payload); err != nil {
			return nil, err
		}
		ev.Success = success == 1
		if err := decodeJSON(payload, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// LatestEventCursor returns the stream position of the newest event, or 0.
func (r Repo) LatestEventCursor(ctx context.Context) (int64, error) {
	var cur sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM execution_events`).Scan(&cur); err != nil {
		return 0, err
	}
	return cur.Int64, nil
}
