package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventCategory groups events.
type EventCategory string

const (
	EventCategoryInfo    EventCategory = "info"
	EventCategoryWarning EventCategory = "warning"
	EventCategoryError   EventCategory = "error"
)

// EventType identifies run events.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeRunResumed   EventType = "run_resumed"
	EventTypeRunCompleted EventType = "run_completed"
	EventTypeRunHalted    EventType = "run_halted"
	EventTypeRetry        EventType = "retry"
	EventTypeUnitFailed   EventType = "unit_failed"
	EventTypeRejected     EventType = "structure_rejected"
)

// Event is a diagnostic entry in run_events.
type Event struct {
	ID             int64
	OccurredAt     time.Time
	Type           EventType
	Category       EventCategory
	UnitID         string
	CompositionKey string
	Detail         string
}

// RecordEvent appends an event.
func (l *Ledger) RecordEvent(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.Category == "" {
		e.Category = EventCategoryInfo
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_events (occurred_at, event_type, event_category, unit_id, composition_key, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		formatTime(e.OccurredAt), string(e.Type), string(e.Category),
		nullString(e.UnitID), nullString(e.CompositionKey), nullString(e.Detail))
	if err != nil {
		return fmt.Errorf("record run event: %w", err)
	}
	return nil
}

// Events lists events in order, optionally filtered by category.
func (l *Ledger) Events(ctx context.Context, category *EventCategory) ([]Event, error) {
	query := `SELECT event_id, occurred_at, event_type, event_category, unit_id, composition_key, detail
		FROM run_events`
	var args []any
	if category != nil {
		query += ` WHERE event_category = ?`
		args = append(args, string(*category))
	}
	query += ` ORDER BY event_id ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var occurred, typ, cat string
		var unit, comp, detail sql.NullString
		if err := rows.Scan(&e.ID, &occurred, &typ, &cat, &unit, &comp, &detail); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.OccurredAt = parseTime(occurred)
		e.Type = EventType(typ)
		e.Category = EventCategory(cat)
		e.UnitID = unit.String
		e.CompositionKey = comp.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
