package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/callsight/callsight/internal/database/models"
)

// callEventRepo implements CallEventRepository.
type callEventRepo struct {
	db *DB
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(db *DB) CallEventRepository {
	return &callEventRepo{db: db}
}

// CreateBatch appends all events in one transaction, preserving slice
// order so per-call event ordering survives buffered flushes.
func (r *callEventRepo) CreateBatch(ctx context.Context, events []models.CallEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, r.db.rebind(
		`INSERT INTO call_events (call_id, type, timestamp, duration, party,
		 agent_id, agent_extension, queue_name, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx, ev.CallID, ev.Type, ev.Timestamp, ev.Duration,
			ev.Party, ev.AgentID, ev.AgentExtension, ev.QueueName, marshalJSON(ev.Details))
		if err != nil {
			return fmt.Errorf("inserting %s event for call %d: %w", ev.Type, ev.CallID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event batch: %w", err)
	}
	return nil
}

// ListByCall returns a call's events in persistence order.
func (r *callEventRepo) ListByCall(ctx context.Context, callID int64) ([]models.CallEvent, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, call_id, type, timestamp, duration, party, agent_id,
		 agent_extension, queue_name, details
		 FROM call_events WHERE call_id = ? ORDER BY id`), callID)
	if err != nil {
		return nil, fmt.Errorf("listing call events: %w", err)
	}
	defer rows.Close()

	var events []models.CallEvent
	for rows.Next() {
		var (
			ev          models.CallEvent
			detailsJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.CallID, &ev.Type, &ev.Timestamp, &ev.Duration,
			&ev.Party, &ev.AgentID, &ev.AgentExtension, &ev.QueueName, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scanning call event row: %w", err)
		}
		json.Unmarshal([]byte(detailsJSON), &ev.Details)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call event rows: %w", err)
	}
	return events, nil
}
