package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

const callColumns = `id, external_call_id, direction, state, caller_number, caller_name,
	 called_number, called_name, queue_name, queue_entry_time, agent_extension,
	 agent_name, agent_id, trunk_id, trunk_name, start_time, answer_time, end_time,
	 duration, talk_duration, hold_count, hold_duration, transfer_count,
	 answered, abandoned, recorded, account_code, tags, metadata, created_at, updated_at`

// Upsert inserts a new call or folds non-zero fields into the existing
// row, inside one short transaction. A previously set column is never
// cleared by an absent field.
func (r *callRepo) Upsert(ctx context.Context, call *models.Call) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	var (
		id       int64
		metaJSON string
	)
	err = tx.QueryRowContext(ctx,
		r.db.rebind(`SELECT id, metadata FROM calls WHERE external_call_id = ?`),
		call.ExternalCallID,
	).Scan(&id, &metaJSON)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = r.insert(ctx, tx, call)
		if err != nil {
			return 0, false, err
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("committing insert: %w", err)
		}
		return id, true, nil
	case err != nil:
		return 0, false, fmt.Errorf("looking up call %s: %w", call.ExternalCallID, err)
	}

	if err := r.update(ctx, tx, id, call, metaJSON); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing update: %w", err)
	}
	return id, false, nil
}

func (r *callRepo) insert(ctx context.Context, tx *sql.Tx, call *models.Call) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := tx.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO calls (external_call_id, direction, state, caller_number, caller_name,
		 called_number, called_name, queue_name, queue_entry_time, agent_extension,
		 agent_name, agent_id, trunk_id, trunk_name, start_time, answer_time, end_time,
		 duration, talk_duration, hold_count, hold_duration, transfer_count,
		 answered, abandoned, recorded, account_code, tags, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		call.ExternalCallID, call.Direction, call.State, call.CallerNumber, call.CallerName,
		call.CalledNumber, call.CalledName, call.QueueName, call.QueueEntryTime, call.AgentExtension,
		call.AgentName, call.AgentID, call.TrunkID, call.TrunkName, call.StartTime, call.AnswerTime,
		call.EndTime, call.Duration, call.TalkDuration, call.HoldCount, call.HoldDuration,
		call.TransferCount, call.Answered, call.Abandoned, call.Recorded, call.AccountCode,
		marshalJSON(call.Tags), marshalJSON(call.Metadata), now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting call %s: %w", call.ExternalCallID, err)
	}
	return id, nil
}

// update builds a SET clause from the provided (non-zero) fields only.
func (r *callRepo) update(ctx context.Context, tx *sql.Tx, id int64, call *models.Call, existingMeta string) error {
	set := ""
	args := []any{}
	add := func(col string, v any) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}

	if call.Direction != "" {
		add("direction", call.Direction)
	}
	if call.State != "" {
		add("state", call.State)
	}
	if call.CallerNumber != "" {
		add("caller_number", call.CallerNumber)
	}
	if call.CallerName != "" {
		add("caller_name", call.CallerName)
	}
	if call.CalledNumber != "" {
		add("called_number", call.CalledNumber)
	}
	if call.CalledName != "" {
		add("called_name", call.CalledName)
	}
	if call.QueueName != "" {
		add("queue_name", call.QueueName)
	}
	if call.QueueEntryTime != nil {
		add("queue_entry_time", call.QueueEntryTime)
	}
	if call.AgentExtension != "" {
		add("agent_extension", call.AgentExtension)
	}
	if call.AgentName != "" {
		add("agent_name", call.AgentName)
	}
	if call.AgentID != nil {
		add("agent_id", call.AgentID)
	}
	if call.TrunkID != "" {
		add("trunk_id", call.TrunkID)
	}
	if call.TrunkName != "" {
		add("trunk_name", call.TrunkName)
	}
	if call.StartTime != nil {
		add("start_time", call.StartTime)
	}
	if call.AnswerTime != nil {
		add("answer_time", call.AnswerTime)
	}
	if call.EndTime != nil {
		add("end_time", call.EndTime)
	}
	if call.Duration > 0 {
		add("duration", call.Duration)
	}
	if call.TalkDuration > 0 {
		add("talk_duration", call.TalkDuration)
	}
	if call.HoldCount > 0 {
		add("hold_count", call.HoldCount)
	}
	if call.HoldDuration > 0 {
		add("hold_duration", call.HoldDuration)
	}
	if call.TransferCount > 0 {
		add("transfer_count", call.TransferCount)
	}
	// answered is definitive once the call is completed; SMDR enrichment
	// may revise an optimistic true back to false.
	if call.Answered {
		add("answered", true)
	} else if call.State == models.CallStateCompleted {
		add("answered", false)
	}
	if call.Abandoned {
		add("abandoned", true)
	}
	if call.Recorded {
		add("recorded", true)
	}
	if call.AccountCode != "" {
		add("account_code", call.AccountCode)
	}
	if len(call.Tags) > 0 {
		add("tags", marshalJSON(call.Tags))
	}
	if len(call.Metadata) > 0 {
		add("metadata", mergeMetadata(existingMeta, call.Metadata))
	}
	add("updated_at", time.Now().UTC())

	args = append(args, id)
	_, err := tx.ExecContext(ctx, r.db.rebind("UPDATE calls SET "+set+" WHERE id = ?"), args...)
	if err != nil {
		return fmt.Errorf("updating call %d: %w", id, err)
	}
	return nil
}

// GetByID returns a call by row id.
func (r *callRepo) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		r.db.rebind(`SELECT `+callColumns+` FROM calls WHERE id = ?`), id))
}

// GetByExternalID returns a call by its PBX-assigned id.
func (r *callRepo) GetByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		r.db.rebind(`SELECT `+callColumns+` FROM calls WHERE external_call_id = ?`), externalID))
}

// FindByWindow returns calls with a matching agent extension whose
// start_time lies within ±window of center.
func (r *callRepo) FindByWindow(ctx context.Context, center time.Time, window time.Duration, extension string) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT `+callColumns+` FROM calls
		 WHERE agent_extension = ? AND start_time >= ? AND start_time <= ?
		 ORDER BY start_time`),
		extension, center.Add(-window), center.Add(window),
	)
	if err != nil {
		return nil, fmt.Errorf("querying call window: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *callRepo) scanOne(row *sql.Row) (*models.Call, error) {
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func scanCall(row rowScanner) (*models.Call, error) {
	var (
		c        models.Call
		tagsJSON string
		metaJSON string
	)
	err := row.Scan(&c.ID, &c.ExternalCallID, &c.Direction, &c.State, &c.CallerNumber,
		&c.CallerName, &c.CalledNumber, &c.CalledName, &c.QueueName, &c.QueueEntryTime,
		&c.AgentExtension, &c.AgentName, &c.AgentID, &c.TrunkID, &c.TrunkName,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration, &c.TalkDuration,
		&c.HoldCount, &c.HoldDuration, &c.TransferCount, &c.Answered, &c.Abandoned,
		&c.Recorded, &c.AccountCode, &tagsJSON, &metaJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning call row: %w", err)
	}
	json.Unmarshal([]byte(tagsJSON), &c.Tags)
	json.Unmarshal([]byte(metaJSON), &c.Metadata)
	return &c, nil
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// mergeMetadata folds new keys into the stored metadata JSON; new values
// win on conflict, existing keys are never dropped. A row inserted with
// no metadata stores the JSON literal null, which unmarshals to a nil
// map, so the map is re-made before assignment.
func mergeMetadata(existing string, updates map[string]string) string {
	var merged map[string]string
	json.Unmarshal([]byte(existing), &merged)
	if merged == nil {
		merged = make(map[string]string, len(updates))
	}
	for k, v := range updates {
		merged[k] = v
	}
	return marshalJSON(merged)
}
