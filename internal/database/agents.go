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

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

const agentColumns = `id, extension, name, current_state, state_start_time,
	 active_call_id, group_ids, skill_ids, login_time, active, created_at, updated_at`

// Create inserts a new agent.
func (r *agentRepo) Create(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO agents (extension, name, current_state, state_start_time,
		 active_call_id, group_ids, skill_ids, login_time, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		agent.Extension, agent.Name, stateOrDefault(agent.CurrentState), agent.StateStartTime,
		agent.ActiveCallID, marshalJSON(agent.GroupIDs), marshalJSON(agent.SkillIDs),
		agent.LoginTime, agent.Active, now, now,
	).Scan(&agent.ID)
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", agent.Extension, err)
	}
	return nil
}

// GetByID returns an agent by row id.
func (r *agentRepo) GetByID(ctx context.Context, id int64) (*models.Agent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		r.db.rebind(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id))
}

// GetByExtension returns an agent by primary extension.
func (r *agentRepo) GetByExtension(ctx context.Context, extension string) (*models.Agent, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		r.db.rebind(`SELECT `+agentColumns+` FROM agents WHERE extension = ?`), extension))
}

// ListActive returns all active agents.
func (r *agentRepo) ListActive(ctx context.Context) ([]models.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		r.db.rebind(`SELECT `+agentColumns+` FROM agents WHERE active = ? ORDER BY extension`), true)
	if err != nil {
		return nil, fmt.Errorf("listing active agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateState sets the agent's current state. The state history segment
// must already be written; history is the source of truth.
func (r *agentRepo) UpdateState(ctx context.Context, id int64, state models.AgentState, stateStart time.Time, activeCallID string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE agents SET current_state = ?, state_start_time = ?, active_call_id = ?, updated_at = ?
		 WHERE id = ?`),
		state, stateStart, activeCallID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating agent %d state: %w", id, err)
	}
	return nil
}

func (r *agentRepo) scanOne(row *sql.Row) (*models.Agent, error) {
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a          models.Agent
		groupsJSON string
		skillsJSON string
	)
	err := row.Scan(&a.ID, &a.Extension, &a.Name, &a.CurrentState, &a.StateStartTime,
		&a.ActiveCallID, &groupsJSON, &skillsJSON, &a.LoginTime, &a.Active,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent row: %w", err)
	}
	json.Unmarshal([]byte(groupsJSON), &a.GroupIDs)
	json.Unmarshal([]byte(skillsJSON), &a.SkillIDs)
	return &a, nil
}

func stateOrDefault(s models.AgentState) models.AgentState {
	if s == "" {
		return models.AgentLoggedOut
	}
	return s
}

// agentStateRepo implements AgentStateRepository.
type agentStateRepo struct {
	db *DB
}

// NewAgentStateRepository creates a new AgentStateRepository.
func NewAgentStateRepository(db *DB) AgentStateRepository {
	return &agentStateRepo{db: db}
}

// CreateSegment appends a history segment.
func (r *agentStateRepo) CreateSegment(ctx context.Context, seg *models.AgentStateSegment) error {
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO agent_states (agent_id, state, previous_state, start_time, duration, call_id, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		seg.AgentID, seg.State, seg.PreviousState, seg.StartTime, seg.Duration, seg.CallID, seg.Reason,
	).Scan(&seg.ID)
	if err != nil {
		return fmt.Errorf("inserting agent state segment: %w", err)
	}
	return nil
}

// CloseOpenSegment fills the duration of the agent's newest open segment.
func (r *agentStateRepo) CloseOpenSegment(ctx context.Context, agentID int64, endTime time.Time) error {
	var (
		id    int64
		start time.Time
	)
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT id, start_time FROM agent_states
		 WHERE agent_id = ? AND duration IS NULL
		 ORDER BY id DESC LIMIT 1`), agentID,
	).Scan(&id, &start)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("finding open segment for agent %d: %w", agentID, err)
	}

	dur := int(endTime.Sub(start) / time.Second)
	if dur < 0 {
		dur = 0
	}
	if _, err := r.db.ExecContext(ctx,
		r.db.rebind(`UPDATE agent_states SET duration = ? WHERE id = ?`), dur, id); err != nil {
		return fmt.Errorf("closing segment %d: %w", id, err)
	}
	return nil
}

// ListByAgent returns an agent's history segments in order.
func (r *agentStateRepo) ListByAgent(ctx context.Context, agentID int64) ([]models.AgentStateSegment, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT id, agent_id, state, previous_state, start_time, duration, call_id, reason
		 FROM agent_states WHERE agent_id = ? ORDER BY id`), agentID)
	if err != nil {
		return nil, fmt.Errorf("listing agent states: %w", err)
	}
	defer rows.Close()

	var segs []models.AgentStateSegment
	for rows.Next() {
		var s models.AgentStateSegment
		if err := rows.Scan(&s.ID, &s.AgentID, &s.State, &s.PreviousState,
			&s.StartTime, &s.Duration, &s.CallID, &s.Reason); err != nil {
			return nil, fmt.Errorf("scanning agent state row: %w", err)
		}
		segs = append(segs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent state rows: %w", err)
	}
	return segs, nil
}

// agentMappingRepo implements AgentMappingRepository.
type agentMappingRepo struct {
	db *DB
}

// NewAgentMappingRepository creates a new AgentMappingRepository.
func NewAgentMappingRepository(db *DB) AgentMappingRepository {
	return &agentMappingRepo{db: db}
}

// List returns all secondary extension mappings.
func (r *agentMappingRepo) List(ctx context.Context) ([]models.AgentMapping, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, agent_id, extension, created_at FROM agent_mappings ORDER BY extension`)
	if err != nil {
		return nil, fmt.Errorf("listing agent mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.AgentMapping
	for rows.Next() {
		var m models.AgentMapping
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Extension, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning agent mapping row: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent mapping rows: %w", err)
	}
	return mappings, nil
}

// Create inserts a secondary extension mapping.
func (r *agentMappingRepo) Create(ctx context.Context, m *models.AgentMapping) error {
	err := r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO agent_mappings (agent_id, extension, created_at)
		 VALUES (?, ?, ?) RETURNING id`),
		m.AgentID, m.Extension, time.Now().UTC(),
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("inserting agent mapping %s: %w", m.Extension, err)
	}
	return nil
}
