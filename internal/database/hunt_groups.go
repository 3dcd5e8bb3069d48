package database

import (
	"context"
	"fmt"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// huntGroupRepo implements HuntGroupRepository.
type huntGroupRepo struct {
	db *DB
}

// NewHuntGroupRepository creates a new HuntGroupRepository.
func NewHuntGroupRepository(db *DB) HuntGroupRepository {
	return &huntGroupRepo{db: db}
}

// UpsertStats writes a group's recomputed snapshot, keyed by name.
func (r *huntGroupRepo) UpsertStats(ctx context.Context, group *models.HuntGroup) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`UPDATE hunt_groups SET number = ?, calls_waiting = ?, longest_wait_seconds = ?,
		 agents_available = ?, agents_busy = ?, updated_at = ?
		 WHERE name = ?`),
		group.Number, group.CallsWaiting, group.LongestWaitSecs,
		group.AgentsAvailable, group.AgentsBusy, now, group.Name)
	if err != nil {
		return fmt.Errorf("updating hunt group %s: %w", group.Name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	err = r.db.QueryRowContext(ctx, r.db.rebind(
		`INSERT INTO hunt_groups (name, number, calls_waiting, longest_wait_seconds,
		 agents_available, agents_busy, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		group.Name, group.Number, group.CallsWaiting, group.LongestWaitSecs,
		group.AgentsAvailable, group.AgentsBusy, now,
	).Scan(&group.ID)
	if err != nil {
		return fmt.Errorf("inserting hunt group %s: %w", group.Name, err)
	}
	return nil
}

// List returns all hunt groups.
func (r *huntGroupRepo) List(ctx context.Context) ([]models.HuntGroup, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, number, calls_waiting, longest_wait_seconds,
		 agents_available, agents_busy, updated_at
		 FROM hunt_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing hunt groups: %w", err)
	}
	defer rows.Close()

	var groups []models.HuntGroup
	for rows.Next() {
		var g models.HuntGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Number, &g.CallsWaiting,
			&g.LongestWaitSecs, &g.AgentsAvailable, &g.AgentsBusy, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning hunt group row: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hunt group rows: %w", err)
	}
	return groups, nil
}
