package database

import (
	"context"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// CallRepository manages call rows keyed by external call id.
type CallRepository interface {
	// Upsert inserts or updates the call identified by ExternalCallID.
	// Only non-zero fields overwrite existing values. Returns the row id
	// and whether a new row was created.
	Upsert(ctx context.Context, call *models.Call) (int64, bool, error)
	GetByID(ctx context.Context, id int64) (*models.Call, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.Call, error)
	// FindByWindow returns calls whose start_time lies within ±window of
	// center and whose agent extension matches.
	FindByWindow(ctx context.Context, center time.Time, window time.Duration, extension string) ([]models.Call, error)
}

// CallEventRepository appends immutable call lifecycle events.
type CallEventRepository interface {
	CreateBatch(ctx context.Context, events []models.CallEvent) error
	ListByCall(ctx context.Context, callID int64) ([]models.CallEvent, error)
}

// AgentRepository manages agent rows. Agents are never deleted, only
// marked inactive.
type AgentRepository interface {
	Create(ctx context.Context, agent *models.Agent) error
	GetByID(ctx context.Context, id int64) (*models.Agent, error)
	GetByExtension(ctx context.Context, extension string) (*models.Agent, error)
	ListActive(ctx context.Context) ([]models.Agent, error)
	UpdateState(ctx context.Context, id int64, state models.AgentState, stateStart time.Time, activeCallID string) error
}

// AgentStateRepository appends agent state history segments.
type AgentStateRepository interface {
	CreateSegment(ctx context.Context, seg *models.AgentStateSegment) error
	// CloseOpenSegment fills the duration of the agent's open segment so
	// segments never overlap. Returns ErrNotFound if none is open.
	CloseOpenSegment(ctx context.Context, agentID int64, endTime time.Time) error
	ListByAgent(ctx context.Context, agentID int64) ([]models.AgentStateSegment, error)
}

// AgentMappingRepository lists secondary extension→agent mappings.
type AgentMappingRepository interface {
	List(ctx context.Context) ([]models.AgentMapping, error)
	Create(ctx context.Context, m *models.AgentMapping) error
}

// HuntGroupRepository persists hunt-group snapshot stats.
type HuntGroupRepository interface {
	UpsertStats(ctx context.Context, group *models.HuntGroup) error
	List(ctx context.Context) ([]models.HuntGroup, error)
}

// SmdrRepository stores raw SMDR records and their reconciliation state.
type SmdrRepository interface {
	Create(ctx context.Context, rec *models.SmdrRecord) error
	GetByID(ctx context.Context, id int64) (*models.SmdrRecord, error)
	MarkReconciled(ctx context.Context, id int64, matchedCallID int64, at time.Time) error
}
