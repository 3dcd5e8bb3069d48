package state

import (
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

// EventType names the domain events the state core emits.
type EventType string

const (
	EventCallCreated EventType = "call:created"
	EventCallUpdated EventType = "call:updated"
	EventCallEnded   EventType = "call:ended"
	EventAgentState  EventType = "agent:state"
	EventGroupStats  EventType = "group:stats"
)

// Event is one domain state change. Exactly one of Call, Agent or Group
// is set, matching the event type. Snapshots are clones; receivers never
// share memory with the live maps.
type Event struct {
	Type      EventType
	Timestamp time.Time

	Call *models.Call

	Agent         *models.Agent
	PreviousState models.AgentState
	Reason        string

	Group *models.HuntGroup
}
