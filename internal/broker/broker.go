// Package broker fans domain events out to named pub/sub channels.
// Delivery is at-most-once; the persistence layer, not the broker, is
// the authoritative history.
package broker

import (
	"context"
	"time"

	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/state"
)

// Channel names. Subscribers are external except the correlation engine,
// which consumes Calls and SmdrCorrelated. Transcriptions is reserved
// for the transcription service and never produced here.
const (
	ChannelCalls          = "calls"
	ChannelAgents         = "agents"
	ChannelGroups         = "groups"
	ChannelSmdr           = "smdr"
	ChannelSmdrCorrelated = "smdr_correlated"
	ChannelTranscriptions = "transcriptions"
)

// Broker publishes JSON-encoded messages to named channels. Publish
// failures are the caller's to log; they must never block ingestion.
type Broker interface {
	Publish(ctx context.Context, channel string, payload any) error
	// Subscribe registers a handler for raw message bytes on a channel
	// and returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
	Close() error
}

// CallEventMessage is published on the calls channel for every call
// state change.
type CallEventMessage struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // call:created | call:updated | call:ended
	Call      models.Call `json:"call"`
	Timestamp time.Time   `json:"timestamp"`
}

// AgentStateMessage is published on the agents channel per transition.
type AgentStateMessage struct {
	ID            string            `json:"id"`
	Agent         models.Agent      `json:"agent"`
	PreviousState models.AgentState `json:"previous_state"`
	Reason        string            `json:"reason,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// GroupStatsMessage is published on the groups channel when a queue's
// snapshot stats are recomputed.
type GroupStatsMessage struct {
	ID        string           `json:"id"`
	Group     models.HuntGroup `json:"group"`
	Timestamp time.Time        `json:"timestamp"`
}

// SmdrMessage carries one stored SMDR record, raw line included.
type SmdrMessage struct {
	ID        string            `json:"id"`
	Record    models.SmdrRecord `json:"record"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageForEvent converts a state-core event into its channel and
// wire message. The bool is false for event types with no channel.
func MessageForEvent(ev state.Event, msgID string) (string, any, bool) {
	switch ev.Type {
	case state.EventCallCreated, state.EventCallUpdated, state.EventCallEnded:
		return ChannelCalls, CallEventMessage{
			ID:        msgID,
			Type:      string(ev.Type),
			Call:      *ev.Call,
			Timestamp: ev.Timestamp,
		}, true
	case state.EventAgentState:
		return ChannelAgents, AgentStateMessage{
			ID:            msgID,
			Agent:         *ev.Agent,
			PreviousState: ev.PreviousState,
			Reason:        ev.Reason,
			Timestamp:     ev.Timestamp,
		}, true
	case state.EventGroupStats:
		return ChannelGroups, GroupStatsMessage{
			ID:        msgID,
			Group:     *ev.Group,
			Timestamp: ev.Timestamp,
		}, true
	}
	return "", nil, false
}
