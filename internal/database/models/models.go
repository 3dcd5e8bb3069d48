package models

import "time"

// CallDirection classifies which way a call crossed the PBX.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
	DirectionInternal CallDirection = "internal"
)

// CallState is the application-level call state derived from the PBX's
// numeric state codes.
type CallState string

const (
	CallStateIdle      CallState = "idle"
	CallStateRinging   CallState = "ringing"
	CallStateConnected CallState = "connected"
	CallStateCompleted CallState = "completed"
	CallStateHold      CallState = "hold"
	CallStateQueued    CallState = "queued"
	CallStateParked    CallState = "parked"
	CallStateAbandoned CallState = "abandoned"
)

// AgentState is the presence state of an agent.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentTalking   AgentState = "talking"
	AgentRinging   AgentState = "ringing"
	AgentHold      AgentState = "hold"
	AgentACW       AgentState = "acw"
	AgentDND       AgentState = "dnd"
	AgentAway      AgentState = "away"
	AgentLoggedOut AgentState = "logged-out"
	AgentUnknown   AgentState = "unknown"
)

// Call is an active or completed call, keyed by the PBX-assigned
// external call id.
type Call struct {
	ID             int64             `json:"id"`
	ExternalCallID string            `json:"external_call_id"`
	Direction      CallDirection     `json:"direction"`
	State          CallState         `json:"state"`
	CallerNumber   string            `json:"caller_number"`
	CallerName     string            `json:"caller_name,omitempty"`
	CalledNumber   string            `json:"called_number"`
	CalledName     string            `json:"called_name,omitempty"`
	QueueName      string            `json:"queue_name,omitempty"`
	QueueEntryTime *time.Time        `json:"queue_entry_time,omitempty"`
	AgentExtension string            `json:"agent_extension,omitempty"`
	AgentName      string            `json:"agent_name,omitempty"`
	AgentID        *int64            `json:"agent_id,omitempty"`
	TrunkID        string            `json:"trunk_id,omitempty"`
	TrunkName      string            `json:"trunk_name,omitempty"`
	StartTime      *time.Time        `json:"start_time,omitempty"`
	AnswerTime     *time.Time        `json:"answer_time,omitempty"`
	EndTime        *time.Time        `json:"end_time,omitempty"`
	Duration       int               `json:"duration"`      // seconds, total
	TalkDuration   int               `json:"talk_duration"` // seconds connected
	HoldCount      int               `json:"hold_count"`
	HoldDuration   int               `json:"hold_duration"` // seconds on hold
	TransferCount  int               `json:"transfer_count"`
	Answered       bool              `json:"answered"`
	Abandoned      bool              `json:"abandoned"`
	Recorded       bool              `json:"recorded"`
	AccountCode    string            `json:"account_code,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// CallEventType enumerates the lifecycle events recorded per call.
type CallEventType string

const (
	EventInitiated        CallEventType = "initiated"
	EventQueued           CallEventType = "queued"
	EventDequeued         CallEventType = "dequeued"
	EventRinging          CallEventType = "ringing"
	EventAnswered         CallEventType = "answered"
	EventHeld             CallEventType = "held"
	EventRetrieved        CallEventType = "retrieved"
	EventTransferred      CallEventType = "transferred"
	EventConferenced      CallEventType = "conferenced"
	EventParked           CallEventType = "parked"
	EventUnparked         CallEventType = "unparked"
	EventVoicemail        CallEventType = "voicemail"
	EventCompleted        CallEventType = "completed"
	EventAbandoned        CallEventType = "abandoned"
	EventDTMF             CallEventType = "dtmf"
	EventRecordingStarted CallEventType = "recording_started"
	EventRecordingStopped CallEventType = "recording_stopped"
)

// CallEvent is an immutable lifecycle log entry for a call. Append-only.
type CallEvent struct {
	ID             int64             `json:"id"`
	CallID         int64             `json:"call_id"`
	Type           CallEventType     `json:"type"`
	Timestamp      time.Time         `json:"timestamp"`
	Duration       *int              `json:"duration,omitempty"` // seconds, where the event has one (e.g. hold)
	Party          string            `json:"party,omitempty"`
	AgentID        *int64            `json:"agent_id,omitempty"`
	AgentExtension string            `json:"agent_extension,omitempty"`
	QueueName      string            `json:"queue_name,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// Agent is a resolved call-handling party. Never deleted, only soft-inactive.
type Agent struct {
	ID             int64      `json:"id"`
	Extension      string     `json:"extension"` // unique
	Name           string     `json:"name"`
	CurrentState   AgentState `json:"current_state"`
	StateStartTime *time.Time `json:"state_start_time,omitempty"`
	ActiveCallID   string     `json:"active_call_id,omitempty"` // external call id; empty when idle
	GroupIDs       []int64    `json:"group_ids,omitempty"`
	SkillIDs       []int64    `json:"skill_ids,omitempty"`
	LoginTime      *time.Time `json:"login_time,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AgentStateSegment is one append-only AgentStateHistory row. Duration is
// filled when the next transition closes the segment.
type AgentStateSegment struct {
	ID            int64      `json:"id"`
	AgentID       int64      `json:"agent_id"`
	State         AgentState `json:"state"`
	PreviousState AgentState `json:"previous_state"`
	StartTime     time.Time  `json:"start_time"`
	Duration      *int       `json:"duration,omitempty"` // seconds; nil while the segment is open
	CallID        *int64     `json:"call_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// AgentMapping links a secondary extension to an agent, for hot-desking
// and twinned devices.
type AgentMapping struct {
	ID        int64     `json:"id"`
	AgentID   int64     `json:"agent_id"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"created_at"`
}

// HuntGroup is an ACD queue with recomputed (never transactional) stats.
type HuntGroup struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Number          string    `json:"number,omitempty"`
	CallsWaiting    int       `json:"calls_waiting"`
	LongestWaitSecs int       `json:"longest_wait_seconds"`
	AgentsAvailable int       `json:"agents_available"`
	AgentsBusy      int       `json:"agents_busy"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SmdrRecord is one parsed SMDR CSV line. Immutable once parsed; the raw
// line is stored verbatim alongside the typed fields.
type SmdrRecord struct {
	ID                     int64      `json:"id"`
	Raw                    string     `json:"raw"`
	CallStart              time.Time  `json:"call_start"`
	ConnectedSecs          int        `json:"connected_seconds"`
	RingSecs               int        `json:"ring_seconds"`
	Caller                 string     `json:"caller"`
	Direction              string     `json:"direction"` // "I" | "O"
	CalledNumber           string     `json:"called_number"`
	DialledNumber          string     `json:"dialled_number,omitempty"`
	Account                string     `json:"account,omitempty"`
	IsInternal             bool       `json:"is_internal"`
	CallID                 string     `json:"call_id"`
	Continuation           bool       `json:"continuation,omitempty"`
	Party1Device           string     `json:"party1_device,omitempty"`
	Party1Name             string     `json:"party1_name,omitempty"`
	Party2Device           string     `json:"party2_device,omitempty"`
	Party2Name             string     `json:"party2_name,omitempty"`
	HoldSecs               int        `json:"hold_seconds"`
	ParkSecs               int        `json:"park_seconds"`
	AuthValid              string     `json:"auth_valid,omitempty"`
	AuthCode               string     `json:"auth_code,omitempty"`
	UserCharged            string     `json:"user_charged,omitempty"`
	CallCharge             string     `json:"call_charge,omitempty"`
	Currency               string     `json:"currency,omitempty"`
	AmountAtLastUser       string     `json:"amount_at_last_user,omitempty"`
	CallUnits              string     `json:"call_units,omitempty"`
	UnitsAtLastUser        string     `json:"units_at_last_user,omitempty"`
	CostPerUnit            string     `json:"cost_per_unit,omitempty"`
	MarkUp                 string     `json:"mark_up,omitempty"`
	ExternalTargetingCause string     `json:"external_targeting_cause,omitempty"`
	ExternalTargeterID     string     `json:"external_targeter_id,omitempty"`
	ExternalTargetedNum    string     `json:"external_targeted_number,omitempty"`
	CallingPartyServer     string     `json:"calling_party_server,omitempty"`
	UniqueCallIDCaller     string     `json:"unique_call_id_caller,omitempty"`
	CalledPartyServer      string     `json:"called_party_server,omitempty"`
	UniqueCallIDCalled     string     `json:"unique_call_id_called,omitempty"`
	SMDRRecordTime         string     `json:"smdr_record_time,omitempty"`
	Reconciled             bool       `json:"reconciled"`
	ReconciledAt           *time.Time `json:"reconciled_at,omitempty"`
	MatchedCallID          *int64     `json:"matched_call_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}
