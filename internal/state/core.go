// Package state holds the live call, agent and hunt-group maps fed by
// the Delta3 stream. The core is the single writer of its maps; every
// reader gets a cloned snapshot.
package state

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/delta3"
)

// evictGrace is how long a terminal call stays queryable before it is
// dropped from the live map. SMDR usually lands within this window for
// short calls; the correlation engine covers the rest.
const evictGrace = 5 * time.Second

// agentRuntime is the in-memory agent record tracked by extension.
type agentRuntime struct {
	extension  string
	name       string
	state      models.AgentState
	stateStart time.Time
	activeCall string // external call id
	groups     []string
	loginTime  *time.Time
}

// Core applies Delta3 records to the live maps and returns the domain
// events each record produced, in emission order: call change first,
// then agent state, then group stats.
type Core struct {
	mu     sync.Mutex
	calls  map[string]*models.Call
	agents map[string]*agentRuntime
	groups map[string]*models.HuntGroup
	logger *slog.Logger

	grace time.Duration
	now   func() time.Time
}

// NewCore creates an empty state core.
func NewCore(logger *slog.Logger) *Core {
	return &Core{
		calls:  make(map[string]*models.Call),
		agents: make(map[string]*agentRuntime),
		groups: make(map[string]*models.HuntGroup),
		logger: logger.With("subsystem", "state"),
		grace:  evictGrace,
		now:    time.Now,
	}
}

// SeedAgent registers a configured agent before the stream starts, so
// group membership and display names survive placeholder resolution.
func (c *Core) SeedAgent(extension, name string, groups []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[extension] = &agentRuntime{
		extension: extension,
		name:      name,
		state:     models.AgentLoggedOut,
		groups:    groups,
	}
}

// Apply consumes one parsed Delta3 record and returns the emitted events.
func (c *Core) Apply(rec delta3.Record) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch r := rec.(type) {
	case *delta3.Detail:
		return c.applyDetail(r)
	case *delta3.CallLost:
		return c.applyCallLost(r)
	case *delta3.LinkLost:
		c.logger.Info("pbx event link lost", "stamp", r.Stamp, "reason", r.Reason)
		return nil
	case *delta3.AttemptReject:
		c.logger.Info("alert attempt rejected",
			"call_id", r.CallID, "target", r.Target, "cause", r.Cause)
		return nil
	default:
		return nil
	}
}

func (c *Core) applyDetail(d *delta3.Detail) []Event {
	extID := strconv.Itoa(d.Call.CallID)
	stamp := stampTime(d.Call.Stamp, c.now)

	existing, known := c.calls[extID]
	call := existing
	if !known {
		call = &models.Call{
			ExternalCallID: extID,
			Metadata:       map[string]string{},
		}
		c.calls[extID] = call
	}

	c.mergeDetail(call, d, stamp)

	var events []Event
	if known {
		events = append(events, Event{Type: EventCallUpdated, Timestamp: stamp, Call: c.cloneCall(call)})
	} else {
		events = append(events, Event{Type: EventCallCreated, Timestamp: stamp, Call: c.cloneCall(call)})
	}

	terminal := d.Call.State == delta3.StateCompleted || d.Call.State == delta3.StateIdle
	if terminal {
		events = append(events, c.endCall(call, stamp)...)
	} else if call.AgentExtension != "" {
		events = append(events, c.transitionAgent(call.AgentExtension, call, stamp)...)
	}

	if call.QueueName != "" {
		events = append(events, c.recomputeGroup(call.QueueName, stamp)...)
	}
	return events
}

func (c *Core) applyCallLost(r *delta3.CallLost) []Event {
	extID := strconv.Itoa(r.CallID)
	call, ok := c.calls[extID]
	if !ok {
		c.logger.Debug("call lost for unknown call", "call_id", extID, "cause", r.Cause)
		return nil
	}
	stamp := stampTime(r.Stamp, c.now)
	events := c.endCall(call, stamp)
	if call.QueueName != "" {
		events = append(events, c.recomputeGroup(call.QueueName, stamp)...)
	}
	return events
}

// mergeDetail folds a Detail into the live call: new non-empty fields
// win, earlier timestamps are preserved.
func (c *Core) mergeDetail(call *models.Call, d *delta3.Detail, stamp time.Time) {
	info := d.Call

	prevState := call.State
	call.State = delta3.CallStateFromCode(info.State)
	call.Direction = resolveDirection(d)

	if call.StartTime == nil || stamp.Before(*call.StartTime) {
		t := stamp
		call.StartTime = &t
	}
	if info.ConnStamp > 0 && call.AnswerTime == nil {
		t := time.Unix(info.ConnStamp, 0).UTC()
		call.AnswerTime = &t
		call.Answered = true
	}

	setIfEmpty(&call.CallerNumber, info.CallingNum)
	setIfEmpty(&call.CallerName, info.CallingName)
	setIfEmpty(&call.CalledNumber, firstNonEmpty(info.CalledNum, info.DialledNum))
	setIfEmpty(&call.CalledName, info.CalledName)
	setIfEmpty(&call.AccountCode, info.AccountCode)
	setIfEmpty(&call.QueueName, info.OwningHuntGroup)

	if info.Tag != "" && !slices.Contains(call.Tags, info.Tag) {
		call.Tags = append(call.Tags, info.Tag)
	}
	if info.Flags&delta3.FlagRecording != 0 {
		call.Recorded = true
	}
	if info.Flags&delta3.FlagTransfer != 0 {
		call.TransferCount++
	}

	if call.State == models.CallStateQueued && call.QueueEntryTime == nil {
		t := stamp
		call.QueueEntryTime = &t
	}
	if call.State == models.CallStateHold && prevState != models.CallStateHold {
		call.HoldCount++
	}

	if internal := internalParty(d); internal != nil {
		setIfEmpty(&call.AgentExtension, internal.Number)
		setIfEmpty(&call.AgentName, internal.Name)
	}
	if trunk := trunkParty(d); trunk != nil {
		setIfEmpty(&call.TrunkID, strconv.Itoa(trunk.ID))
		setIfEmpty(&call.TrunkName, trunk.Name)
	}
}

// endCall marks a call terminal, emits call:ended, schedules eviction
// after the grace period and moves the agent back to idle.
func (c *Core) endCall(call *models.Call, stamp time.Time) []Event {
	if call.EndTime == nil {
		t := stamp
		call.EndTime = &t
	}
	if call.Answered {
		call.State = models.CallStateCompleted
	} else {
		call.State = models.CallStateAbandoned
		call.Abandoned = true
	}
	if call.StartTime != nil {
		call.Duration = int(call.EndTime.Sub(*call.StartTime) / time.Second)
	}
	if call.AnswerTime != nil {
		call.TalkDuration = int(call.EndTime.Sub(*call.AnswerTime) / time.Second)
	}

	events := []Event{{Type: EventCallEnded, Timestamp: stamp, Call: c.cloneCall(call)}}

	extID := call.ExternalCallID
	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.calls[extID]; ok && cur.EndTime != nil {
			delete(c.calls, extID)
		}
	})

	if call.AgentExtension != "" {
		events = append(events, c.transitionAgent(call.AgentExtension, nil, stamp)...)
	}
	return events
}

// transitionAgent derives the agent state from the call state (nil call
// means idle) and emits agent:state when either the state or the active
// call changed.
func (c *Core) transitionAgent(extension string, call *models.Call, stamp time.Time) []Event {
	agent, ok := c.agents[extension]
	if !ok {
		agent = &agentRuntime{extension: extension, state: models.AgentIdle, stateStart: stamp}
		c.agents[extension] = agent
	}

	newState := models.AgentIdle
	activeCall := ""
	reason := "call ended"
	if call != nil {
		newState = agentStateForCall(call.State)
		activeCall = call.ExternalCallID
		reason = string(call.State)
		if agent.loginTime == nil {
			t := stamp
			agent.loginTime = &t
		}
		setIfEmpty(&agent.name, call.AgentName)
	}

	if agent.state == newState && agent.activeCall == activeCall {
		return nil
	}

	prev := agent.state
	agent.state = newState
	agent.activeCall = activeCall
	agent.stateStart = stamp

	return []Event{{
		Type:          EventAgentState,
		Timestamp:     stamp,
		Agent:         c.cloneAgent(agent),
		PreviousState: prev,
		Reason:        reason,
	}}
}

// recomputeGroup rebuilds the snapshot stats for one hunt group from the
// current maps. Stats are recomputed, never maintained transactionally.
func (c *Core) recomputeGroup(name string, stamp time.Time) []Event {
	g, ok := c.groups[name]
	if !ok {
		g = &models.HuntGroup{Name: name}
		c.groups[name] = g
	}

	g.CallsWaiting = 0
	g.LongestWaitSecs = 0
	now := c.now()
	for _, call := range c.calls {
		if call.QueueName != name || call.State != models.CallStateQueued {
			continue
		}
		g.CallsWaiting++
		if call.QueueEntryTime != nil {
			if w := int(now.Sub(*call.QueueEntryTime) / time.Second); w > g.LongestWaitSecs {
				g.LongestWaitSecs = w
			}
		}
	}

	g.AgentsAvailable = 0
	g.AgentsBusy = 0
	for _, a := range c.agents {
		if !slices.Contains(a.groups, name) {
			continue
		}
		switch a.state {
		case models.AgentIdle:
			g.AgentsAvailable++
		case models.AgentTalking, models.AgentRinging, models.AgentHold:
			g.AgentsBusy++
		}
	}
	g.UpdatedAt = stamp

	snap := *g
	return []Event{{Type: EventGroupStats, Timestamp: stamp, Group: &snap}}
}

// ActiveCalls returns clones of all live calls.
func (c *Core) ActiveCalls() []models.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, *c.cloneCall(call))
	}
	return out
}

// ActiveCallCount returns the number of live, non-terminal calls.
func (c *Core) ActiveCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.EndTime == nil {
			n++
		}
	}
	return n
}

// AgentCount returns the number of tracked agents.
func (c *Core) AgentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}

// GroupCount returns the number of tracked hunt groups.
func (c *Core) GroupCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// Agents returns clones of all tracked agents.
func (c *Core) Agents() []models.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, *c.cloneAgent(a))
	}
	return out
}

// Groups returns clones of all hunt-group snapshots.
func (c *Core) Groups() []models.HuntGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.HuntGroup, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, *g)
	}
	return out
}

func (c *Core) cloneCall(call *models.Call) *models.Call {
	cp := *call
	cp.Tags = slices.Clone(call.Tags)
	cp.Metadata = make(map[string]string, len(call.Metadata))
	for k, v := range call.Metadata {
		cp.Metadata[k] = v
	}
	cp.QueueEntryTime = cloneTime(call.QueueEntryTime)
	cp.StartTime = cloneTime(call.StartTime)
	cp.AnswerTime = cloneTime(call.AnswerTime)
	cp.EndTime = cloneTime(call.EndTime)
	return &cp
}

func (c *Core) cloneAgent(a *agentRuntime) *models.Agent {
	start := a.stateStart
	return &models.Agent{
		Extension:      a.extension,
		Name:           a.name,
		CurrentState:   a.state,
		StateStartTime: &start,
		ActiveCallID:   a.activeCall,
		LoginTime:      cloneTime(a.loginTime),
		Active:         true,
	}
}

// agentStateForCall maps a call state to the handling agent's state.
func agentStateForCall(s models.CallState) models.AgentState {
	switch s {
	case models.CallStateConnected:
		return models.AgentTalking
	case models.CallStateRinging, models.CallStateQueued:
		return models.AgentRinging
	case models.CallStateHold:
		return models.AgentHold
	default:
		return models.AgentIdle
	}
}

// resolveDirection classifies the call from the party equipment types:
// trunk on either leg means external, and party A's direction says
// which way; extension to extension is internal.
func resolveDirection(d *delta3.Detail) models.CallDirection {
	if !delta3.IsTrunk(d.PartyA.EqType) && !delta3.IsTrunk(d.PartyB.EqType) {
		return models.DirectionInternal
	}
	if d.PartyA.Direction == "I" {
		return models.DirectionInbound
	}
	return models.DirectionOutbound
}

// internalParty returns the extension-side party, if any.
func internalParty(d *delta3.Detail) *delta3.Party {
	if delta3.IsExtension(d.PartyA.EqType) {
		return &d.PartyA
	}
	if delta3.IsExtension(d.PartyB.EqType) {
		return &d.PartyB
	}
	return nil
}

// trunkParty returns the trunk-side party, if any.
func trunkParty(d *delta3.Detail) *delta3.Party {
	if delta3.IsTrunk(d.PartyA.EqType) {
		return &d.PartyA
	}
	if delta3.IsTrunk(d.PartyB.EqType) {
		return &d.PartyB
	}
	return nil
}

func stampTime(stamp int64, now func() time.Time) time.Time {
	if stamp > 0 {
		return time.Unix(stamp, 0).UTC()
	}
	return now().UTC()
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
