// Package correlate reconciles real-time call state events with the
// end-of-call SMDR billing records the PBX emits on a separate feed.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callsight/callsight/internal/database/models"
	"github.com/callsight/callsight/internal/persist"
	"github.com/callsight/callsight/internal/resolver"
	"github.com/callsight/callsight/internal/smdr"
	"github.com/callsight/callsight/internal/state"
)

const (
	// pendingTTL bounds how long an ended call waits for its SMDR record.
	pendingTTL    = 10 * time.Minute
	evictInterval = time.Minute
	// matchWindow is the start-time tolerance for window matching when
	// the call ids on the two feeds disagree.
	matchWindow = 5 * time.Second
	statsEvery  = 60 * time.Second
)

// pendingMatch remembers an ended call until its SMDR record arrives.
type pendingMatch struct {
	callRowID  int64
	externalID string
	extension  string
	startTime  time.Time
	endedAt    time.Time
}

// SmdrStore is the slice of the SMDR repository the engine needs.
type SmdrStore interface {
	Create(ctx context.Context, rec *models.SmdrRecord) error
	MarkReconciled(ctx context.Context, id int64, matchedCallID int64, at time.Time) error
}

// CallFinder looks up historical calls for window matching.
type CallFinder interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Call, error)
	FindByWindow(ctx context.Context, center time.Time, window time.Duration, extension string) ([]models.Call, error)
}

// Engine persists call events and reconciles SMDR records against them.
type Engine struct {
	buffer   *persist.Buffer
	smdr     SmdrStore
	calls    CallFinder
	resolver *resolver.AgentResolver
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingMatch // external call id -> pending

	matchedByID     atomic.Uint64
	matchedByWindow atomic.Uint64
	standalone      atomic.Uint64
	evicted         atomic.Uint64
	errCount        atomic.Uint64
	latencySumMs    atomic.Uint64
	latencyCount    atomic.Uint64
}

// New creates an Engine.
func New(buffer *persist.Buffer, smdr SmdrStore, calls CallFinder, res *resolver.AgentResolver, logger *slog.Logger) *Engine {
	return &Engine{
		buffer:   buffer,
		smdr:     smdr,
		calls:    calls,
		resolver: res,
		logger:   logger.With("subsystem", "correlate"),
		now:      time.Now,
		pending:  make(map[string]pendingMatch),
	}
}

// Run evicts stale pending matches and logs stats until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	evict := time.NewTicker(evictInterval)
	defer evict.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evict.C:
			e.evictStale()
		case <-stats.C:
			e.logger.Info("correlation stats",
				"matched_by_id", e.matchedByID.Load(),
				"matched_by_window", e.matchedByWindow.Load(),
				"standalone", e.standalone.Load(),
				"evicted", e.evicted.Load(),
				"errors", e.errCount.Load(),
				"avg_match_latency_ms", e.AvgMatchLatencyMs(),
				"pending", e.PendingCount())
		}
	}
}

// HandleCallEvent persists a state core event. Ended calls are recorded
// as pending so the SMDR record arriving later can be matched by id.
func (e *Engine) HandleCallEvent(ctx context.Context, ev state.Event) error {
	return e.countErr(e.handleCallEvent(ctx, ev))
}

func (e *Engine) handleCallEvent(ctx context.Context, ev state.Event) error {
	if ev.Call == nil {
		return nil
	}
	call := ev.Call

	h := e.resolver.Resolve(ctx, call.AgentExtension)
	if h.AgentID != 0 {
		call.AgentID = &h.AgentID
		if call.AgentName == "" {
			call.AgentName = h.Name
		}
	}

	rowID, created, err := e.buffer.UpsertCall(ctx, call)
	if err != nil {
		return fmt.Errorf("upserting call %s: %w", call.ExternalCallID, err)
	}

	e.buffer.Append(models.CallEvent{
		CallID:         rowID,
		Type:           eventTypeFor(ev, created),
		Timestamp:      ev.Timestamp,
		Party:          call.CallerNumber,
		AgentID:        call.AgentID,
		AgentExtension: call.AgentExtension,
		QueueName:      call.QueueName,
	})

	if ev.Type == state.EventCallEnded {
		start := ev.Timestamp
		if call.StartTime != nil {
			start = *call.StartTime
		}
		e.mu.Lock()
		e.pending[call.ExternalCallID] = pendingMatch{
			callRowID:  rowID,
			externalID: call.ExternalCallID,
			extension:  call.AgentExtension,
			startTime:  start,
			endedAt:    e.now(),
		}
		e.mu.Unlock()
	}
	return nil
}

// HandleAgentEvent persists an agent transition from the state core.
func (e *Engine) HandleAgentEvent(ctx context.Context, ev state.Event) error {
	if ev.Agent == nil {
		return nil
	}
	h := e.resolver.Resolve(ctx, ev.Agent.Extension)
	if h.AgentID == 0 {
		// Transient handle; the next transition will retry with a row.
		return nil
	}
	return e.countErr(e.buffer.UpdateAgentState(ctx, h.AgentID,
		ev.PreviousState, ev.Agent.CurrentState, ev.Timestamp,
		nil, ev.Agent.ActiveCallID, ev.Reason))
}

// HandleSmdr reconciles one SMDR record. Matching tries the call id
// first, then a start-time window on the same extension, and finally
// creates a standalone completed call so billing data is never dropped.
// Returns the matched (or created) call row id.
func (e *Engine) HandleSmdr(ctx context.Context, rec *models.SmdrRecord) (int64, error) {
	rowID, err := e.handleSmdr(ctx, rec)
	return rowID, e.countErr(err)
}

func (e *Engine) handleSmdr(ctx context.Context, rec *models.SmdrRecord) (int64, error) {
	if rec.ID == 0 {
		if err := e.smdr.Create(ctx, rec); err != nil {
			return 0, fmt.Errorf("storing smdr record: %w", err)
		}
	}

	if rowID, extID, ok := e.matchByID(ctx, rec); ok {
		e.matchedByID.Add(1)
		return rowID, e.enrich(ctx, rowID, extID, rec)
	}
	if rowID, extID, ok := e.matchByWindow(ctx, rec); ok {
		e.matchedByWindow.Add(1)
		return rowID, e.enrich(ctx, rowID, extID, rec)
	}

	rowID, extID, err := e.createStandalone(ctx, rec)
	if err != nil {
		return 0, err
	}
	e.standalone.Add(1)
	return rowID, e.enrich(ctx, rowID, extID, rec)
}

// matchByID checks the pending table, then the store, for the SMDR call id.
func (e *Engine) matchByID(ctx context.Context, rec *models.SmdrRecord) (int64, string, bool) {
	if rec.CallID == "" {
		return 0, "", false
	}
	e.mu.Lock()
	p, ok := e.pending[rec.CallID]
	if ok {
		delete(e.pending, rec.CallID)
	}
	e.mu.Unlock()
	if ok {
		e.observeMatchLatency(p.endedAt)
		return p.callRowID, p.externalID, true
	}
	call, err := e.calls.GetByExternalID(ctx, rec.CallID)
	if err != nil {
		return 0, "", false
	}
	return call.ID, call.ExternalCallID, true
}

// matchByWindow matches on agent extension plus call start time within
// the tolerance window. The match must be unambiguous: more than one
// candidate in the window means none is taken and the record falls
// through to a standalone row.
func (e *Engine) matchByWindow(ctx context.Context, rec *models.SmdrRecord) (int64, string, bool) {
	ext := extensionFor(rec)
	if ext == "" || rec.CallStart.IsZero() {
		return 0, "", false
	}

	e.mu.Lock()
	var only *pendingMatch
	var onlyKey string
	hits := 0
	for key, p := range e.pending {
		if p.extension != ext {
			continue
		}
		if absDuration(p.startTime.Sub(rec.CallStart)) > matchWindow {
			continue
		}
		hits++
		cp := p
		only = &cp
		onlyKey = key
	}
	if hits == 1 {
		delete(e.pending, onlyKey)
	}
	e.mu.Unlock()
	if hits > 1 {
		return 0, "", false
	}
	if hits == 1 {
		e.observeMatchLatency(only.endedAt)
		return only.callRowID, only.externalID, true
	}

	calls, err := e.calls.FindByWindow(ctx, rec.CallStart, matchWindow, ext)
	if err != nil || len(calls) != 1 {
		return 0, "", false
	}
	return calls[0].ID, calls[0].ExternalCallID, true
}

// createStandalone builds a completed call row from SMDR data alone.
func (e *Engine) createStandalone(ctx context.Context, rec *models.SmdrRecord) (int64, string, error) {
	start := rec.CallStart
	dur := rec.ConnectedSecs + rec.RingSecs + rec.HoldSecs + rec.ParkSecs
	end := start.Add(time.Duration(dur) * time.Second)
	direction := models.DirectionOutbound
	if rec.Direction == "I" {
		direction = models.DirectionInbound
	}
	if rec.IsInternal {
		direction = models.DirectionInternal
	}

	externalID := rec.CallID
	if externalID == "" {
		externalID = fmt.Sprintf("smdr-%d", rec.ID)
	}
	call := &models.Call{
		ExternalCallID: externalID,
		Direction:      direction,
		State:          models.CallStateCompleted,
		CallerNumber:   rec.Caller,
		CalledNumber:   rec.CalledNumber,
		AgentExtension: extensionFor(rec),
		StartTime:      &start,
		EndTime:        &end,
		Duration:       dur,
		TalkDuration:   rec.ConnectedSecs,
		HoldDuration:   rec.HoldSecs,
		Answered:       rec.ConnectedSecs > 0,
		Abandoned:      rec.ConnectedSecs == 0,
		AccountCode:    rec.Account,
		Metadata:       map[string]string{"source": "smdr-only"},
	}
	h := e.resolver.Resolve(ctx, call.AgentExtension)
	if h.AgentID != 0 {
		call.AgentID = &h.AgentID
		call.AgentName = h.Name
	}

	rowID, _, err := e.buffer.UpsertCall(ctx, call)
	if err != nil {
		return 0, "", fmt.Errorf("creating standalone call for smdr %d: %w", rec.ID, err)
	}
	return rowID, externalID, nil
}

// enrich overlays SMDR-authoritative fields onto the matched call and
// flags the record reconciled. The matched call's own external id keys
// the upsert; SMDR durations win over the real-time estimates because
// the PBX computes them from the switch clock.
func (e *Engine) enrich(ctx context.Context, rowID int64, externalID string, rec *models.SmdrRecord) error {
	dur := rec.ConnectedSecs + rec.RingSecs + rec.HoldSecs + rec.ParkSecs
	call := &models.Call{
		ID:             rowID,
		ExternalCallID: externalID,
		State:          models.CallStateCompleted,
		TrunkName:      trunkNameFor(rec),
		Duration:       dur,
		TalkDuration:   rec.ConnectedSecs,
		HoldDuration:   rec.HoldSecs,
		Answered:       rec.ConnectedSecs > 0,
		AccountCode:    rec.Account,
		Metadata: map[string]string{
			"smdr_record_id": strconv.FormatInt(rec.ID, 10),
		},
	}
	if rec.CallCharge != "" {
		call.Metadata["call_charge"] = rec.CallCharge
		call.Metadata["currency"] = rec.Currency
	}
	if rec.ExternalTargetingCause != "" {
		call.Metadata["external_targeting_cause"] = rec.ExternalTargetingCause
	}
	if _, _, err := e.buffer.UpsertCall(ctx, call); err != nil {
		return fmt.Errorf("enriching call %d from smdr %d: %w", rowID, rec.ID, err)
	}

	at := e.now()
	if err := e.smdr.MarkReconciled(ctx, rec.ID, rowID, at); err != nil {
		return fmt.Errorf("marking smdr %d reconciled: %w", rec.ID, err)
	}
	rec.Reconciled = true
	rec.ReconciledAt = &at
	rec.MatchedCallID = &rowID
	return nil
}

// PendingCount reports how many ended calls are awaiting SMDR records.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats reports correlation outcome counters.
func (e *Engine) Stats() (byID, byWindow, standalone, evicted uint64) {
	return e.matchedByID.Load(), e.matchedByWindow.Load(), e.standalone.Load(), e.evicted.Load()
}

// ErrorCount reports how many event or record handlers have failed.
func (e *Engine) ErrorCount() uint64 {
	return e.errCount.Load()
}

// AvgMatchLatencyMs reports the mean delay between a call ending and
// its SMDR record being reconciled, over matches made from the pending
// table. Zero before the first match.
func (e *Engine) AvgMatchLatencyMs() float64 {
	n := e.latencyCount.Load()
	if n == 0 {
		return 0
	}
	return float64(e.latencySumMs.Load()) / float64(n)
}

func (e *Engine) observeMatchLatency(endedAt time.Time) {
	d := e.now().Sub(endedAt)
	if d < 0 {
		d = 0
	}
	e.latencySumMs.Add(uint64(d.Milliseconds()))
	e.latencyCount.Add(1)
}

func (e *Engine) countErr(err error) error {
	if err != nil {
		e.errCount.Add(1)
	}
	return err
}

func (e *Engine) evictStale() {
	cutoff := e.now().Add(-pendingTTL)
	e.mu.Lock()
	var n int
	for key, p := range e.pending {
		if p.endedAt.Before(cutoff) {
			delete(e.pending, key)
			n++
		}
	}
	e.mu.Unlock()
	if n > 0 {
		e.evicted.Add(uint64(n))
		e.logger.Debug("evicted stale pending matches", "count", n)
	}
}

// extensionFor picks the agent-side device extension from an SMDR record.
func extensionFor(rec *models.SmdrRecord) string {
	if ext := smdr.ExtractExtension(rec.Party1Device); ext != "" {
		return ext
	}
	return smdr.ExtractExtension(rec.Party2Device)
}

// trunkNameFor picks the trunk-side party name; trunk devices carry a
// T prefix.
func trunkNameFor(rec *models.SmdrRecord) string {
	if strings.HasPrefix(rec.Party1Device, "T") {
		return rec.Party1Name
	}
	if strings.HasPrefix(rec.Party2Device, "T") {
		return rec.Party2Name
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// eventTypeFor maps a state event to the call event log entry type.
func eventTypeFor(ev state.Event, created bool) models.CallEventType {
	switch ev.Type {
	case state.EventCallCreated:
		return models.EventInitiated
	case state.EventCallEnded:
		if ev.Call != nil && ev.Call.Abandoned {
			return models.EventAbandoned
		}
		return models.EventCompleted
	}
	if created {
		return models.EventInitiated
	}
	if ev.Call != nil {
		switch ev.Call.State {
		case models.CallStateQueued:
			return models.EventQueued
		case models.CallStateConnected:
			return models.EventAnswered
		case models.CallStateHold:
			return models.EventHeld
		case models.CallStateParked:
			return models.EventParked
		}
	}
	return models.EventRinging
}
