// Package persist batches database writes behind the hot event path so a
// slow or briefly unavailable store never blocks parsing and correlation.
package persist

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

const (
	// flushThreshold forces an immediate flush regardless of the timer.
	flushThreshold  = 50
	flushInterval   = 500 * time.Millisecond
	flushRetryDelay = 100 * time.Millisecond
	// drainTimeout bounds the shutdown drain; the supervisor's own
	// shutdown deadline sits above it.
	drainTimeout = 10 * time.Second
)

// Buffer accumulates call lifecycle events and flushes them in batches.
// Call upserts and agent state writes go through synchronously since
// correlation needs their row ids back.
type Buffer struct {
	calls       database.CallRepository
	events      database.CallEventRepository
	agents      database.AgentRepository
	agentStates database.AgentStateRepository
	logger      *slog.Logger

	mu       sync.Mutex
	pending  []models.CallEvent
	inFlight bool

	wake chan struct{}
	done chan struct{}
}

// New creates a Buffer. Run must be started for timed flushes to happen.
func New(calls database.CallRepository, events database.CallEventRepository,
	agents database.AgentRepository, agentStates database.AgentStateRepository,
	logger *slog.Logger) *Buffer {
	return &Buffer{
		calls:       calls,
		events:      events,
		agents:      agents,
		agentStates: agentStates,
		logger:      logger.With("subsystem", "persist"),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Run flushes pending events every flushInterval until ctx is cancelled,
// then drains whatever is left.
func (b *Buffer) Run(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			b.FlushPending(drainCtx)
			cancel()
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.wake:
			b.flush(ctx)
		}
	}
}

// Append queues a call event for the next flush. Crossing the batch
// threshold triggers a flush immediately.
func (b *Buffer) Append(ev models.CallEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	n := len(b.pending)
	b.mu.Unlock()

	if n >= flushThreshold {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Size reports the number of events waiting to be flushed.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// FlushPending synchronously drains the buffer, retrying failed batches
// until the buffer is empty or ctx expires. Used on shutdown, where the
// supervisor puts a deadline around it.
func (b *Buffer) FlushPending(ctx context.Context) {
	for {
		n, err := b.flush(ctx)
		if err == nil {
			if n == 0 {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			b.logger.Error("abandoning flush with events unwritten", "remaining", b.Size())
			return
		case <-time.After(flushRetryDelay):
		}
	}
}

// flush writes one batch and reports how many events it wrote. On
// failure the batch is put back at the front of the queue so event
// order is preserved across retries.
func (b *Buffer) flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	if b.inFlight || len(b.pending) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	batch := b.pending
	b.pending = nil
	b.inFlight = true
	b.mu.Unlock()

	err := b.events.CreateBatch(ctx, batch)

	b.mu.Lock()
	b.inFlight = false
	if err != nil {
		b.pending = append(batch, b.pending...)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("event batch flush failed, will retry", "batch_size", len(batch), "error", err)
		return 0, err
	}
	return len(batch), nil
}

// UpsertCall writes a call row synchronously and returns its id.
func (b *Buffer) UpsertCall(ctx context.Context, call *models.Call) (int64, bool, error) {
	return b.calls.Upsert(ctx, call)
}

// UpdateAgentState records an agent transition, history first: close the
// open segment, open the new one, then update the live row. A failure
// after the history write leaves the live row one transition behind,
// which the next transition repairs.
func (b *Buffer) UpdateAgentState(ctx context.Context, agentID int64, prev, next models.AgentState, at time.Time, callRowID *int64, activeCallID, reason string) error {
	if err := b.agentStates.CloseOpenSegment(ctx, agentID, at); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	seg := &models.AgentStateSegment{
		AgentID:       agentID,
		State:         next,
		PreviousState: prev,
		StartTime:     at,
		CallID:        callRowID,
		Reason:        reason,
	}
	if err := b.agentStates.CreateSegment(ctx, seg); err != nil {
		return err
	}
	return b.agents.UpdateState(ctx, agentID, next, at, activeCallID)
}

// Done is closed once Run has drained and exited.
func (b *Buffer) Done() <-chan struct{} {
	return b.done
}
