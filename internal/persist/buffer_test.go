package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// flakyEventRepo fails the first failures batches, then records the rest.
type flakyEventRepo struct {
	mu       sync.Mutex
	failures int
	batches  [][]models.CallEvent
}

func (r *flakyEventRepo) CreateBatch(ctx context.Context, events []models.CallEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("store unavailable")
	}
	batch := make([]models.CallEvent, len(events))
	copy(batch, events)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *flakyEventRepo) ListByCall(ctx context.Context, callID int64) ([]models.CallEvent, error) {
	return nil, nil
}

func (r *flakyEventRepo) stored() []models.CallEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.CallEvent
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func testBuffer(events database.CallEventRepository) *Buffer {
	return New(nil, events, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBufferThresholdFlush(t *testing.T) {
	repo := &flakyEventRepo{}
	b := testBuffer(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < flushThreshold; i++ {
		b.Append(models.CallEvent{CallID: 1, Type: models.EventInitiated})
	}

	// The threshold wakes the flusher well before the interval timer.
	deadline := time.Now().Add(flushInterval / 2)
	for time.Now().Before(deadline) {
		if len(repo.stored()) == flushThreshold {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("stored %d events before the timer, want %d", len(repo.stored()), flushThreshold)
}

func TestBufferTimerFlush(t *testing.T) {
	repo := &flakyEventRepo{}
	b := testBuffer(repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Append(models.CallEvent{CallID: 2, Type: models.EventAnswered})
	if got := b.Size(); got != 1 {
		t.Errorf("Size = %d, want 1", got)
	}

	deadline := time.Now().Add(3 * flushInterval)
	for time.Now().Before(deadline) {
		if len(repo.stored()) == 1 {
			if got := b.Size(); got != 0 {
				t.Errorf("Size after flush = %d", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("single event never flushed by the interval timer")
}

func TestBufferRetryPreservesOrder(t *testing.T) {
	repo := &flakyEventRepo{failures: 1}
	b := testBuffer(repo)
	ctx := context.Background()

	b.Append(models.CallEvent{CallID: 1, Type: models.EventInitiated})
	b.Append(models.CallEvent{CallID: 1, Type: models.EventAnswered})

	// First flush fails and requeues the batch.
	n, err := b.flush(ctx)
	if n != 0 || err == nil {
		t.Errorf("failed flush: n=%d err=%v", n, err)
	}
	if got := b.Size(); got != 2 {
		t.Errorf("Size after failed flush = %d, want 2", got)
	}

	// An event arriving between failure and retry lands after the batch.
	b.Append(models.CallEvent{CallID: 1, Type: models.EventCompleted})

	n, err = b.flush(ctx)
	if n != 3 || err != nil {
		t.Errorf("retry: n=%d err=%v, want 3 events written", n, err)
	}
	stored := repo.stored()
	wantTypes := []models.CallEventType{models.EventInitiated, models.EventAnswered, models.EventCompleted}
	for i, want := range wantTypes {
		if stored[i].Type != want {
			t.Errorf("stored[%d] = %s, want %s", i, stored[i].Type, want)
		}
	}
}

func TestFlushPendingRetriesAfterError(t *testing.T) {
	repo := &flakyEventRepo{failures: 2}
	b := testBuffer(repo)

	for i := 0; i < 4; i++ {
		b.Append(models.CallEvent{CallID: int64(i), Type: models.EventCompleted})
	}

	// A transient store error must not end the drain early.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.FlushPending(ctx)

	if got := b.Size(); got != 0 {
		t.Errorf("Size after FlushPending = %d, want 0", got)
	}
	if got := len(repo.stored()); got != 4 {
		t.Errorf("stored %d events, want 4", got)
	}
}

func TestFlushPendingStopsAtDeadline(t *testing.T) {
	// A store that never recovers must not hold the drain forever.
	repo := &flakyEventRepo{failures: 1 << 30}
	b := testBuffer(repo)
	b.Append(models.CallEvent{CallID: 1, Type: models.EventCompleted})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.FlushPending(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FlushPending ignored the context deadline")
	}
	if got := b.Size(); got != 1 {
		t.Errorf("Size = %d, the unwritable event should remain queued", got)
	}
}

func TestBufferDrainOnShutdown(t *testing.T) {
	repo := &flakyEventRepo{}
	b := testBuffer(repo)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	for i := 0; i < 5; i++ {
		b.Append(models.CallEvent{CallID: int64(i), Type: models.EventCompleted})
	}
	cancel()

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run never exited after cancel")
	}
	if got := len(repo.stored()); got != 5 {
		t.Errorf("drained %d events, want 5", got)
	}
}

func TestUpdateAgentStateWritesHistoryFirst(t *testing.T) {
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	agents := database.NewAgentRepository(db)
	states := database.NewAgentStateRepository(db)
	b := New(nil, nil, agents, states, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	agent := &models.Agent{Extension: "201", Active: true}
	if err := agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	t0 := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	if err := b.UpdateAgentState(ctx, agent.ID, models.AgentIdle, models.AgentTalking, t0, nil, "12345", "connected"); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := b.UpdateAgentState(ctx, agent.ID, models.AgentTalking, models.AgentIdle, t0.Add(90*time.Second), nil, "", "call ended"); err != nil {
		t.Fatalf("second transition: %v", err)
	}

	segs, err := states.ListByAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Duration == nil || *segs[0].Duration != 90 {
		t.Errorf("first segment duration = %v, want 90", segs[0].Duration)
	}
	if segs[1].Duration != nil {
		t.Errorf("open segment has duration %v", segs[1].Duration)
	}

	live, err := agents.GetByID(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if live.CurrentState != models.AgentIdle || live.ActiveCallID != "" {
		t.Errorf("live row = %s/%q", live.CurrentState, live.ActiveCallID)
	}
}
