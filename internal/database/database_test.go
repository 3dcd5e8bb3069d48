package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callsight/callsight/internal/database/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func timePtr(t time.Time) *time.Time { return &t }

func TestCallUpsertInsertThenMerge(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	start := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	id, created, err := repo.Upsert(ctx, &models.Call{
		ExternalCallID: "12345",
		Direction:      models.DirectionInbound,
		State:          models.CallStateRinging,
		CallerNumber:   "0712345678",
		StartTime:      timePtr(start),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !created || id == 0 {
		t.Fatalf("first upsert: id=%d created=%v", id, created)
	}

	end := start.Add(100 * time.Second)
	id2, created2, err := repo.Upsert(ctx, &models.Call{
		ExternalCallID: "12345",
		State:          models.CallStateCompleted,
		EndTime:        timePtr(end),
		Duration:       100,
		Answered:       true,
		Metadata:       map[string]string{"source": "stream"},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created2 || id2 != id {
		t.Fatalf("second upsert: id=%d created=%v, want id=%d update", id2, created2, id)
	}

	got, err := repo.GetByExternalID(ctx, "12345")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if got.State != models.CallStateCompleted {
		t.Errorf("State = %s", got.State)
	}
	// The update did not carry the caller; the stored value survives.
	if got.CallerNumber != "0712345678" {
		t.Errorf("CallerNumber = %q, cleared by partial update", got.CallerNumber)
	}
	if got.Duration != 100 || !got.Answered {
		t.Errorf("duration/answered = %d/%v", got.Duration, got.Answered)
	}
	if got.Metadata["source"] != "stream" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
}

func TestCallUpsertAnsweredOnlyRevisedAtCompletion(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	repo.Upsert(ctx, &models.Call{ExternalCallID: "89", State: models.CallStateConnected, Answered: true})
	repo.Upsert(ctx, &models.Call{ExternalCallID: "89", State: models.CallStateHold})
	got, err := repo.GetByExternalID(ctx, "89")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if !got.Answered {
		t.Error("mid-call update cleared answered")
	}

	// A completed-state update carries the definitive answer flag.
	repo.Upsert(ctx, &models.Call{ExternalCallID: "89", State: models.CallStateCompleted})
	got, err = repo.GetByExternalID(ctx, "89")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if got.Answered {
		t.Error("completed update with answered=false did not clear the flag")
	}
}

func TestCallMetadataMergeIntoRowWithoutMetadata(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	// The first upsert carries no metadata at all; the later merge must
	// still take.
	if _, _, err := repo.Upsert(ctx, &models.Call{ExternalCallID: "88"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, _, err := repo.Upsert(ctx, &models.Call{
		ExternalCallID: "88",
		Metadata:       map[string]string{"smdr_record_id": "7"},
	}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.GetByExternalID(ctx, "88")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if got.Metadata["smdr_record_id"] != "7" {
		t.Errorf("Metadata = %v, want smdr_record_id=7", got.Metadata)
	}
}

func TestCallMetadataMerges(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	repo.Upsert(ctx, &models.Call{
		ExternalCallID: "77",
		Metadata:       map[string]string{"a": "1", "b": "1"},
	})
	repo.Upsert(ctx, &models.Call{
		ExternalCallID: "77",
		Metadata:       map[string]string{"b": "2", "c": "3"},
	})

	got, err := repo.GetByExternalID(ctx, "77")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if got.Metadata[k] != v {
			t.Errorf("Metadata[%q] = %q, want %q", k, got.Metadata[k], v)
		}
	}
}

func TestCallNotFound(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)

	if _, err := repo.GetByID(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID missing = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetByExternalID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByExternalID missing = %v, want ErrNotFound", err)
	}
}

func TestCallFindByWindow(t *testing.T) {
	db := testDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	center := time.Date(2024, 2, 10, 12, 0, 5, 0, time.UTC)
	insert := func(extID, ext string, offset time.Duration) {
		t.Helper()
		_, _, err := repo.Upsert(ctx, &models.Call{
			ExternalCallID: extID,
			AgentExtension: ext,
			StartTime:      timePtr(center.Add(offset)),
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", extID, err)
		}
	}
	insert("a", "1001", 2*time.Second)
	insert("b", "1001", -4*time.Second)
	insert("c", "1001", 20*time.Second) // outside
	insert("d", "2002", time.Second)    // wrong extension

	got, err := repo.FindByWindow(ctx, center, 5*time.Second, "1001")
	if err != nil {
		t.Fatalf("FindByWindow: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d calls, want 2", len(got))
	}
	// Ordered by start_time.
	if got[0].ExternalCallID != "b" || got[1].ExternalCallID != "a" {
		t.Errorf("window order = %s, %s", got[0].ExternalCallID, got[1].ExternalCallID)
	}
}

func TestCallEventBatchPreservesOrder(t *testing.T) {
	db := testDB(t)
	calls := NewCallRepository(db)
	events := NewCallEventRepository(db)
	ctx := context.Background()

	callID, _, err := calls.Upsert(ctx, &models.Call{ExternalCallID: "55"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ts := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	batch := []models.CallEvent{
		{CallID: callID, Type: models.EventInitiated, Timestamp: ts},
		{CallID: callID, Type: models.EventAnswered, Timestamp: ts.Add(5 * time.Second), AgentExtension: "201"},
		{CallID: callID, Type: models.EventCompleted, Timestamp: ts.Add(100 * time.Second)},
	}
	if err := events.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := events.CreateBatch(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}

	got, err := events.ListByCall(ctx, callID)
	if err != nil {
		t.Fatalf("ListByCall: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	wantTypes := []models.CallEventType{models.EventInitiated, models.EventAnswered, models.EventCompleted}
	for i, want := range wantTypes {
		if got[i].Type != want {
			t.Errorf("event[%d] = %s, want %s", i, got[i].Type, want)
		}
	}
	if got[1].AgentExtension != "201" {
		t.Errorf("event[1].AgentExtension = %q", got[1].AgentExtension)
	}
}

func TestAgentLifecycle(t *testing.T) {
	db := testDB(t)
	repo := NewAgentRepository(db)
	ctx := context.Background()

	agent := &models.Agent{Extension: "201", Name: "Bob", Active: true}
	if err := repo.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if agent.ID == 0 {
		t.Fatal("Create did not fill ID")
	}

	got, err := repo.GetByExtension(ctx, "201")
	if err != nil {
		t.Fatalf("GetByExtension: %v", err)
	}
	if got.Name != "Bob" || got.CurrentState != models.AgentLoggedOut {
		t.Errorf("agent = %+v", got)
	}

	start := time.Now().UTC().Truncate(time.Second)
	if err := repo.UpdateState(ctx, agent.ID, models.AgentTalking, start, "12345"); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}
	got, err = repo.GetByID(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.CurrentState != models.AgentTalking || got.ActiveCallID != "12345" {
		t.Errorf("after update = %s/%q", got.CurrentState, got.ActiveCallID)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("ListActive = %d agents", len(active))
	}
}

func TestAgentStateSegments(t *testing.T) {
	db := testDB(t)
	agents := NewAgentRepository(db)
	states := NewAgentStateRepository(db)
	ctx := context.Background()

	agent := &models.Agent{Extension: "202", Active: true}
	if err := agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// No open segment yet.
	if err := states.CloseOpenSegment(ctx, agent.ID, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("CloseOpenSegment with none open = %v, want ErrNotFound", err)
	}

	start := time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)
	seg := &models.AgentStateSegment{
		AgentID:       agent.ID,
		State:         models.AgentTalking,
		PreviousState: models.AgentIdle,
		StartTime:     start,
		Reason:        "connected",
	}
	if err := states.CreateSegment(ctx, seg); err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}

	if err := states.CloseOpenSegment(ctx, agent.ID, start.Add(42*time.Second)); err != nil {
		t.Fatalf("CloseOpenSegment: %v", err)
	}

	segs, err := states.ListByAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("ListByAgent: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments", len(segs))
	}
	if segs[0].Duration == nil || *segs[0].Duration != 42 {
		t.Errorf("Duration = %v, want 42", segs[0].Duration)
	}
	if segs[0].PreviousState != models.AgentIdle || segs[0].Reason != "connected" {
		t.Errorf("segment = %+v", segs[0])
	}
}

func TestAgentMappings(t *testing.T) {
	db := testDB(t)
	agents := NewAgentRepository(db)
	mappings := NewAgentMappingRepository(db)
	ctx := context.Background()

	agent := &models.Agent{Extension: "203", Active: true}
	if err := agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create agent: %v", err)
	}

	m := &models.AgentMapping{AgentID: agent.ID, Extension: "8203"}
	if err := mappings.Create(ctx, m); err != nil {
		t.Fatalf("Create mapping: %v", err)
	}
	if m.ID == 0 {
		t.Error("Create did not fill mapping ID")
	}

	list, err := mappings.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Extension != "8203" || list[0].AgentID != agent.ID {
		t.Errorf("mappings = %+v", list)
	}
}

func TestHuntGroupUpsertStats(t *testing.T) {
	db := testDB(t)
	repo := NewHuntGroupRepository(db)
	ctx := context.Background()

	g := &models.HuntGroup{
		Name:         "Sales",
		CallsWaiting: 2,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := repo.UpsertStats(ctx, g); err != nil {
		t.Fatalf("first UpsertStats: %v", err)
	}
	if g.ID == 0 {
		t.Fatal("insert did not fill ID")
	}
	firstID := g.ID

	g.CallsWaiting = 0
	g.AgentsAvailable = 3
	if err := repo.UpsertStats(ctx, g); err != nil {
		t.Fatalf("second UpsertStats: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d groups, want 1 after upsert", len(list))
	}
	if list[0].ID != firstID || list[0].CallsWaiting != 0 || list[0].AgentsAvailable != 3 {
		t.Errorf("group = %+v", list[0])
	}
}

func TestSmdrCreateAndReconcile(t *testing.T) {
	db := testDB(t)
	smdr := NewSmdrRepository(db)
	calls := NewCallRepository(db)
	ctx := context.Background()

	callID, _, err := calls.Upsert(ctx, &models.Call{ExternalCallID: "12345"})
	if err != nil {
		t.Fatalf("upsert call: %v", err)
	}

	rec := &models.SmdrRecord{
		Raw:           "raw,line",
		CallStart:     time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC),
		ConnectedSecs: 100,
		RingSecs:      5,
		Caller:        "0712345678",
		Direction:     "I",
		CallID:        "12345",
		Account:       "ACCT001",
	}
	if err := smdr.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("Create did not fill ID")
	}

	got, err := smdr.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Reconciled || got.MatchedCallID != nil {
		t.Errorf("new record already reconciled: %+v", got)
	}
	if got.ConnectedSecs != 100 || got.Account != "ACCT001" {
		t.Errorf("record = %+v", got)
	}

	at := time.Now().UTC()
	if err := smdr.MarkReconciled(ctx, rec.ID, callID, at); err != nil {
		t.Fatalf("MarkReconciled: %v", err)
	}
	got, err = smdr.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID after reconcile: %v", err)
	}
	if !got.Reconciled || got.MatchedCallID == nil || *got.MatchedCallID != callID {
		t.Errorf("after reconcile = %+v", got)
	}
	if got.ReconciledAt == nil {
		t.Error("ReconciledAt not set")
	}

	if err := smdr.MarkReconciled(ctx, 9999, callID, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkReconciled missing = %v, want ErrNotFound", err)
	}
	if _, err := smdr.GetByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID missing = %v, want ErrNotFound", err)
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: "sqlite"}
	if got := sqlite.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = ? AND b = ?" {
		t.Errorf("sqlite rebind altered query: %q", got)
	}
	pg := &DB{driver: "postgres"}
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}
