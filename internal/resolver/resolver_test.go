package resolver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

func testResolver(t *testing.T) (*AgentResolver, database.AgentRepository, database.AgentMappingRepository) {
	t.Helper()
	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	agents := database.NewAgentRepository(db)
	mappings := database.NewAgentMappingRepository(db)
	r := New(agents, mappings, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, agents, mappings
}

func TestResolveWarmCache(t *testing.T) {
	r, agents, mappings := testResolver(t)
	ctx := context.Background()

	agent := &models.Agent{Extension: "201", Name: "Bob", Active: true}
	if err := agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mappings.Create(ctx, &models.AgentMapping{AgentID: agent.ID, Extension: "8201"}); err != nil {
		t.Fatalf("Create mapping: %v", err)
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	h := r.Resolve(ctx, "201")
	if h.AgentID != agent.ID || h.Name != "Bob" {
		t.Errorf("primary extension handle = %+v", h)
	}

	// A secondary mapping resolves to the same agent.
	h = r.Resolve(ctx, "8201")
	if h.AgentID != agent.ID {
		t.Errorf("mapped extension handle = %+v", h)
	}

	hits, misses, _ := r.Stats()
	if hits != 2 || misses != 0 {
		t.Errorf("hits/misses = %d/%d, want 2/0", hits, misses)
	}
}

func TestResolveCreatesPlaceholder(t *testing.T) {
	r, agents, _ := testResolver(t)
	ctx := context.Background()

	h := r.Resolve(ctx, "305")
	if h.AgentID == 0 {
		t.Fatalf("placeholder handle has no agent id: %+v", h)
	}
	if h.Name != "Extension 305" {
		t.Errorf("placeholder name = %q", h.Name)
	}

	// The placeholder is a real row.
	stored, err := agents.GetByExtension(ctx, "305")
	if err != nil {
		t.Fatalf("GetByExtension: %v", err)
	}
	if stored.ID != h.AgentID || stored.CurrentState != models.AgentLoggedOut || !stored.Active {
		t.Errorf("stored placeholder = %+v", stored)
	}

	// Second resolve is a cache hit on the same handle.
	h2 := r.Resolve(ctx, "305")
	if h2 != h {
		t.Errorf("second resolve = %+v, want %+v", h2, h)
	}
	hits, misses, placeholders := r.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", hits, misses)
	}
	if placeholders != 1 {
		t.Errorf("placeholders = %d, want 1", placeholders)
	}
}

func TestResolveEmptyExtension(t *testing.T) {
	r, _, _ := testResolver(t)
	h := r.Resolve(context.Background(), "")
	if h.AgentID != 0 || h.Ref != "unresolved" {
		t.Errorf("empty extension handle = %+v", h)
	}
}

func TestResolveFindsUncachedRow(t *testing.T) {
	r, agents, _ := testResolver(t)
	ctx := context.Background()

	// Row exists but the cache was never warmed.
	agent := &models.Agent{Extension: "410", Name: "Dana", Active: true}
	if err := agents.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	h := r.Resolve(ctx, "410")
	if h.AgentID != agent.ID || h.Name != "Dana" {
		t.Errorf("handle = %+v", h)
	}
}

func TestInvalidateForcesLookup(t *testing.T) {
	r, agents, _ := testResolver(t)
	ctx := context.Background()

	h := r.Resolve(ctx, "500")
	r.Invalidate("500")

	// After invalidation the next resolve reloads the stored row rather
	// than creating a second placeholder.
	h2 := r.Resolve(ctx, "500")
	if h2.AgentID != h.AgentID {
		t.Errorf("post-invalidate handle = %+v, want agent %d", h2, h.AgentID)
	}
	if list, err := agents.ListActive(ctx); err != nil || len(list) != 1 {
		t.Errorf("agents = %d (err %v), want 1", len(list), err)
	}
}

type failingAgentRepo struct {
	database.AgentRepository
}

func (failingAgentRepo) GetByExtension(ctx context.Context, extension string) (*models.Agent, error) {
	return nil, database.ErrNotFound
}

func (failingAgentRepo) Create(ctx context.Context, agent *models.Agent) error {
	return context.DeadlineExceeded
}

func TestResolveTransientHandleNotCached(t *testing.T) {
	r := New(failingAgentRepo{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	h := r.Resolve(ctx, "999")
	if h.AgentID != 0 {
		t.Errorf("transient handle carries agent id: %+v", h)
	}
	if h.Ref != "placeholder-999" {
		t.Errorf("Ref = %q", h.Ref)
	}

	// Transient handles must not be cached; the store is retried.
	r.Resolve(ctx, "999")
	hits, misses, placeholders := r.Stats()
	if hits != 0 {
		t.Errorf("hits = %d, transient handle was cached", hits)
	}
	if misses != 2 || placeholders != 2 {
		t.Errorf("misses/placeholders = %d/%d, want 2/2", misses, placeholders)
	}
}
