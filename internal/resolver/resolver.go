// Package resolver maps device extensions to agent records, creating
// placeholder agents for extensions seen on the wire before they are
// provisioned.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/callsight/callsight/internal/database"
	"github.com/callsight/callsight/internal/database/models"
)

// Handle is the resolved identity attached to call and state events.
type Handle struct {
	AgentID   int64
	Extension string
	Name      string
	// Ref distinguishes real rows from transient placeholders handed out
	// when the store rejected a create.
	Ref string
}

// AgentResolver caches extension lookups in front of the agent store.
type AgentResolver struct {
	agents   database.AgentRepository
	mappings database.AgentMappingRepository
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]Handle // extension -> handle

	hits         atomic.Uint64
	misses       atomic.Uint64
	placeholders atomic.Uint64
}

// New creates an AgentResolver. Call Load before first use to warm the
// cache from provisioned agents and secondary mappings.
func New(agents database.AgentRepository, mappings database.AgentMappingRepository, logger *slog.Logger) *AgentResolver {
	return &AgentResolver{
		agents:   agents,
		mappings: mappings,
		logger:   logger.With("subsystem", "resolver"),
		cache:    make(map[string]Handle),
	}
}

// Load warms the cache with all active agents and their secondary
// extension mappings.
func (r *AgentResolver) Load(ctx context.Context) error {
	agents, err := r.agents.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}
	byID := make(map[int64]models.Agent, len(agents))

	r.mu.Lock()
	for _, a := range agents {
		byID[a.ID] = a
		r.cache[a.Extension] = Handle{
			AgentID:   a.ID,
			Extension: a.Extension,
			Name:      a.Name,
			Ref:       fmt.Sprintf("agent-%d", a.ID),
		}
	}
	r.mu.Unlock()

	maps, err := r.mappings.List(ctx)
	if err != nil {
		return fmt.Errorf("loading agent mappings: %w", err)
	}
	r.mu.Lock()
	for _, m := range maps {
		a, ok := byID[m.AgentID]
		if !ok {
			continue
		}
		r.cache[m.Extension] = Handle{
			AgentID:   a.ID,
			Extension: m.Extension,
			Name:      a.Name,
			Ref:       fmt.Sprintf("agent-%d", a.ID),
		}
	}
	r.mu.Unlock()

	r.logger.Info("resolver cache loaded", "agents", len(agents), "mappings", len(maps))
	return nil
}

// Resolve returns the agent handle for an extension. Unknown extensions
// get a placeholder agent row created on the spot so correlation never
// drops an event for lack of provisioning. If even the create fails, a
// transient handle is returned and not cached; the next event retries.
func (r *AgentResolver) Resolve(ctx context.Context, extension string) Handle {
	if extension == "" {
		return Handle{Extension: "", Ref: "unresolved"}
	}

	r.mu.RLock()
	h, ok := r.cache[extension]
	r.mu.RUnlock()
	if ok {
		r.hits.Add(1)
		return h
	}
	r.misses.Add(1)

	if existing, err := r.agents.GetByExtension(ctx, extension); err == nil {
		h = Handle{
			AgentID:   existing.ID,
			Extension: existing.Extension,
			Name:      existing.Name,
			Ref:       fmt.Sprintf("agent-%d", existing.ID),
		}
		r.store(extension, h)
		return h
	}

	agent := &models.Agent{
		Extension:    extension,
		Name:         fmt.Sprintf("Extension %s", extension),
		CurrentState: models.AgentLoggedOut,
		Active:       true,
	}
	r.placeholders.Add(1)
	if err := r.agents.Create(ctx, agent); err != nil {
		r.logger.Warn("placeholder agent create failed, handing out transient handle",
			"extension", extension, "error", err)
		return Handle{
			Extension: extension,
			Name:      agent.Name,
			Ref:       fmt.Sprintf("placeholder-%s", extension),
		}
	}

	r.logger.Info("created placeholder agent", "extension", extension, "agent_id", agent.ID)
	h = Handle{
		AgentID:   agent.ID,
		Extension: extension,
		Name:      agent.Name,
		Ref:       fmt.Sprintf("agent-%d", agent.ID),
	}
	r.store(extension, h)
	return h
}

func (r *AgentResolver) store(extension string, h Handle) {
	r.mu.Lock()
	r.cache[extension] = h
	r.mu.Unlock()
}

// Invalidate drops an extension from the cache, for use when mappings
// change at runtime.
func (r *AgentResolver) Invalidate(extension string) {
	r.mu.Lock()
	delete(r.cache, extension)
	r.mu.Unlock()
}

// Stats reports cache effectiveness counters.
func (r *AgentResolver) Stats() (hits, misses, placeholders uint64) {
	return r.hits.Load(), r.misses.Load(), r.placeholders.Load()
}
