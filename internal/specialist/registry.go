package specialist

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ausmarton/agentforge/internal/config"
	"github.com/ausmarton/agentforge/internal/errs"
	"github.com/ausmarton/agentforge/internal/mcp"
)

// Builder constructs a bare Pack from a specialist's declared metadata.
// Registered under the dotted-path-or-name key a config's "builder" field
// names (e.g. "engineering", "research"). Config validation does not
// check builder names; Registry.Build fails with errs.ErrUnknownPack for
// a builder name nothing was registered under.
type Builder func(cfg config.SpecialistConfig) (Pack, error)

// Registry resolves a specialist id to a fully wrapped Pack: the builder
// output, optionally MCP-augmented, optionally container-augmented.
// Composition order is fixed here rather than left to caller choice: MCP
// tools are added first so a container wrapper that redirects "shell"
// still sees (and can choose to pass through) the MCP tool set.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	specs    map[string]config.SpecialistConfig
	order    []string
	mux      *mcp.Multiplexer
}

// NewRegistry builds a Registry from configuration. mux may be nil if no
// specialist declares mcp_servers.
func NewRegistry(cfg *config.Config, mux *mcp.Multiplexer) *Registry {
	return &Registry{
		builders: make(map[string]Builder),
		specs:    cfg.Specialists,
		order:    cfg.SpecialistOrder,
		mux:      mux,
	}
}

// RegisterBuilder binds a builder function under a name referenced by
// SpecialistConfig.Builder.
func (r *Registry) RegisterBuilder(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// IDs returns every configured specialist id in declaration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Capabilities returns the configured capability tags for a specialist,
// used by the planner's fallback keyword router.
func (r *Registry) Capabilities(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[id].Capabilities
}

// Keywords returns the configured routing keywords for a specialist.
func (r *Registry) Keywords(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[id].Keywords
}

// Build resolves one specialist id into a ready-to-open Pack.
func (r *Registry) Build(id string) (Pack, error) {
	r.mu.RLock()
	spec, ok := r.specs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownPack, id)
	}

	r.mu.RLock()
	builder, ok := r.builders[spec.Builder]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no builder registered for %q", errs.ErrUnknownPack, spec.Builder)
	}

	pack, err := builder(spec)
	if err != nil {
		return nil, fmt.Errorf("build specialist %s: %w", id, err)
	}
	if err := validateToolSchemas(pack); err != nil {
		return nil, fmt.Errorf("specialist %s: %w", id, err)
	}

	if len(spec.MCPServers) > 0 && r.mux != nil {
		pack = newMCPPack(pack, r.mux, spec.MCPServers)
	}
	if spec.ContainerImage != "" {
		pack = newContainerPack(pack, spec.ContainerImage)
	}
	return pack, nil
}

// sortedIDs is a small helper for builders that want the known specialist
// ids in a deterministic (lexical) order. The planner does not use it: its
// fallback router breaks ties by declaration order.
func sortedIDs(m map[string]config.SpecialistConfig) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
