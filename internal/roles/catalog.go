// Package roles defines the built-in node role templates and the optional
// roles.yaml overlay. A role supplies the system prompt text and default
// capabilities a node is created with; configuration can rebind a role to a
// different provider.
package roles

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vuhlp/vuhlp/internal/run"
)

// Built-in role ids.
const (
	RoleOrchestrator = "orchestrator"
	RolePlanner      = "planner"
	RoleImplementer  = "implementer"
	RoleReviewer     = "reviewer"
)

// Role describes one node role.
type Role struct {
	ID           string           `yaml:"id"`
	Provider     string           `yaml:"provider"`
	Template     string           `yaml:"template"`
	Capabilities run.Capabilities `yaml:"capabilities"`
	Permissions  run.Permissions  `yaml:"permissions"`
}

// Catalog resolves role ids to role definitions.
type Catalog struct {
	mu    sync.RWMutex
	roles map[string]*Role
}

// NewCatalog returns a catalog seeded with the built-in roles.
func NewCatalog() *Catalog {
	c := &Catalog{roles: make(map[string]*Role)}
	for _, r := range builtins() {
		c.roles[r.ID] = r
	}
	return c
}

// LoadOverlay merges role definitions from a roles.yaml file. Entries
// replace built-ins with the same id; a missing file is not an error.
func (c *Catalog) LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read roles overlay: %w", err)
	}

	var overlay struct {
		Roles []*Role `yaml:"roles"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse roles overlay: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range overlay.Roles {
		if r.ID == "" {
			return fmt.Errorf("roles overlay entry without id")
		}
		if base, ok := c.roles[r.ID]; ok {
			merged := *base
			if r.Provider != "" {
				merged.Provider = r.Provider
			}
			if r.Template != "" {
				merged.Template = r.Template
			}
			c.roles[r.ID] = &merged
			continue
		}
		c.roles[r.ID] = r
	}
	return nil
}

// ApplyProviderOverrides rebinds roles to providers from the config roles
// map. Unknown role ids create a minimal role so ad-hoc roles can still be
// routed to a provider.
func (c *Catalog) ApplyProviderOverrides(overrides map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, provider := range overrides {
		if r, ok := c.roles[id]; ok {
			updated := *r
			updated.Provider = provider
			c.roles[id] = &updated
			continue
		}
		c.roles[id] = &Role{
			ID:       id,
			Provider: provider,
			Capabilities: run.Capabilities{
				WriteDocs:      true,
				EdgeManagement: run.EdgeScopeNone,
			},
			Permissions: run.Permissions{CLIPermissions: run.PermissionsGated},
		}
	}
}

// Get returns the role with the given id.
func (c *Catalog) Get(id string) (*Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// List returns all roles sorted by id.
func (c *Catalog) List() []*Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Role, 0, len(c.roles))
	for _, r := range c.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func builtins() []*Role {
	return []*Role{
		{
			ID: RoleOrchestrator,
			Template: "You are the orchestrator of a multi-agent run. Break the goal " +
				"into tasks, spawn worker nodes with the spawn_node tool, route work " +
				"with send_handoff, and collect their reports. Do not edit files " +
				"yourself; delegate implementation work.",
			Capabilities: run.Capabilities{
				DelegateOnly:   true,
				EdgeManagement: run.EdgeScopeAll,
			},
			Permissions: run.Permissions{
				CLIPermissions:                  run.PermissionsGated,
				AgentManagementRequiresApproval: false,
			},
		},
		{
			ID: RolePlanner,
			Template: "You are a planning agent. Study the repository and produce a " +
				"concrete, ordered implementation plan. Write plan documents only; " +
				"do not change code.",
			Capabilities: run.Capabilities{
				WriteDocs:      true,
				EdgeManagement: run.EdgeScopeNone,
			},
			Permissions: run.Permissions{CLIPermissions: run.PermissionsGated},
		},
		{
			ID: RoleImplementer,
			Template: "You are an implementation agent. Apply the requested changes " +
				"to the codebase, run the relevant checks, and report what you " +
				"changed with a short summary.",
			Capabilities: run.Capabilities{
				WriteCode:      true,
				WriteDocs:      true,
				RunCommands:    true,
				EdgeManagement: run.EdgeScopeSelf,
			},
			Permissions: run.Permissions{CLIPermissions: run.PermissionsGated},
		},
		{
			ID: RoleReviewer,
			Template: "You are a code review agent. Inspect the changes you are " +
				"handed, point out defects and risks, and state clearly whether " +
				"the work is acceptable. Do not modify files.",
			Capabilities: run.Capabilities{
				WriteDocs:      true,
				EdgeManagement: run.EdgeScopeNone,
			},
			Permissions: run.Permissions{CLIPermissions: run.PermissionsGated},
		},
	}
}
