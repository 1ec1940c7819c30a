package rbac

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/axisflow/trustplane/internal/auth"
)

// RoleDefinition is a named set of permission patterns with optional
// inheritance.
type RoleDefinition struct {
	Name        string
	Permissions []string
	Description string
	Inherits    []string
}

// roleShape is the configuration form of a role definition when given as an
// object rather than a plain permission list.
type roleShape struct {
	Permissions []string `mapstructure:"permissions"`
	Description string   `mapstructure:"description"`
	Inherits    []string `mapstructure:"inherits"`
}

// Graph holds the role hierarchy and answers permission questions.
//
// Effective permission sets are memoized per role; the memo is invalidated
// on any mutation. Reads take a shared lock, mutations and memo fills take
// the exclusive lock, so a concurrent reader never observes a partially
// updated graph.
type Graph struct {
	mu          sync.RWMutex
	roles       map[string]*RoleDefinition
	memo        map[string]map[string]struct{}
	defaultRole string
	logger      *slog.Logger
}

// NewGraph builds a role graph from a configuration mapping. Each value is
// either a plain permission list or an object with permissions,
// description, and inherits fields. Undefined inheritance targets and
// inheritance cycles are load errors.
func NewGraph(roles map[string]any, defaultRole string, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{
		roles:       make(map[string]*RoleDefinition, len(roles)),
		memo:        make(map[string]map[string]struct{}),
		defaultRole: defaultRole,
		logger:      logger,
	}

	for name, raw := range roles {
		def, err := parseRoleDefinition(name, raw)
		if err != nil {
			return nil, err
		}
		g.roles[name] = def
	}

	if err := g.validateInheritance(); err != nil {
		return nil, err
	}

	names := g.roleNames()
	logger.Info("loaded role graph", "roles", len(names), "names", names)
	return g, nil
}

func parseRoleDefinition(name string, raw any) (*RoleDefinition, error) {
	switch value := raw.(type) {
	case []string:
		return &RoleDefinition{Name: name, Permissions: value}, nil
	case []any:
		perms := make([]string, 0, len(value))
		for _, item := range value {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid permission entry for role %q", name)
			}
			perms = append(perms, s)
		}
		return &RoleDefinition{Name: name, Permissions: perms}, nil
	case map[string]any:
		var shape roleShape
		if err := mapstructure.Decode(value, &shape); err != nil {
			return nil, fmt.Errorf("invalid role definition for %q: %w", name, err)
		}
		return &RoleDefinition{
			Name:        name,
			Permissions: shape.Permissions,
			Description: shape.Description,
			Inherits:    shape.Inherits,
		}, nil
	default:
		return nil, fmt.Errorf("invalid role definition for %q", name)
	}
}

// validateInheritance checks every inheritance edge resolves to a defined
// role and that the graph is acyclic. Caller must hold no locks (only used
// during construction and under the write lock).
func (g *Graph) validateInheritance() error {
	for name, def := range g.roles {
		for _, parent := range def.Inherits {
			if _, ok := g.roles[parent]; !ok {
				return fmt.Errorf("role %q inherits from undefined role %q", name, parent)
			}
		}
	}
	for name := range g.roles {
		visited := map[string]bool{}
		if err := g.checkCycle(name, visited, map[string]bool{}); err != nil {
			return err
		}
	}
	return nil
}

// checkCycle walks inheritance depth-first; revisiting a role still on the
// current path is a cycle.
func (g *Graph) checkCycle(name string, visited, path map[string]bool) error {
	if path[name] {
		return fmt.Errorf("inheritance cycle detected involving role %q", name)
	}
	if visited[name] {
		return nil
	}
	visited[name] = true
	path[name] = true
	if def, ok := g.roles[name]; ok {
		for _, parent := range def.Inherits {
			if err := g.checkCycle(parent, visited, path); err != nil {
				return err
			}
		}
	}
	delete(path, name)
	return nil
}

// EffectivePermissions returns the union of a role's own patterns and all
// transitively inherited patterns. Unknown roles yield an empty set. The
// returned map is a copy; callers may mutate it freely.
func (g *Graph) EffectivePermissions(roleName string) map[string]struct{} {
	g.mu.RLock()
	if cached, ok := g.memo[roleName]; ok {
		out := copySet(cached)
		g.mu.RUnlock()
		return out
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	return copySet(g.resolveLocked(roleName))
}

// resolveLocked computes and memoizes a role's effective permission set.
// Caller must hold the write lock.
func (g *Graph) resolveLocked(roleName string) map[string]struct{} {
	if cached, ok := g.memo[roleName]; ok {
		return cached
	}

	def, ok := g.roles[roleName]
	if !ok {
		g.logger.Warn("unknown role", "role", roleName)
		return map[string]struct{}{}
	}

	permissions := make(map[string]struct{}, len(def.Permissions))
	for _, p := range def.Permissions {
		permissions[p] = struct{}{}
	}
	for _, parent := range def.Inherits {
		for p := range g.resolveLocked(parent) {
			permissions[p] = struct{}{}
		}
	}

	g.memo[roleName] = permissions
	return permissions
}

// PrincipalPermissions returns every permission pattern a principal can
// draw on: the union of its roles' effective permissions, the default
// role's permissions when the principal holds no roles at all, and the
// principal's explicit grants.
func (g *Graph) PrincipalPermissions(p *auth.Principal) map[string]struct{} {
	permissions := map[string]struct{}{}

	for _, role := range p.Roles {
		for perm := range g.EffectivePermissions(role) {
			permissions[perm] = struct{}{}
		}
	}
	if len(p.Roles) == 0 && g.defaultRole != "" {
		for perm := range g.EffectivePermissions(g.defaultRole) {
			permissions[perm] = struct{}{}
		}
	}
	for _, perm := range p.Permissions {
		permissions[perm] = struct{}{}
	}
	return permissions
}

// Authorize reports whether the principal is granted the permission through
// any role, the default role, or an explicit grant, honoring wildcards.
func (g *Graph) Authorize(p *auth.Principal, permission string) bool {
	return MatchesAny(g.PrincipalPermissions(p), permission)
}

// AuthorizeRole reports whether the principal holds at least one of the
// given roles.
func (g *Graph) AuthorizeRole(p *auth.Principal, roles ...string) bool {
	return p.HasAnyRole(roles...)
}

// RequirePermission returns ErrInsufficientPermission when the principal
// lacks the permission. The denied permission is logged, not returned.
func (g *Graph) RequirePermission(p *auth.Principal, permission string) error {
	if !g.Authorize(p, permission) {
		g.logger.Warn("access denied",
			"subject", p.Subject, "permission", permission)
		return ErrInsufficientPermission
	}
	return nil
}

// RequireRole returns ErrInsufficientRole when the principal holds none of
// the given roles. The required roles are logged, not returned.
func (g *Graph) RequireRole(p *auth.Principal, roles ...string) error {
	if !g.AuthorizeRole(p, roles...) {
		g.logger.Warn("access denied",
			"subject", p.Subject, "required_roles", roles)
		return ErrInsufficientRole
	}
	return nil
}

// AddRole defines a new role at runtime. Duplicate names and undefined
// inheritance targets are rejected. Invalidates the permission memo.
func (g *Graph) AddRole(name string, permissions []string, description string, inherits []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.roles[name]; exists {
		return fmt.Errorf("role %q already exists", name)
	}
	for _, parent := range inherits {
		if _, ok := g.roles[parent]; !ok {
			return fmt.Errorf("cannot inherit from undefined role %q", parent)
		}
	}

	g.roles[name] = &RoleDefinition{
		Name:        name,
		Permissions: permissions,
		Description: description,
		Inherits:    inherits,
	}
	g.memo = make(map[string]map[string]struct{})

	g.logger.Info("added role", "role", name, "permissions", len(permissions))
	return nil
}

// RemoveRole deletes a role. Roles still referenced as a parent by another
// role cannot be removed. Invalidates the permission memo.
func (g *Graph) RemoveRole(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.roles[name]; !exists {
		return fmt.Errorf("role %q does not exist", name)
	}
	for otherName, def := range g.roles {
		for _, parent := range def.Inherits {
			if parent == name {
				return fmt.Errorf("cannot remove role %q: inherited by %q", name, otherName)
			}
		}
	}

	delete(g.roles, name)
	g.memo = make(map[string]map[string]struct{})

	g.logger.Info("removed role", "role", name)
	return nil
}

// Role returns a copy of a role definition.
func (g *Graph) Role(name string) (RoleDefinition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.roles[name]
	if !ok {
		return RoleDefinition{}, false
	}
	return RoleDefinition{
		Name:        def.Name,
		Permissions: append([]string(nil), def.Permissions...),
		Description: def.Description,
		Inherits:    append([]string(nil), def.Inherits...),
	}, true
}

// RoleStats summarizes one role for Stats.
type RoleStats struct {
	DirectPermissions int      `json:"direct_permissions"`
	InheritedFrom     []string `json:"inherited_from"`
	TotalPermissions  int      `json:"total_permissions"`
}

// Stats describes the loaded role graph.
type Stats struct {
	TotalRoles             int                  `json:"total_roles"`
	TotalUniquePermissions int                  `json:"total_unique_permissions"`
	Roles                  map[string]RoleStats `json:"roles"`
	DefaultRole            string               `json:"default_role,omitempty"`
}

// Stats reports role counts and per-role permission totals.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	unique := map[string]struct{}{}
	roleStats := make(map[string]RoleStats, len(g.roles))
	for name, def := range g.roles {
		for _, p := range def.Permissions {
			unique[p] = struct{}{}
		}
		roleStats[name] = RoleStats{
			DirectPermissions: len(def.Permissions),
			InheritedFrom:     append([]string(nil), def.Inherits...),
			TotalPermissions:  len(g.resolveLocked(name)),
		}
	}

	return Stats{
		TotalRoles:             len(g.roles),
		TotalUniquePermissions: len(unique),
		Roles:                  roleStats,
		DefaultRole:            g.defaultRole,
	}
}

func (g *Graph) roleNames() []string {
	names := make([]string, 0, len(g.roles))
	for name := range g.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copySet(set map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for key := range set {
		out[key] = struct{}{}
	}
	return out
}
