package auth

import (
	"fmt"
	"log/slog"
	"sync"
)

// TenantRegistry validates resolved tenant ids against the set of known
// tenants. Validation fails closed: an id the registry has never seen is
// rejected, and deactivating a tenant cuts off its requests without
// removing its registration.
type TenantRegistry struct {
	mu      sync.RWMutex
	tenants map[string]bool // id -> active
	logger  *slog.Logger
}

// NewTenantRegistry creates a registry with the given tenants, all active.
func NewTenantRegistry(ids []string, logger *slog.Logger) *TenantRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	tenants := make(map[string]bool, len(ids))
	for _, id := range ids {
		tenants[id] = true
	}
	return &TenantRegistry{tenants: tenants, logger: logger}
}

// Register adds a tenant (or reactivates a deactivated one).
func (r *TenantRegistry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[id] = true
}

// Deactivate marks a tenant inactive. Its registration stays, so requests
// fail with ErrTenantInactive rather than ErrTenantNotFound. Returns false
// for an unknown tenant.
func (r *TenantRegistry) Deactivate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[id]; !ok {
		return false
	}
	r.tenants[id] = false
	r.logger.Info("tenant deactivated", "tenant_id", id)
	return true
}

// Resolve validates a tenant id against the registry.
func (r *TenantRegistry) Resolve(id string) error {
	r.mu.RLock()
	active, ok := r.tenants[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrTenantNotFound, id)
	}
	if !active {
		return fmt.Errorf("%w: %q", ErrTenantInactive, id)
	}
	return nil
}

// Active reports whether a tenant is registered and active.
func (r *TenantRegistry) Active(id string) bool {
	return r.Resolve(id) == nil
}
