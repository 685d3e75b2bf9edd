package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// Store persists saga instance state. It is the engine's only shared mutable
// resource: executors coordinate exclusively through its compare-and-set
// Update, never through in-process locks, so the engine stays correct when
// executors run in separate processes.
//
// Implementations must be safe for concurrent use. Any storage technology
// satisfying Create/Get/Update/ListActive/Archive is acceptable.
//
// Implementations:
//   - MemoryStore: in-process, for tests and single-node deployments
//   - RedisStore: distributed deployments (see redis.go)
//   - PostgresStore: SQL deployments (see postgres.go)
//   - MongoStore: MongoDB deployments (see mongodb.go)
type Store interface {
	// Create persists a new instance. Returns ErrDuplicateID if an instance
	// with this id already exists.
	Create(ctx context.Context, inst *Instance) error

	// Get retrieves an active instance by id. Returns ErrNotFound if it does
	// not exist or was archived.
	Get(ctx context.Context, id string) (*Instance, error)

	// Update persists a mutation with optimistic locking: the write succeeds
	// only if the stored version equals inst.Version, otherwise
	// ErrVersionConflict is returned and nothing changes. On success the
	// stored and in-memory versions are incremented.
	Update(ctx context.Context, inst *Instance) error

	// ListActive returns all instances not in a terminal status. Used by the
	// recovery sweep after a restart.
	ListActive(ctx context.Context) ([]*Instance, error)

	// List returns instances matching the filter.
	List(ctx context.Context, filter Filter) ([]*Instance, error)

	// Archive moves a terminal instance out of the active set. Returns
	// ErrNotFound if the instance is not active.
	Archive(ctx context.Context, id string) error
}

// Filter specifies criteria for listing instances. All fields are optional;
// the zero Filter matches every active instance.
type Filter struct {
	SagaType string   // Filter by saga type (empty = all types)
	Status   []Status // Filter by status (empty = all statuses)
	Limit    int      // Maximum results (0 = no limit)
}

func (f Filter) matches(inst *Instance) bool {
	if f.SagaType != "" && inst.SagaType != f.SagaType {
		return false
	}
	if len(f.Status) > 0 {
		matched := false
		for _, s := range f.Status {
			if inst.Status == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MemoryStore is an in-memory saga store for tests and single-node use.
// Archived instances are kept in a separate map so terminal history remains
// inspectable without showing up in recovery sweeps.
type MemoryStore struct {
	mu       sync.RWMutex
	active   map[string]*Instance
	archived map[string]*Instance
}

// NewMemoryStore creates an empty in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   make(map[string]*Instance),
		archived: make(map[string]*Instance),
	}
}

// Create persists a new instance.
func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[inst.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}
	if _, exists := s.archived[inst.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}
	s.active[inst.ID] = inst.Clone()

	return nil
}

// Get retrieves an active instance by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// Update persists a mutation with optimistic locking.
func (s *MemoryStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.active[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	}

	if existing.Version != inst.Version {
		return NewVersionConflictError(inst.ID, inst.Version, existing.Version)
	}

	inst.Version++
	s.active[inst.ID] = inst.Clone()

	return nil
}

// ListActive returns all instances not in a terminal status.
func (s *MemoryStore) ListActive(ctx context.Context) ([]*Instance, error) {
	return s.List(ctx, Filter{Status: ActiveStatuses})
}

// List returns active instances matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Instance
	for _, inst := range s.active {
		if !filter.matches(inst) {
			continue
		}
		results = append(results, inst.Clone())
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}

	return results, nil
}

// Archive moves a terminal instance out of the active set.
func (s *MemoryStore) Archive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !inst.Status.Terminal() {
		return fmt.Errorf("saga instance %s is not terminal: %s", id, inst.Status)
	}

	s.archived[id] = inst
	delete(s.active, id)

	return nil
}

// GetArchived retrieves an archived instance by id. Useful for audit queries
// after the instance left the active set.
func (s *MemoryStore) GetArchived(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.archived[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

// Cleanup removes archived instances older than the specified age and
// returns how many were removed.
func (s *MemoryStore) Cleanup(age time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	deleted := 0

	for id, inst := range s.archived {
		if inst.UpdatedAt.Before(cutoff) {
			delete(s.archived, id)
			deleted++
		}
	}

	return deleted
}

// Health performs a health check on the memory store. Always healthy since
// in-memory stores have no connectivity to lose.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	s.mu.RLock()
	active := len(s.active)
	archived := len(s.archived)
	s.mu.RUnlock()

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"active_instances":   active,
			"archived_instances": archived,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MemoryStore)(nil)
	_ health.Checker = (*MemoryStore)(nil)
)
