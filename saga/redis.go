package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Uses Redis Hashes for instance state:
- Hash: saga:{id} - instance state, including the version field
- Hash: saga:archive:{id} - archived terminal instances
- Set: saga:by_type:{type} - instance IDs by saga type
- Set: saga:by_status:{status} - instance IDs by status
- Sorted Set: saga:by_time - instance IDs sorted by creation time
*/

// casScript performs the compare-and-set write for Update. It compares the
// stored version against the caller's, rewrites the mutable fields and bumps
// the version in one atomic step, and returns the old status so the caller
// can maintain the status indexes.
//
// Returns:
//   - {-1} if the instance does not exist
//   - {0, actualVersion} on a version conflict
//   - {1, oldStatus} on success
var casScript = redis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
    return {-1}
end
if tonumber(version) ~= tonumber(ARGV[1]) then
    return {0, version}
end
local old_status = redis.call('HGET', KEYS[1], 'status')
redis.call('HSET', KEYS[1],
    'status', ARGV[2],
    'current_step', ARGV[3],
    'completed_steps', ARGV[4],
    'last_error', ARGV[5],
    'updated_at', ARGV[6],
    'version', tonumber(ARGV[1]) + 1)
return {1, old_status}
`)

// RedisStore is a Redis-based saga store.
//
// RedisStore provides distributed instance storage using Redis. It supports:
//   - Hash storage for instance state
//   - Atomic version-checked updates via a server-side script
//   - Set-based indexes for efficient filtering
//   - Optional TTL for automatic cleanup of archived instances
//   - Multiple coordinator processes sharing one store
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := saga.NewRedisStore(rdb).
//	    WithKeyPrefix("myapp:saga:").
//	    WithArchiveTTL(7 * 24 * time.Hour)
//
//	coord := saga.NewCoordinator(registry, store)
type RedisStore struct {
	client        redis.Cmdable
	prefix        string
	archivePrefix string
	typePrefix    string
	statusPrefix  string
	timeKey       string
	archiveTTL    time.Duration // TTL for archived instances (0 = no expiry)
}

// NewRedisStore creates a new Redis saga store.
//
// Parameters:
//   - client: A connected Redis client (supports single node, Sentinel, Cluster)
//
// Default configuration:
//   - Key prefix: "saga:"
//   - Archive TTL: 0 (no expiry)
func NewRedisStore(client redis.Cmdable) *RedisStore {
	s := &RedisStore{client: client}
	return s.WithKeyPrefix("saga:")
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
//
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	s.archivePrefix = prefix + "archive:"
	s.typePrefix = prefix + "by_type:"
	s.statusPrefix = prefix + "by_status:"
	s.timeKey = prefix + "by_time"
	return s
}

// WithArchiveTTL sets the TTL for archived instances.
//
// When set, archived instances are automatically deleted after the TTL
// expires. This prevents unbounded growth of terminal saga history.
//
// Returns the store for method chaining.
//
// Example:
//
//	store := saga.NewRedisStore(rdb).
//	    WithArchiveTTL(7 * 24 * time.Hour) // Keep history for 7 days
func (s *RedisStore) WithArchiveTTL(ttl time.Duration) *RedisStore {
	s.archiveTTL = ttl
	return s
}

// Create persists a new instance.
func (s *RedisStore) Create(ctx context.Context, inst *Instance) error {
	key := s.prefix + inst.ID

	// Atomic existence check using HSetNX on the id field
	ok, err := s.client.HSetNX(ctx, key, "id", inst.ID).Result()
	if err != nil {
		return fmt.Errorf("hsetnx: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}

	if err := s.saveInstance(ctx, key, inst); err != nil {
		return err
	}

	// Add to indexes
	if err := s.client.SAdd(ctx, s.typePrefix+inst.SagaType, inst.ID).Err(); err != nil {
		return fmt.Errorf("index by type: %w", err)
	}
	if err := s.client.SAdd(ctx, s.statusPrefix+string(inst.Status), inst.ID).Err(); err != nil {
		return fmt.Errorf("index by status: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.timeKey, redis.Z{
		Score:  float64(inst.CreatedAt.UnixNano()),
		Member: inst.ID,
	}).Err(); err != nil {
		return fmt.Errorf("index by time: %w", err)
	}

	return nil
}

// saveInstance writes every instance field to the hash
func (s *RedisStore) saveInstance(ctx context.Context, key string, inst *Instance) error {
	completedSteps, _ := json.Marshal(inst.CompletedSteps)

	fields := map[string]interface{}{
		"id":              inst.ID,
		"saga_type":       inst.SagaType,
		"payload":         string(inst.Payload),
		"status":          string(inst.Status),
		"current_step":    inst.CurrentStep,
		"completed_steps": completedSteps,
		"last_error":      inst.LastError,
		"created_at":      inst.CreatedAt.UnixNano(),
		"updated_at":      inst.UpdatedAt.UnixNano(),
		"version":         inst.Version,
	}

	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}

	return nil
}

// Get retrieves an active instance by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Instance, error) {
	return s.getKey(ctx, s.prefix+id, id)
}

// GetArchived retrieves an archived instance by ID.
func (s *RedisStore) GetArchived(ctx context.Context, id string) (*Instance, error) {
	return s.getKey(ctx, s.archivePrefix+id, id)
}

func (s *RedisStore) getKey(ctx context.Context, key, id string) (*Instance, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.parseInstance(fields)
}

// parseInstance converts hash fields to an Instance
func (s *RedisStore) parseInstance(fields map[string]string) (*Instance, error) {
	inst := &Instance{
		ID:        fields["id"],
		SagaType:  fields["saga_type"],
		Status:    Status(fields["status"]),
		LastError: fields["last_error"],
	}

	if payload := fields["payload"]; payload != "" {
		inst.Payload = json.RawMessage(payload)
	}

	if cs := fields["current_step"]; cs != "" {
		var err error
		inst.CurrentStep, err = strconv.Atoi(cs)
		if err != nil {
			return nil, fmt.Errorf("parse current_step: %w", err)
		}
	}

	if steps := fields["completed_steps"]; steps != "" {
		if err := json.Unmarshal([]byte(steps), &inst.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
		}
	}

	if ts := fields["created_at"]; ts != "" {
		nanos, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		inst.CreatedAt = time.Unix(0, nanos)
	}

	if ts := fields["updated_at"]; ts != "" {
		nanos, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		inst.UpdatedAt = time.Unix(0, nanos)
	}

	if v := fields["version"]; v != "" {
		var err error
		inst.Version, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse version: %w", err)
		}
	}

	return inst, nil
}

// Update persists a mutation with optimistic locking. The version check and
// write happen atomically server-side.
func (s *RedisStore) Update(ctx context.Context, inst *Instance) error {
	key := s.prefix + inst.ID
	completedSteps, _ := json.Marshal(inst.CompletedSteps)

	res, err := casScript.Run(ctx, s.client, []string{key},
		inst.Version,
		string(inst.Status),
		inst.CurrentStep,
		completedSteps,
		inst.LastError,
		inst.UpdatedAt.UnixNano(),
	).Slice()
	if err != nil {
		return fmt.Errorf("cas script: %w", err)
	}

	code, _ := res[0].(int64)
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	case 0:
		actual, _ := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
		return NewVersionConflictError(inst.ID, inst.Version, actual)
	}

	// Maintain the status index outside the script. A crash between the two
	// writes leaves a stale index entry, which readers tolerate because the
	// hash remains authoritative.
	oldStatus := fmt.Sprint(res[1])
	if oldStatus != string(inst.Status) {
		if err := s.client.SRem(ctx, s.statusPrefix+oldStatus, inst.ID).Err(); err != nil {
			return fmt.Errorf("srem old status: %w", err)
		}
		if err := s.client.SAdd(ctx, s.statusPrefix+string(inst.Status), inst.ID).Err(); err != nil {
			return fmt.Errorf("sadd new status: %w", err)
		}
	}

	inst.Version++

	return nil
}

// ListActive returns all instances not in a terminal status.
func (s *RedisStore) ListActive(ctx context.Context) ([]*Instance, error) {
	return s.List(ctx, Filter{Status: ActiveStatuses})
}

// List returns active instances matching the filter.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	ids, err := s.filterIDs(ctx, filter)
	if err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}

	var instances []*Instance
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if err != nil {
			// Stale index entry; skip
			continue
		}
		if !filter.matches(inst) {
			continue
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

func (s *RedisStore) filterIDs(ctx context.Context, filter Filter) ([]string, error) {
	if filter.SagaType != "" {
		ids, err := s.client.SMembers(ctx, s.typePrefix+filter.SagaType).Result()
		if err != nil {
			return nil, fmt.Errorf("smembers by type: %w", err)
		}
		return ids, nil
	}

	if len(filter.Status) > 0 {
		var ids []string
		for _, status := range filter.Status {
			statusIDs, err := s.client.SMembers(ctx, s.statusPrefix+string(status)).Result()
			if err != nil {
				return nil, fmt.Errorf("smembers by status: %w", err)
			}
			ids = append(ids, statusIDs...)
		}
		return ids, nil
	}

	ids, err := s.client.ZRevRange(ctx, s.timeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange by time: %w", err)
	}
	return ids, nil
}

// Archive moves a terminal instance out of the active set. The instance
// remains readable through GetArchived until the archive TTL expires.
func (s *RedisStore) Archive(ctx context.Context, id string) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Status.Terminal() {
		return fmt.Errorf("saga instance %s is not terminal: %s", id, inst.Status)
	}

	if err := s.client.Rename(ctx, s.prefix+id, s.archivePrefix+id).Err(); err != nil {
		return fmt.Errorf("rename to archive: %w", err)
	}

	if s.archiveTTL > 0 {
		if err := s.client.Expire(ctx, s.archivePrefix+id, s.archiveTTL).Err(); err != nil {
			return fmt.Errorf("expire archive: %w", err)
		}
	}

	// Remove from all indexes
	if err := s.client.SRem(ctx, s.typePrefix+inst.SagaType, id).Err(); err != nil {
		return fmt.Errorf("srem type index: %w", err)
	}
	if err := s.client.SRem(ctx, s.statusPrefix+string(inst.Status), id).Err(); err != nil {
		return fmt.Errorf("srem status index: %w", err)
	}
	if err := s.client.ZRem(ctx, s.timeKey, id).Err(); err != nil {
		return fmt.Errorf("zrem time index: %w", err)
	}

	return nil
}

// Count returns the total number of active instances.
func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.timeKey).Result()
}

// CountByStatus returns the count of active instances in a status.
func (s *RedisStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return s.client.SCard(ctx, s.statusPrefix+string(status)).Result()
}

// Health performs a health check on the Redis store.
//
// Returns health.StatusHealthy if Redis is responsive, with active instance
// counts in the details. Returns health.StatusUnhealthy otherwise.
func (s *RedisStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	total, err := s.Count(ctx)
	if err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis connectivity failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"active_instances": total,
			"key_prefix":       s.prefix,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*RedisStore)(nil)
	_ health.Checker = (*RedisStore)(nil)
)
