package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema:

CREATE TABLE sagas (
    id              VARCHAR(36) PRIMARY KEY,
    saga_type       VARCHAR(255) NOT NULL,
    payload         JSONB,
    status          VARCHAR(50) NOT NULL,
    current_step    INT NOT NULL DEFAULT 0,
    completed_steps JSONB,
    last_error      TEXT,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    version         BIGINT NOT NULL DEFAULT 0,
    archived        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX idx_sagas_saga_type ON sagas(saga_type);
CREATE INDEX idx_sagas_status ON sagas(status) WHERE NOT archived;
CREATE INDEX idx_sagas_created_at ON sagas(created_at);
*/

// PostgresStore is a PostgreSQL-based saga store. Archived instances stay in
// the same table behind the archived flag, so terminal history remains
// queryable with SQL.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	table string
}

// WithTable sets a custom table name for the PostgreSQL saga store.
func WithTable(table string) PostgresStoreOption {
	return func(o *postgresStoreOptions) {
		if table != "" {
			o.table = table
		}
	}
}

// NewPostgresStore creates a new PostgreSQL saga store.
//
// The default table name is "sagas".
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	o := &postgresStoreOptions{
		table: "sagas",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &PostgresStore{
		db:    db,
		table: o.table,
	}
}

// Create persists a new instance.
func (s *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	completedSteps, err := json.Marshal(inst.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, saga_type, payload, status, current_step, completed_steps, last_error, created_at, updated_at, version, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		ON CONFLICT (id) DO NOTHING
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		inst.ID,
		inst.SagaType,
		[]byte(inst.Payload),
		inst.Status,
		inst.CurrentStep,
		completedSteps,
		inst.LastError,
		inst.CreatedAt,
		inst.UpdatedAt,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, inst.ID)
	}

	return nil
}

// Get retrieves an active instance by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	return s.get(ctx, id, false)
}

// GetArchived retrieves an archived instance by ID.
func (s *PostgresStore) GetArchived(ctx context.Context, id string) (*Instance, error) {
	return s.get(ctx, id, true)
}

func (s *PostgresStore) get(ctx context.Context, id string, archived bool) (*Instance, error) {
	query := fmt.Sprintf(`
		SELECT id, saga_type, payload, status, current_step, completed_steps, last_error, created_at, updated_at, version
		FROM %s
		WHERE id = $1 AND archived = $2
	`, s.table)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id, archived))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	return inst, nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var payload, completedSteps []byte
	var lastError sql.NullString

	err := row.Scan(
		&inst.ID,
		&inst.SagaType,
		&payload,
		&inst.Status,
		&inst.CurrentStep,
		&completedSteps,
		&lastError,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.Version,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		inst.Payload = json.RawMessage(payload)
	}
	if len(completedSteps) > 0 {
		if err := json.Unmarshal(completedSteps, &inst.CompletedSteps); err != nil {
			return nil, fmt.Errorf("unmarshal completed_steps: %w", err)
		}
	}
	if lastError.Valid {
		inst.LastError = lastError.String
	}

	return &inst, nil
}

// Update persists a mutation with optimistic locking.
//
// The UPDATE is predicated on the stored version matching inst.Version. A
// zero-row result is disambiguated with an existence check: the instance is
// either gone (ErrNotFound) or someone else advanced it (version conflict).
func (s *PostgresStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	completedSteps, err := json.Marshal(inst.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}

	newVersion := inst.Version + 1

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, current_step = $2, completed_steps = $3, last_error = $4, updated_at = $5, version = $6
		WHERE id = $7 AND version = $8 AND NOT archived
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		inst.Status,
		inst.CurrentStep,
		completedSteps,
		inst.LastError,
		inst.UpdatedAt,
		newVersion,
		inst.ID,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var actual int64
		checkQuery := fmt.Sprintf("SELECT version FROM %s WHERE id = $1 AND NOT archived", s.table)
		err := s.db.QueryRowContext(ctx, checkQuery, inst.ID).Scan(&actual)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("version check: %w", err)
		}
		return NewVersionConflictError(inst.ID, inst.Version, actual)
	}

	inst.Version = newVersion
	return nil
}

// ListActive returns all instances not in a terminal status.
func (s *PostgresStore) ListActive(ctx context.Context) ([]*Instance, error) {
	return s.List(ctx, Filter{Status: ActiveStatuses})
}

// List returns active instances matching the filter.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Instance, error) {
	query := fmt.Sprintf(`
		SELECT id, saga_type, payload, status, current_step, completed_steps, last_error, created_at, updated_at, version
		FROM %s
		WHERE NOT archived
	`, s.table)

	var args []any
	argIndex := 1

	if filter.SagaType != "" {
		query += fmt.Sprintf(" AND saga_type = $%d", argIndex)
		args = append(args, filter.SagaType)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, status)
			argIndex++
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, inst)
	}

	return results, rows.Err()
}

// Archive moves a terminal instance out of the active set by setting the
// archived flag. The row remains readable through GetArchived.
func (s *PostgresStore) Archive(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET archived = TRUE
		WHERE id = $1 AND NOT archived AND status IN ($2, $3, $4)
	`, s.table)

	result, err := s.db.ExecContext(ctx, query, id, StatusCompleted, StatusCompensated, StatusFailed)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		inst, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("saga instance %s is not terminal: %s", id, inst.Status)
	}

	return nil
}

// DeleteArchivedOlderThan removes archived instances older than the
// specified age. Returns how many rows were removed.
func (s *PostgresStore) DeleteArchivedOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE archived AND updated_at < $1", s.table)

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.RowsAffected()
}

// Health performs a health check on the PostgreSQL saga store.
func (s *PostgresStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE NOT archived", s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count instances: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var pending, running, compensating int64
	statusQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE NOT archived AND status = $1", s.table)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusPending).Scan(&pending)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusRunning).Scan(&running)
	_ = s.db.QueryRowContext(ctx, statusQuery, StatusCompensating).Scan(&compensating)

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"active_instances":       count,
			"pending_instances":      pending,
			"running_instances":      running,
			"compensating_instances": compensating,
			"table":                  s.table,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*PostgresStore)(nil)
	_ health.Checker = (*PostgresStore)(nil)
)
