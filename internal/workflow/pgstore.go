package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillgate/quillgate/internal/audit"
	"github.com/quillgate/quillgate/model"
)

// PgStore is a PostgreSQL-backed workflow Store using pgx/v5. State changes
// and their audit events commit in one transaction. The per-instance
// advisory lock uses pg_try_advisory_lock on a dedicated connection so it
// spans the whole Advance call, not a single transaction.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateRequest implements Store.
func (s *PgStore) CreateRequest(ctx context.Context, req model.Request, events []model.AuditEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		payloadJSON, err := json.Marshal(req.Payload)
		if err != nil {
			return fmt.Errorf("workflow: marshal payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO requests (
				id, owner_id, category, status, payload,
				draft_content, final_content, instance_id, failure_reason,
				reviewer_id, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12, $13)`,
			req.ID, req.OwnerID, req.Category, req.Status, payloadJSON,
			req.DraftContent, req.FinalContent, req.InstanceID, req.FailureReason,
			req.ReviewerID, req.Version, req.CreatedAt, req.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
		}
		if err != nil {
			return fmt.Errorf("workflow: insert request: %w", err)
		}
		return appendEventsTx(ctx, tx, events)
	})
}

// GetRequest implements Store.
func (s *PgStore) GetRequest(ctx context.Context, requestID string) (model.Request, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, category, status, payload,
		       draft_content, final_content, COALESCE(instance_id, ''), failure_reason,
		       reviewer_id, version, created_at, updated_at
		FROM requests WHERE id = $1`,
		requestID,
	), requestID)
}

// CreateInstance implements Store.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.Instance, req model.Request, events []model.AuditEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		stateJSON, err := json.Marshal(inst.State)
		if err != nil {
			return fmt.Errorf("workflow: marshal state: %w", err)
		}
		// The partial unique index on request_id for non-terminal instances
		// enforces at most one active-or-suspended instance per request.
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_instances (
				id, request_id, current_step, status, suspend_point, resume_schema,
				state, last_error, version, started_at, completed_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			inst.ID, inst.RequestID, inst.CurrentStep, inst.Status, inst.SuspendPoint, inst.ResumeSchema,
			stateJSON, inst.LastError, inst.Version, inst.StartedAt, inst.CompletedAt, inst.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return model.NewConflictError(
				fmt.Sprintf("request %q already has an active instance", inst.RequestID),
			)
		}
		if err != nil {
			return fmt.Errorf("workflow: insert instance: %w", err)
		}
		if err := updateRequestTx(ctx, tx, req); err != nil {
			return err
		}
		return appendEventsTx(ctx, tx, events)
	})
}

// GetInstance implements Store.
func (s *PgStore) GetInstance(ctx context.Context, instanceID string) (model.Instance, error) {
	return scanInstance(s.pool.QueryRow(ctx, instanceSelect+` WHERE id = $1`, instanceID), instanceID)
}

// UpdateInstance implements Store.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.Instance, req *model.Request, events []model.AuditEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		stateJSON, err := json.Marshal(inst.State)
		if err != nil {
			return fmt.Errorf("workflow: marshal state: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_step = $1, status = $2, suspend_point = $3, resume_schema = $4,
				state = $5, last_error = $6, version = $7, completed_at = $8, updated_at = $9
			WHERE id = $10 AND version = $11`,
			inst.CurrentStep, inst.Status, inst.SuspendPoint, inst.ResumeSchema,
			stateJSON, inst.LastError, inst.Version+1, inst.CompletedAt, time.Now().UTC(),
			inst.ID, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("workflow: update instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("instance %q version conflict (expected %d)", inst.ID, inst.Version),
			)
		}
		if req != nil {
			if err := updateRequestTx(ctx, tx, *req); err != nil {
				return err
			}
		}
		return appendEventsTx(ctx, tx, events)
	})
}

// FindByStatus implements Store.
func (s *PgStore) FindByStatus(ctx context.Context, status string, limit int) ([]model.Instance, error) {
	sql := instanceSelect + ` WHERE status = $1 ORDER BY started_at ASC`
	args := []any{status}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryInstances(ctx, sql, args...)
}

// FindStale implements Store.
func (s *PgStore) FindStale(ctx context.Context, cutoff time.Time) ([]model.Instance, error) {
	return s.queryInstances(ctx,
		instanceSelect+` WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`,
		model.InstanceStatusRunning, cutoff,
	)
}

// TryLock implements Store. The advisory lock is held on a pooled
// connection pinned for the duration; release returns the connection.
func (s *PgStore) TryLock(ctx context.Context, instanceID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("workflow: acquire conn: %w", err)
	}

	var locked bool
	if err := conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, instanceID,
	).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("workflow: advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, model.NewAlreadyAdvancingError(instanceID)
	}

	return func() {
		_, _ = conn.Exec(context.Background(),
			`SELECT pg_advisory_unlock(hashtext($1))`, instanceID)
		conn.Release()
	}, nil
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const instanceSelect = `
	SELECT id, request_id, current_step, status, suspend_point, resume_schema,
	       state, last_error, version, started_at, completed_at, updated_at
	FROM workflow_instances`

func (s *PgStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) queryInstances(ctx context.Context, sql string, args ...any) ([]model.Instance, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("workflow: query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func updateRequestTx(ctx context.Context, tx pgx.Tx, req model.Request) error {
	tag, err := tx.Exec(ctx, `
		UPDATE requests SET
			status = $1, draft_content = $2, final_content = $3,
			instance_id = NULLIF($4, ''), failure_reason = $5, reviewer_id = $6,
			version = $7, updated_at = $8
		WHERE id = $9 AND version = $10`,
		req.Status, req.DraftContent, req.FinalContent,
		req.InstanceID, req.FailureReason, req.ReviewerID,
		req.Version+1, time.Now().UTC(),
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("workflow: update request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d)", req.ID, req.Version),
		)
	}
	return nil
}

func appendEventsTx(ctx context.Context, tx pgx.Tx, events []model.AuditEvent) error {
	for _, e := range events {
		if _, err := audit.AppendTx(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner, requestID string) (model.Request, error) {
	var req model.Request
	var payloadJSON []byte
	err := row.Scan(
		&req.ID, &req.OwnerID, &req.Category, &req.Status, &payloadJSON,
		&req.DraftContent, &req.FinalContent, &req.InstanceID, &req.FailureReason,
		&req.ReviewerID, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Request{}, model.NewNotFoundError(fmt.Sprintf("request %q not found", requestID))
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("workflow: scan request: %w", err)
	}
	if payloadJSON != nil {
		_ = json.Unmarshal(payloadJSON, &req.Payload)
	}
	return req, nil
}

func scanInstance(row rowScanner, instanceID string) (model.Instance, error) {
	inst, err := scanInstanceRow(row)
	if model.IsCode(err, model.ErrNotFound) {
		return model.Instance{}, model.NewNotFoundError(fmt.Sprintf("instance %q not found", instanceID))
	}
	return inst, err
}

func scanInstanceRow(row rowScanner) (model.Instance, error) {
	var inst model.Instance
	var stateJSON []byte
	err := row.Scan(
		&inst.ID, &inst.RequestID, &inst.CurrentStep, &inst.Status, &inst.SuspendPoint, &inst.ResumeSchema,
		&stateJSON, &inst.LastError, &inst.Version, &inst.StartedAt, &inst.CompletedAt, &inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instance{}, model.NewNotFoundError("instance not found")
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("workflow: scan instance: %w", err)
	}
	if stateJSON != nil {
		_ = json.Unmarshal(stateJSON, &inst.State)
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
